package analytics

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridefed/stride/internal/db"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedUser(t *testing.T, store *db.Store) *db.User {
	t.Helper()
	u := &db.User{
		ID:           uuid.NewString(),
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: "x",
		Enabled:      true,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, store.CreateUser(context.Background(), u))
	return u
}

func saveActivity(t *testing.T, store *db.Store, userID, activityType string, started time.Time, distance, elevation float64) *db.Activity {
	t.Helper()
	a := &db.Activity{
		ID:              uuid.NewString(),
		UserID:          userID,
		ActivityType:    activityType,
		StartedAt:       &started,
		Timezone:        "UTC",
		Visibility:      db.VisibilityPrivate,
		DistanceMeters:  distance,
		DurationSeconds: 3600,
		ElevationGain:   elevation,
		SourceFormat:    "GPX",
		CreatedAt:       time.Now(),
	}
	require.NoError(t, store.SaveActivity(context.Background(), a,
		&db.Metrics{ActivityID: a.ID, AvgSpeed: 2.5}))
	return a
}

func TestProcessActivityDistanceBadges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	user := seedUser(t, store)
	svc := NewAchievements(store, testLogger())

	started := time.Date(2026, 6, 10, 10, 0, 0, 0, time.UTC)
	a := saveActivity(t, store, user.ID, "running", started, 105000, 0)

	earned, err := svc.ProcessActivity(ctx, a)
	require.NoError(t, err)
	assert.Contains(t, earned, AchFirstActivity)
	assert.Contains(t, earned, AchFirstMarathon)
	assert.Contains(t, earned, AchHundredKmTotal)
	assert.NotContains(t, earned, AchCenturyRide, "century is a riding badge")
	assert.NotContains(t, earned, AchThousandKmTotal)

	// Re-processing the same activity grants nothing new.
	earned, err = svc.ProcessActivity(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, earned)
}

func TestProcessActivityStreakBadge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	user := seedUser(t, store)
	svc := NewAchievements(store, testLogger())

	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	var last *db.Activity
	for i := 0; i < 6; i++ {
		last = saveActivity(t, store, user.ID, "running", start.AddDate(0, 0, i), 5000, 0)
	}
	earned, err := svc.ProcessActivity(ctx, last)
	require.NoError(t, err)
	assert.NotContains(t, earned, AchWeekStreak, "six days is not a week")

	// The seventh consecutive day completes the streak.
	last = saveActivity(t, store, user.ID, "running", start.AddDate(0, 0, 6), 5000, 0)
	earned, err = svc.ProcessActivity(ctx, last)
	require.NoError(t, err)
	assert.Contains(t, earned, AchWeekStreak)
	assert.NotContains(t, earned, AchMonthStreak)
}

func TestProcessActivityMultiSportBadge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	user := seedUser(t, store)
	svc := NewAchievements(store, testLogger())

	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	saveActivity(t, store, user.ID, "running", start, 5000, 0)
	saveActivity(t, store, user.ID, "riding", start.AddDate(0, 0, 2), 20000, 0)
	a := saveActivity(t, store, user.ID, "swimming", start.AddDate(0, 0, 4), 1500, 0)

	earned, err := svc.ProcessActivity(ctx, a)
	require.NoError(t, err)
	assert.Contains(t, earned, AchMultiSport)
	assert.NotContains(t, earned, AchAllRounder, "five types needed")
}

func TestLongestDayStreak(t *testing.T) {
	assert.Zero(t, longestDayStreak(nil))

	days := map[string]struct{}{"2026-06-01": {}}
	assert.Equal(t, 1, longestDayStreak(days))

	// A gap resets the run; the longest stretch wins.
	days = map[string]struct{}{
		"2026-06-01": {}, "2026-06-02": {},
		"2026-06-05": {}, "2026-06-06": {}, "2026-06-07": {},
	}
	assert.Equal(t, 3, longestDayStreak(days))

	// Month boundaries are just consecutive days.
	days = map[string]struct{}{"2026-06-30": {}, "2026-07-01": {}}
	assert.Equal(t, 2, longestDayStreak(days))
}
