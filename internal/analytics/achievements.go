package analytics

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/stridefed/stride/internal/db"
)

// Achievement types. Each is a one-time badge; the store makes re-granting a
// no-op.
const (
	AchFirstActivity     = "FIRST_ACTIVITY"
	AchTenActivities     = "TEN_ACTIVITIES"
	AchFiftyActivities   = "FIFTY_ACTIVITIES"
	AchHundredActivities = "HUNDRED_ACTIVITIES"
	AchFirstMarathon     = "FIRST_MARATHON"
	AchCenturyRide       = "CENTURY_RIDE"
	AchEarlyBird         = "EARLY_BIRD" // started before 06:00 local
	AchNightOwl          = "NIGHT_OWL"  // started after 21:00 local
	AchEverest           = "EVEREST"    // 8849 m of climbing in one activity
	AchHundredKmTotal    = "HUNDRED_KM_TOTAL"
	AchThousandKmTotal   = "THOUSAND_KM_TOTAL"
	AchWeekStreak        = "WEEK_STREAK"  // 7 consecutive active days
	AchMonthStreak       = "MONTH_STREAK" // 30 consecutive active days
	AchMultiSport        = "MULTI_SPORT"  // 3 distinct activity types
	AchAllRounder        = "ALL_ROUNDER"  // 5 distinct activity types
)

const (
	marathonMeters   = 42195.0
	centuryMeters    = 100000.0
	everestMeters    = 8849.0
	hundredKmMeters  = 100000.0
	thousandKmMeters = 1000000.0
	weekStreakDays   = 7
	monthStreakDays  = 30
	multiSportTypes  = 3
	allRounderTypes  = 5
)

// Achievements evaluates badge rules after each ingested activity.
type Achievements struct {
	store *db.Store
	log   *slog.Logger
}

func NewAchievements(store *db.Store, log *slog.Logger) *Achievements {
	return &Achievements{store: store, log: log}
}

// ProcessActivity checks every rule against the new activity and grants what
// applies. Returns the freshly earned achievement types.
func (s *Achievements) ProcessActivity(ctx context.Context, a *db.Activity) ([]string, error) {
	total, err := s.store.CountUserActivities(ctx, a.UserID, "")
	if err != nil {
		return nil, err
	}

	var candidates []string
	switch {
	case total >= 100:
		candidates = append(candidates, AchHundredActivities)
		fallthrough
	case total >= 50:
		candidates = append(candidates, AchFiftyActivities)
		fallthrough
	case total >= 10:
		candidates = append(candidates, AchTenActivities)
		fallthrough
	case total >= 1:
		candidates = append(candidates, AchFirstActivity)
	}

	if a.ActivityType == "running" && a.DistanceMeters >= marathonMeters {
		candidates = append(candidates, AchFirstMarathon)
	}
	if a.ActivityType == "riding" && a.DistanceMeters >= centuryMeters {
		candidates = append(candidates, AchCenturyRide)
	}
	if a.ElevationGain >= everestMeters {
		candidates = append(candidates, AchEverest)
	}
	if a.StartedAt != nil {
		hour := startHour(a)
		if hour < 6 {
			candidates = append(candidates, AchEarlyBird)
		}
		if hour >= 21 {
			candidates = append(candidates, AchNightOwl)
		}
	}

	history, err := s.store.ListActivitiesForAnalytics(ctx, a.UserID)
	if err != nil {
		return nil, err
	}
	var totalDistance float64
	days := make(map[string]struct{})
	types := make(map[string]struct{})
	for _, h := range history {
		totalDistance += h.DistanceMeters
		if h.ActivityType != "" {
			types[h.ActivityType] = struct{}{}
		}
		if h.StartedAt != nil {
			days[h.StartedAt.Format("2006-01-02")] = struct{}{}
		}
	}
	if totalDistance >= hundredKmMeters {
		candidates = append(candidates, AchHundredKmTotal)
	}
	if totalDistance >= thousandKmMeters {
		candidates = append(candidates, AchThousandKmTotal)
	}
	if streak := longestDayStreak(days); streak >= weekStreakDays {
		candidates = append(candidates, AchWeekStreak)
		if streak >= monthStreakDays {
			candidates = append(candidates, AchMonthStreak)
		}
	}
	if len(types) >= multiSportTypes {
		candidates = append(candidates, AchMultiSport)
	}
	if len(types) >= allRounderTypes {
		candidates = append(candidates, AchAllRounder)
	}

	var earned []string
	for _, kind := range candidates {
		fresh, err := s.store.GrantAchievement(ctx, &db.Achievement{
			UserID:          a.UserID,
			AchievementType: kind,
			ActivityID:      a.ID,
			EarnedAt:        time.Now(),
		})
		if err != nil {
			return nil, err
		}
		if fresh {
			earned = append(earned, kind)
		}
	}
	if len(earned) > 0 {
		s.log.Info("achievements earned", "user", a.UserID, "achievements", earned)
	}
	return earned, nil
}

// longestDayStreak finds the longest run of consecutive calendar days in a
// set of YYYY-MM-DD dates.
func longestDayStreak(days map[string]struct{}) int {
	if len(days) == 0 {
		return 0
	}
	sorted := make([]string, 0, len(days))
	for d := range days {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)

	best, run := 1, 1
	prev, _ := time.Parse("2006-01-02", sorted[0])
	for _, d := range sorted[1:] {
		t, _ := time.Parse("2006-01-02", d)
		if t.Sub(prev) == 24*time.Hour {
			run++
			if run > best {
				best = run
			}
		} else {
			run = 1
		}
		prev = t
	}
	return best
}

// startHour reads the local start hour, using the activity's recorded
// timezone when it names a valid location.
func startHour(a *db.Activity) int {
	t := *a.StartedAt
	if a.Timezone != "" {
		if loc, err := time.LoadLocation(a.Timezone); err == nil {
			t = t.In(loc)
		}
	}
	return t.Hour()
}
