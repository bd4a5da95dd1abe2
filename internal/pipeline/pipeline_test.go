package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridefed/stride/internal/analytics"
	"github.com/stridefed/stride/internal/ap"
	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/db"
	"github.com/stridefed/stride/internal/heatmap"
)

func newTestPipeline(t *testing.T) (*Pipeline, *db.Store) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	urls := ap.NewURLs("https://stride.example", "stride.example")
	client := ap.NewClient()
	resolver := ap.NewResolver(store, client, log)
	outbox := ap.NewDispatcher(store, client, resolver, urls, log)

	records := analytics.NewRecords(store, log)
	achievements := analytics.NewAchievements(store, log)
	load := analytics.NewLoad(store, log)
	summaries := analytics.NewSummaries(store, log)
	hm := heatmap.New(store, log)

	return New(store, records, achievements, load, summaries, hm, nil, outbox, urls, log), store
}

func seedPipelineUser(t *testing.T, store *db.Store) *db.User {
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

// testGPX renders a northbound run, one fix per second, ~11 m apart.
func testGPX(n int) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` +
		`<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">` +
		`<trk><type>running</type><trkseg>`)
	start := time.Date(2026, 6, 3, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<trkpt lat="%.6f" lon="18.070000"><ele>%d</ele><time>%s</time></trkpt>`,
			59.3+float64(i)*0.0001, 10+i%3,
			start.Add(time.Duration(i)*time.Second).Format(time.RFC3339))
	}
	b.WriteString(`</trkseg></trk></gpx>`)
	return []byte(b.String())
}

func TestIngestRunsRollupsBeforeReturn(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t)
	user := seedPipelineUser(t, store)

	activity, err := p.Ingest(ctx, user, testGPX(120), "run.gpx", Options{Visibility: db.VisibilityPrivate})
	require.NoError(t, err)

	// Achievements, training load and summaries must exist the moment
	// Ingest returns, before any background stage has run.
	badges, err := store.ListAchievements(ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, badges)
	assert.Equal(t, activity.ID, badges[0].ActivityID)

	days, err := store.ListTrainingLoad(ctx, user.ID, "2026-06-03", "2026-06-03")
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Greater(t, days[0].TSS, 0.0)

	weekly, err := store.ListActivitySummaries(ctx, user.ID, db.PeriodWeekly, 10)
	require.NoError(t, err)
	require.Len(t, weekly, 1)
	assert.Equal(t, 1, weekly[0].ActivityCount)

	p.Drain(10 * time.Second)

	// The async stages caught up: heatmap cells exist for the outdoor run.
	cells, err := store.QueryHeatmapCells(ctx, user.ID, 59.0, 18.0, 60.0, 19.0, 0.0001)
	require.NoError(t, err)
	assert.NotEmpty(t, cells)
}

func TestIngestSkipSideEffects(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t)
	user := seedPipelineUser(t, store)

	_, err := p.Ingest(ctx, user, testGPX(60), "run.gpx",
		Options{Visibility: db.VisibilityPrivate, SkipSideEffects: true})
	require.NoError(t, err)
	p.Drain(10 * time.Second)

	badges, err := store.ListAchievements(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, badges, "batch imports defer rollups to the final rebuild")
}

func TestSpawnIsolatesFailingStage(t *testing.T) {
	p, _ := newTestPipeline(t)

	var ran atomic.Bool
	p.spawn("failing", func(ctx context.Context) error {
		return apperr.E(apperr.KindInternal, "stage blew up")
	})
	p.spawn("healthy", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	p.Drain(10 * time.Second)

	assert.True(t, ran.Load(), "a failing stage must not take down its siblings")
}
