// Package pipeline orchestrates activity ingestion: decode, geometry,
// atomic persistence, then analytics and federation side effects.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stridefed/stride/internal/analytics"
	"github.com/stridefed/stride/internal/ap"
	"github.com/stridefed/stride/internal/db"
	"github.com/stridefed/stride/internal/decode"
	"github.com/stridefed/stride/internal/heatmap"
	"github.com/stridefed/stride/internal/track"
	"github.com/stridefed/stride/internal/weather"
)

// Options adjust one ingest run. Batch imports skip the per-activity side
// effects and run a single rebuild at the end instead.
type Options struct {
	Title           string
	Description     string
	Visibility      string
	Timezone        string
	SkipSideEffects bool
}

// Pipeline wires the ingest stages together. Side-effect stages run on a
// bounded worker pool and are isolated from each other: a failing stage is
// logged and dropped, never surfaced to the uploader.
type Pipeline struct {
	store        *db.Store
	records      *analytics.Records
	achievements *analytics.Achievements
	load         *analytics.Load
	summaries    *analytics.Summaries
	heatmap      *heatmap.Service
	weather      *weather.Service // nil when disabled
	outbox       *ap.Dispatcher
	urls         ap.URLs
	log          *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(store *db.Store, records *analytics.Records, achievements *analytics.Achievements,
	load *analytics.Load, summaries *analytics.Summaries, hm *heatmap.Service,
	w *weather.Service, outbox *ap.Dispatcher, urls ap.URLs, log *slog.Logger) *Pipeline {
	return &Pipeline{
		store:        store,
		records:      records,
		achievements: achievements,
		load:         load,
		summaries:    summaries,
		heatmap:      hm,
		weather:      w,
		outbox:       outbox,
		urls:         urls,
		log:          log,
		sem:          make(chan struct{}, 2*runtime.NumCPU()),
	}
}

// Ingest decodes a workout file and persists it with its metrics in one
// transaction, then runs the side-effect stages. The rollups the profile
// shows immediately (achievements, training load, summaries) are computed
// before Ingest returns; records, heatmap and the weather→federation chain
// catch up in the background.
func (p *Pipeline) Ingest(ctx context.Context, user *db.User, data []byte, filename string, opts Options) (*db.Activity, error) {
	parsed, err := decode.Decode(data, filename)
	if err != nil {
		return nil, err
	}

	activity, metrics, err := p.buildActivity(ctx, user, parsed, data, opts)
	if err != nil {
		return nil, err
	}

	if err := p.store.SaveActivity(ctx, activity, metrics); err != nil {
		return nil, err
	}
	p.log.Info("activity ingested", "user", user.Username, "activity", activity.ID,
		"type", activity.ActivityType, "format", parsed.SourceFormat,
		"points", len(parsed.Points), "indoor", activity.Indoor)

	if !opts.SkipSideEffects {
		p.runSyncStages(ctx, activity)
		p.runAsyncStages(user, activity.ID)
	}
	return activity, nil
}

func (p *Pipeline) buildActivity(ctx context.Context, user *db.User, parsed *decode.ParsedActivity, raw []byte, opts Options) (*db.Activity, *db.Metrics, error) {
	visibility := opts.Visibility
	if visibility == "" {
		visibility = db.VisibilityPrivate
	}
	timezone := opts.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	a := &db.Activity{
		ID:              uuid.NewString(),
		UserID:          user.ID,
		ActivityType:    parsed.ActivityType,
		Title:           opts.Title,
		Description:     opts.Description,
		Timezone:        timezone,
		Visibility:      visibility,
		DistanceMeters:  parsed.DistanceMeters,
		DurationSeconds: parsed.DurationSeconds,
		ElevationGain:   parsed.ElevationGain,
		ElevationLoss:   parsed.ElevationLoss,
		RawFile:         raw,
		SourceFormat:    parsed.SourceFormat,
		Indoor:          parsed.Indoor,
		IndoorMethod:    parsed.IndoorMethod,
		SubSport:        parsed.SubSport,
		CreatedAt:       time.Now(),
	}
	if !parsed.StartedAt.IsZero() {
		t := parsed.StartedAt
		a.StartedAt = &t
	}
	if !parsed.EndedAt.IsZero() {
		t := parsed.EndedAt
		a.EndedAt = &t
	}

	pointsJSON, err := json.Marshal(parsed.Points)
	if err != nil {
		return nil, nil, err
	}
	a.TrackPoints = string(pointsJSON)

	if parsed.HasGPS() && !parsed.Indoor {
		path := trackPath(parsed.Points)
		simplified := track.SimplifyToTarget(path, track.DefaultEpsilonMeters, track.TargetSimplifiedPoints)
		a.SimplifiedGeometry = encodeLine(simplified)

		zones, err := p.store.ListActivePrivacyZones(ctx, user.ID)
		if err != nil {
			return nil, nil, err
		}
		if shared := track.MaskForShare(simplified, toTrackZones(zones)); shared != nil {
			a.ShareGeometry = encodeLine(shared)
		}
	}

	m := &db.Metrics{
		ActivityID:     a.ID,
		AvgHeartRate:   parsed.Metrics.AvgHeartRate,
		MaxHeartRate:   parsed.Metrics.MaxHeartRate,
		AvgCadence:     parsed.Metrics.AvgCadence,
		AvgPower:       parsed.Metrics.AvgPower,
		AvgSpeed:       parsed.Metrics.AvgSpeed,
		MaxSpeed:       parsed.Metrics.MaxSpeed,
		Calories:       parsed.Metrics.Calories,
		MinElevation:   parsed.Metrics.MinElevation,
		MaxElevation:   parsed.Metrics.MaxElevation,
		AvgTemperature: parsed.Metrics.AvgTemperature,
		HasTemperature: parsed.Metrics.HasTemperature,
	}
	return a, m, nil
}

// runSyncStages computes the rollups the profile reads right after an
// upload. Each sub-step is isolated: a failure is logged and never rolls
// back the committed activity or blocks the other sub-steps.
func (p *Pipeline) runSyncStages(ctx context.Context, a *db.Activity) {
	if _, err := p.achievements.ProcessActivity(ctx, a); err != nil {
		p.log.Error("pipeline stage failed", "stage", "achievements", "error", err)
	}
	if err := p.load.Rebuild(ctx, a.UserID); err != nil {
		p.log.Error("pipeline stage failed", "stage", "training-load", "error", err)
	}
	if err := p.summaries.Rebuild(ctx, a.UserID); err != nil {
		p.log.Error("pipeline stage failed", "stage", "summaries", "error", err)
	}
}

// runAsyncStages fans the remaining stages onto the worker pool. Stages get
// the activity id only and re-load their inputs in their own transactions,
// so no stage ever acts on a stale in-memory copy.
func (p *Pipeline) runAsyncStages(user *db.User, activityID string) {
	p.spawn("records", func(ctx context.Context) error {
		a, m, points, err := p.loadActivityData(ctx, activityID)
		if err != nil {
			return err
		}
		_, err = p.records.ProcessActivity(ctx, a, m, points)
		return err
	})
	p.spawn("heatmap", func(ctx context.Context) error {
		a, _, points, err := p.loadActivityData(ctx, activityID)
		if err != nil {
			return err
		}
		return p.heatmap.AddActivity(ctx, a.UserID, a.Indoor, points)
	})
	// Weather runs before federation so the note content can already be
	// enriched when it leaves the instance.
	p.spawn("weather-federation", func(ctx context.Context) error {
		a, m, points, err := p.loadActivityData(ctx, activityID)
		if err != nil {
			return err
		}
		p.enrichWeather(ctx, a, points)
		p.Federate(ctx, user, a, m)
		return nil
	})
}

func (p *Pipeline) enrichWeather(ctx context.Context, a *db.Activity, points []decode.TrackPoint) {
	if p.weather == nil || a.Indoor || a.StartedAt == nil {
		return
	}
	for i := range points {
		pt := &points[i]
		if !pt.HasPosition {
			continue
		}
		if _, err := p.weather.Enrich(ctx, a.ID, pt.Lat, pt.Lon, *a.StartedAt); err != nil {
			p.log.Warn("weather enrichment failed", "activity", a.ID, "error", err)
		}
		return
	}
}

// Federate builds and fans out the Create(Note) for a non-private activity.
func (p *Pipeline) Federate(ctx context.Context, user *db.User, a *db.Activity, m *db.Metrics) {
	if a.Visibility == db.VisibilityPrivate {
		return
	}
	note := ap.BuildWorkoutNote(p.urls, user, a, m, a.ShareGeometry != "")
	create := ap.BuildCreate(p.urls, p.urls.Actor(user.Username), note)
	p.outbox.FanOut(user, create)
}

func (p *Pipeline) spawn(stage string, fn func(ctx context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := fn(ctx); err != nil {
			p.log.Error("pipeline stage failed", "stage", stage, "error", err)
		}
	}()
}

// RebuildAnalytics recomputes everything derived for a user: records,
// heatmap, training load and summaries. Runs after batch imports, deletions
// and privacy-zone changes.
func (p *Pipeline) RebuildAnalytics(ctx context.Context, userID string) error {
	if err := p.records.Rebuild(ctx, userID, p.loadActivityData); err != nil {
		return err
	}
	if err := p.heatmap.Rebuild(ctx, userID); err != nil {
		return err
	}
	if err := p.load.Rebuild(ctx, userID); err != nil {
		return err
	}
	return p.summaries.Rebuild(ctx, userID)
}

// RemaskShareGeometry recomputes the privacy-masked geometry of every
// outdoor activity a user owns. Runs after privacy-zone changes so already
// shared tracks honor the new zones.
func (p *Pipeline) RemaskShareGeometry(ctx context.Context, userID string) error {
	zones, err := p.store.ListActivePrivacyZones(ctx, userID)
	if err != nil {
		return err
	}
	trackZones := toTrackZones(zones)

	ids, err := p.store.ListUserActivityIDs(ctx, userID, true)
	if err != nil {
		return err
	}
	for _, id := range ids {
		a, err := p.store.GetActivity(ctx, id)
		if err != nil {
			return err
		}
		simplified, err := decodeLine(a.SimplifiedGeometry)
		if err != nil || len(simplified) == 0 {
			continue
		}
		geometry := ""
		if shared := track.MaskForShare(simplified, trackZones); shared != nil {
			geometry = encodeLine(shared)
		}
		if geometry == a.ShareGeometry {
			continue
		}
		if err := p.store.UpdateActivityShareGeometry(ctx, id, geometry); err != nil {
			return err
		}
	}
	return nil
}

// loadActivityData reloads an activity with its metrics and track points.
// Async stages call this instead of holding the uploaded copy.
func (p *Pipeline) loadActivityData(ctx context.Context, activityID string) (*db.Activity, *db.Metrics, []decode.TrackPoint, error) {
	a, err := p.store.GetActivity(ctx, activityID)
	if err != nil {
		return nil, nil, nil, err
	}
	m, err := p.store.GetActivityMetrics(ctx, activityID)
	if err != nil {
		return nil, nil, nil, err
	}
	raw, err := p.store.GetActivityTrackPoints(ctx, activityID)
	if err != nil {
		return nil, nil, nil, err
	}
	var points []decode.TrackPoint
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &points); err != nil {
			return nil, nil, nil, err
		}
	}
	return a, m, points, nil
}

// Drain waits for background stages to finish, up to the given timeout.
func (p *Pipeline) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.log.Warn("shutdown with pipeline stages still running")
	}
}

func trackPath(points []decode.TrackPoint) []track.Point {
	path := make([]track.Point, 0, len(points))
	for i := range points {
		if points[i].HasPosition {
			path = append(path, track.Point{Lat: points[i].Lat, Lon: points[i].Lon})
		}
	}
	return path
}

func toTrackZones(zones []*db.PrivacyZone) []track.Zone {
	out := make([]track.Zone, len(zones))
	for i, z := range zones {
		out[i] = track.Zone{Lat: z.CenterLat, Lon: z.CenterLon, RadiusMeters: z.RadiusMeters}
	}
	return out
}

// decodeLine parses a [[lon,lat],...] JSON array back into a path.
func decodeLine(s string) ([]track.Point, error) {
	if s == "" {
		return nil, nil
	}
	var coords [][2]float64
	if err := json.Unmarshal([]byte(s), &coords); err != nil {
		return nil, err
	}
	path := make([]track.Point, len(coords))
	for i, c := range coords {
		path[i] = track.Point{Lon: c[0], Lat: c[1]}
	}
	return path, nil
}

// encodeLine renders a path as a GeoJSON-style [[lon,lat],...] JSON array.
func encodeLine(path []track.Point) string {
	coords := make([][2]float64, len(path))
	for i, p := range path {
		coords[i] = [2]float64{p.Lon, p.Lat}
	}
	data, _ := json.Marshal(coords)
	return string(data)
}
