// Package db handles database connectivity, migrations, and data access for
// the stride server. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger deployments). Spatial math that
// can live in SQL (grid aggregation, bounding boxes) stays in SQL.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A file path like "stride.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Index creation is not idempotent on every driver version.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// migrations lists DDL statements shared between SQLite and PostgreSQL. Any
// new migration must be appended here. Timestamps are unix seconds; geometry
// is WGS84 (SRID 4326) carried as coordinate columns and JSON line strings.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id               TEXT PRIMARY KEY,
		username         TEXT NOT NULL UNIQUE,
		email            TEXT NOT NULL UNIQUE,
		password_hash    TEXT NOT NULL,
		display_name     TEXT NOT NULL DEFAULT '',
		avatar_url       TEXT NOT NULL DEFAULT '',
		private_key_pem  TEXT NOT NULL,
		public_key_pem   TEXT NOT NULL,
		enabled          INTEGER NOT NULL DEFAULT 1,
		locked           INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS activities (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		activity_type       TEXT NOT NULL,
		title               TEXT NOT NULL DEFAULT '',
		description         TEXT NOT NULL DEFAULT '',
		started_at          INTEGER,
		ended_at            INTEGER,
		timezone            TEXT NOT NULL DEFAULT 'UTC',
		visibility          TEXT NOT NULL DEFAULT 'PRIVATE',
		distance_meters     REAL NOT NULL DEFAULT 0,
		duration_seconds    INTEGER NOT NULL DEFAULT 0,
		elevation_gain      REAL NOT NULL DEFAULT 0,
		elevation_loss      REAL NOT NULL DEFAULT 0,
		raw_file            BLOB,
		source_format       TEXT NOT NULL DEFAULT '',
		simplified_geometry TEXT,
		share_geometry      TEXT,
		track_points        TEXT,
		indoor              INTEGER NOT NULL DEFAULT 0,
		indoor_method       TEXT NOT NULL DEFAULT '',
		sub_sport           TEXT NOT NULL DEFAULT '',
		created_at          INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS activities_user_started ON activities(user_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS activity_weather (
		activity_id    TEXT PRIMARY KEY,
		temperature    REAL NOT NULL DEFAULT 0,
		humidity       REAL NOT NULL DEFAULT 0,
		wind_speed     REAL NOT NULL DEFAULT 0,
		wind_direction REAL NOT NULL DEFAULT 0,
		condition      TEXT NOT NULL DEFAULT '',
		fetched_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS activities_visibility ON activities(visibility, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS activity_metrics (
		activity_id     TEXT PRIMARY KEY,
		avg_heart_rate  REAL NOT NULL DEFAULT 0,
		max_heart_rate  REAL NOT NULL DEFAULT 0,
		avg_cadence     REAL NOT NULL DEFAULT 0,
		avg_power       REAL NOT NULL DEFAULT 0,
		avg_speed       REAL NOT NULL DEFAULT 0,
		max_speed       REAL NOT NULL DEFAULT 0,
		calories        INTEGER NOT NULL DEFAULT 0,
		min_elevation   REAL NOT NULL DEFAULT 0,
		max_elevation   REAL NOT NULL DEFAULT 0,
		avg_temperature REAL NOT NULL DEFAULT 0,
		has_temperature INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS follows (
		id                  TEXT PRIMARY KEY,
		follower_user_id    TEXT,
		remote_actor_uri    TEXT,
		following_actor_uri TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'PENDING',
		activity_pub_id     TEXT,
		created_at          INTEGER NOT NULL,
		UNIQUE(follower_user_id, following_actor_uri),
		UNIQUE(remote_actor_uri, following_actor_uri)
	)`,
	`CREATE INDEX IF NOT EXISTS follows_following ON follows(following_actor_uri, status)`,
	`CREATE INDEX IF NOT EXISTS follows_ap_id ON follows(activity_pub_id)`,
	`CREATE TABLE IF NOT EXISTS remote_actors (
		actor_uri        TEXT PRIMARY KEY,
		username         TEXT NOT NULL DEFAULT '',
		inbox_url        TEXT NOT NULL DEFAULT '',
		shared_inbox_url TEXT NOT NULL DEFAULT '',
		public_key_pem   TEXT NOT NULL DEFAULT '',
		public_key_id    TEXT NOT NULL DEFAULT '',
		display_name     TEXT NOT NULL DEFAULT '',
		avatar_url       TEXT NOT NULL DEFAULT '',
		summary          TEXT NOT NULL DEFAULT '',
		stale            INTEGER NOT NULL DEFAULT 0,
		last_fetched     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS remote_activities (
		activity_uri      TEXT PRIMARY KEY,
		actor_uri         TEXT NOT NULL,
		content           TEXT NOT NULL DEFAULT '',
		started_at        INTEGER,
		activity_type     TEXT NOT NULL DEFAULT '',
		distance_meters   REAL NOT NULL DEFAULT 0,
		duration_seconds  INTEGER NOT NULL DEFAULT 0,
		average_pace      REAL NOT NULL DEFAULT 0,
		elevation_gain    REAL NOT NULL DEFAULT 0,
		avg_heart_rate    REAL NOT NULL DEFAULT 0,
		map_image_url     TEXT NOT NULL DEFAULT '',
		track_geojson_url TEXT NOT NULL DEFAULT '',
		visibility        TEXT NOT NULL DEFAULT 'PUBLIC',
		received_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS remote_activities_actor ON remote_activities(actor_uri, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS likes (
		id               TEXT PRIMARY KEY,
		activity_id      TEXT NOT NULL,
		user_id          TEXT,
		remote_actor_uri TEXT,
		created_at       INTEGER NOT NULL,
		UNIQUE(activity_id, user_id),
		UNIQUE(activity_id, remote_actor_uri)
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id               TEXT PRIMARY KEY,
		activity_id      TEXT NOT NULL,
		user_id          TEXT,
		remote_actor_uri TEXT,
		content          TEXT NOT NULL,
		activity_pub_id  TEXT UNIQUE,
		created_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS comments_activity ON comments(activity_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		type        TEXT NOT NULL,
		actor_name  TEXT NOT NULL DEFAULT '',
		actor_uri   TEXT NOT NULL DEFAULT '',
		activity_id TEXT,
		read        INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_user ON notifications(user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS privacy_zones (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		center_lat    REAL NOT NULL,
		center_lon    REAL NOT NULL,
		radius_meters REAL NOT NULL,
		active        INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS privacy_zones_user ON privacy_zones(user_id)`,
	`CREATE TABLE IF NOT EXISTS user_heatmap_grid (
		user_id     TEXT NOT NULL,
		cell_lat    REAL NOT NULL,
		cell_lon    REAL NOT NULL,
		point_count INTEGER NOT NULL DEFAULT 0,
		updated_at  INTEGER NOT NULL,
		UNIQUE(user_id, cell_lat, cell_lon)
	)`,
	`CREATE TABLE IF NOT EXISTS batch_import_jobs (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'PENDING',
		total_files   INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failed_count  INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL,
		completed_at  INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS batch_import_files (
		id            TEXT PRIMARY KEY,
		job_id        TEXT NOT NULL,
		ordinal       INTEGER NOT NULL DEFAULT 0,
		file_name     TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'PENDING',
		error_type    TEXT,
		error_message TEXT,
		activity_id   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS batch_import_files_job ON batch_import_files(job_id)`,
	`CREATE TABLE IF NOT EXISTS personal_records (
		user_id       TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		record_type   TEXT NOT NULL,
		value         REAL NOT NULL,
		activity_id   TEXT NOT NULL,
		achieved_at   INTEGER NOT NULL,
		UNIQUE(user_id, activity_type, record_type)
	)`,
	`CREATE TABLE IF NOT EXISTS achievements (
		user_id          TEXT NOT NULL,
		achievement_type TEXT NOT NULL,
		activity_id      TEXT NOT NULL DEFAULT '',
		earned_at        INTEGER NOT NULL,
		UNIQUE(user_id, achievement_type)
	)`,
	`CREATE TABLE IF NOT EXISTS training_load (
		user_id TEXT NOT NULL,
		day     TEXT NOT NULL,
		tss     REAL NOT NULL DEFAULT 0,
		atl     REAL NOT NULL DEFAULT 0,
		ctl     REAL NOT NULL DEFAULT 0,
		tsb     REAL NOT NULL DEFAULT 0,
		form    TEXT NOT NULL DEFAULT '',
		UNIQUE(user_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS activity_summaries (
		user_id           TEXT NOT NULL,
		period_type       TEXT NOT NULL,
		period_start      TEXT NOT NULL,
		activity_count    INTEGER NOT NULL DEFAULT 0,
		total_duration    INTEGER NOT NULL DEFAULT 0,
		total_distance    REAL NOT NULL DEFAULT 0,
		total_elevation   REAL NOT NULL DEFAULT 0,
		max_speed         REAL NOT NULL DEFAULT 0,
		avg_speed         REAL NOT NULL DEFAULT 0,
		type_breakdown    TEXT NOT NULL DEFAULT '{}',
		pr_count          INTEGER NOT NULL DEFAULT 0,
		achievement_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(user_id, period_type, period_start)
	)`,
}

// q rewrites ?-style placeholders to $N for PostgreSQL. Queries are written
// once with ? and rebound per driver; this generalises the single-argument
// ph() helper to multi-argument statements.
func (s *Store) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}

// isUniqueViolation detects unique-constraint failures on both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
