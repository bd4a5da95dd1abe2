package db

import (
	"context"

	"github.com/stridefed/stride/internal/apperr"
)

// PrivacyZone is a user-defined circle whose interior is cut out of shared
// track geometry.
type PrivacyZone struct {
	ID           string
	UserID       string
	Name         string
	CenterLat    float64
	CenterLon    float64
	RadiusMeters float64
	Active       bool
}

// CreatePrivacyZone stores a zone.
func (s *Store) CreatePrivacyZone(ctx context.Context, z *PrivacyZone) error {
	if z.RadiusMeters <= 0 {
		return apperr.E(apperr.KindValidation, "zone radius must be positive")
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO privacy_zones (id, user_id, name, center_lat, center_lon, radius_meters, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		z.ID, z.UserID, z.Name, z.CenterLat, z.CenterLon, z.RadiusMeters, z.Active)
	return err
}

// UpdatePrivacyZone updates a zone owned by the given user.
func (s *Store) UpdatePrivacyZone(ctx context.Context, z *PrivacyZone) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE privacy_zones SET name = ?, center_lat = ?, center_lon = ?,
			radius_meters = ?, active = ?
		WHERE id = ? AND user_id = ?`),
		z.Name, z.CenterLat, z.CenterLon, z.RadiusMeters, z.Active, z.ID, z.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.KindNotFound, "privacy zone not found")
	}
	return nil
}

// DeletePrivacyZone removes a zone owned by the given user.
func (s *Store) DeletePrivacyZone(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM privacy_zones WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.KindNotFound, "privacy zone not found")
	}
	return nil
}

// ListPrivacyZones returns all of a user's zones, active or not.
func (s *Store) ListPrivacyZones(ctx context.Context, userID string) ([]*PrivacyZone, error) {
	return s.queryZones(ctx, `SELECT id, user_id, name, center_lat, center_lon,
		radius_meters, active FROM privacy_zones WHERE user_id = ? ORDER BY name`, userID)
}

// ListActivePrivacyZones returns only the zones applied when sharing.
func (s *Store) ListActivePrivacyZones(ctx context.Context, userID string) ([]*PrivacyZone, error) {
	return s.queryZones(ctx, `SELECT id, user_id, name, center_lat, center_lon,
		radius_meters, active FROM privacy_zones
		WHERE user_id = ? AND active = `+s.boolLit(true), userID)
}

func (s *Store) queryZones(ctx context.Context, query string, args ...any) ([]*PrivacyZone, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PrivacyZone
	for rows.Next() {
		var z PrivacyZone
		if err := rows.Scan(&z.ID, &z.UserID, &z.Name, &z.CenterLat, &z.CenterLon,
			&z.RadiusMeters, &z.Active); err != nil {
			return nil, err
		}
		out = append(out, &z)
	}
	return out, rows.Err()
}
