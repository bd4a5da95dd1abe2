// Package heatmap maintains the per-user aggregated route grid. Indoor
// activities never contribute; the grid holds cell centers at the finest
// size and coarser zooms are re-aggregated in SQL at query time.
package heatmap

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/stridefed/stride/internal/db"
	"github.com/stridefed/stride/internal/decode"
	"github.com/stridefed/stride/internal/track"
)

// baseCellSize is the finest stored grid, roughly 11 m of latitude.
const baseCellSize = 0.0001

// sampleStride thins the point stream before gridding; every Nth positioned
// point is enough for a density map and keeps writes bounded.
const sampleStride = 10

// Service applies activities onto the stored grid.
type Service struct {
	store *db.Store
	log   *slog.Logger
}

func New(store *db.Store, log *slog.Logger) *Service {
	return &Service{store: store, log: log}
}

// AddActivity accumulates one outdoor activity's points into the user's
// grid. Indoor activities are ignored.
func (s *Service) AddActivity(ctx context.Context, userID string, indoor bool, points []decode.TrackPoint) error {
	if indoor {
		return nil
	}
	cells := gridCells(points)
	if len(cells) == 0 {
		return nil
	}
	return s.store.IncrementHeatmapCells(ctx, userID, cells)
}

// Rebuild wipes and recomputes the whole grid from the user's stored
// outdoor activities. Deletion and privacy changes funnel through here.
func (s *Service) Rebuild(ctx context.Context, userID string) error {
	if err := s.store.DeleteHeatmapCells(ctx, userID); err != nil {
		return err
	}
	ids, err := s.store.ListUserActivityIDs(ctx, userID, true)
	if err != nil {
		return err
	}
	for _, id := range ids {
		raw, err := s.store.GetActivityTrackPoints(ctx, id)
		if err != nil || raw == "" {
			continue
		}
		var points []decode.TrackPoint
		if err := json.Unmarshal([]byte(raw), &points); err != nil {
			s.log.Warn("unreadable track points in heatmap rebuild", "activity", id, "error", err)
			continue
		}
		if err := s.store.IncrementHeatmapCells(ctx, userID, gridCells(points)); err != nil {
			return err
		}
	}
	s.log.Info("heatmap rebuilt", "user", userID, "activities", len(ids))
	return nil
}

// Query returns the aggregated cells inside a bounding box at the grid size
// matching the zoom level.
func (s *Service) Query(ctx context.Context, userID string, minLat, minLon, maxLat, maxLon float64, zoom int) ([]db.HeatmapCell, float64, error) {
	size := CellSizeForZoom(zoom)
	cells, err := s.store.QueryHeatmapCells(ctx, userID, minLat, minLon, maxLat, maxLon, size)
	return cells, size, err
}

// CellSizeForZoom picks the aggregation grid for a slippy-map zoom level:
// the stored base grid up close, one or two decimal steps coarser zoomed out.
func CellSizeForZoom(zoom int) float64 {
	switch {
	case zoom >= 14:
		return baseCellSize
	case zoom >= 10:
		return 0.001
	default:
		return 0.01
	}
}

func gridCells(points []decode.TrackPoint) []db.HeatmapCell {
	counts := make(map[[2]float64]int)
	n := 0
	for i := range points {
		p := &points[i]
		if !p.HasPosition {
			continue
		}
		if n%sampleStride == 0 {
			key := [2]float64{
				track.SnapToGrid(p.Lat, baseCellSize),
				track.SnapToGrid(p.Lon, baseCellSize),
			}
			counts[key]++
		}
		n++
	}
	cells := make([]db.HeatmapCell, 0, len(counts))
	for key, count := range counts {
		cells = append(cells, db.HeatmapCell{CellLat: key[0], CellLon: key[1], PointCount: count})
	}
	return cells
}
