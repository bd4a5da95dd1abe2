package db

import (
	"context"
	"time"
)

// HeatmapCell is one aggregated grid cell of a user's personal heatmap.
// Coordinates are cell centers at the finest grid size.
type HeatmapCell struct {
	CellLat    float64
	CellLon    float64
	PointCount int
}

// maxHeatmapCells caps a single heatmap query so a whole-world request at a
// fine grid cannot balloon the response.
const maxHeatmapCells = 10000

// IncrementHeatmapCells adds counts onto a user's grid, one upsert per cell.
// Counts are additive so incremental updates from new activities compose.
func (s *Store) IncrementHeatmapCells(ctx context.Context, userID string, cells []HeatmapCell) error {
	if len(cells) == 0 {
		return nil
	}
	now := time.Now().Unix()
	query := s.q(`
		INSERT INTO user_heatmap_grid (user_id, cell_lat, cell_lon, point_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, cell_lat, cell_lon) DO UPDATE SET
			point_count = user_heatmap_grid.point_count + excluded.point_count,
			updated_at = excluded.updated_at`)
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range cells {
		if _, err := stmt.ExecContext(ctx, userID, c.CellLat, c.CellLon, c.PointCount, now); err != nil {
			return err
		}
	}
	return nil
}

// DeleteHeatmapCells wipes a user's grid, the first step of a full rebuild.
func (s *Store) DeleteHeatmapCells(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM user_heatmap_grid WHERE user_id = ?`), userID)
	return err
}

// QueryHeatmapCells returns a user's cells inside a bounding box, re-bucketed
// into the given grid size in SQL so coarse zoom levels aggregate stored fine
// cells. Results are capped at maxHeatmapCells densest-first.
func (s *Store) QueryHeatmapCells(ctx context.Context, userID string, minLat, minLon, maxLat, maxLon, gridSize float64) ([]HeatmapCell, error) {
	// Stored cell centers re-snap onto the coarser grid; FLOOR works on both
	// sqlite (3.35+) and postgres.
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT (FLOOR(cell_lat / ?) + 0.5) * ? AS lat,
		       (FLOOR(cell_lon / ?) + 0.5) * ? AS lon,
		       SUM(point_count) AS points
		FROM user_heatmap_grid
		WHERE user_id = ? AND cell_lat BETWEEN ? AND ? AND cell_lon BETWEEN ? AND ?
		GROUP BY lat, lon
		ORDER BY points DESC
		LIMIT ?`),
		gridSize, gridSize, gridSize, gridSize,
		userID, minLat, maxLat, minLon, maxLon, maxHeatmapCells)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HeatmapCell
	for rows.Next() {
		var c HeatmapCell
		if err := rows.Scan(&c.CellLat, &c.CellLon, &c.PointCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
