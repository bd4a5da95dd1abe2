package heatmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridefed/stride/internal/decode"
	"github.com/stridefed/stride/internal/track"
)

func TestCellSizeForZoom(t *testing.T) {
	assert.Equal(t, baseCellSize, CellSizeForZoom(18))
	assert.Equal(t, baseCellSize, CellSizeForZoom(14))
	assert.Equal(t, 0.001, CellSizeForZoom(13))
	assert.Equal(t, 0.001, CellSizeForZoom(10))
	assert.Equal(t, 0.01, CellSizeForZoom(7))
	assert.Equal(t, 0.01, CellSizeForZoom(3))
}

func TestBaseGridSnapsToTenThousandth(t *testing.T) {
	// Stored cells live on the 0.0001 degree grid: cell centers sit at the
	// half-cell offset, so 49.99012 falls into the cell centered on 49.99015.
	assert.InDelta(t, 49.99015, track.SnapToGrid(49.99012, baseCellSize), 1e-9)
	assert.InDelta(t, 8.26005, track.SnapToGrid(8.26001, baseCellSize), 1e-9)
}

func TestGridCellsSamplesEveryTenth(t *testing.T) {
	// 100 positioned points in one spot: 10 samples land in a single cell.
	points := make([]decode.TrackPoint, 100)
	for i := range points {
		points[i] = decode.TrackPoint{Lat: 59.3293, Lon: 18.0686, HasPosition: true}
	}
	cells := gridCells(points)
	require.Len(t, cells, 1)
	assert.Equal(t, 10, cells[0].PointCount)
	assert.Equal(t, track.SnapToGrid(59.3293, baseCellSize), cells[0].CellLat)
	assert.Equal(t, track.SnapToGrid(18.0686, baseCellSize), cells[0].CellLon)
}

func TestGridCellsSkipsUnpositioned(t *testing.T) {
	points := make([]decode.TrackPoint, 50)
	assert.Empty(t, gridCells(points))
}

func TestGridCellsSpreadAcrossCells(t *testing.T) {
	// Move a full cell per sample stride so consecutive samples never share
	// a cell.
	var points []decode.TrackPoint
	for i := 0; i < 40; i++ {
		points = append(points, decode.TrackPoint{
			Lat:         59.0 + float64(i/sampleStride)*baseCellSize,
			Lon:         18.0,
			HasPosition: true,
		})
	}
	cells := gridCells(points)
	assert.Len(t, cells, 4)
	for _, c := range cells {
		assert.Equal(t, 1, c.PointCount)
	}
}
