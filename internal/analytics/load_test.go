package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActivityTSS(t *testing.T) {
	// An hour at the reference speed scores exactly 100.
	assert.InDelta(t, 100, ActivityTSS(3600, 3.0, 10800, 0), 0.001)

	// Half the speed halves the score.
	assert.InDelta(t, 50, ActivityTSS(3600, 1.5, 5400, 0), 0.001)

	// Intensity is capped at 1: going faster than reference adds nothing.
	assert.InDelta(t, 100, ActivityTSS(3600, 9.0, 32400, 0), 0.001)

	// Duration scales linearly.
	assert.InDelta(t, 200, ActivityTSS(7200, 3.0, 21600, 0), 0.001)

	assert.Zero(t, ActivityTSS(0, 3.0, 0, 0))
}

func TestActivityTSSElevationAdjustment(t *testing.T) {
	// 500 m of climb over 10 km adds 8.3*500 m of equivalent flat distance:
	// grade-adjusted speed is 1.5*(10000+4150)/10000 = 2.12 m/s.
	flat := ActivityTSS(3600, 1.5, 10000, 0)
	hilly := ActivityTSS(3600, 1.5, 10000, 500)
	assert.Greater(t, hilly, flat)
	assert.InDelta(t, 70.75, hilly, 0.01)

	// The cap still applies on steep efforts near reference speed.
	assert.InDelta(t, 100, ActivityTSS(3600, 2.9, 10000, 1000), 0.001)

	// No distance means no grade to adjust for.
	assert.InDelta(t, 50, ActivityTSS(3600, 1.5, 0, 500), 0.001)
}

func TestFormOf(t *testing.T) {
	assert.Equal(t, FormFresh, FormOf(5.1))
	assert.Equal(t, FormOptimal, FormOf(5.0))
	assert.Equal(t, FormOptimal, FormOf(0))
	assert.Equal(t, FormOptimal, FormOf(-5.0))
	assert.Equal(t, FormFatigued, FormOf(-5.1))
}

func TestWindowMean(t *testing.T) {
	series := []float64{100, 0, 0, 0, 0, 0, 0}

	// Full 7-day window over the series.
	assert.InDelta(t, 100.0/7, windowMean(series, 7), 0.001)

	// Window wider than the series averages what exists.
	assert.InDelta(t, 100.0/7, windowMean(series, 28), 0.001)

	// Trailing window excludes the old spike.
	assert.Zero(t, windowMean(series, 3))

	assert.Zero(t, windowMean(nil, 7))
}

func TestWindowMeanTrailing(t *testing.T) {
	// ATL reacts to recent days, CTL smooths them out.
	series := make([]float64, 28)
	for i := 21; i < 28; i++ {
		series[i] = 70
	}
	atl := windowMean(series, atlWindowDays)
	ctl := windowMean(series, ctlWindowDays)
	assert.InDelta(t, 70, atl, 0.001)
	assert.InDelta(t, 70.0*7/28, ctl, 0.001)
	assert.Equal(t, FormFatigued, FormOf(ctl-atl))
}
