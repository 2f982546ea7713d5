package sfm

import (
	"errors"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestX84Threshold(t *testing.T) {
	tests := []struct {
		name       string
		values     []float64
		mul        float64
		wantMedian float64
		wantMAD    float64
	}{
		{"single", []float64{2}, 5.2, 2, 0},
		{"odd", []float64{1, 2, 3, 4, 100}, 5.2, 3, 5.2},
		{"even", []float64{1, 2, 3, 4}, 1, 2.5, 1},
		{"constant", []float64{0.5, 0.5, 0.5}, 5.2, 0.5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			median, mad, err := X84Threshold(tt.values, tt.mul)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantMedian, median, 1e-12)
			assert.InDelta(t, tt.wantMAD, mad, 1e-12)
		})
	}
}

func TestX84ThresholdEmpty(t *testing.T) {
	_, _, err := X84Threshold(nil, DefaultX84Multiplier)
	assert.True(t, errors.Is(err, ErrEmptyInput))
}

func TestX84ThresholdDoesNotReorderInput(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3}
	_, _, err := X84Threshold(values, DefaultX84Multiplier)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, values)
}

func TestRotationErrorStats(t *testing.T) {
	r1 := ExpMap(r3.Vector{X: 0.2})
	rs := []Rotation{IdentityRotation(), r1, IdentityRotation()}
	rel := RelativeRotations{
		{I: 0, J: 1, R: r1, Weight: 1},
		{I: 0, J: 2, R: ExpMap(r3.Vector{Z: 0.1}), Weight: 1},
	}

	stats := RotationErrorStats(rel, rs, nil)
	assert.InDelta(t, 0, stats.Min, 1e-12)
	wantMax := ExpMap(r3.Vector{Z: 0.1}).FrobeniusDistance(IdentityRotation())
	assert.InDelta(t, wantMax, stats.Max, 1e-12)
	assert.InDelta(t, wantMax/2, stats.Mean, 1e-12)

	// edges touching invalid views are skipped
	stats = RotationErrorStats(rel, rs, []bool{true, true, false})
	assert.InDelta(t, 0, stats.Max, 1e-12)

	assert.Equal(t, ErrorStats{}, RotationErrorStats(nil, rs, nil))
}
