package sfm

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filterScene() (RelativeRotations, []Rotation) {
	rs := []Rotation{
		IdentityRotation(),
		ExpMap(r3.Vector{X: 0.3}),
		ExpMap(r3.Vector{Y: -0.4}),
	}
	rel := RelativeRotations{
		{I: 0, J: 1, R: ExpMap(r3.Vector{Z: 0.01}).Mul(rs[1]), Weight: 1},
		{I: 1, J: 2, R: ExpMap(r3.Vector{X: 0.02}).Mul(rs[2].Mul(rs[1].Transpose())), Weight: 1},
		{I: 0, J: 2, R: ExpMap(r3.Vector{Y: 1.0}).Mul(rs[2]), Weight: 1},
	}
	return rel, rs
}

func TestResidualAngles(t *testing.T) {
	rel, rs := filterScene()
	residuals, err := ResidualAngles(rel, rs)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.01, 0.02, 1.0}, residuals, 1e-12)

	_, err = ResidualAngles(rel, rs[:2])
	assert.True(t, errors.Is(err, ErrInvalidRelativeRotation))
}

func TestFilterRelativeRotations(t *testing.T) {
	rel, rs := filterScene()

	tests := []struct {
		name      string
		threshold float64
		want      []bool
	}{
		{"explicit loose", 2, []bool{true, true, true}},
		{"explicit tight", 0.015, []bool{true, false, false}},
		{"explicit between", 0.5, []bool{true, true, false}},
		// residuals 0.01, 0.02, 1.0: median 0.02, MAD 0.01 -> 0.072
		{"x84", 0, []bool{true, true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inliers := make([]bool, len(rel))
			count, err := FilterRelativeRotations(rel, rs, tt.threshold, inliers)
			require.NoError(t, err)
			assert.Equal(t, tt.want, inliers)

			n := 0
			for _, ok := range tt.want {
				if ok {
					n++
				}
			}
			assert.Equal(t, n, count)
		})
	}
}

func TestFilterRelativeRotationsThresholdIsStrict(t *testing.T) {
	rel, rs := filterScene()
	residuals, err := ResidualAngles(rel, rs)
	require.NoError(t, err)

	inliers := make([]bool, len(rel))
	count, used, _, err := filterRelativeRotations(rel, rs, residuals[1], DefaultX84Multiplier, inliers)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, residuals[1], used)
	assert.False(t, inliers[1])
}

func TestFilterRelativeRotationsReportsX84Threshold(t *testing.T) {
	rel, rs := filterScene()
	inliers := make([]bool, len(rel))
	_, used, residuals, err := filterRelativeRotations(rel, rs, 0, DefaultX84Multiplier, inliers)
	require.NoError(t, err)
	assert.InDelta(t, 0.02+5.2*0.01, used, 1e-9)
	assert.Len(t, residuals, 3)
	assert.False(t, math.IsNaN(used))
}

func TestFilterRelativeRotationsX84EqualResiduals(t *testing.T) {
	// five edges share one residual, so the MAD is zero
	rs := []Rotation{IdentityRotation(), IdentityRotation()}
	common := ExpMap(r3.Vector{Z: 5e-6})
	rel := make(RelativeRotations, 6)
	for k := range rel {
		rel[k] = RelativeRotation{I: 0, J: 1, R: common, Weight: 1}
	}
	rel[5].R = ExpMap(r3.Vector{X: math.Pi / 4})

	inliers := make([]bool, len(rel))
	count, used, residuals, err := filterRelativeRotations(rel, rs, 0, DefaultX84Multiplier, inliers)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Equal(t, []bool{true, true, true, true, true, false}, inliers)
	assert.InDelta(t, residuals[0]+minX84Spread, used, 1e-18)
}

func TestFilterRelativeRotationsErrors(t *testing.T) {
	rel, rs := filterScene()

	_, err := FilterRelativeRotations(nil, rs, 0, nil)
	assert.True(t, errors.Is(err, ErrEmptyInput))

	_, err = FilterRelativeRotations(rel, rs, 0, make([]bool, 2))
	assert.Error(t, err)
}
