package sfm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestL1SolverFindsComponentwiseMedian(t *testing.T) {
	// five parallel observations of view 1 against the reference: the L1
	// solution is the median of the residuals, unaffected by the last one
	rel := make(RelativeRotations, 5)
	for k := range rel {
		rel[k] = RelativeRotation{I: 0, J: 1, R: IdentityRotation(), Weight: 1}
	}
	sys := newLinearSystem(rel, []bool{true, true}, 0, 0)
	solver, err := newL1Solver(sys, DefaultL1SolverOptions())
	require.NoError(t, err)

	b := []float64{
		0.1, -0.2, 0.3,
		0.1, -0.2, 0.3,
		0.1, -0.2, 0.3,
		0.1, -0.2, 0.3,
		2.0, 1.0, -3.0,
	}
	x := make([]float64, 3)
	iterations, err := solver.solve(b, x)
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{0.1, -0.2, 0.3}, x, 1e-4)
	assert.Greater(t, iterations, 0)
	assert.LessOrEqual(t, iterations, DefaultL1SolverOptions().MaxIterations)
}

func TestL1SolverZeroResidual(t *testing.T) {
	rel := RelativeRotations{
		{I: 0, J: 1, R: IdentityRotation(), Weight: 1},
		{I: 1, J: 2, R: IdentityRotation(), Weight: 1},
		{I: 2, J: 0, R: IdentityRotation(), Weight: 1},
	}
	sys := newLinearSystem(rel, []bool{true, true, true}, 0, 0)
	solver, err := newL1Solver(sys, DefaultL1SolverOptions())
	require.NoError(t, err)

	x := make([]float64, 6)
	iterations, err := solver.solve(make([]float64, 9), x)
	require.NoError(t, err)
	assert.Equal(t, 1, iterations)
	assert.Equal(t, make([]float64, 6), x)
}

func TestShrink(t *testing.T) {
	assert.Equal(t, 1.5, shrink(2, 0.5))
	assert.Equal(t, -1.5, shrink(-2, 0.5))
	assert.Equal(t, 0.0, shrink(0.3, 0.5))
	assert.Equal(t, 0.0, shrink(-0.5, 0.5))
}
