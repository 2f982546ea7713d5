package sfm

import (
	"errors"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRotationsMSTComposesAlongTree(t *testing.T) {
	r01 := ExpMap(r3.Vector{X: 0.4})
	r12 := ExpMap(r3.Vector{Y: -0.7})
	rel := RelativeRotations{
		{I: 0, J: 1, R: r01, Weight: 1},
		{I: 2, J: 1, R: r12.Transpose(), Weight: 1},
	}
	tree, err := FindMaximumSpanningTree(rel)
	require.NoError(t, err)

	rs, reached, err := InitRotationsMST(tree, 4, 0)
	require.NoError(t, err)
	require.Len(t, rs, 4)

	assertRotationNear(t, IdentityRotation(), rs[0], 0)
	assertRotationNear(t, r01, rs[1], 1e-15)
	assertRotationNear(t, r12.Mul(r01), rs[2], 1e-15)
	assert.Equal(t, []bool{true, true, true, false}, reached)
	assertRotationNear(t, IdentityRotation(), rs[3], 0)
}

func TestInitRotationsMSTFromOtherReference(t *testing.T) {
	rel, _ := ringScene(6, 2, false, false)
	tree, err := FindMaximumSpanningTree(rel)
	require.NoError(t, err)

	rs, _, err := InitRotationsMST(tree, 6, 4)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		want := truthRotation(i).Mul(truthRotation(4).Transpose())
		assertRotationNear(t, want, rs[i], 1e-12)
	}
}

func TestInitRotationsMSTErrors(t *testing.T) {
	r := IdentityRotation()
	rel := RelativeRotations{
		{I: 0, J: 1, R: r, Weight: 1},
		{I: 2, J: 3, R: r, Weight: 1},
	}
	tree, err := FindMaximumSpanningTree(rel)
	require.NoError(t, err)

	t.Run("reference out of range", func(t *testing.T) {
		_, _, err := InitRotationsMST(tree, 4, 9)
		assert.True(t, errors.Is(err, ErrInvalidReference))
	})

	t.Run("reference not observed", func(t *testing.T) {
		_, _, err := InitRotationsMST(tree, 5, 4)
		assert.True(t, errors.Is(err, ErrInvalidReference))
	})

	t.Run("disconnected", func(t *testing.T) {
		_, _, err := InitRotationsMST(tree, 4, 0)
		require.True(t, errors.Is(err, ErrDisconnectedGraph))
		var unreachable *UnreachableViewsError
		require.True(t, errors.As(err, &unreachable))
		assert.Equal(t, []ViewID{2, 3}, unreachable.Views)
		assert.Equal(t, ViewID(0), unreachable.Reference)
	})

	t.Run("too few views", func(t *testing.T) {
		_, _, err := InitRotationsMST(tree, 3, 0)
		assert.True(t, errors.Is(err, ErrInvalidRelativeRotation))
	})
}
