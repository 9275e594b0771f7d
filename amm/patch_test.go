package amm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchRoundTripsDiffer(t *testing.T) {
	a := diffPool(t, 500)
	b := diffPool(t, 3000)
	old := []*Pool{a, b}

	// New observation: a moved, b is gone, c appeared.
	moved := a.Clone()
	moved.State.Tick = 10
	c := diffPool(t, 10_000)
	observed := []*Pool{moved, c}

	diff := Differ(old, observed)
	patched, err := Patch(old, diff)
	require.NoError(t, err)

	// Patching the old set with the diff reproduces the observation.
	assert.True(t, Differ(patched, observed).IsEmpty())
	// The untouched input survives with its original contents.
	assert.Equal(t, int32(0), a.State.Tick)
	assert.Len(t, old, 2)
}

func TestPatchSharesUnchangedPools(t *testing.T) {
	a := diffPool(t, 500)
	b := diffPool(t, 3000)
	old := []*Pool{a, b}

	moved := b.Clone()
	moved.State.Liquidity.SetInt64(777)

	patched, err := Patch(old, PoolSetDiff{Updates: []*Pool{moved}})
	require.NoError(t, err)
	require.Len(t, patched, 2)

	// Unchanged pools come through by reference, changed ones replaced.
	assert.Same(t, a, patched[0])
	assert.Same(t, moved, patched[1])
}

func TestPatchRejectsInconsistentDiffs(t *testing.T) {
	a := diffPool(t, 500)
	stranger := diffPool(t, 3000)

	_, err := Patch([]*Pool{a}, PoolSetDiff{Updates: []*Pool{stranger}})
	assert.Error(t, err)

	_, err = Patch([]*Pool{a}, PoolSetDiff{Additions: []*Pool{a.Clone()}})
	assert.Error(t, err)

	// Deleting an unknown pool is a no-op rather than an error; diffs may be
	// replayed against a set that already converged.
	patched, err := Patch([]*Pool{a}, PoolSetDiff{Deletions: []PoolID{stranger.ID}})
	require.NoError(t, err)
	assert.Len(t, patched, 1)
}
