package vparts

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repltable/chreplica/internal/part"
)

func TestAddCollapsesCoveredMembers(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(part.Name("202401_1_1_0")))
	require.NoError(t, idx.Add(part.Name("202401_2_2_0")))

	snap := idx.Snapshot()
	require.Len(t, snap, 2)

	require.NoError(t, idx.Add(part.Name("202401_1_2_1")))
	snap = idx.Snapshot()
	require.Equal(t, []part.Name{"202401_1_2_1"}, snap)
}

func TestAddIgnoresSmallerThanExistingCover(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(part.Name("202401_1_2_1")))
	require.NoError(t, idx.Add(part.Name("202401_1_1_0")))

	snap := idx.Snapshot()
	require.Equal(t, []part.Name{"202401_1_2_1"}, snap)
}

func TestContainingPart(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(part.Name("202401_1_2_1")))

	cover, ok := idx.ContainingPart(part.Name("202401_1_1_0"))
	require.True(t, ok)
	require.Equal(t, part.Name("202401_1_2_1"), cover)

	_, ok = idx.ContainingPart(part.Name("202402_1_1_0"))
	require.False(t, ok)
}

func TestIsOwnCover(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(part.Name("202401_1_1_0")))
	require.True(t, idx.IsOwnCover(part.Name("202401_1_1_0")))

	require.NoError(t, idx.Add(part.Name("202401_2_2_0")))
	require.NoError(t, idx.Add(part.Name("202401_1_2_1")))
	require.False(t, idx.IsOwnCover(part.Name("202401_1_1_0")))
	require.True(t, idx.IsOwnCover(part.Name("202401_1_2_1")))
}

func TestNoOverlappingNonNestedMembers(t *testing.T) {
	idx := New()
	for _, n := range []part.Name{"202401_1_1_0", "202401_2_2_0", "202401_3_3_0"} {
		require.NoError(t, idx.Add(n))
	}
	snap := idx.Snapshot()
	for i := range snap {
		ri, _ := part.Parse(snap[i])
		for j := range snap {
			if i == j {
				continue
			}
			rj, _ := part.Parse(snap[j])
			overlaps := ri.Month == rj.Month && ri.Left <= rj.Right && rj.Left <= ri.Right
			nested := ri.Covers(rj) || rj.Covers(ri)
			require.False(t, overlaps && !nested, "members %v and %v overlap without nesting", snap[i], snap[j])
		}
	}
}
