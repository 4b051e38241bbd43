package table

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repltable/chreplica/internal/coord"
	"github.com/repltable/chreplica/internal/coordpath"
	"github.com/repltable/chreplica/internal/coordtest"
	"github.com/repltable/chreplica/internal/part"
)

type fakeStore struct {
	local   map[part.Name]struct{}
	renamed map[part.Name]string
}

func newFakeStore(names ...part.Name) *fakeStore {
	s := &fakeStore{local: map[part.Name]struct{}{}, renamed: map[part.Name]string{}}
	for _, n := range names {
		s.local[n] = struct{}{}
	}
	return s
}

func (s *fakeStore) AllLocalParts(ctx context.Context) ([]part.Name, error) {
	var out []part.Name
	for n := range s.local {
		out = append(out, n)
	}
	return out, nil
}
func (s *fakeStore) Checksum(ctx context.Context, n part.Name) (string, error) { return "cksum", nil }
func (s *fakeStore) RenameAside(ctx context.Context, n part.Name, prefix string) error {
	s.renamed[n] = prefix
	delete(s.local, n)
	return nil
}
func (s *fakeStore) Exists(ctx context.Context, n part.Name) bool { _, ok := s.local[n]; return ok }
func (s *fakeStore) SizeBytes(ctx context.Context, n part.Name) (int64, error) { return 0, nil }
func (s *fakeStore) Open(ctx context.Context, n part.Name) (io.ReadCloser, error) { return nil, nil }
func (s *fakeStore) Install(ctx context.Context, n part.Name, r io.Reader) error { return nil }

func TestRemoveSubtreeDeletesEverythingUnderneath(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()
	_, err := c.Create(ctx, coordpath.PartsRoot("T", "r1"), nil, coord.Persistent)
	require.NoError(t, err)
	_, err = c.Create(ctx, coordpath.Part("T", "r1", "202401_1_1_0"), nil, coord.Persistent)
	require.NoError(t, err)

	require.NoError(t, removeSubtree(ctx, c, coordpath.ReplicaRoot("T", "r1")))

	exists, _, err := c.Exists(ctx, coordpath.ReplicaRoot("T", "r1"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRemoveSubtreeOnMissingPathIsNoop(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()
	require.NoError(t, removeSubtree(ctx, c, coordpath.ReplicaRoot("T", "ghost")))
}

func TestClaimBlockNumberAssignsIncreasingNumbers(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()

	n1, err := claimBlockNumber(ctx, c, "T", "202401")
	require.NoError(t, err)
	require.Equal(t, int64(0), n1)

	n2, err := claimBlockNumber(ctx, c, "T", "202401")
	require.NoError(t, err)
	require.Equal(t, int64(1), n2)

	// A different month starts its own sequence from zero.
	n3, err := claimBlockNumber(ctx, c, "T", "202402")
	require.NoError(t, err)
	require.Equal(t, int64(0), n3)
}

func TestDropRemovesReplicaAndTableSubtreeWhenLast(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()
	_, err := c.Create(ctx, coordpath.PartsRoot("T", "r1"), nil, coord.Persistent)
	require.NoError(t, err)
	_, err = c.Create(ctx, coordpath.Part("T", "r1", "202401_1_1_0"), nil, coord.Persistent)
	require.NoError(t, err)
	_, err = c.Create(ctx, coordpath.Metadata("T"), []byte("metadata format version: 1\n"), coord.Persistent)
	require.NoError(t, err)

	store := newFakeStore("202401_1_1_0")
	r := &Replica{
		Table: "T", Name: "r1",
		store: store,
		dial:  func() (coord.Coordinator, error) { return c, nil },
	}

	require.NoError(t, r.Drop(ctx))

	replicaExists, _, err := c.Exists(ctx, coordpath.ReplicaRoot("T", "r1"))
	require.NoError(t, err)
	require.False(t, replicaExists, "replica subtree must be gone")

	tableExists, _, err := c.Exists(ctx, coordpath.TableRoot("T"))
	require.NoError(t, err)
	require.False(t, tableExists, "table subtree must be gone once the last replica drops")

	require.Equal(t, "dropped_", store.renamed[part.Name("202401_1_1_0")])
}

func TestDropLeavesTableSubtreeWhenOtherReplicasRemain(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()
	_, err := c.Create(ctx, coordpath.PartsRoot("T", "r1"), nil, coord.Persistent)
	require.NoError(t, err)
	_, err = c.Create(ctx, coordpath.PartsRoot("T", "r2"), nil, coord.Persistent)
	require.NoError(t, err)

	store := newFakeStore()
	r := &Replica{
		Table: "T", Name: "r1",
		store: store,
		dial:  func() (coord.Coordinator, error) { return c, nil },
	}

	require.NoError(t, r.Drop(ctx))

	replicaExists, _, err := c.Exists(ctx, coordpath.ReplicaRoot("T", "r1"))
	require.NoError(t, err)
	require.False(t, replicaExists)

	tableExists, _, err := c.Exists(ctx, coordpath.TableRoot("T"))
	require.NoError(t, err)
	require.True(t, tableExists, "r2 still exists, table subtree must survive")
}
