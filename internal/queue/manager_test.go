package queue

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/repltable/chreplica/internal/coord"
	"github.com/repltable/chreplica/internal/coordpath"
	"github.com/repltable/chreplica/internal/coordtest"
	"github.com/repltable/chreplica/internal/logentry"
	"github.com/repltable/chreplica/internal/part"
	"github.com/repltable/chreplica/internal/vparts"
)

func testLog() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func setupReplicaTree(t *testing.T, c *coordtest.Double, table, replica string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.EnsureTree(ctx, coordpath.PartsRoot(table, replica)))
	require.NoError(t, c.EnsureTree(ctx, coordpath.QueueRoot(table, replica)))
	require.NoError(t, c.EnsureTree(ctx, coordpath.LogRoot(table, replica)))
	require.NoError(t, c.EnsureTree(ctx, coordpath.LogPointersRoot(table, replica)))
}

func appendLog(t *testing.T, c *coordtest.Double, table, replica string, entry logentry.Entry) {
	t.Helper()
	_, err := c.Create(context.Background(), coordpath.LogEntryPrefix(table, replica),
		[]byte(logentry.Encode(entry)), coord.PersistentSequential)
	require.NoError(t, err)
}

func TestLoadQueueSortsByNameAndPopulatesVPartsIndex(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()
	setupReplicaTree(t, c, "T", "r1")

	// Create out of the order a naive unsorted Children() listing might
	// return, to prove LoadQueue sorts by name itself.
	_, err := c.Create(ctx, coordpath.QueueEntryPrefix("T", "r1"),
		[]byte(logentry.Encode(logentry.NewGetPart("r1", "202401_2_2_0"))), coord.PersistentSequential)
	require.NoError(t, err)
	_, err = c.Create(ctx, coordpath.QueueEntryPrefix("T", "r1"),
		[]byte(logentry.Encode(logentry.NewGetPart("r1", "202401_1_1_0"))), coord.PersistentSequential)
	require.NoError(t, err)

	idx := vparts.New()
	m := New(c, "T", "r1", idx, testLog())
	require.NoError(t, m.LoadQueue(ctx))

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 2)
	require.Equal(t, part.Name("202401_2_2_0"), snapshot[0].Entry.NewPartName)
	require.Equal(t, part.Name("202401_1_1_0"), snapshot[1].Entry.NewPartName)

	require.True(t, idx.IsOwnCover("202401_1_1_0"))
	require.True(t, idx.IsOwnCover("202401_2_2_0"))
}

func TestPullLogsToQueueMergesPeerLogsByCzxid(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()
	setupReplicaTree(t, c, "T", "r1")
	setupReplicaTree(t, c, "T", "r2")
	setupReplicaTree(t, c, "T", "r3")

	// Interleave creation across two peer logs so the merged order is
	// not simply "all of r2 then all of r3".
	appendLog(t, c, "T", "r2", logentry.NewGetPart("r2", "202401_1_1_0"))
	appendLog(t, c, "T", "r3", logentry.NewGetPart("r3", "202401_2_2_0"))
	appendLog(t, c, "T", "r2", logentry.NewGetPart("r2", "202401_3_3_0"))

	idx := vparts.New()
	m := New(c, "T", "r1", idx, testLog())
	require.NoError(t, m.LoadQueue(ctx))

	pulled, err := m.PullLogsToQueue(ctx, []string{"r2", "r3"})
	require.NoError(t, err)
	require.Equal(t, 3, pulled)

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 3)
	require.Equal(t, part.Name("202401_1_1_0"), snapshot[0].Entry.NewPartName)
	require.Equal(t, part.Name("202401_2_2_0"), snapshot[1].Entry.NewPartName)
	require.Equal(t, part.Name("202401_3_3_0"), snapshot[2].Entry.NewPartName)

	for _, n := range []part.Name{"202401_1_1_0", "202401_2_2_0", "202401_3_3_0"} {
		require.True(t, idx.IsOwnCover(n))
	}

	// A second pull with nothing new must be a no-op.
	pulled, err = m.PullLogsToQueue(ctx, []string{"r2", "r3"})
	require.NoError(t, err)
	require.Equal(t, 0, pulled)
}

func TestLogGCDeletesOnlyEntriesEveryPeerHasPassed(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()
	setupReplicaTree(t, c, "T", "r1")
	setupReplicaTree(t, c, "T", "r2")
	setupReplicaTree(t, c, "T", "r3")

	for i := 0; i < 3; i++ {
		appendLog(t, c, "T", "r1", logentry.NewGetPart("r1", part.Name("202401_1_1_0")))
	}

	// r2 has consumed indices 0 and 1 (pointer=2).
	_, err := c.Create(ctx, coordpath.LogPointer("T", "r2", "r1"), []byte("2"), coord.Persistent)
	require.NoError(t, err)
	// r3 has consumed everything (pointer=3).
	_, err = c.Create(ctx, coordpath.LogPointer("T", "r3", "r1"), []byte("3"), coord.Persistent)
	require.NoError(t, err)

	idx := vparts.New()
	m := New(c, "T", "r1", idx, testLog())
	require.NoError(t, m.LogGC(ctx, "T"))

	remaining, err := c.Children(ctx, coordpath.LogRoot("T", "r1"))
	require.NoError(t, err)
	require.Len(t, remaining, 1, "indices 0 and 1, which both peers have moved past, are GC'd; index 2 remains")
}

func TestEnqueueAppendsToOwnQueueWithoutTouchingLogOrPointers(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()
	setupReplicaTree(t, c, "T", "r1")

	idx := vparts.New()
	m := New(c, "T", "r1", idx, testLog())
	require.NoError(t, m.LoadQueue(ctx))

	entry := logentry.NewMergeParts("r1", []part.Name{"202401_1_1_0", "202401_2_2_0"}, "202401_1_2_1")
	require.NoError(t, m.Enqueue(ctx, entry))

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, part.Name("202401_1_2_1"), snapshot[0].Entry.NewPartName)
	require.True(t, idx.IsOwnCover("202401_1_2_1"))

	logChildren, err := c.Children(ctx, coordpath.LogRoot("T", "r1"))
	require.NoError(t, err)
	require.Empty(t, logChildren, "Enqueue must not write a replication log entry")

	pointerChildren, err := c.Children(ctx, coordpath.LogPointersRoot("T", "r1"))
	require.NoError(t, err)
	require.Empty(t, pointerChildren, "Enqueue must not touch any peer's log pointer")
}

func TestLogGCBlockedByPeerWithNoPointerYet(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()
	setupReplicaTree(t, c, "T", "r1")
	setupReplicaTree(t, c, "T", "r2")

	appendLog(t, c, "T", "r1", logentry.NewGetPart("r1", part.Name("202401_1_1_0")))

	idx := vparts.New()
	m := New(c, "T", "r1", idx, testLog())
	require.NoError(t, m.LogGC(ctx, "T"))

	remaining, err := c.Children(ctx, coordpath.LogRoot("T", "r1"))
	require.NoError(t, err)
	require.Len(t, remaining, 1, "a peer that has never read this replica's log pins the GC point at 0")
}
