package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/repltable/chreplica/internal/coord"
	"github.com/repltable/chreplica/internal/coordpath"
	"github.com/repltable/chreplica/internal/coordtest"
	"github.com/repltable/chreplica/internal/logentry"
	"github.com/repltable/chreplica/internal/part"
)

func testLog() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func TestCreateReplicaIsNoopCopyForFirstReplica(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()

	require.NoError(t, CreateReplica(ctx, c, "T", "r1", testLog()))

	for _, p := range []string{
		coordpath.PartsRoot("T", "r1"),
		coordpath.QueueRoot("T", "r1"),
		coordpath.LogRoot("T", "r1"),
		coordpath.LogPointersRoot("T", "r1"),
	} {
		exists, _, err := c.Exists(ctx, p)
		require.NoError(t, err)
		require.True(t, exists, "expected %s to exist", p)
	}
}

func TestCreateReplicaCopiesFromInactiveReference(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()
	require.NoError(t, CreateReplica(ctx, c, "T", "r1", testLog()))

	// r1 holds two non-overlapping parts and one queued entry; it is
	// not active, so r2's bootstrap should prefer it immediately
	// rather than waiting on an acknowledgement.
	_, err := c.Create(ctx, coordpath.Part("T", "r1", "202401_1_1_0"), nil, coord.Persistent)
	require.NoError(t, err)
	_, err = c.Create(ctx, coordpath.Part("T", "r1", "202401_2_2_0"), nil, coord.Persistent)
	require.NoError(t, err)
	_, err = c.Create(ctx, coordpath.QueueEntryPrefix("T", "r1"),
		[]byte(logentry.Encode(logentry.NewGetPart("r1", "202401_3_3_0"))), coord.PersistentSequential)
	require.NoError(t, err)
	_, err = c.Create(ctx, coordpath.LogPointer("T", "r1", "ghost"), []byte("4"), coord.Persistent)
	require.NoError(t, err)

	require.NoError(t, CreateReplica(ctx, c, "T", "r2", testLog()))

	queued, err := c.Children(ctx, coordpath.QueueRoot("T", "r2"))
	require.NoError(t, err)
	require.Len(t, queued, 3, "two maximal parts plus the one inherited queue entry")

	var names []part.Name
	for _, q := range queued {
		data, _, err := c.Get(ctx, coordpath.QueueRoot("T", "r2")+"/"+q)
		require.NoError(t, err)
		entry, err := logentry.Decode(string(data))
		require.NoError(t, err)
		names = append(names, entry.NewPartName)
	}
	require.ElementsMatch(t, []part.Name{"202401_1_1_0", "202401_2_2_0", "202401_3_3_0"}, names)

	ptr, _, err := c.Get(ctx, coordpath.LogPointer("T", "r2", "ghost"))
	require.NoError(t, err)
	require.Equal(t, "4", string(ptr))
}

func TestCreateReplicaReducesOverlappingPartsToMaximalCover(t *testing.T) {
	ctx := context.Background()
	c := coordtest.New()
	require.NoError(t, CreateReplica(ctx, c, "T", "r1", testLog()))

	// A part and a bigger merge result covering it: only the cover
	// should survive reduction.
	_, err := c.Create(ctx, coordpath.Part("T", "r1", "202401_1_1_0"), nil, coord.Persistent)
	require.NoError(t, err)
	_, err = c.Create(ctx, coordpath.Part("T", "r1", "202401_1_2_1"), nil, coord.Persistent)
	require.NoError(t, err)

	require.NoError(t, CreateReplica(ctx, c, "T", "r2", testLog()))

	queued, err := c.Children(ctx, coordpath.QueueRoot("T", "r2"))
	require.NoError(t, err)
	require.Len(t, queued, 1, "the covered part must not get its own GET_PART entry")
}

func TestCreateReplicaWaitsForActiveReferenceToAcknowledge(t *testing.T) {
	old := AckPollInterval
	AckPollInterval = 10 * time.Millisecond
	defer func() { AckPollInterval = old }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := coordtest.New()
	require.NoError(t, CreateReplica(ctx, c, "T", "r1", testLog()))
	_, err := c.Create(ctx, coordpath.IsActive("T", "r1"), []byte("proc-1"), coord.Ephemeral)
	require.NoError(t, err)

	_, err = c.Create(ctx, coordpath.Part("T", "r1", "202401_1_1_0"), nil, coord.Persistent)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- CreateReplica(ctx, c, "T", "r2", testLog()) }()

	// r1's bootstrap-acknowledgement path: once it notices r2 joined,
	// it positions a log cursor against r2 the same way PullLogsToQueue
	// would, unblocking r2's wait without needing a live peer loop in
	// this test.
	time.Sleep(20 * time.Millisecond)
	_, err = c.Create(ctx, coordpath.LogPointer("T", "r1", "r2"), []byte("0"), coord.Persistent)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("CreateReplica did not observe the acknowledgement before timeout")
	}

	queued, err := c.Children(ctx, coordpath.QueueRoot("T", "r2"))
	require.NoError(t, err)
	require.Len(t, queued, 1)
}

func TestCreateReplicaWaitsForEveryCandidateAndPrefersActiveAcked(t *testing.T) {
	old := AckPollInterval
	AckPollInterval = 10 * time.Millisecond
	defer func() { AckPollInterval = old }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := coordtest.New()

	// r1 is inactive and already has a part; on its own it would have
	// satisfied the old first-candidate-wins logic immediately.
	require.NoError(t, CreateReplica(ctx, c, "T", "r1", testLog()))
	_, err := c.Create(ctx, coordpath.Part("T", "r1", "202401_1_1_0"), nil, coord.Persistent)
	require.NoError(t, err)

	// r2 is active and has not yet acknowledged r3: every candidate
	// must qualify before r3's bootstrap may proceed, so this must
	// block it even though r1 already qualifies on its own.
	require.NoError(t, CreateReplica(ctx, c, "T", "r2", testLog()))
	_, err = c.Create(ctx, coordpath.IsActive("T", "r2"), []byte("proc-2"), coord.Ephemeral)
	require.NoError(t, err)
	_, err = c.Create(ctx, coordpath.Part("T", "r2", "202409_9_9_0"), nil, coord.Persistent)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- CreateReplica(ctx, c, "T", "r3", testLog()) }()

	select {
	case err := <-done:
		t.Fatalf("CreateReplica must not complete before r2 acknowledges r3, got err=%v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = c.Create(ctx, coordpath.LogPointer("T", "r2", "r3"), []byte("0"), coord.Persistent)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("CreateReplica did not observe r2's acknowledgement before timeout")
	}

	// r2 is the acked-active candidate and must be preferred as the
	// reference over the merely-inactive r1, per spec.md's "prefer an
	// active one as the reference replica". Copying from r2 gives r3 a
	// GET_PART for r2's own part 202409_9_9_0 first, then a copy of the
	// GET_PART for 202401_1_1_0 that r2 inherited from r1 in its own
	// bootstrap; r1 as reference would have given only the latter.
	queued, err := c.Children(ctx, coordpath.QueueRoot("T", "r3"))
	require.NoError(t, err)
	require.Len(t, queued, 2)
	data, _, err := c.Get(ctx, coordpath.QueueRoot("T", "r3")+"/"+queued[0])
	require.NoError(t, err)
	entry, err := logentry.Decode(string(data))
	require.NoError(t, err)
	require.Equal(t, part.Name("202409_9_9_0"), entry.NewPartName)
}
