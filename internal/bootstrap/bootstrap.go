// Package bootstrap implements createReplica (spec.md §4.10): bringing
// a brand-new replica's coordinator subtree up to a state from which
// the session supervisor can start normally. It runs once, before the
// first startup(), and never again for that replica's lifetime.
package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/repltable/chreplica/internal/coord"
	"github.com/repltable/chreplica/internal/coordpath"
	"github.com/repltable/chreplica/internal/logentry"
	"github.com/repltable/chreplica/internal/part"
	"github.com/repltable/chreplica/internal/vparts"
)

// AckPollInterval is how often createReplica re-checks whether a
// pre-existing replica has acknowledged us, matching the 5s poll
// spec.md §5 describes for the analogous "peer acknowledges me" wait
// (no wall-clock ceiling: this loop only returns on ctx cancellation
// or a reference replica being found). A var, not a const, so tests
// can shrink it instead of running real wall-clock seconds.
var AckPollInterval = 5 * time.Second

// CreateReplica runs the four-step bootstrap of spec.md §4.10 for a
// not-yet-existing replica named `replica` under table. It blocks
// until either a reference replica is found and copied from, or ctx
// is cancelled. Called exactly once, before the first supervisor
// startup() for this replica.
func CreateReplica(ctx context.Context, c coord.Coordinator, table, replica string, log *logrus.Entry) error {
	existing, err := snapshotReplicas(ctx, c, table)
	if err != nil {
		return fmt.Errorf("bootstrap: snapshot replicas: %w", err)
	}

	if err := createOwnSubtree(ctx, c, table, replica); err != nil {
		return fmt.Errorf("bootstrap: create own subtree: %w", err)
	}

	if len(existing) == 0 {
		log.Info("bootstrap: first replica of table, nothing to copy")
		return nil
	}

	ref, err := waitForReference(ctx, c, table, replica, existing, log)
	if err != nil {
		return fmt.Errorf("bootstrap: wait for reference replica: %w", err)
	}
	if ref == "" {
		log.Info("bootstrap: no reference replica acknowledged us, proceeding empty")
		return nil
	}

	if err := copyFromReference(ctx, c, table, replica, ref, log); err != nil {
		return fmt.Errorf("bootstrap: copy from reference %s: %w", ref, err)
	}
	return nil
}

// snapshotReplicas is step 1: the set of replicas that existed before
// this one was created, frozen at this instant so a replica that joins
// concurrently with us is never treated as our reference (it has
// nothing to copy either).
func snapshotReplicas(ctx context.Context, c coord.Coordinator, table string) ([]string, error) {
	root := coordpath.ReplicasRoot(table)
	if _, outcome, err := c.TryCreate(ctx, root, nil, coord.Persistent); err != nil {
		return nil, fmt.Errorf("ensure %s: %w", root, err)
	} else if outcome != coord.OutcomeOK && outcome != coord.OutcomeNodeExists {
		return nil, fmt.Errorf("ensure %s: %s", root, outcome)
	}
	children, err := c.Children(ctx, root)
	if err != nil {
		return nil, err
	}
	sort.Strings(children)
	return children, nil
}

// createOwnSubtree is step 2: the empty skeleton every other package
// in this repo assumes is already present (parts/, queue/, log/,
// log_pointers/, flags/), plus the host node this replica's own
// activateReplica will later SetData on.
func createOwnSubtree(ctx context.Context, c coord.Coordinator, table, replica string) error {
	paths := []string{
		coordpath.ReplicaRoot(table, replica),
		coordpath.PartsRoot(table, replica),
		coordpath.QueueRoot(table, replica),
		coordpath.LogRoot(table, replica),
		coordpath.LogPointersRoot(table, replica),
		coordpath.FlagsRoot(table, replica),
	}
	for _, p := range paths {
		_, outcome, err := c.TryCreate(ctx, p, nil, coord.Persistent)
		if err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
		if outcome != coord.OutcomeOK && outcome != coord.OutcomeNodeExists {
			return fmt.Errorf("create %s: %s", p, outcome)
		}
	}
	if _, outcome, err := c.TryCreate(ctx, coordpath.Host(table, replica), []byte(""), coord.Persistent); err != nil {
		return fmt.Errorf("create %s: %w", coordpath.Host(table, replica), err)
	} else if outcome != coord.OutcomeOK && outcome != coord.OutcomeNodeExists {
		return fmt.Errorf("create %s: %s", coordpath.Host(table, replica), outcome)
	}
	return nil
}

// waitForReference is step 3: poll every pre-existing replica until
// EVERY one of them is either inactive (no is_active, so it cannot
// race us with concurrent queue appends) or has created
// log_pointers/<self> under itself (meaning it has already positioned
// a log cursor against us and is safe to read a consistent snapshot
// from). Returning as soon as any single candidate qualifies would let
// us start serving before some other still-active peer ever observed
// us, violating the invariant that every existing active replica must
// see a new replica before it begins serving. Once every candidate
// qualifies, an acked-active one is preferred as the reference since
// it is still live and can be assumed current; an inactive one is only
// used when no active peer has acknowledged us.
func waitForReference(ctx context.Context, c coord.Coordinator, table, replica string, candidates []string, log *logrus.Entry) (string, error) {
	ticker := time.NewTicker(AckPollInterval)
	defer ticker.Stop()

	for {
		allQualify := true
		var ackedActive, inactive string
		for _, peer := range candidates {
			active, _, err := c.Exists(ctx, coordpath.IsActive(table, peer))
			if err != nil {
				return "", fmt.Errorf("check is_active for %s: %w", peer, err)
			}
			if !active {
				if inactive == "" {
					inactive = peer
				}
				continue
			}
			acked, _, err := c.Exists(ctx, coordpath.LogPointer(table, peer, replica))
			if err != nil {
				return "", fmt.Errorf("check log_pointers for %s: %w", peer, err)
			}
			if !acked {
				allQualify = false
				continue
			}
			if ackedActive == "" {
				ackedActive = peer
			}
		}
		if allQualify {
			if ackedActive != "" {
				return ackedActive, nil
			}
			return inactive, nil
		}

		log.Debug("bootstrap: no reference replica ready yet, retrying")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// copyFromReference is step 4, in the order spec.md §4.10 calls
// critical: copy log_pointers verbatim, snapshot the reference's
// queue, then enumerate its parts. Applying the queue snapshot and
// enqueuing GET_PART entries both happen after every read from the
// reference completes, so a failure partway through never leaves us
// having enqueued work without also inheriting the log_pointers that
// make that work's log-derived continuation correct.
func copyFromReference(ctx context.Context, c coord.Coordinator, table, replica, ref string, log *logrus.Entry) error {
	pointers, err := copyLogPointers(ctx, c, table, replica, ref)
	if err != nil {
		return fmt.Errorf("copy log_pointers: %w", err)
	}
	queueEntries, err := snapshotQueue(ctx, c, table, ref)
	if err != nil {
		return fmt.Errorf("snapshot queue: %w", err)
	}
	maximalParts, err := maximalParts(ctx, c, table, ref)
	if err != nil {
		return fmt.Errorf("enumerate parts: %w", err)
	}

	for peer, idx := range pointers {
		p := coordpath.LogPointer(table, replica, peer)
		if _, outcome, err := c.TryCreate(ctx, p, []byte(idx), coord.Persistent); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		} else if outcome != coord.OutcomeOK && outcome != coord.OutcomeNodeExists {
			return fmt.Errorf("create %s: %s", p, outcome)
		}
	}

	for _, name := range maximalParts {
		entry := logentry.NewGetPart(ref, name)
		if err := enqueue(ctx, c, table, replica, entry); err != nil {
			return fmt.Errorf("enqueue GET_PART %s: %w", name, err)
		}
	}
	for _, entry := range queueEntries {
		if err := enqueue(ctx, c, table, replica, entry); err != nil {
			return fmt.Errorf("enqueue inherited queue entry: %w", err)
		}
	}

	log.WithFields(logrus.Fields{
		"reference":    ref,
		"log_pointers": len(pointers),
		"parts":        len(maximalParts),
		"queue":        len(queueEntries),
	}).Info("bootstrap: copied state from reference replica")
	return nil
}

func copyLogPointers(ctx context.Context, c coord.Coordinator, table, replica, ref string) (map[string]string, error) {
	root := coordpath.LogPointersRoot(table, ref)
	names, err := c.Children(ctx, root)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for _, peer := range names {
		if peer == replica {
			continue
		}
		data, _, err := c.Get(ctx, root+"/"+peer)
		if err != nil {
			return nil, err
		}
		out[peer] = string(data)
	}
	return out, nil
}

func snapshotQueue(ctx context.Context, c coord.Coordinator, table, ref string) ([]logentry.Entry, error) {
	root := coordpath.QueueRoot(table, ref)
	names, err := c.Children(ctx, root)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]logentry.Entry, 0, len(names))
	for _, name := range names {
		data, _, err := c.Get(ctx, root+"/"+name)
		if err != nil {
			return nil, err
		}
		entry, err := logentry.Decode(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode queue entry %s: %w", name, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// maximalParts enumerates the reference replica's committed parts and
// reduces them to their maximal covering set, using the same covering
// rule the virtual-parts index applies to queued merges (spec.md §4.4,
// §4.10 step 4: "reduce to maximal covering set").
func maximalParts(ctx context.Context, c coord.Coordinator, table, ref string) ([]part.Name, error) {
	root := coordpath.PartsRoot(table, ref)
	names, err := c.Children(ctx, root)
	if err != nil {
		return nil, err
	}
	idx := vparts.New()
	for _, name := range names {
		if err := idx.Add(part.Name(name)); err != nil {
			return nil, fmt.Errorf("malformed part name %s: %w", name, err)
		}
	}
	out := idx.Snapshot()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func enqueue(ctx context.Context, c coord.Coordinator, table, replica string, entry logentry.Entry) error {
	_, err := c.Create(ctx, coordpath.QueueEntryPrefix(table, replica), []byte(logentry.Encode(entry)), coord.PersistentSequential)
	return err
}
