// Package executor implements the per-replica queue executor of
// spec.md §4.7: a task registered with a shared background pool
// rather than a dedicated thread, which on each invocation selects at
// most one runnable queue entry, runs it, and commits the outcome
// atomically with the coordinator. Grounded on the shape of the
// teacher's shardPuller loop (internal/replica/server_migrate.go):
// pick work, call the peer transport, retry/reorder on failure.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/repltable/chreplica/internal/cherrors"
	"github.com/repltable/chreplica/internal/coord"
	"github.com/repltable/chreplica/internal/coordpath"
	"github.com/repltable/chreplica/internal/hostinfo"
	"github.com/repltable/chreplica/internal/logentry"
	"github.com/repltable/chreplica/internal/metrics"
	"github.com/repltable/chreplica/internal/part"
	"github.com/repltable/chreplica/internal/queue"
	"github.com/repltable/chreplica/internal/storeiface"
	"github.com/repltable/chreplica/internal/vparts"
)

// BigMergeInputBytes is the default threshold spec.md §4.7 names
// ("25 MiB"). config.Policy carries the same value through.
const BigMergeInputBytes = 25 << 20

// futureParts is the scoped-reservation set of not-yet-materialized
// part names, released on any exit path (spec.md §4.7: "tagged into
// future_parts... released on any exit path").
type futureParts struct {
	names map[part.Name]struct{}
}

func newFutureParts() *futureParts { return &futureParts{names: map[part.Name]struct{}{}} }

func (f *futureParts) has(n part.Name) bool { _, ok := f.names[n]; return ok }
func (f *futureParts) add(n part.Name)      { f.names[n] = struct{}{} }
func (f *futureParts) release(n part.Name)  { delete(f.names, n) }

// Executor owns the single-invocation-per-call queueTask contract.
// future_parts is scoped to one Executor instance, matching spec.md's
// "another worker" language, which in this repo means another
// goroutine sharing the same *Executor via the background pool.
type Executor struct {
	Coord    coord.Coordinator
	Store    storeiface.PartStore
	Merger   storeiface.Merger
	Fetcher  storeiface.PartFetcher
	Queue    *queue.Manager
	VParts   *vparts.Index
	Metrics  *metrics.Pool
	Table    string
	Replica  string
	Log      *logrus.Entry

	future *futureParts
}

func New(c coord.Coordinator, store storeiface.PartStore, merger storeiface.Merger, fetcher storeiface.PartFetcher,
	q *queue.Manager, idx *vparts.Index, m *metrics.Pool, table, replica string, log *logrus.Entry) *Executor {
	return &Executor{
		Coord: c, Store: store, Merger: merger, Fetcher: fetcher, Queue: q, VParts: idx, Metrics: m,
		Table: table, Replica: replica, Log: log, future: newFutureParts(),
	}
}

// QueueTask picks at most one runnable entry and executes it (spec.md
// §5: "the pool calls queueTask() which picks at most one entry per
// invocation"). It returns false when there was nothing runnable.
func (e *Executor) QueueTask(ctx context.Context) (bool, error) {
	item, ok := e.selectEntry()
	if !ok {
		return false, nil
	}

	err := e.execute(ctx, item)
	if err == nil {
		if rerr := e.Coord.Remove(ctx, item.ZNode); rerr != nil {
			e.Log.WithError(rerr).Warnf("executor: remove completed queue node %s", item.ZNode)
		}
		e.future.release(item.Entry.NewPartName)
		return true, nil
	}

	e.future.release(item.Entry.NewPartName)
	if errors.Is(err, cherrors.ErrNoReplicaHasPart) {
		e.Metrics.IncrementCounter(metrics.ReplicatedPartFailedFetches, 1)
		e.reorderOnMergeInputFailure(item)
		return true, err
	}
	// Any other failure: put the entry back at the tail so the pool
	// retries it on a later invocation (spec.md §4.7 only special-cases
	// the merge-input-fetch failure path for reordering).
	e.Queue.WithLock(func(items *[]queue.Item) {
		*items = append(*items, item)
	})
	return true, err
}

// selectEntry implements spec.md §4.7's selection rule under the queue
// mutex: scan FIFO order for the first entry whose shouldExecuteLogEntry
// holds, tag it into future_parts, and remove it from the in-memory FIFO
// (the coordinator node is untouched until the entry finishes).
func (e *Executor) selectEntry() (queue.Item, bool) {
	var picked queue.Item
	found := false
	e.Queue.WithLock(func(items *[]queue.Item) {
		for i, it := range *items {
			if !e.shouldExecuteLogEntry(it.Entry) {
				continue
			}
			picked = it
			found = true
			*items = append((*items)[:i], (*items)[i+1:]...)
			break
		}
	})
	if found {
		e.future.add(picked.Entry.NewPartName)
	}
	return picked, found
}

func (e *Executor) shouldExecuteLogEntry(entry logentry.Entry) bool {
	if e.future.has(entry.NewPartName) {
		return false
	}
	if entry.Type == logentry.MergeParts {
		for _, in := range entry.PartsToMerge {
			if e.future.has(in) {
				return false
			}
		}
	}
	return true
}

func (e *Executor) execute(ctx context.Context, item queue.Item) error {
	switch item.Entry.Type {
	case logentry.GetPart:
		return e.executeGetPart(ctx, item.Entry)
	case logentry.MergeParts:
		return e.executeMergeParts(ctx, item.Entry)
	default:
		return fmt.Errorf("executor: unknown entry type %v", item.Entry.Type)
	}
}

func (e *Executor) executeGetPart(ctx context.Context, entry logentry.Entry) error {
	if !e.VParts.IsOwnCover(entry.NewPartName) {
		// A bigger virtual part already covers this one; whatever would
		// fetch this entry's output is already redundant (spec.md §4.4).
		return nil
	}
	if e.partCoveredLocally(ctx, entry.NewPartName) {
		if entry.SourceReplica == e.Replica {
			e.Log.Warnf("executor: GET_PART %s names this replica as source but part already existed locally; anomalous but recoverable", entry.NewPartName)
		}
		return nil
	}

	peer, err := e.findReplicaHavingPart(ctx, entry.NewPartName)
	if err != nil {
		return err
	}

	if err := e.Fetcher.Fetch(ctx, peer, entry.NewPartName); err != nil {
		return fmt.Errorf("executor: fetch %s from %s: %w", entry.NewPartName, peer, err)
	}

	return e.registerFetchedPart(ctx, entry.NewPartName)
}

// partCoveredLocally reports whether name (or a part covering it) is
// already present on disk and known to the coordinator, the "already
// present" half of spec.md §4.7's no-op short-circuit.
func (e *Executor) partCoveredLocally(ctx context.Context, name part.Name) bool {
	target, err := part.Parse(name)
	locals, lerr := e.Store.AllLocalParts(ctx)
	for _, l := range locals {
		rg, perr := part.Parse(l)
		if err == nil && lerr == nil && perr == nil && rg.Covers(target) {
			if ok, _, cerr := e.Coord.Exists(ctx, coordpath.Part(e.Table, e.Replica, string(l))); cerr == nil && ok {
				return true
			}
		}
	}
	return false
}

func (e *Executor) executeMergeParts(ctx context.Context, entry logentry.Entry) error {
	if !e.VParts.IsOwnCover(entry.NewPartName) {
		return nil
	}
	if e.partCoveredLocally(ctx, entry.NewPartName) {
		// A covering part already exists locally and is known to the
		// coordinator: this merge is a no-op (spec.md §4.7).
		return nil
	}

	for _, in := range entry.PartsToMerge {
		if !e.Store.Exists(ctx, in) {
			// An input is missing locally: fall through to fetching the
			// already-merged result from a peer instead of chasing
			// individual inputs (spec.md §4.7).
			return e.executeGetPart(ctx, logentry.NewGetPart(entry.SourceReplica, entry.NewPartName))
		}
	}

	big := false
	for _, in := range entry.PartsToMerge {
		sz, err := e.Store.SizeBytes(ctx, in)
		if err == nil && sz > BigMergeInputBytes {
			big = true
			break
		}
	}
	if big {
		t1 := e.Metrics.Track(metrics.BigMerges, 1)
		t2 := e.Metrics.Track(metrics.ReplicatedBigMerges, 1)
		defer t1.Release()
		defer t2.Release()
	}

	if err := e.Merger.Merge(ctx, entry.PartsToMerge, entry.NewPartName); err != nil {
		return fmt.Errorf("executor: merge %v -> %s: %w", entry.PartsToMerge, entry.NewPartName, err)
	}

	return e.registerMergedPart(ctx, entry)
}

// registerFetchedPart atomically commits a fetched part: create its
// coordinator record and checksum, and remove every part it supersedes
// (spec.md §4.7: "atomically register the new part and remove parts it
// supersedes from the coordinator").
func (e *Executor) registerFetchedPart(ctx context.Context, name part.Name) error {
	checksum, err := e.Store.Checksum(ctx, name)
	if err != nil {
		return fmt.Errorf("executor: checksum %s: %w", name, err)
	}
	superseded, err := e.coveredExpectedParts(ctx, name)
	if err != nil {
		return err
	}

	ops := []coord.Op{
		coord.CreateOp{Path: coordpath.Part(e.Table, e.Replica, string(name)), Mode: coord.Persistent},
		coord.CreateOp{Path: coordpath.PartChecksums(e.Table, e.Replica, string(name)), Data: []byte(checksum), Mode: coord.Persistent},
	}
	for _, s := range superseded {
		ops = append(ops,
			coord.RemoveOp{Path: coordpath.PartChecksums(e.Table, e.Replica, string(s))},
			coord.RemoveOp{Path: coordpath.Part(e.Table, e.Replica, string(s))})
	}
	return e.Coord.Multi(ctx, ops...)
}

func (e *Executor) registerMergedPart(ctx context.Context, entry logentry.Entry) error {
	checksum, err := e.Store.Checksum(ctx, entry.NewPartName)
	if err != nil {
		return fmt.Errorf("executor: checksum %s: %w", entry.NewPartName, err)
	}
	ops := []coord.Op{
		coord.CreateOp{Path: coordpath.Part(e.Table, e.Replica, string(entry.NewPartName)), Mode: coord.Persistent},
		coord.CreateOp{Path: coordpath.PartChecksums(e.Table, e.Replica, string(entry.NewPartName)), Data: []byte(checksum), Mode: coord.Persistent},
	}
	for _, in := range entry.PartsToMerge {
		ops = append(ops,
			coord.RemoveOp{Path: coordpath.PartChecksums(e.Table, e.Replica, string(in))},
			coord.RemoveOp{Path: coordpath.Part(e.Table, e.Replica, string(in))})
	}
	return e.Coord.Multi(ctx, ops...)
}

// coveredExpectedParts lists this replica's currently-expected parts
// that name covers, used when a fetched part supersedes older ones.
func (e *Executor) coveredExpectedParts(ctx context.Context, name part.Name) ([]part.Name, error) {
	target, err := part.Parse(name)
	if err != nil {
		return nil, err
	}
	children, err := e.Coord.Children(ctx, coordpath.PartsRoot(e.Table, e.Replica))
	if err != nil {
		return nil, err
	}
	var out []part.Name
	for _, c := range children {
		if part.Name(c) == name {
			continue
		}
		rg, err := part.Parse(part.Name(c))
		if err != nil {
			continue
		}
		if target.Covers(rg) {
			out = append(out, part.Name(c))
		}
	}
	return out, nil
}

// findReplicaHavingPart implements spec.md §4.7's
// findReplicaHavingPart(name, active=true): any other replica whose
// coordinator record for name (or a cover of it) exists and which is
// currently active.
func (e *Executor) findReplicaHavingPart(ctx context.Context, name part.Name) (string, error) {
	target, err := part.Parse(name)
	if err != nil {
		return "", err
	}
	replicas, err := e.Coord.Children(ctx, coordpath.ReplicasRoot(e.Table))
	if err != nil {
		return "", err
	}
	for _, r := range replicas {
		if r == e.Replica {
			continue
		}
		active, _, err := e.Coord.Exists(ctx, coordpath.IsActive(e.Table, r))
		if err != nil || !active {
			continue
		}
		parts, err := e.Coord.Children(ctx, coordpath.PartsRoot(e.Table, r))
		if err != nil {
			continue
		}
		for _, p := range parts {
			rg, err := part.Parse(part.Name(p))
			if err != nil {
				continue
			}
			if rg.Covers(target) {
				data, _, err := e.Coord.Get(ctx, coordpath.Host(e.Table, r))
				if err != nil {
					continue
				}
				info, err := hostinfo.Decode(string(data))
				if err != nil {
					continue
				}
				return info.Addr(), nil
			}
		}
	}
	return "", cherrors.Wrap(cherrors.ErrNoReplicaHasPart, string(name), nil)
}

// reorderOnMergeInputFailure implements spec.md §4.7's failure path:
// "locate the corresponding MERGE_PARTS entry in the queue and move to
// the tail every entry ahead of it whose new_part_name is one of its
// inputs... then re-append the failed entry itself to the tail." The
// failed entry is either a standalone GET_PART for one of some queued
// merge's inputs, or that merge's own fallback fetch of its output.
// Relative order among moved entries is preserved either way.
func (e *Executor) reorderOnMergeInputFailure(failed queue.Item) {
	mergeEntry := failed.Entry
	haveMerge := failed.Entry.Type == logentry.MergeParts

	e.Queue.WithLock(func(items *[]queue.Item) {
		if !haveMerge {
			for _, it := range *items {
				if it.Entry.Type != logentry.MergeParts {
					continue
				}
				for _, in := range it.Entry.PartsToMerge {
					if in == failed.Entry.NewPartName {
						mergeEntry = it.Entry
						haveMerge = true
						break
					}
				}
				if haveMerge {
					break
				}
			}
		}
		if !haveMerge {
			*items = append(*items, failed)
			return
		}

		inputs := map[part.Name]struct{}{}
		for _, in := range mergeEntry.PartsToMerge {
			inputs[in] = struct{}{}
		}

		var moved, rest []queue.Item
		for _, it := range *items {
			if _, ok := inputs[it.Entry.NewPartName]; ok {
				moved = append(moved, it)
			} else {
				rest = append(rest, it)
			}
		}
		rest = append(rest, moved...)
		rest = append(rest, failed)
		*items = rest
	})
}
