// Package reconcile implements the one-shot alignment of local parts
// with the coordinator's view of this replica, run once per session
// after registration and before the queue loader starts (spec.md §4.5).
package reconcile

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/repltable/chreplica/internal/cherrors"
	"github.com/repltable/chreplica/internal/coord"
	"github.com/repltable/chreplica/internal/coordpath"
	"github.com/repltable/chreplica/internal/logentry"
	"github.com/repltable/chreplica/internal/part"
	"github.com/repltable/chreplica/internal/storeiface"
)

// Policy holds the sanity-gate bounds of spec.md §4.5. Defaults match
// the spec's stated policy constants; config.Policy carries the same
// numbers through to callers so they can override per deployment.
type Policy struct {
	MaxToAdd      int
	MaxUnexpected int
	MaxObsolete   int
	MaxToFetch    int
}

func DefaultPolicy() Policy {
	return Policy{MaxToAdd: 2, MaxUnexpected: 2, MaxObsolete: 20, MaxToFetch: 2}
}

// Result is what Run classified and applied.
type Result struct {
	ToAdd    []part.Name
	Obsolete []part.Name
	ToFetch  []part.Name
	Ignored  []part.Name // renamed aside with "ignored_"
}

// Reconciler runs the classify-then-apply algorithm of spec.md §4.5
// against one replica's subtree.
type Reconciler struct {
	Coord   coord.Coordinator
	Store   storeiface.PartStore
	Table   string
	Replica string
	Policy  Policy
	Log     *logrus.Entry
}

// Run performs reconciliation and returns what it did. It must
// complete before the queue loader runs (spec.md §4.5).
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	expectedNames, err := r.Coord.Children(ctx, coordpath.PartsRoot(r.Table, r.Replica))
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: list expected parts: %w", err)
	}
	localNames, err := r.Store.AllLocalParts(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: list local parts: %w", err)
	}

	localNameStrs := make([]string, len(localNames))
	for i, n := range localNames {
		localNameStrs[i] = string(n)
	}

	expected := toRangeSet(expectedNames)
	local := toRangeSet(localNameStrs)

	unexpected := map[part.Name]part.Range{}
	for n, rg := range local {
		if _, ok := expected[n]; !ok {
			unexpected[n] = rg
		}
	}

	var obsolete, toFetch, toAdd []part.Name
	for n, rg := range expected {
		if _, ok := local[n]; ok {
			continue // present both sides, nothing to do
		}
		cover, ok := findCover(rg, local)
		if !ok {
			toFetch = append(toFetch, n)
			continue
		}
		obsolete = append(obsolete, n)
		if _, isUnexpected := unexpected[cover]; isUnexpected {
			toAdd = append(toAdd, cover)
			delete(unexpected, cover)
		}
	}

	var ignored []part.Name
	for n := range unexpected {
		ignored = append(ignored, n)
	}

	if err := r.sanityGate(ctx, len(toAdd), len(unexpected), len(obsolete), len(toFetch)); err != nil {
		return Result{}, err
	}

	for _, n := range toAdd {
		if err := r.applyToAdd(ctx, n); err != nil {
			return Result{}, err
		}
	}
	for _, n := range obsolete {
		if err := r.applyRemoveExpected(ctx, n); err != nil {
			return Result{}, err
		}
	}
	for _, n := range toFetch {
		if err := r.applyToFetch(ctx, n); err != nil {
			return Result{}, err
		}
	}
	for _, n := range ignored {
		if err := r.Store.RenameAside(ctx, n, "ignored_"); err != nil {
			return Result{}, err
		}
	}

	return Result{ToAdd: toAdd, Obsolete: obsolete, ToFetch: toFetch, Ignored: ignored}, nil
}

func (r *Reconciler) sanityGate(ctx context.Context, toAdd, unexpected, obsolete, toFetch int) error {
	over := toAdd > r.Policy.MaxToAdd || unexpected > r.Policy.MaxUnexpected ||
		obsolete > r.Policy.MaxObsolete || toFetch > r.Policy.MaxToFetch
	if !over {
		return nil
	}

	flag := coordpath.ForceRestoreFlag(r.Table, r.Replica)
	_, _, outcome, err := r.Coord.TryGet(ctx, flag)
	if err != nil {
		return fmt.Errorf("reconcile: check force-restore sentinel: %w", err)
	}
	if outcome != coord.OutcomeOK {
		return cherrors.Wrap(cherrors.ErrTooManyUnexpectedParts,
			fmt.Sprintf("to_add=%d unexpected=%d obsolete=%d to_fetch=%d", toAdd, unexpected, obsolete, toFetch), nil)
	}
	// Sentinel present: bypass once, consuming it.
	if _, err := r.Coord.TryRemove(ctx, flag); err != nil {
		return fmt.Errorf("reconcile: consume force-restore sentinel: %w", err)
	}
	r.Log.Warn("TOO_MANY_UNEXPECTED_DATA_PARTS bypassed via force_restore_data")
	return nil
}

func (r *Reconciler) applyToAdd(ctx context.Context, n part.Name) error {
	checksum, err := r.Store.Checksum(ctx, n)
	if err != nil {
		return fmt.Errorf("reconcile: checksum %s: %w", n, err)
	}
	return r.Coord.Multi(ctx,
		coord.CreateOp{Path: coordpath.Part(r.Table, r.Replica, string(n)), Mode: coord.Persistent},
		coord.CreateOp{Path: coordpath.PartChecksums(r.Table, r.Replica, string(n)), Data: []byte(checksum), Mode: coord.Persistent},
	)
}

func (r *Reconciler) applyRemoveExpected(ctx context.Context, n part.Name) error {
	return removePartNode(ctx, r.Coord, r.Table, r.Replica, n)
}

func (r *Reconciler) applyToFetch(ctx context.Context, n part.Name) error {
	queuePrefix := coordpath.QueueEntryPrefix(r.Table, r.Replica)
	entryText := logentry.Encode(logentry.NewGetPart(r.Replica, n))
	ops := []coord.Op{
		coord.CreateOp{Path: queuePrefix, Data: []byte(entryText), Mode: coord.PersistentSequential},
		coord.RemoveOp{Path: coordpath.PartChecksums(r.Table, r.Replica, string(n))},
		coord.RemoveOp{Path: coordpath.Part(r.Table, r.Replica, string(n))},
	}
	return r.Coord.Multi(ctx, ops...)
}

func removePartNode(ctx context.Context, c coord.Coordinator, table, replica string, n part.Name) error {
	return c.Multi(ctx,
		coord.RemoveOp{Path: coordpath.PartChecksums(table, replica, string(n))},
		coord.RemoveOp{Path: coordpath.Part(table, replica, string(n))},
	)
}

func toRangeSet(names []string) map[part.Name]part.Range {
	out := make(map[part.Name]part.Range, len(names))
	for _, raw := range names {
		n := part.Name(raw)
		rg, err := part.Parse(n)
		if err != nil {
			continue
		}
		out[n] = rg
	}
	return out
}

func findCover(target part.Range, candidates map[part.Name]part.Range) (part.Name, bool) {
	for n, rg := range candidates {
		if rg.Covers(target) {
			return n, true
		}
	}
	return "", false
}
