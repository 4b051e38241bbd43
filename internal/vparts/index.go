// Package vparts implements the virtual-parts index of spec.md §4.4: a
// monotonically extended view of "which parts will exist" once the
// queue drains, used to reject merges whose inputs are already covered
// and to let the executor skip entries whose output already exists.
package vparts

import (
	"sync"

	"github.com/repltable/chreplica/internal/part"
)

// Index is a set of part ranges under inclusion: no two members ever
// overlap without one nesting inside the other (spec.md §8 property 4).
// A single mutex is sufficient (§4.4: "single writer at a time").
type Index struct {
	mu    sync.RWMutex
	byMonth map[string][]part.Range
}

func New() *Index {
	return &Index{byMonth: make(map[string][]part.Range)}
}

// Add inserts name, dropping any existing member it covers. It never
// removes a member that covers name — the index only shrinks when a
// covering part is explicitly re-added covering something smaller is
// a no-op from the caller's point of view.
func (idx *Index) Add(name part.Name) error {
	r, err := part.Parse(name)
	if err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.addLocked(r)
	return nil
}

func (idx *Index) addLocked(r part.Range) {
	members := idx.byMonth[r.Month]
	for _, m := range members {
		if m.Covers(r) {
			return
		}
	}
	kept := members[:0]
	for _, m := range members {
		if !r.Covers(m) {
			kept = append(kept, m)
		}
	}
	kept = append(kept, r)
	idx.byMonth[r.Month] = kept
}

// ContainingPart returns the member that covers name, if any.
func (idx *Index) ContainingPart(name part.Name) (part.Name, bool) {
	r, err := part.Parse(name)
	if err != nil {
		return "", false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, m := range idx.byMonth[r.Month] {
		if m.Covers(r) {
			return part.Format(m), true
		}
	}
	return "", false
}

// IsOwnCover reports whether name is currently its own maximal cover —
// i.e. nothing in the index strictly covers it. Used by canMergeParts
// (spec.md §4.8 step 4): a part that's already absorbed into a bigger
// virtual part is not a valid merge input any more.
func (idx *Index) IsOwnCover(name part.Name) bool {
	cover, ok := idx.ContainingPart(name)
	return !ok || cover == name
}

// Remove drops the single range exactly matching name, used when a
// queued entry is executed and its reservation should no longer count
// as virtually present under its pre-merge identity. Nothing in this
// repository calls it at present; spec.md §4.4 and design note §9
// caution against mirroring the index back into the coordinator, so
// this never touches the coordinator tree.
func (idx *Index) Remove(name part.Name) {
	r, err := part.Parse(name)
	if err != nil {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	members := idx.byMonth[r.Month]
	kept := members[:0]
	for _, m := range members {
		if part.Format(m) != name {
			kept = append(kept, m)
		}
	}
	idx.byMonth[r.Month] = kept
}

// Snapshot returns every maximal member currently in the index, used
// by bootstrap's maximal-part listing and Replica.Optimize.
func (idx *Index) Snapshot() []part.Name {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []part.Name
	for _, members := range idx.byMonth {
		for _, m := range members {
			out = append(out, part.Format(m))
		}
	}
	return out
}
