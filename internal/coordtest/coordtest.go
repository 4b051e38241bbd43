// Package coordtest provides an in-memory coordinator double for
// tests, implementing coord.Coordinator exactly (hierarchical nodes,
// sequential/ephemeral creation, atomic multi, czxid ordering,
// one-shot watches) without a real ZooKeeper ensemble. Grounded on the
// teacher's preference for hand-rolled in-process fakes over mocking
// frameworks (internal/test/sys_test.go stands up real in-process
// servers rather than mocking RPC).
package coordtest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/repltable/chreplica/internal/coord"
)

type node struct {
	data      []byte
	czxid     int64
	mzxid     int64
	ctime     int64
	version   int32
	ephemeral bool
	created   bool
	watchers  []chan coord.Event
}

// Double is an in-memory, single-process coordinator. One Double
// simulates one ensemble; multiple "replica" clients in a test share
// the same Double to simulate a shared coordinator tree.
type Double struct {
	mu       sync.Mutex
	nodes    map[string]*node
	children map[string]map[string]struct{}
	nextCzxid int64
	nextSeq   map[string]int64
	expired   bool
}

// New returns an empty Double rooted at "/".
func New() *Double {
	return &Double{
		nodes:    map[string]*node{"/": {}},
		children: map[string]map[string]struct{}{"/": {}},
		nextSeq:  map[string]int64{},
	}
}

// Expire marks the session expired, as observed by SessionExpired().
func (d *Double) Expire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expired = true
}

// Reset clears the expired flag, simulating a fresh session.
func (d *Double) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expired = false
}

func (d *Double) SessionExpired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expired
}

func (d *Double) Close() error { return nil }

// EnsureTree creates p and every missing ancestor as Persistent nodes,
// a test convenience spec.md's real coordinator doesn't need (real
// ZooKeeper deployments pre-provision the tree via the schema owner).
func (d *Double) EnsureTree(ctx context.Context, p string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureTreeLocked(p)
}

func (d *Double) ensureTreeLocked(p string) error {
	if p == "/" || p == "" {
		return nil
	}
	if n, ok := d.nodes[p]; ok && n.created {
		return nil
	}
	parent := path.Dir(p)
	if err := d.ensureTreeLocked(parent); err != nil {
		return err
	}
	d.createLocked(p, nil, coord.Persistent)
	return nil
}

func (d *Double) nextCzxidLocked() int64 {
	d.nextCzxid++
	return d.nextCzxid
}

func (d *Double) createLocked(p string, data []byte, mode coord.Mode) string {
	cz := d.nextCzxidLocked()
	finalPath := p
	if mode == coord.PersistentSequential {
		n := d.nextSeq[p]
		d.nextSeq[p] = n + 1
		finalPath = fmt.Sprintf("%s%010d", p, n)
	}
	var carriedWatchers []chan coord.Event
	if existing, ok := d.nodes[finalPath]; ok {
		carriedWatchers = existing.watchers
	}
	d.nodes[finalPath] = &node{data: data, czxid: cz, mzxid: cz, ctime: time.Now().UnixMilli(), ephemeral: mode == coord.Ephemeral, created: true, watchers: carriedWatchers}
	d.children[finalPath] = map[string]struct{}{}
	parent := path.Dir(finalPath)
	if d.children[parent] == nil {
		d.children[parent] = map[string]struct{}{}
	}
	d.children[parent][path.Base(finalPath)] = struct{}{}
	d.fireLocked(finalPath, coord.Event{Created: true})
	return finalPath
}

func (d *Double) fireLocked(p string, ev coord.Event) {
	n, ok := d.nodes[p]
	if !ok {
		return
	}
	for _, ch := range n.watchers {
		ch <- ev
		close(ch)
	}
	n.watchers = nil
}

func (d *Double) Create(ctx context.Context, p string, data []byte, mode coord.Mode) (string, error) {
	_, outcome, err := d.TryCreate(ctx, p, data, mode)
	if err != nil {
		return "", err
	}
	if outcome != coord.OutcomeOK {
		return "", fmt.Errorf("create %s: %s", p, outcome)
	}
	return d.lastCreatedPath(p, mode), nil
}

// lastCreatedPath re-derives the final path for Create's error-free
// return by picking the newest child of p's parent that starts with p.
func (d *Double) lastCreatedPath(p string, mode coord.Mode) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mode != coord.PersistentSequential {
		return p
	}
	// Sequence suffixes are fixed-width zero-padded decimal, so the
	// lexicographically greatest matching path is also the newest.
	best := ""
	for child := range d.children[path.Dir(p)] {
		full := path.Dir(p) + "/" + child
		if strings.HasPrefix(full, p) && full > best {
			best = full
		}
	}
	return best
}

func (d *Double) TryCreate(ctx context.Context, p string, data []byte, mode coord.Mode) (string, coord.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if mode != coord.PersistentSequential {
		if n, exists := d.nodes[p]; exists && n.created {
			return "", coord.OutcomeNodeExists, nil
		}
	}
	parent := path.Dir(p)
	if n, ok := d.nodes[parent]; !ok || !n.created {
		if err := d.ensureTreeLocked(parent); err != nil {
			return "", coord.OutcomeOther, err
		}
	}
	finalPath := d.createLocked(p, data, mode)
	return finalPath, coord.OutcomeOK, nil
}

func (d *Double) Get(ctx context.Context, p string) ([]byte, coord.Stat, error) {
	data, stat, outcome, err := d.TryGet(ctx, p)
	if err != nil {
		return nil, coord.Stat{}, err
	}
	if outcome != coord.OutcomeOK {
		return nil, coord.Stat{}, fmt.Errorf("get %s: %s", p, outcome)
	}
	return data, stat, nil
}

func (d *Double) TryGet(ctx context.Context, p string) ([]byte, coord.Stat, coord.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[p]
	if !ok || !n.created {
		return nil, coord.Stat{}, coord.OutcomeNoNode, nil
	}
	return n.data, coord.Stat{Czxid: n.czxid, Mzxid: n.mzxid, Version: n.version, Ctime: n.ctime}, coord.OutcomeOK, nil
}

func (d *Double) Set(ctx context.Context, p string, data []byte) (coord.Stat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[p]
	if !ok || !n.created {
		return coord.Stat{}, fmt.Errorf("set %s: %s", p, coord.OutcomeNoNode)
	}
	n.data = data
	n.version++
	n.mzxid = d.nextCzxidLocked()
	d.fireLocked(p, coord.Event{Changed: true})
	return coord.Stat{Czxid: n.czxid, Mzxid: n.mzxid, Version: n.version, Ctime: n.ctime}, nil
}

func (d *Double) Remove(ctx context.Context, p string) error {
	outcome, err := d.TryRemove(ctx, p)
	if err != nil {
		return err
	}
	if outcome != coord.OutcomeOK {
		return fmt.Errorf("remove %s: %s", p, outcome)
	}
	return nil
}

func (d *Double) TryRemove(ctx context.Context, p string) (coord.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(p), nil
}

func (d *Double) removeLocked(p string) coord.Outcome {
	n, ok := d.nodes[p]
	if !ok || !n.created {
		return coord.OutcomeNoNode
	}
	if len(d.children[p]) > 0 {
		return coord.OutcomeOther
	}
	d.fireLocked(p, coord.Event{Deleted: true})
	delete(d.nodes, p)
	delete(d.children, p)
	parent := path.Dir(p)
	delete(d.children[parent], path.Base(p))
	return coord.OutcomeOK
}

func (d *Double) Exists(ctx context.Context, p string) (bool, coord.Stat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[p]
	if !ok || !n.created {
		return false, coord.Stat{}, nil
	}
	return true, coord.Stat{Czxid: n.czxid, Mzxid: n.mzxid, Version: n.version, Ctime: n.ctime}, nil
}

func (d *Double) ExistsW(ctx context.Context, p string) (bool, coord.Stat, <-chan coord.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan coord.Event, 1)
	n, ok := d.nodes[p]
	if !ok || !n.created {
		// Arm the watch on a not-yet-created placeholder node; Create
		// fires it once the real node shows up (ZooKeeper's one-shot
		// "notify on create" contract for a watched missing path).
		d.armOnCreateLocked(p, ch)
		return false, coord.Stat{}, ch, nil
	}
	n.watchers = append(n.watchers, ch)
	return true, coord.Stat{Czxid: n.czxid, Mzxid: n.mzxid, Version: n.version, Ctime: n.ctime}, ch, nil
}

// armOnCreateLocked lets ExistsW arm a watch for a node that does not
// exist yet; Create/TryCreate fires it once the node shows up.
func (d *Double) armOnCreateLocked(p string, ch chan coord.Event) {
	ph, ok := d.nodes[p]
	if !ok {
		ph = &node{}
		d.nodes[p] = ph
	}
	ph.watchers = append(ph.watchers, ch)
}

func (d *Double) Children(ctx context.Context, p string) ([]string, error) {
	children, outcome, err := d.TryChildren(ctx, p)
	if err != nil {
		return nil, err
	}
	if outcome != coord.OutcomeOK {
		return nil, fmt.Errorf("children %s: %s", p, outcome)
	}
	return children, nil
}

func (d *Double) TryChildren(ctx context.Context, p string) ([]string, coord.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.children[p]
	if !ok {
		return nil, coord.OutcomeNoNode, nil
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, coord.OutcomeOK, nil
}

func (d *Double) Multi(ctx context.Context, ops ...coord.Op) error {
	outcome, err := d.TryMulti(ctx, ops...)
	if err != nil {
		return err
	}
	if outcome != coord.OutcomeOK {
		return fmt.Errorf("multi: %s", outcome)
	}
	return nil
}

func (d *Double) TryMulti(ctx context.Context, ops ...coord.Op) (coord.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Precheck every op so the transaction is all-or-nothing, matching
	// ZooKeeper's atomic multi semantics (spec.md §4.1).
	for _, op := range ops {
		switch o := op.(type) {
		case coord.CreateOp:
			if o.Mode != coord.PersistentSequential {
				if n, exists := d.nodes[o.Path]; exists && n.created {
					return coord.OutcomeNodeExists, nil
				}
			}
		case coord.SetDataOp:
			if n, ok := d.nodes[o.Path]; !ok || !n.created {
				return coord.OutcomeNoNode, nil
			}
		case coord.RemoveOp:
			if n, ok := d.nodes[o.Path]; !ok || !n.created {
				return coord.OutcomeNoNode, nil
			}
		}
	}

	for _, op := range ops {
		switch o := op.(type) {
		case coord.CreateOp:
			d.createLocked(o.Path, o.Data, o.Mode)
		case coord.SetDataOp:
			n := d.nodes[o.Path]
			n.data = o.Data
			n.version++
			n.mzxid = d.nextCzxidLocked()
			d.fireLocked(o.Path, coord.Event{Changed: true})
		case coord.RemoveOp:
			d.removeLocked(o.Path)
		}
	}
	return coord.OutcomeOK, nil
}

var _ coord.Coordinator = (*Double)(nil)
