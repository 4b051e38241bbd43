// Package queue implements the per-replica work queue described by
// spec.md §4.6: loading the persisted queue at startup, and merging
// every peer's replication log into it in global czxid order.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/repltable/chreplica/internal/coord"
	"github.com/repltable/chreplica/internal/coordpath"
	"github.com/repltable/chreplica/internal/logentry"
	"github.com/repltable/chreplica/internal/vparts"
)

// Item is one FIFO slot: the decoded entry plus the coordinator path
// backing it, so the executor can remove exactly that znode on success
// without re-deriving its name.
type Item struct {
	ZNode string
	Entry logentry.Entry
}

// Manager owns the in-memory queue FIFO and the log-pull state machine.
// The FIFO mutex is the single lock guarding every scan/mutation, per
// spec.md §5's concurrency table.
type Manager struct {
	mu      sync.Mutex
	items   []Item
	coord   coord.Coordinator
	table   string
	replica string
	vparts  *vparts.Index
	log     *logrus.Entry
	wake    chan struct{}
}

func New(c coord.Coordinator, table, replica string, idx *vparts.Index, log *logrus.Entry) *Manager {
	return &Manager{
		coord:   c,
		table:   table,
		replica: replica,
		vparts:  idx,
		log:     log,
		wake:    make(chan struct{}, 1),
	}
}

// Wake fires whenever a non-empty pull lands, so the executor (driven
// by the shared background pool) does not have to poll (spec.md §4.6).
func (m *Manager) Wake() <-chan struct{} { return m.wake }

func (m *Manager) notifyWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Len reports the current FIFO depth (used for merge-selection
// backpressure and metrics).
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// CountType reports how many current FIFO entries are of t, used by
// the leader's merge-selection loop to check
// max_replicated_merges_in_queue (spec.md §4.8 step 1).
func (m *Manager) CountType(t logentry.Type) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.Entry.Type == t {
			n++
		}
	}
	return n
}

// LoadQueue reads every persisted queue entry, sorted by name (and so,
// thanks to the zero-padded sequence suffix, by creation order), and
// installs it into the FIFO and the virtual-parts index. Must run
// before PullLogsToQueue (spec.md §4.5, §4.6).
func (m *Manager) LoadQueue(ctx context.Context) error {
	root := coordpath.QueueRoot(m.table, m.replica)
	names, err := m.coord.Children(ctx, root)
	if err != nil {
		return fmt.Errorf("queue: list %s: %w", root, err)
	}
	sort.Strings(names)

	var loaded []Item
	for _, name := range names {
		p := root + "/" + name
		data, _, err := m.coord.Get(ctx, p)
		if err != nil {
			return fmt.Errorf("queue: read %s: %w", p, err)
		}
		entry, err := logentry.Decode(string(data))
		if err != nil {
			m.log.WithError(err).Errorf("queue: skipping malformed entry %s", p)
			continue
		}
		loaded = append(loaded, Item{ZNode: p, Entry: entry})
		if err := m.vparts.Add(entry.NewPartName); err != nil {
			m.log.WithError(err).Warnf("queue: virtual-parts add %s", entry.NewPartName)
		}
	}

	m.mu.Lock()
	m.items = loaded
	m.mu.Unlock()
	return nil
}

// peerCursor tracks one peer's position in the czxid merge.
type peerCursor struct {
	peer    string
	nextIdx int64
	entry   logentry.Entry
	path    string
	czxid   int64
}

type cursorHeap []*peerCursor

func (h cursorHeap) Len() int            { return len(h) }
func (h cursorHeap) Less(i, j int) bool  { return h[i].czxid < h[j].czxid }
func (h cursorHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x interface{}) { *h = append(*h, x.(*peerCursor)) }
func (h *cursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PullLogsToQueue merges every peer's log into this replica's queue in
// global czxid order (spec.md §4.6). It returns the number of entries
// pulled; callers wake the executor whenever that is nonzero.
func (m *Manager) PullLogsToQueue(ctx context.Context, peers []string) (int, error) {
	heapH := &cursorHeap{}
	for _, peer := range peers {
		cur, ok, err := m.initCursor(ctx, peer)
		if err != nil {
			m.log.WithError(err).Warnf("queue: init log cursor for peer %s", peer)
			continue
		}
		if ok {
			heap.Push(heapH, cur)
		}
	}

	pulled := 0
	for heapH.Len() > 0 {
		cur := heap.Pop(heapH).(*peerCursor)
		if err := m.consume(ctx, cur); err != nil {
			m.log.WithError(err).Warnf("queue: consume log entry from %s", cur.peer)
			continue
		}
		pulled++

		next, ok, err := m.advanceCursor(ctx, cur)
		if err != nil {
			m.log.WithError(err).Warnf("queue: advance log cursor for peer %s", cur.peer)
			continue
		}
		if ok {
			heap.Push(heapH, next)
		}
	}

	if pulled > 0 {
		m.notifyWake()
	}
	return pulled, nil
}

// initCursor reads (or initializes) this replica's log_pointers/<peer>
// and positions a cursor at that index, per spec.md §4.6: "read
// log_pointers/<peer> (or initialize to the smallest existing log
// index and persist it)".
func (m *Manager) initCursor(ctx context.Context, peer string) (*peerCursor, bool, error) {
	pointerPath := coordpath.LogPointer(m.table, m.replica, peer)
	data, _, outcome, err := m.coord.TryGet(ctx, pointerPath)
	if err != nil {
		return nil, false, err
	}

	var idx int64
	if outcome == coord.OutcomeOK {
		idx, err = parseSeq(string(data))
		if err != nil {
			return nil, false, err
		}
	} else {
		names, err := m.coord.Children(ctx, coordpath.LogRoot(m.table, peer))
		if err != nil {
			return nil, false, err
		}
		if len(names) == 0 {
			return nil, false, nil
		}
		sort.Strings(names)
		idx, err = parseLogIndex(names[0])
		if err != nil {
			return nil, false, err
		}
		if err := m.coord.Multi(ctx, coord.CreateOp{Path: pointerPath, Data: []byte(fmtSeq(idx)), Mode: coord.Persistent}); err != nil {
			return nil, false, err
		}
	}
	return m.peekCursor(ctx, peer, idx)
}

func (m *Manager) advanceCursor(ctx context.Context, cur *peerCursor) (*peerCursor, bool, error) {
	return m.peekCursor(ctx, cur.peer, cur.nextIdx+1)
}

func (m *Manager) peekCursor(ctx context.Context, peer string, idx int64) (*peerCursor, bool, error) {
	p := coordpath.LogEntry(m.table, peer, idx)
	data, stat, outcome, err := m.coord.TryGet(ctx, p)
	if err != nil {
		return nil, false, err
	}
	if outcome != coord.OutcomeOK {
		return nil, false, nil
	}
	entry, err := logentry.Decode(string(data))
	if err != nil {
		m.log.WithError(err).Errorf("queue: malformed log entry %s, skipping", p)
		return m.peekCursor(ctx, peer, idx+1)
	}
	return &peerCursor{peer: peer, nextIdx: idx, entry: entry, path: p, czxid: stat.Czxid}, true, nil
}

// consume appends cur's entry to the queue FIFO and coordinator tree,
// and advances log_pointers/<peer> past it, atomically (spec.md §4.6:
// "create queue/queue- with the entry body AND set log_pointers/<peer>
// to index+1").
func (m *Manager) consume(ctx context.Context, cur *peerCursor) error {
	queuePrefix := coordpath.QueueEntryPrefix(m.table, m.replica)
	pointerPath := coordpath.LogPointer(m.table, m.replica, cur.peer)
	body := logentry.Encode(cur.entry)

	if err := m.coord.Multi(ctx,
		coord.CreateOp{Path: queuePrefix, Data: []byte(body), Mode: coord.PersistentSequential},
		coord.SetDataOp{Path: pointerPath, Data: []byte(fmtSeq(cur.nextIdx + 1))},
	); err != nil {
		return err
	}

	znode, outcome, err := m.findNewestQueueEntry(ctx, body)
	if err != nil {
		return err
	}
	if outcome != coord.OutcomeOK {
		return fmt.Errorf("queue: could not locate newly created entry for %s", cur.peer)
	}

	if err := m.vparts.Add(cur.entry.NewPartName); err != nil {
		m.log.WithError(err).Warnf("queue: virtual-parts add %s", cur.entry.NewPartName)
	}

	m.mu.Lock()
	m.items = append(m.items, Item{ZNode: znode, Entry: cur.entry})
	m.mu.Unlock()
	return nil
}

// Enqueue appends entry directly to this replica's own queue, without
// going through a peer's log or touching any log_pointers entry.
// Replica.Optimize uses this to request a merge "against the local
// queue" (spec.md §6, design decision in DESIGN.md): the resulting
// MERGE_PARTS entry runs through the ordinary executor path and its
// output is registered with the coordinator like any other queue
// entry, but no replication log entry ever announces it, so no peer
// independently decides to perform the same merge.
func (m *Manager) Enqueue(ctx context.Context, entry logentry.Entry) error {
	queuePrefix := coordpath.QueueEntryPrefix(m.table, m.replica)
	body := logentry.Encode(entry)

	if _, err := m.coord.Create(ctx, queuePrefix, []byte(body), coord.PersistentSequential); err != nil {
		return err
	}
	znode, outcome, err := m.findNewestQueueEntry(ctx, body)
	if err != nil {
		return err
	}
	if outcome != coord.OutcomeOK {
		return fmt.Errorf("queue: could not locate newly created entry for %s", entry.NewPartName)
	}

	if err := m.vparts.Add(entry.NewPartName); err != nil {
		m.log.WithError(err).Warnf("queue: virtual-parts add %s", entry.NewPartName)
	}

	m.mu.Lock()
	m.items = append(m.items, Item{ZNode: znode, Entry: entry})
	m.mu.Unlock()

	m.notifyWake()
	return nil
}

// findNewestQueueEntry re-reads the queue children to discover the
// sequential name the coordinator just assigned, since Multi does not
// return per-op results for sequential creates in this adapter's
// narrow surface (spec.md §4.1 only requires that TryCreate/Create
// report the assigned path; Multi's contract here is atomicity of the
// write, not name discovery, so callers that need the name re-list).
func (m *Manager) findNewestQueueEntry(ctx context.Context, body string) (string, coord.Outcome, error) {
	root := coordpath.QueueRoot(m.table, m.replica)
	names, err := m.coord.Children(ctx, root)
	if err != nil {
		return "", coord.OutcomeOther, err
	}
	sort.Strings(names)
	for i := len(names) - 1; i >= 0; i-- {
		p := root + "/" + names[i]
		data, _, err := m.coord.Get(ctx, p)
		if err != nil {
			continue
		}
		if string(data) == body {
			return p, coord.OutcomeOK, nil
		}
	}
	return "", coord.OutcomeNoNode, nil
}

// Snapshot returns a copy of the current FIFO, for introspection
// (Replica.QueueSnapshot) and tests.
func (m *Manager) Snapshot() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Item(nil), m.items...)
}

// WithLock runs fn holding the FIFO mutex and gives it direct access to
// the slice, for the executor's scan-and-remove and failure-reorder
// operations (spec.md §4.7), which must be atomic with respect to the
// queue-updating thread's appends.
func (m *Manager) WithLock(fn func(items *[]Item)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.items)
}

// LogGC implements spec.md §3 invariant 4's deletion rule, run from the
// queue-updating thread on every QueueUpdateSleep tick: an index under this replica's own log is safe to
// remove only once every other replica's log_pointers/<self> entry has
// moved strictly past it. A peer that has never read this replica's
// log yet (no log_pointers/<self> node) pins the GC point at 0.
func (m *Manager) LogGC(ctx context.Context, table string) error {
	peers, err := m.coord.Children(ctx, coordpath.ReplicasRoot(table))
	if err != nil {
		return fmt.Errorf("queue: log gc: list replicas: %w", err)
	}

	minPointer := int64(-1)
	for _, peer := range peers {
		if peer == m.replica {
			continue
		}
		data, _, outcome, err := m.coord.TryGet(ctx, coordpath.LogPointer(table, peer, m.replica))
		if err != nil {
			return fmt.Errorf("queue: log gc: read %s's pointer into our log: %w", peer, err)
		}
		ptr := int64(0)
		if outcome == coord.OutcomeOK {
			ptr, err = parseSeq(string(data))
			if err != nil {
				return err
			}
		}
		if minPointer == -1 || ptr < minPointer {
			minPointer = ptr
		}
	}
	if minPointer <= 0 {
		return nil
	}

	names, err := m.coord.Children(ctx, coordpath.LogRoot(table, m.replica))
	if err != nil {
		return fmt.Errorf("queue: log gc: list own log: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		idx, err := parseLogIndex(name)
		if err != nil {
			m.log.WithError(err).Warnf("queue: log gc: skipping malformed log node %s", name)
			continue
		}
		if idx >= minPointer {
			break
		}
		if err := m.coord.Remove(ctx, coordpath.LogRoot(table, m.replica)+"/"+name); err != nil {
			m.log.WithError(err).Debugf("queue: log gc: remove %s", name)
		}
	}
	return nil
}

func parseSeq(s string) (int64, error) {
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}

func fmtSeq(n int64) string { return fmt.Sprintf("%d", n) }

func parseLogIndex(name string) (int64, error) {
	const prefix = "log-"
	if !strings.HasPrefix(name, prefix) {
		return 0, fmt.Errorf("queue: malformed log node name %q", name)
	}
	return parseSeq(strings.TrimPrefix(name, prefix))
}
