// Package leader implements the replicated-merge-tree leader role of
// spec.md §4.8: election over a ZooKeeper-style sequential-ephemeral
// group, and the two loops only the elected leader runs. Loop shape
// (timer + select + killed-check) is grounded on the teacher's
// raft.ticker (src/raft/raft.go): a timer per loop, reset on each
// firing, with a kill channel checked on every iteration.
package leader

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/repltable/chreplica/internal/coord"
	"github.com/repltable/chreplica/internal/coordpath"
	"github.com/repltable/chreplica/internal/logentry"
	"github.com/repltable/chreplica/internal/metrics"
	"github.com/repltable/chreplica/internal/part"
	"github.com/repltable/chreplica/internal/queue"
	"github.com/repltable/chreplica/internal/vparts"
)

// Planner proposes a mergeable pair of parts, given an upper bound on
// total input size and an accept predicate the caller uses to reject
// pairs that fail canMergeParts; spec.md §4.8 step 3 calls this "the
// external merge planner, passing canMergeParts(a,b) as predicate",
// left abstract since the merge-selection heuristic itself is
// explicitly out of scope (spec.md §1). accept may be nil.
type Planner interface {
	Plan(candidates []part.Range, maxTotalBytes int64, accept func(a, b part.Range) bool) (a, b part.Range, ok bool)
}

// Policy carries the §4.8/§4.9-named constants through from config.Policy.
type Policy struct {
	MaxReplicatedMergesInQueue   int
	ReplicatedDedupWindow        int
	ReplicatedDedupWindowSeconds int
	MergeSelectingSleep          time.Duration
	DedupGCPeriod                time.Duration
	BigMergeInputBytes           int64
}

// Leader owns the election handle and the two loops started on
// winning it. A new Leader is constructed per election win and
// discarded on demotion; it is never reused across elections.
type Leader struct {
	Coord   coord.Coordinator
	Queue   *queue.Manager
	VParts  *vparts.Index
	Metrics *metrics.Pool
	Planner Planner
	Table   string
	Replica string
	Policy  Policy
	Log     *logrus.Entry

	mu        sync.Mutex
	wakeMerge chan struct{}
	stop      chan struct{}
	done      chan struct{}
}

// Elect blocks until this replica becomes leader (smallest-sequential
// ephemeral child of /leader_election wins) or ctx is cancelled. The
// returned resign function must be called to release the election
// handle; it does not stop the Leader's loops (Stop does that).
func Elect(ctx context.Context, c coord.Coordinator, table, replica string, log *logrus.Entry) (resign func(), won bool, err error) {
	myPath, err := c.Create(ctx, coordpath.LeaderElectionCandidate(table), []byte(replica), coord.PersistentSequential)
	if err != nil {
		return nil, false, err
	}
	resign = func() {
		if rerr := c.Remove(context.Background(), myPath); rerr != nil {
			log.WithError(rerr).Warn("leader: remove election candidate on resign")
		}
	}

	for {
		children, err := c.Children(ctx, coordpath.LeaderElection(table))
		if err != nil {
			resign()
			return nil, false, err
		}
		sort.Strings(children)
		myName := strings.TrimPrefix(myPath, coordpath.LeaderElection(table)+"/")
		if len(children) > 0 && children[0] == myName {
			return resign, true, nil
		}

		// Not the smallest: watch the next-smaller sibling so we wake
		// promptly when it leaves, the standard ZK "watch your
		// predecessor" leader-election recipe.
		predecessor := ""
		for _, c := range children {
			if c >= myName {
				break
			}
			predecessor = c
		}
		if predecessor == "" {
			continue
		}
		_, _, ch, err := c.ExistsW(ctx, coordpath.LeaderElection(table)+"/"+predecessor)
		if err != nil {
			resign()
			return nil, false, err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			resign()
			return nil, false, ctx.Err()
		}
	}
}

// New constructs a Leader ready to Start once election is won.
func New(c coord.Coordinator, q *queue.Manager, idx *vparts.Index, m *metrics.Pool, planner Planner,
	table, replica string, policy Policy, log *logrus.Entry) *Leader {
	return &Leader{
		Coord: c, Queue: q, VParts: idx, Metrics: m, Planner: planner,
		Table: table, Replica: replica, Policy: policy, Log: log,
		wakeMerge: make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}, 2),
	}
}

// NotifyNewPart wakes the merge-selection loop early (spec.md §4.8:
// "wakes early when a new part is committed").
func (l *Leader) NotifyNewPart() {
	select {
	case l.wakeMerge <- struct{}{}:
	default:
	}
}

// Start launches both loops. Both terminate promptly on Stop or on
// isLeader returning false (spec.md §4.8: "must terminate promptly on
// shutdown_called ∨ ¬is_leader").
func (l *Leader) Start(ctx context.Context, isLeader func() bool) {
	go l.mergeSelectingLoop(ctx, isLeader)
	go l.dedupGCLoop(ctx, isLeader)
}

// Stop signals both loops to exit and waits for them.
func (l *Leader) Stop() {
	close(l.stop)
	<-l.done
	<-l.done
}

func (l *Leader) mergeSelectingLoop(ctx context.Context, isLeader func() bool) {
	defer func() { l.done <- struct{}{} }()
	timer := time.NewTimer(l.Policy.MergeSelectingSleep)
	defer timer.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-l.wakeMerge:
		case <-timer.C:
		}
		if !isLeader() {
			return
		}
		if err := l.selectOnce(ctx); err != nil {
			l.Log.WithError(err).Warn("leader: merge selection pass failed")
		}
		timer.Reset(l.Policy.MergeSelectingSleep)
	}
}

// selectOnce is one pass of spec.md §4.8's merge selection loop.
func (l *Leader) selectOnce(ctx context.Context) error {
	if l.Queue.CountType(logentry.MergeParts) >= l.Policy.MaxReplicatedMergesInQueue {
		return nil
	}

	hasBigMerge := l.Metrics.GetCounter(metrics.BigMerges) > 0
	maxBytes := l.Policy.BigMergeInputBytes
	if hasBigMerge {
		maxBytes /= 4 // a big merge is already running: start from a tighter bound
	}

	candidates := l.candidateRanges(ctx)
	accept := func(a, b part.Range) bool { return l.canMergeParts(ctx, a, b) }

	for attempt := 0; attempt < 2; attempt++ {
		a, b, ok := l.Planner.Plan(candidates, maxBytes, accept)
		if !ok {
			maxBytes *= 2 // relax and try once more
			continue
		}
		return l.commitMerge(ctx, a, b)
	}
	return nil
}

func (l *Leader) candidateRanges(ctx context.Context) []part.Range {
	names, err := l.Coord.Children(ctx, coordpath.PartsRoot(l.Table, l.Replica))
	if err != nil {
		return nil
	}
	var out []part.Range
	for _, n := range names {
		rg, err := part.Parse(part.Name(n))
		if err != nil {
			continue
		}
		out = append(out, rg)
	}
	return out
}

// canMergeParts implements spec.md §4.8 step 4 exactly: both parts
// must be their own cover in the virtual-parts index, both must have
// coordinator records, and every block number strictly between a.right
// and b.left in the same month must be an abandoned lock.
func (l *Leader) canMergeParts(ctx context.Context, a, b part.Range) bool {
	an, bn := part.Format(a), part.Format(b)
	if !l.VParts.IsOwnCover(an) || !l.VParts.IsOwnCover(bn) {
		return false
	}
	if ok, _, err := l.Coord.Exists(ctx, coordpath.Part(l.Table, l.Replica, string(an))); err != nil || !ok {
		return false
	}
	if ok, _, err := l.Coord.Exists(ctx, coordpath.Part(l.Table, l.Replica, string(bn))); err != nil || !ok {
		return false
	}
	if a.Month != b.Month {
		return false
	}
	left, right := a.Right, b.Left
	if left >= right {
		return true
	}
	for n := left + 1; n < right; n++ {
		// Any lock in range that was actually filled by a committed
		// insert blocks the merge; a lock node with no "filled" marker
		// was reserved and released without ever claiming the slot.
		exists, _, err := l.Coord.Exists(ctx, coordpath.BlockNumberLock(l.Table, a.Month, n))
		if err != nil {
			return false
		}
		if !exists {
			continue
		}
		filled, _, err := l.Coord.Exists(ctx, coordpath.BlockNumberLockFilled(l.Table, a.Month, n))
		if err != nil || filled {
			return false
		}
	}
	return true
}

func (l *Leader) commitMerge(ctx context.Context, a, b part.Range) error {
	an, bn := part.Format(a), part.Format(b)
	output := part.Format(part.Union(a, b))

	entry := logentry.NewMergeParts(l.Replica, []part.Name{an, bn}, output)
	logPrefix := coordpath.LogEntryPrefix(l.Table, l.Replica)
	if _, err := l.Coord.Create(ctx, logPrefix, []byte(logentry.Encode(entry)), coord.PersistentSequential); err != nil {
		return err
	}

	if _, err := l.Queue.PullLogsToQueue(ctx, []string{l.Replica}); err != nil {
		l.Log.WithError(err).Warn("leader: pull own log after merge selection")
	}

	l.gcAbandonedLocks(ctx, a.Month, a.Right, b.Left)
	return nil
}

func (l *Leader) gcAbandonedLocks(ctx context.Context, month string, left, right int64) {
	for n := left + 1; n < right; n++ {
		lockPath := coordpath.BlockNumberLock(l.Table, month, n)
		exists, _, err := l.Coord.Exists(ctx, lockPath)
		if err != nil || !exists {
			continue
		}
		filled, _, err := l.Coord.Exists(ctx, coordpath.BlockNumberLockFilled(l.Table, month, n))
		if err != nil || filled {
			continue
		}
		if err := l.Coord.Remove(ctx, lockPath); err != nil {
			l.Log.WithError(err).Debugf("leader: gc abandoned lock %s", lockPath)
		}
	}
}

func (l *Leader) dedupGCLoop(ctx context.Context, isLeader func() bool) {
	defer func() { l.done <- struct{}{} }()
	timer := time.NewTimer(l.Policy.DedupGCPeriod)
	defer timer.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !isLeader() {
			return
		}
		if err := l.dedupGCOnce(ctx); err != nil {
			l.Log.WithError(err).Warn("leader: dedup GC pass failed")
		}
		timer.Reset(l.Policy.DedupGCPeriod)
	}
}

type blockAge struct {
	name  string
	czxid int64
}

// dedupGCOnce implements spec.md §4.8's deduplication GC loop, plus
// the SPEC_FULL.md §8 supplement: a block past
// ReplicatedDedupWindowSeconds is independently GC-eligible even while
// the window is under its count bound. The count-based floor (spec.md
// invariant 9, "never reduces /blocks below the window") only binds
// the count path; the age path is a distinct, additional reason and is
// logged as such.
func (l *Leader) dedupGCOnce(ctx context.Context) error {
	names, err := l.Coord.Children(ctx, coordpath.BlocksRoot(l.Table))
	if err != nil {
		return err
	}

	ageCutoff := time.Now().Add(-time.Duration(l.Policy.ReplicatedDedupWindowSeconds) * time.Second)
	var ages []blockAge
	var ttlEvict []string
	for _, n := range names {
		_, stat, outcome, err := l.Coord.TryGet(ctx, coordpath.Block(l.Table, n))
		if err != nil || outcome != coord.OutcomeOK {
			continue
		}
		if time.UnixMilli(stat.Ctime).Before(ageCutoff) {
			ttlEvict = append(ttlEvict, n)
			continue
		}
		ages = append(ages, blockAge{name: n, czxid: stat.Czxid})
	}
	for _, n := range ttlEvict {
		l.Log.Infof("leader: dedup GC evicting block %s past replicated_deduplication_window_seconds", n)
		l.removeBlock(ctx, n)
	}

	if len(names)-len(ttlEvict) < int(float64(l.Policy.ReplicatedDedupWindow)*1.1) {
		return nil
	}

	sort.Slice(ages, func(i, j int) bool { return ages[i].czxid > ages[j].czxid })
	for i := l.Policy.ReplicatedDedupWindow; i < len(ages); i++ {
		l.removeBlock(ctx, ages[i].name)
	}
	return nil
}

func (l *Leader) removeBlock(ctx context.Context, name string) {
	if err := l.Coord.Multi(ctx,
		coord.RemoveOp{Path: coordpath.BlockNumberField(l.Table, name)},
		coord.RemoveOp{Path: coordpath.BlockChecksums(l.Table, name)},
		coord.RemoveOp{Path: coordpath.Block(l.Table, name)},
	); err != nil {
		l.Log.WithError(err).Debugf("leader: dedup GC remove block %s", name)
	}
}
