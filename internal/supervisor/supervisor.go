// Package supervisor implements the session lifecycle of spec.md §4.9:
// startup/partialShutdown/goReadOnly, the 2s session-expiry poll that
// resets the coordinator session and rejoins, the queue-updating
// thread, and the executor's registration with the shared background
// pool. Loop shape (ticker + select + per-goroutine stop) is grounded
// on the teacher's daemon idiom (internal/node/node.go: KilledC channel,
// atomic killed flag) combined with the leader package's own
// stop/done-channel convention.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/repltable/chreplica/internal/chlog"
	"github.com/repltable/chreplica/internal/cherrors"
	"github.com/repltable/chreplica/internal/coord"
	"github.com/repltable/chreplica/internal/coordpath"
	"github.com/repltable/chreplica/internal/executor"
	"github.com/repltable/chreplica/internal/hostinfo"
	"github.com/repltable/chreplica/internal/leader"
	"github.com/repltable/chreplica/internal/logentry"
	"github.com/repltable/chreplica/internal/metrics"
	"github.com/repltable/chreplica/internal/queue"
	"github.com/repltable/chreplica/internal/reconcile"
	"github.com/repltable/chreplica/internal/storeiface"
	"github.com/repltable/chreplica/internal/tablemeta"
	"github.com/repltable/chreplica/internal/transport"
	"github.com/repltable/chreplica/internal/vparts"
)

// Policy carries the §4.9-named timing constants through from
// config.Policy, alongside the reconciliation and leader sub-policies
// those sessions need at construction time.
type Policy struct {
	SupervisorPoll   time.Duration
	QueueUpdateSleep time.Duration
	Reconcile        reconcile.Policy
	Leader           leader.Policy
}

// Supervisor owns everything that lives for the process's whole run
// (the active-node identifier, the metrics pool, the fetch-server
// endpoint) plus, behind mu, the current session's coordinator
// connection and the components built against it. A session is torn
// down and rebuilt in place on expiry; the Supervisor itself never is.
type Supervisor struct {
	Table   string
	Replica string
	Host    string
	Port    int

	servers          []string
	sessionTimeout   time.Duration
	policy           Policy
	store            storeiface.PartStore
	merger           storeiface.Merger
	planner          leader.Planner
	schema           tablemeta.Schema
	metrics          *metrics.Pool
	logger           *logrus.Logger
	activeID         string

	// WriteGate is held RLocked by every in-flight Write (spec.md §6)
	// and Locked by the session-reset path, which spec.md §4.9 requires
	// to "take the schema-alter write lock to block new writes" before
	// tearing a session down.
	WriteGate sync.RWMutex

	readOnly atomic.Bool

	fetchServer *transport.Server
	fetchClient *transport.Client

	// ready carries the outcome of Run's initial startup() exactly
	// once, so callers that need Run's long blocking call on its own
	// goroutine (internal/table.Replica.Startup) still get a
	// synchronous answer to "did the replica come up".
	ready chan error

	mu      sync.Mutex
	session *session
}

// session is everything rebuilt by startup()/torn down by
// partialShutdown(): a coordinator connection and the components built
// against it. Never reused across a reset.
type session struct {
	coord  coord.Coordinator
	vparts *vparts.Index
	q      *queue.Manager
	exec   *executor.Executor
	cancel context.CancelFunc
	wg     sync.WaitGroup

	leaderMu sync.Mutex
	ldr      *leader.Leader

	pullMu     sync.Mutex
	lastPullAt time.Time
}

// New constructs a Supervisor ready for Run. planner is left to the
// caller (spec.md §1: merge-selection heuristic is out of scope);
// store and merger back the local part engine, also out of scope.
func New(table, replica, host string, port int, servers []string, sessionTimeout time.Duration,
	logLevel string, policy Policy, store storeiface.PartStore, merger storeiface.Merger, planner leader.Planner,
	schema tablemeta.Schema) (*Supervisor, error) {
	logger, err := chlog.New(logLevel, table, replica)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		Table: table, Replica: replica, Host: host, Port: port,
		servers: servers, sessionTimeout: sessionTimeout, policy: policy,
		store: store, merger: merger, planner: planner, schema: schema,
		metrics:     metrics.NewPool(table),
		logger:      logger,
		activeID:    fmt.Sprintf("%d", time.Now().UnixNano()),
		fetchClient: transport.NewClient(table, store),
		ready:       make(chan error, 1),
	}
	return s, nil
}

// Ready delivers the result of Run's initial startup() exactly once.
// Callers that run Run on its own goroutine block on this to learn
// whether the replica actually came up before returning from their own
// synchronous startup call.
func (s *Supervisor) Ready() <-chan error { return s.ready }

func (s *Supervisor) log(component string) *logrus.Entry { return chlog.For(s.logger, component) }

// Metrics exposes the process-lifetime counter pool, e.g. for a
// cmd/replicad promhttp handler.
func (s *Supervisor) Metrics() *metrics.Pool { return s.metrics }

// IsReadOnly reports whether goReadOnly has latched the sticky flag.
func (s *Supervisor) IsReadOnly() bool { return s.readOnly.Load() }

// BeginWrite and EndWrite bracket a write per spec.md §6's
// TABLE_IS_READ_ONLY contract: RLock lets concurrent writes proceed,
// but a pending session reset's WriteGate.Lock() drains them first.
func (s *Supervisor) BeginWrite() error {
	if s.IsReadOnly() {
		return cherrors.Wrap(cherrors.ErrTableIsReadOnly, s.Replica, nil)
	}
	s.WriteGate.RLock()
	if s.IsReadOnly() {
		s.WriteGate.RUnlock()
		return cherrors.Wrap(cherrors.ErrTableIsReadOnly, s.Replica, nil)
	}
	return nil
}

func (s *Supervisor) EndWrite() { s.WriteGate.RUnlock() }

// Coordinator returns the current session's coordinator handle, or nil
// during the brief window between a session reset's teardown and its
// rebuild.
func (s *Supervisor) Coordinator() coord.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	return s.session.coord
}

func (s *Supervisor) Queue() *queue.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	return s.session.q
}

func (s *Supervisor) VParts() *vparts.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	return s.session.vparts
}

func (s *Supervisor) Executor() *executor.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	return s.session.exec
}

// Fetcher exposes the peer-to-peer fetch client so table.Replica can
// avoid importing internal/transport directly.
func (s *Supervisor) Fetcher() storeiface.PartFetcher { return s.fetchClient }

// NotifyNewPart wakes the current leader's merge-selection loop, if
// this replica currently holds the leader role (spec.md §4.8: "wakes
// early when a new part is committed"). A no-op otherwise.
func (s *Supervisor) NotifyNewPart() {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.leaderMu.Lock()
	l := sess.ldr
	sess.leaderMu.Unlock()
	if l != nil {
		l.NotifyNewPart()
	}
}

// Delay approximates spec.md's supplemented getReplicaDelay: how long
// since this replica last pulled anything from a peer's log, zero if
// the queue is currently empty (nothing to be behind on).
func (s *Supervisor) Delay() time.Duration {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return 0
	}
	if sess.q.Len() == 0 {
		return 0
	}
	sess.pullMu.Lock()
	last := sess.lastPullAt
	sess.pullMu.Unlock()
	if last.IsZero() {
		return 0
	}
	return time.Since(last)
}

// QueueSnapshot is the supplemented getQueue introspection accessor
// (SPEC_FULL.md §11).
func (s *Supervisor) QueueSnapshot() []queue.Item {
	q := s.Queue()
	if q == nil {
		return nil
	}
	return q.Snapshot()
}

// LogEntriesFrom is the supplemented getReplicationLogEntries
// introspection accessor: peer's log entries at index >= from, decoded.
func (s *Supervisor) LogEntriesFrom(ctx context.Context, peer string, from int64) ([]logentry.Entry, error) {
	c := s.Coordinator()
	if c == nil {
		return nil, fmt.Errorf("supervisor: no active session")
	}
	names, err := c.Children(ctx, coordpath.LogRoot(s.Table, peer))
	if err != nil {
		return nil, fmt.Errorf("supervisor: list %s's log: %w", peer, err)
	}
	var out []logentry.Entry
	for _, name := range names {
		idx, err := parseLogIndex(name)
		if err != nil || idx < from {
			continue
		}
		data, _, err := c.Get(ctx, coordpath.LogRoot(s.Table, peer)+"/"+name)
		if err != nil {
			continue
		}
		entry, err := logentry.Decode(string(data))
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func parseLogIndex(name string) (int64, error) {
	var idx int64
	if _, err := fmt.Sscanf(name, "log-%d", &idx); err != nil {
		return 0, err
	}
	return idx, nil
}

// Run dials the coordinator, performs startup(), and blocks running
// the session-expiry poll loop until ctx is cancelled or goReadOnly is
// latched permanently.
func (s *Supervisor) Run(ctx context.Context) error {
	svc := &transport.Service{Table: s.Table, Store: s.store}
	s.fetchServer = transport.NewServer(fmt.Sprintf("%s:%d", s.Host, s.Port), svc)
	go func() {
		if err := s.fetchServer.Serve(); err != nil {
			s.log("transport").WithError(err).Warn("fetch server stopped")
		}
	}()

	c, err := s.dial()
	if err != nil {
		return fmt.Errorf("supervisor: initial dial: %w", err)
	}
	s.mu.Lock()
	s.session = s.newSession(c)
	s.mu.Unlock()

	if err := s.startup(ctx); err != nil {
		s.goReadOnly()
		s.ready <- err
		return err
	}
	s.ready <- nil

	ticker := time.NewTicker(s.policy.SupervisorPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.partialShutdown()
			s.mu.Lock()
			if s.session != nil && s.session.coord != nil {
				_ = s.session.coord.Close()
			}
			s.mu.Unlock()
			_ = s.fetchServer.Close()
			return nil
		case <-ticker.C:
			if !s.currentSessionExpired() {
				continue
			}
			if err := s.resetSession(ctx); err != nil {
				s.log("supervisor").WithError(err).Error("session reset failed, going read-only")
				s.goReadOnly()
				return err
			}
		}
	}
}

func (s *Supervisor) dial() (coord.Coordinator, error) {
	return coord.Dial(s.servers, s.sessionTimeout, s.log("coord"))
}

func (s *Supervisor) currentSessionExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil && s.session.coord != nil && s.session.coord.SessionExpired()
}

func (s *Supervisor) newSession(c coord.Coordinator) *session {
	return &session{coord: c, vparts: vparts.New()}
}

// resetSession implements spec.md §4.9's reaction to
// zookeeper.expired(): take the write lock, partialShutdown, obtain a
// fresh session, startup again.
func (s *Supervisor) resetSession(ctx context.Context) error {
	s.WriteGate.Lock()
	defer s.WriteGate.Unlock()

	s.partialShutdown()

	s.mu.Lock()
	if s.session != nil && s.session.coord != nil {
		_ = s.session.coord.Close()
	}
	s.mu.Unlock()

	c, err := s.dial()
	if err != nil {
		return fmt.Errorf("supervisor: reset dial: %w", err)
	}
	s.mu.Lock()
	s.session = s.newSession(c)
	s.mu.Unlock()

	return s.startup(ctx)
}

// startup implements spec.md §4.9's ordered startup sequence, with
// reconciliation and the queue load inserted where reconcile.go and
// queue.Manager's own doc comments require them to run (after
// registration, before the queue-updating thread and executor start).
func (s *Supervisor) startup(ctx context.Context) error {
	s.uncancelMergers()

	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	if err := s.ensureMetadata(ctx, sess.coord); err != nil {
		return err
	}

	if err := s.activateReplica(ctx); err != nil {
		return err
	}

	r := &reconcile.Reconciler{
		Coord: sess.coord, Store: s.store, Table: s.Table, Replica: s.Replica,
		Policy: s.policy.Reconcile, Log: s.log("reconcile"),
	}
	if _, err := r.Run(ctx); err != nil {
		return fmt.Errorf("supervisor: reconcile: %w", err)
	}

	sess.q = queue.New(sess.coord, s.Table, s.Replica, sess.vparts, s.log("queue"))
	if err := sess.q.LoadQueue(ctx); err != nil {
		return fmt.Errorf("supervisor: load queue: %w", err)
	}

	sess.exec = executor.New(sess.coord, s.store, s.merger, s.fetchClient, sess.q, sess.vparts, s.metrics,
		s.Table, s.Replica, s.log("executor"))

	sessCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		s.electionLoop(sessCtx, sess)
	}()

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		s.queueUpdateLoop(sessCtx, sess)
	}()

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		s.executorLoop(sessCtx, sess)
	}()

	return nil
}

// ensureMetadata implements spec.md §6's metadata file: the first
// replica to reach this point for a table creates /<table>/metadata
// from its own configured schema; every later replica, on every
// startup including session resets, validates what is already there
// against its own schema instead of overwriting it.
func (s *Supervisor) ensureMetadata(ctx context.Context, c coord.Coordinator) error {
	path := coordpath.Metadata(s.Table)
	encoded := tablemeta.Encode(s.schema)

	_, outcome, err := c.TryCreate(ctx, path, []byte(encoded), coord.Persistent)
	if err != nil {
		return fmt.Errorf("supervisor: create metadata: %w", err)
	}
	if outcome == coord.OutcomeOK {
		return nil
	}
	if outcome != coord.OutcomeNodeExists {
		return fmt.Errorf("supervisor: create metadata: %s", outcome)
	}

	data, _, err := c.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("supervisor: read metadata: %w", err)
	}
	remote, err := tablemeta.Decode(string(data))
	if err != nil {
		return fmt.Errorf("supervisor: decode metadata: %w", err)
	}
	if err := tablemeta.Validate(s.schema, remote); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	return nil
}

// uncancelMergers is spec.md §4.9's first startup step. This repo's
// Merger interface exposes no mid-flight cancellation state for a prior
// session to have set, so there is nothing to clear; kept as an
// explicit step so startup()'s documented ordering stays visible here.
func (s *Supervisor) uncancelMergers() {}

// activateReplica implements spec.md §4.9 exactly: clear a stale
// is_active left by this same process's prior session, then atomically
// claim it and publish host.
func (s *Supervisor) activateReplica(ctx context.Context) error {
	s.mu.Lock()
	c := s.session.coord
	s.mu.Unlock()

	isActive := coordpath.IsActive(s.Table, s.Replica)
	data, _, outcome, err := c.TryGet(ctx, isActive)
	if err != nil {
		return fmt.Errorf("supervisor: check is_active: %w", err)
	}
	if outcome == coord.OutcomeOK && string(data) == s.activeID {
		if _, err := c.TryRemove(ctx, isActive); err != nil {
			return fmt.Errorf("supervisor: clear stale is_active: %w", err)
		}
	}

	hostData := hostinfo.Encode(hostinfo.Info{Host: s.Host, Port: s.Port})
	outcome2, err := c.TryMulti(ctx,
		coord.CreateOp{Path: isActive, Data: []byte(s.activeID), Mode: coord.Ephemeral},
		coord.SetDataOp{Path: coordpath.Host(s.Table, s.Replica), Data: []byte(hostData)},
	)
	// TryMulti reports "node exists" as an Outcome, not a non-nil error
	// (the adapter's own try-call convention, see internal/coord): check
	// the outcome before the error, or an already-active rejection is
	// silently missed.
	if outcome2 == coord.OutcomeNodeExists {
		return cherrors.Wrap(cherrors.ErrReplicaAlreadyActive, s.Replica, err)
	}
	if err != nil {
		return fmt.Errorf("supervisor: activate replica: %w", err)
	}
	return nil
}

// partialShutdown implements spec.md §4.9: drop the election handle
// and is_active holder, stop background goroutines, join them. Durable
// coordinator state (queue, log, parts) is left untouched.
//
// The election handle itself is dropped by electionLoop, not here: it
// owns the only Leader.Stop()/resign() call for whatever it started,
// woken by the same cancel this function fires. Calling Stop() a
// second time here would double-close its stop channel.
func (s *Supervisor) partialShutdown() {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return
	}

	if sess.cancel != nil {
		sess.cancel()
	}
	sess.wg.Wait()

	if sess.coord != nil {
		if _, err := sess.coord.TryRemove(context.Background(), coordpath.IsActive(s.Table, s.Replica)); err != nil {
			s.log("supervisor").WithError(err).Warn("remove is_active on shutdown")
		}
	}
}

// goReadOnly implements spec.md §4.9: latch the sticky read-only flag,
// join every thread, release the fetch-server endpoint permanently.
func (s *Supervisor) goReadOnly() {
	s.readOnly.Store(true)
	s.partialShutdown()
	if s.fetchServer != nil {
		if err := s.fetchServer.Close(); err != nil {
			s.log("supervisor").WithError(err).Warn("close fetch server on goReadOnly")
		}
	}
}

// electionLoop joins the leader election and, once won, starts and
// then owns the Leader's loops until the session ends.
func (s *Supervisor) electionLoop(ctx context.Context, sess *session) {
	resign, won, err := leader.Elect(ctx, sess.coord, s.Table, s.Replica, s.log("leader"))
	if err != nil {
		if ctx.Err() == nil {
			s.log("leader").WithError(err).Warn("election failed")
		}
		return
	}
	if !won {
		return
	}

	l := leader.New(sess.coord, sess.q, sess.vparts, s.metrics, s.planner, s.Table, s.Replica, s.policy.Leader, s.log("leader"))
	sess.leaderMu.Lock()
	sess.ldr = l
	sess.leaderMu.Unlock()
	l.Start(ctx, func() bool { return true })

	<-ctx.Done()
	l.Stop()
	resign()

	sess.leaderMu.Lock()
	sess.ldr = nil
	sess.leaderMu.Unlock()
}

// queueUpdateLoop implements spec.md §4.9's queue-updating thread:
// pull every peer's log into this replica's queue, then run this
// replica's own log GC (spec.md §3 invariant 4), on QueueUpdateSleep.
func (s *Supervisor) queueUpdateLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(s.policy.QueueUpdateSleep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		peers, err := sess.coord.Children(ctx, coordpath.ReplicasRoot(s.Table))
		if err != nil {
			s.log("queue").WithError(err).Warn("list replicas for log pull")
			continue
		}
		others := make([]string, 0, len(peers))
		for _, p := range peers {
			if p != s.Replica {
				others = append(others, p)
			}
		}

		pulled, err := sess.q.PullLogsToQueue(ctx, others)
		if err != nil {
			s.log("queue").WithError(err).Warn("pull logs to queue")
			continue
		}
		if pulled > 0 {
			sess.pullMu.Lock()
			sess.lastPullAt = time.Now()
			sess.pullMu.Unlock()
		}

		if err := sess.q.LogGC(ctx, s.Table); err != nil {
			s.log("queue").WithError(err).Warn("log gc")
		}
	}
}

// executorLoop is the shared background pool task of spec.md §5: each
// invocation picks at most one runnable queue entry. It runs back to
// back while an entry keeps completing cleanly, and otherwise waits for
// either the queue's wake signal or a fallback tick. A failed entry is
// requeued by QueueTask itself, so retrying it immediately would spin
// the loop on the same error; only a clean success skips the wait.
func (s *Supervisor) executorLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(s.policy.QueueUpdateSleep)
	defer ticker.Stop()
	for {
		ran, err := sess.exec.QueueTask(ctx)
		if err != nil {
			s.log("executor").WithError(err).Debug("queue task failed")
		}
		if ran && err == nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-sess.q.Wake():
		case <-ticker.C:
		}
	}
}
