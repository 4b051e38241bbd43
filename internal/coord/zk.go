package coord

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/sirupsen/logrus"
)

// zkCoordinator implements Coordinator over a real ZooKeeper ensemble.
// It is deliberately thin: every method is a one-to-one translation
// from the adapter's typed surface to *zk.Conn, per spec.md §4.1.
type zkCoordinator struct {
	conn  *zk.Conn
	state atomic.Value // zk.State
	log   *logrus.Entry
	done  chan struct{}
}

// Dial connects to the coordinator ensemble and starts the background
// event pump that keeps SessionExpired() answerable without blocking
// callers on the driver's event channel.
func Dial(servers []string, sessionTimeout time.Duration, log *logrus.Entry) (Coordinator, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, err
	}
	c := &zkCoordinator{conn: conn, log: log, done: make(chan struct{})}
	c.state.Store(zk.StateDisconnected)
	go c.pumpEvents(events)
	return c, nil
}

func (c *zkCoordinator) pumpEvents(events <-chan zk.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.state.Store(ev.State)
			if ev.State == zk.StateExpired {
				c.log.Warn("coordinator session expired")
			}
		case <-c.done:
			return
		}
	}
}

func (c *zkCoordinator) SessionExpired() bool {
	s, _ := c.state.Load().(zk.State)
	return s == zk.StateExpired
}

func (c *zkCoordinator) Close() error {
	close(c.done)
	c.conn.Close()
	return nil
}

func zkFlags(mode Mode) int32 {
	switch mode {
	case Ephemeral:
		return zk.FlagEphemeral
	case PersistentSequential:
		return zk.FlagSequence
	default:
		return 0
	}
}

func (c *zkCoordinator) Create(ctx context.Context, path string, data []byte, mode Mode) (string, error) {
	return c.conn.Create(path, data, zkFlags(mode), zk.WorldACL(zk.PermAll))
}

func (c *zkCoordinator) TryCreate(ctx context.Context, path string, data []byte, mode Mode) (string, Outcome, error) {
	created, err := c.Create(ctx, path, data, mode)
	return created, classify(err), filterExpected(err, zk.ErrNodeExists, zk.ErrNoNode)
}

func (c *zkCoordinator) Get(ctx context.Context, path string) ([]byte, Stat, error) {
	data, stat, err := c.conn.Get(path)
	return data, toStat(stat), err
}

func (c *zkCoordinator) TryGet(ctx context.Context, path string) ([]byte, Stat, Outcome, error) {
	data, stat, err := c.Get(ctx, path)
	return data, stat, classify(err), filterExpected(err, zk.ErrNoNode)
}

func (c *zkCoordinator) Set(ctx context.Context, path string, data []byte) (Stat, error) {
	stat, err := c.conn.Set(path, data, int32(AnyVersion))
	return toStat(stat), err
}

func (c *zkCoordinator) Remove(ctx context.Context, path string) error {
	return c.conn.Delete(path, int32(AnyVersion))
}

func (c *zkCoordinator) TryRemove(ctx context.Context, path string) (Outcome, error) {
	err := c.Remove(ctx, path)
	return classify(err), filterExpected(err, zk.ErrNoNode)
}

func (c *zkCoordinator) Exists(ctx context.Context, path string) (bool, Stat, error) {
	ok, stat, err := c.conn.Exists(path)
	return ok, toStat(stat), err
}

// ExistsW fires the returned channel exactly once, on the first event
// for path (create, delete, or data change), matching spec.md §4.1's
// watch contract.
func (c *zkCoordinator) ExistsW(ctx context.Context, path string) (bool, Stat, <-chan Event, error) {
	ok, stat, zkEvents, err := c.conn.ExistsW(path)
	if err != nil {
		return ok, toStat(stat), nil, err
	}
	out := make(chan Event, 1)
	go func() {
		select {
		case ev := <-zkEvents:
			out <- Event{
				Created: ev.Type == zk.EventNodeCreated,
				Deleted: ev.Type == zk.EventNodeDeleted,
				Changed: ev.Type == zk.EventNodeDataChanged,
				Err:     ev.Err,
			}
		case <-c.done:
		}
		close(out)
	}()
	return ok, toStat(stat), out, nil
}

func (c *zkCoordinator) Children(ctx context.Context, path string) ([]string, error) {
	children, _, err := c.conn.Children(path)
	return children, err
}

func (c *zkCoordinator) TryChildren(ctx context.Context, path string) ([]string, Outcome, error) {
	children, err := c.Children(ctx, path)
	return children, classify(err), filterExpected(err, zk.ErrNoNode)
}

func (c *zkCoordinator) Multi(ctx context.Context, ops ...Op) error {
	_, err := c.conn.Multi(toZkOps(ops)...)
	return err
}

func (c *zkCoordinator) TryMulti(ctx context.Context, ops ...Op) (Outcome, error) {
	err := c.Multi(ctx, ops...)
	return classify(err), filterExpected(err, zk.ErrNodeExists, zk.ErrNoNode, zk.ErrBadVersion)
}

func toZkOps(ops []Op) []interface{} {
	out := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		switch o := op.(type) {
		case CreateOp:
			out = append(out, &zk.CreateRequest{
				Path:  o.Path,
				Data:  o.Data,
				Acl:   zk.WorldACL(zk.PermAll),
				Flags: zkFlags(o.Mode),
			})
		case SetDataOp:
			out = append(out, &zk.SetDataRequest{
				Path:    o.Path,
				Data:    o.Data,
				Version: int32(AnyVersion),
			})
		case RemoveOp:
			out = append(out, &zk.DeleteRequest{
				Path:    o.Path,
				Version: int32(AnyVersion),
			})
		}
	}
	return out
}

func toStat(stat *zk.Stat) Stat {
	if stat == nil {
		return Stat{}
	}
	return Stat{Czxid: stat.Czxid, Mzxid: stat.Mzxid, Version: stat.Version, Ctime: stat.Ctime}
}

func classify(err error) Outcome {
	switch err {
	case nil:
		return OutcomeOK
	case zk.ErrNodeExists:
		return OutcomeNodeExists
	case zk.ErrNoNode:
		return OutcomeNoNode
	case zk.ErrBadVersion:
		return OutcomeVersionMismatch
	default:
		return OutcomeOther
	}
}

// filterExpected nils out an error that is one of the "expected"
// sentinels for a try-call, since the caller is meant to branch on the
// Outcome it already got back, not on a second error check.
func filterExpected(err error, expected ...error) error {
	if err == nil {
		return nil
	}
	for _, e := range expected {
		if err == e {
			return nil
		}
	}
	return err
}
