// Package coord is the coordinator adapter: a thin, typed wrapper over
// a ZooKeeper-protocol client exposing exactly the primitives spec.md
// §4.1 calls for (create/get/set/remove/exists/children, atomic multi,
// ephemeral and sequential node creation, session-expiration) plus
// "try" variants that return a typed Outcome instead of forcing every
// caller to pattern-match driver-specific errors.
package coord

import (
	"context"
	"time"
)

// Mode selects how a node is created.
type Mode int

const (
	Persistent Mode = iota
	Ephemeral
	PersistentSequential
)

// Stat is the subset of node metadata this package's callers need.
// Czxid is the coordinator's creation-order identifier — spec.md's
// "czxid" — used throughout the queue manager as a global timestamp.
type Stat struct {
	Czxid   int64
	Mzxid   int64
	Version int32
	// Ctime is the node's creation wall-clock time, milliseconds since
	// the Unix epoch (ZooKeeper's own Stat.Ctime convention). Used by
	// the dedup-window GC's age-based eviction path (spec.md §8
	// supplement), since czxid itself is an ordering counter, not a
	// timestamp.
	Ctime int64
}

// Outcome classifies the result of a "try" call so callers branch on
// taxonomy rather than string-matching driver errors.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNodeExists
	OutcomeNoNode
	OutcomeVersionMismatch
	OutcomeOther
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "OK"
	case OutcomeNodeExists:
		return "NODE_EXISTS"
	case OutcomeNoNode:
		return "NO_NODE"
	case OutcomeVersionMismatch:
		return "VERSION_MISMATCH"
	default:
		return "OTHER"
	}
}

// Op is one step of an atomic Multi transaction.
type Op interface{ isOp() }

type CreateOp struct {
	Path string
	Data []byte
	Mode Mode
}

type SetDataOp struct {
	Path string
	Data []byte
}

type RemoveOp struct {
	Path string
}

func (CreateOp) isOp()  {}
func (SetDataOp) isOp() {}
func (RemoveOp) isOp()  {}

// AnyVersion is passed to Set/Remove/SetDataOp/RemoveOp callers that do
// not want optimistic-concurrency version checks (this spec never
// relies on them: uniqueness comes from path existence, not CAS).
const AnyVersion int32 = -1

// Event is a one-shot watch notification, matching ZooKeeper's
// fire-once watch semantics (§4.1: "must signal exactly once").
type Event struct {
	Created bool
	Deleted bool
	Changed bool
	Err     error
}

// Coordinator is the full adapter surface. Production code talks to a
// ZooKeeper ensemble through zkCoordinator (see zk.go); tests talk to
// coordtest.Double, which implements the same interface in memory.
type Coordinator interface {
	Create(ctx context.Context, path string, data []byte, mode Mode) (string, error)
	TryCreate(ctx context.Context, path string, data []byte, mode Mode) (string, Outcome, error)

	Get(ctx context.Context, path string) ([]byte, Stat, error)
	TryGet(ctx context.Context, path string) ([]byte, Stat, Outcome, error)

	Set(ctx context.Context, path string, data []byte) (Stat, error)

	Remove(ctx context.Context, path string) error
	TryRemove(ctx context.Context, path string) (Outcome, error)

	Exists(ctx context.Context, path string) (bool, Stat, error)
	ExistsW(ctx context.Context, path string) (bool, Stat, <-chan Event, error)

	Children(ctx context.Context, path string) ([]string, error)
	TryChildren(ctx context.Context, path string) ([]string, Outcome, error)

	Multi(ctx context.Context, ops ...Op) error
	TryMulti(ctx context.Context, ops ...Op) (Outcome, error)

	// SessionExpired reports whether the current session is known to
	// have expired. The supervisor is the only component allowed to
	// act on this by resetting the session (spec.md §4.9, §7).
	SessionExpired() bool

	Close() error
}

// DefaultDialTimeout matches the teacher's RPC connect-timeout
// convention (internal/netw/rpcx.go dials with a fixed short timeout
// rather than letting callers block indefinitely).
const DefaultDialTimeout = 5 * time.Second
