// Package coordpath provides pure path-building functions over the
// coordinator tree described in spec.md §3. Every durable entity this
// repo touches is addressed by one of these functions — nothing builds
// a path by hand anywhere else.
package coordpath

import "fmt"

// SeqWidth is the zero-padded width of a sequential-node suffix.
// 10 digits matches ZooKeeper's own PersistentSequential suffix width,
// required by spec.md §4.2 so lexical order equals numeric order.
const SeqWidth = 10

func seq(n int64) string {
	return fmt.Sprintf("%0*d", SeqWidth, n)
}

func TableRoot(table string) string { return "/" + table }

func Metadata(table string) string { return TableRoot(table) + "/metadata" }

func Temp(table string) string { return TableRoot(table) + "/temp" }

func LeaderElection(table string) string { return TableRoot(table) + "/leader_election" }

func LeaderElectionCandidate(table string) string { return LeaderElection(table) + "/guid-" }

func ReplicasRoot(table string) string { return TableRoot(table) + "/replicas" }

func ReplicaRoot(table, replica string) string {
	return fmt.Sprintf("%s/%s", ReplicasRoot(table), replica)
}

func IsActive(table, replica string) string { return ReplicaRoot(table, replica) + "/is_active" }

func Host(table, replica string) string { return ReplicaRoot(table, replica) + "/host" }

func PartsRoot(table, replica string) string { return ReplicaRoot(table, replica) + "/parts" }

func Part(table, replica, name string) string {
	return fmt.Sprintf("%s/%s", PartsRoot(table, replica), name)
}

func PartChecksums(table, replica, name string) string { return Part(table, replica, name) + "/checksums" }

func LogRoot(table, replica string) string { return ReplicaRoot(table, replica) + "/log" }

func LogEntryPrefix(table, replica string) string { return LogRoot(table, replica) + "/log-" }

func LogEntry(table, replica string, idx int64) string {
	return LogEntryPrefix(table, replica) + seq(idx)
}

func LogPointersRoot(table, replica string) string {
	return ReplicaRoot(table, replica) + "/log_pointers"
}

func LogPointer(table, replica, peer string) string {
	return fmt.Sprintf("%s/%s", LogPointersRoot(table, replica), peer)
}

func QueueRoot(table, replica string) string { return ReplicaRoot(table, replica) + "/queue" }

func QueueEntryPrefix(table, replica string) string { return QueueRoot(table, replica) + "/queue-" }

func BlocksRoot(table string) string { return TableRoot(table) + "/blocks" }

func Block(table, blockID string) string { return fmt.Sprintf("%s/%s", BlocksRoot(table), blockID) }

func BlockNumberField(table, blockID string) string { return Block(table, blockID) + "/number" }

func BlockChecksums(table, blockID string) string { return Block(table, blockID) + "/checksums" }

func BlockNumbersRoot(table string) string { return TableRoot(table) + "/block_numbers" }

func BlockNumberMonth(table, yyyymm string) string {
	return fmt.Sprintf("%s/%s", BlockNumbersRoot(table), yyyymm)
}

func BlockNumberLock(table, yyyymm string, n int64) string {
	return fmt.Sprintf("%s/block-%s", BlockNumberMonth(table, yyyymm), seq(n))
}

// BlockNumberLockFilled is the marker child created under a
// block-number lock once the insert that claimed it actually commits
// a real block number there; a lock node lacking this child was
// reserved and released without ever filling the slot, i.e. it is
// abandoned (spec.md §4.8 step 4, §8 property 10).
func BlockNumberLockFilled(table, yyyymm string, n int64) string {
	return BlockNumberLock(table, yyyymm, n) + "/filled"
}

// ForceRestoreFlag is the operator sentinel of spec.md §6: its mere
// presence under a replica's flags namespace bypasses the
// reconciliation sanity gate once, and it is removed on consumption.
func ForceRestoreFlag(table, replica string) string {
	return ReplicaRoot(table, replica) + "/flags/force_restore_data"
}

func FlagsRoot(table, replica string) string { return ReplicaRoot(table, replica) + "/flags" }
