// Package logentry implements the text serialization of replication
// log/queue entries described by spec.md §3, §4.3, §6.
package logentry

import "github.com/repltable/chreplica/internal/part"

// Type distinguishes the two entry shapes spec.md §3 defines.
type Type int

const (
	GetPart Type = iota
	MergeParts
)

// Entry is a tagged replication log/queue record. source_replica names
// who originated it (the replica whose log this came from); for
// GetPart it is a hint only — the executor still has to find a live
// holder via findReplicaHavingPart (spec.md §4.7).
type Entry struct {
	Type           Type
	SourceReplica  string
	NewPartName    part.Name
	PartsToMerge   []part.Name // MergeParts only
}

// NewGetPart builds a GET_PART entry.
func NewGetPart(source string, name part.Name) Entry {
	return Entry{Type: GetPart, SourceReplica: source, NewPartName: name}
}

// NewMergeParts builds a MERGE_PARTS entry.
func NewMergeParts(source string, inputs []part.Name, output part.Name) Entry {
	return Entry{Type: MergeParts, SourceReplica: source, NewPartName: output, PartsToMerge: append([]part.Name(nil), inputs...)}
}

func (e Entry) Equal(o Entry) bool {
	if e.Type != o.Type || e.SourceReplica != o.SourceReplica || e.NewPartName != o.NewPartName {
		return false
	}
	if len(e.PartsToMerge) != len(o.PartsToMerge) {
		return false
	}
	for i := range e.PartsToMerge {
		if e.PartsToMerge[i] != o.PartsToMerge[i] {
			return false
		}
	}
	return true
}
