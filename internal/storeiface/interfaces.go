// Package storeiface declares the narrow contracts this repo uses to
// reach the local part store and the local merge engine — both
// deliberately out of scope per spec.md §1 ("the local part store...;
// the peer-to-peer part fetch transport"). Everything downstream of
// reconciliation and the executor depends only on these interfaces,
// never on a concrete storage engine.
package storeiface

import (
	"context"
	"io"

	"github.com/repltable/chreplica/internal/part"
)

// PartStore is the local, on-disk table of immutable parts.
type PartStore interface {
	// AllLocalParts lists every part name this replica currently holds
	// on disk, used by reconciliation (spec.md §4.5) as `local`.
	AllLocalParts(ctx context.Context) ([]part.Name, error)

	// Checksum returns a stable digest of name's contents, stored
	// alongside its coordinator record (spec.md §3 "with child
	// /checksums").
	Checksum(ctx context.Context, name part.Name) (string, error)

	// RenameAside marks name as no longer authoritative without
	// deleting it, used for reconciliation's `unexpected` parts
	// (spec.md §4.5: "rename unexpected parts aside with prefix
	// ignored_").
	RenameAside(ctx context.Context, name part.Name, prefix string) error

	// Exists reports whether name is present locally.
	Exists(ctx context.Context, name part.Name) bool

	// SizeBytes is used for the executor's big-merge heuristic
	// (spec.md §4.7: "heuristic product of row count and index
	// granularity" — approximated here as on-disk size).
	SizeBytes(ctx context.Context, name part.Name) (int64, error)

	// Open streams name's bytes to the peer-to-peer transport serving a
	// fetch request from another replica. The caller closes it.
	Open(ctx context.Context, name part.Name) (io.ReadCloser, error)

	// Install writes r to disk as name, atomically with respect to
	// AllLocalParts and Exists, completing a fetch initiated by
	// PartFetcher.Fetch.
	Install(ctx context.Context, name part.Name, r io.Reader) error
}

// Merger performs a local merge of inputs into output and reports once
// the output part is durable on disk and ready to be registered with
// the coordinator in the same atomic step (spec.md §4.7).
type Merger interface {
	Merge(ctx context.Context, inputs []part.Name, output part.Name) error
}

// PartFetcher transfers output bytes for name from a peer over the
// peer-to-peer channel spec.md §1 places outside this spec's scope,
// and installs it into the local PartStore.
type PartFetcher interface {
	Fetch(ctx context.Context, peerAddr string, name part.Name) error
}
