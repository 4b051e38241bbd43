// Package localstore is a plain-directory storeiface.PartStore and
// storeiface.Merger: each part is one file named after its part.Name,
// plus a sibling ".checksum" file. spec.md §1 places the real local
// part store and merge engine out of scope, so this is deliberately
// the simplest thing that lets a replica run end to end rather than a
// production column-store format; grounded on the teacher's own
// directory-of-files helpers (src/common/utils/util.go's
// CheckAndMkdir/DeleteDir/SizeOfDir).
package localstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/repltable/chreplica/internal/part"
)

// Store is a directory of part files under root.
type Store struct {
	root string
}

// Open ensures root exists and returns a Store rooted there.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: mkdir %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(name part.Name) string { return filepath.Join(s.root, string(name)) }

func (s *Store) AllLocalParts(ctx context.Context) ([]part.Name, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("localstore: read dir %s: %w", s.root, err)
	}
	var names []part.Name
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".checksum") {
			continue
		}
		names = append(names, part.Name(e.Name()))
	}
	return names, nil
}

func (s *Store) Checksum(ctx context.Context, name part.Name) (string, error) {
	data, err := os.ReadFile(s.path(name) + ".checksum")
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("localstore: read checksum %s: %w", name, err)
	}
	return s.computeAndStoreChecksum(name)
}

func (s *Store) computeAndStoreChecksum(name part.Name) (string, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return "", fmt.Errorf("localstore: open %s for checksum: %w", name, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("localstore: hash %s: %w", name, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if err := os.WriteFile(s.path(name)+".checksum", []byte(sum), 0o644); err != nil {
		return "", fmt.Errorf("localstore: write checksum %s: %w", name, err)
	}
	return sum, nil
}

// RenameAside gives name's file and checksum sidecar a prefix instead
// of deleting them, the same aside-don't-delete move reconciliation
// uses for unexpected parts (spec.md §4.5).
func (s *Store) RenameAside(ctx context.Context, name part.Name, prefix string) error {
	asideName := prefix + string(name)
	if err := os.Rename(s.path(name), filepath.Join(s.root, asideName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localstore: rename %s aside: %w", name, err)
	}
	if err := os.Rename(s.path(name)+".checksum", filepath.Join(s.root, asideName+".checksum")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localstore: rename %s checksum aside: %w", name, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, name part.Name) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

func (s *Store) SizeBytes(ctx context.Context, name part.Name) (int64, error) {
	st, err := os.Stat(s.path(name))
	if err != nil {
		return 0, fmt.Errorf("localstore: stat %s: %w", name, err)
	}
	return st.Size(), nil
}

func (s *Store) Open(ctx context.Context, name part.Name) (io.ReadCloser, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", name, err)
	}
	return f, nil
}

func (s *Store) Install(ctx context.Context, name part.Name, r io.Reader) error {
	incoming := filepath.Join(s.root, ".incoming")
	if err := os.MkdirAll(incoming, 0o755); err != nil {
		return fmt.Errorf("localstore: mkdir %s: %w", incoming, err)
	}
	tmp := filepath.Join(incoming, string(name))
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("localstore: create %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("localstore: write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("localstore: close %s: %w", name, err)
	}
	return os.Rename(tmp, s.path(name))
}

// Merge concatenates inputs' bytes into output. Real column-store
// merging (sort-merge by primary key, collapsing the deduplication
// window) is the local merge engine spec.md §1 places out of scope;
// this exists only so internal/executor's MERGE_PARTS path has a real
// Merger to drive end to end.
func (s *Store) Merge(ctx context.Context, inputs []part.Name, output part.Name) error {
	out, err := os.Create(s.path(output))
	if err != nil {
		return fmt.Errorf("localstore: create merge output %s: %w", output, err)
	}
	defer out.Close()
	for _, in := range inputs {
		f, err := os.Open(s.path(in))
		if err != nil {
			return fmt.Errorf("localstore: open merge input %s: %w", in, err)
		}
		_, copyErr := io.Copy(out, f)
		f.Close()
		if copyErr != nil {
			return fmt.Errorf("localstore: copy merge input %s: %w", in, copyErr)
		}
	}
	return nil
}
