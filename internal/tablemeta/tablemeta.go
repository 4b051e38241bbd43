// Package tablemeta implements spec.md §6's metadata file: the nine
// labeled lines stored at /<table>/metadata describing the table's
// schema, created by whichever replica bootstraps the table first and
// validated against every other replica's local schema on every
// subsequent startup. spec.md §6 calls this path's encoding an
// on-the-wire compatibility boundary, grounded on the same line-per-
// field style as internal/logentry's replication log entries.
package tablemeta

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/repltable/chreplica/internal/cherrors"
)

// FormatVersion is the only version this codec understands.
const FormatVersion = 1

// Column is one backquoted-name/type-string pair from the columns:
// block.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema is a table's schema: the fields of spec.md §6's nine-line
// format (all but the version line and the columns: marker), in order.
type Schema struct {
	DateColumn         string   `json:"date_column"`
	SamplingExpression string   `json:"sampling_expression"`
	IndexGranularity   uint64   `json:"index_granularity"`
	Mode               int      `json:"mode"`
	SignColumn         string   `json:"sign_column"`
	PrimaryKey         string   `json:"primary_key"`
	Columns            []Column `json:"columns"`
}

// Encode renders s in the exact line order spec.md §6 specifies.
// Decode(Encode(s)) == s for every well-formed Schema (tested
// directly).
func Encode(s Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "metadata format version: %d\n", FormatVersion)
	fmt.Fprintf(&b, "date column: %s\n", s.DateColumn)
	fmt.Fprintf(&b, "sampling expression: %s\n", s.SamplingExpression)
	fmt.Fprintf(&b, "index granularity: %d\n", s.IndexGranularity)
	fmt.Fprintf(&b, "mode: %d\n", s.Mode)
	fmt.Fprintf(&b, "sign column: %s\n", s.SignColumn)
	fmt.Fprintf(&b, "primary key: %s\n", s.PrimaryKey)
	b.WriteString("columns:\n")
	for _, c := range s.Columns {
		fmt.Fprintf(&b, "`%s` %s\n", c.Name, c.Type)
	}
	return b.String()
}

// Decode parses the text form produced by Encode.
func Decode(text string) (Schema, error) {
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	line, ok := nextLine(sc)
	if !ok {
		return Schema{}, fmt.Errorf("tablemeta: empty metadata")
	}
	var version int
	if _, err := fmt.Sscanf(line, "metadata format version: %d", &version); err != nil {
		return Schema{}, fmt.Errorf("tablemeta: parse format version %q: %w", line, err)
	}
	if version != FormatVersion {
		return Schema{}, fmt.Errorf("tablemeta: unsupported metadata format version %d", version)
	}

	var s Schema
	if line, ok = nextLine(sc); !ok {
		return Schema{}, fmt.Errorf("tablemeta: missing date column")
	}
	s.DateColumn = strings.TrimPrefix(line, "date column: ")

	if line, ok = nextLine(sc); !ok {
		return Schema{}, fmt.Errorf("tablemeta: missing sampling expression")
	}
	s.SamplingExpression = strings.TrimPrefix(line, "sampling expression: ")

	if line, ok = nextLine(sc); !ok {
		return Schema{}, fmt.Errorf("tablemeta: missing index granularity")
	}
	gran, err := strconv.ParseUint(strings.TrimPrefix(line, "index granularity: "), 10, 64)
	if err != nil {
		return Schema{}, fmt.Errorf("tablemeta: parse index granularity %q: %w", line, err)
	}
	s.IndexGranularity = gran

	if line, ok = nextLine(sc); !ok {
		return Schema{}, fmt.Errorf("tablemeta: missing mode")
	}
	mode, err := strconv.Atoi(strings.TrimPrefix(line, "mode: "))
	if err != nil {
		return Schema{}, fmt.Errorf("tablemeta: parse mode %q: %w", line, err)
	}
	s.Mode = mode

	if line, ok = nextLine(sc); !ok {
		return Schema{}, fmt.Errorf("tablemeta: missing sign column")
	}
	s.SignColumn = strings.TrimPrefix(line, "sign column: ")

	if line, ok = nextLine(sc); !ok {
		return Schema{}, fmt.Errorf("tablemeta: missing primary key")
	}
	s.PrimaryKey = strings.TrimPrefix(line, "primary key: ")

	if line, ok = nextLine(sc); !ok || line != "columns:" {
		return Schema{}, fmt.Errorf("tablemeta: missing columns marker")
	}
	for sc.Scan() {
		name, typ, ok := splitColumn(sc.Text())
		if !ok {
			return Schema{}, fmt.Errorf("tablemeta: malformed column line %q", sc.Text())
		}
		s.Columns = append(s.Columns, Column{Name: name, Type: typ})
	}
	return s, nil
}

func splitColumn(line string) (name, typ string, ok bool) {
	if !strings.HasPrefix(line, "`") {
		return "", "", false
	}
	end := strings.Index(line[1:], "`")
	if end < 0 {
		return "", "", false
	}
	name = line[1 : end+1]
	rest := strings.TrimSpace(line[end+2:])
	if rest == "" {
		return "", "", false
	}
	return name, rest, true
}

func nextLine(sc *bufio.Scanner) (string, bool) {
	if !sc.Scan() {
		return "", false
	}
	return sc.Text(), true
}

// Validate checks remote (what is published at /<table>/metadata)
// against local (this replica's own configured schema), per spec.md
// §6: "mismatch against local schema raises UNKNOWN_IDENTIFIER or a
// schema-mismatch error per field." remote's date/sign column must
// themselves resolve within remote's own column list before any
// field-by-field comparison is meaningful; a dangling reference there
// is an unknown identifier, not a mismatch.
func Validate(local, remote Schema) error {
	if remote.DateColumn != "" && !remote.hasColumn(remote.DateColumn) {
		return cherrors.Wrap(cherrors.ErrUnknownIdentifier, remote.DateColumn, nil)
	}
	if remote.SignColumn != "" && !remote.hasColumn(remote.SignColumn) {
		return cherrors.Wrap(cherrors.ErrUnknownIdentifier, remote.SignColumn, nil)
	}

	switch {
	case local.DateColumn != remote.DateColumn:
		return cherrors.Wrap(cherrors.ErrSchemaMismatch, "date column", nil)
	case local.SamplingExpression != remote.SamplingExpression:
		return cherrors.Wrap(cherrors.ErrSchemaMismatch, "sampling expression", nil)
	case local.IndexGranularity != remote.IndexGranularity:
		return cherrors.Wrap(cherrors.ErrSchemaMismatch, "index granularity", nil)
	case local.Mode != remote.Mode:
		return cherrors.Wrap(cherrors.ErrSchemaMismatch, "mode", nil)
	case local.SignColumn != remote.SignColumn:
		return cherrors.Wrap(cherrors.ErrSchemaMismatch, "sign column", nil)
	case local.PrimaryKey != remote.PrimaryKey:
		return cherrors.Wrap(cherrors.ErrSchemaMismatch, "primary key", nil)
	case !equalColumns(local.Columns, remote.Columns):
		return cherrors.Wrap(cherrors.ErrSchemaMismatch, "columns", nil)
	}
	return nil
}

func (s Schema) hasColumn(name string) bool {
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

func equalColumns(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
