package tablemeta

import (
	"errors"
	"reflect"
	"testing"

	"github.com/repltable/chreplica/internal/cherrors"
)

func schemaFixture() Schema {
	return Schema{
		DateColumn:         "event_date",
		SamplingExpression: "intHash32(user_id)",
		IndexGranularity:   8192,
		Mode:               1,
		SignColumn:         "sign",
		PrimaryKey:         "(event_date, user_id)",
		Columns: []Column{
			{Name: "event_date", Type: "Date"},
			{Name: "user_id", Type: "UInt64"},
			{Name: "sign", Type: "Int8"},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := schemaFixture()
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Columns) != len(in.Columns) {
		t.Fatalf("column count mismatch: got %d, want %d", len(out.Columns), len(in.Columns))
	}
	for i := range in.Columns {
		if out.Columns[i] != in.Columns[i] {
			t.Fatalf("column %d mismatch: got %+v, want %+v", i, out.Columns[i], in.Columns[i])
		}
	}
	out.Columns = nil
	in.Columns = nil
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestValidateAcceptsIdenticalSchema(t *testing.T) {
	s := schemaFixture()
	if err := Validate(s, s); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRaisesSchemaMismatchOnFieldDifference(t *testing.T) {
	local := schemaFixture()
	remote := schemaFixture()
	remote.IndexGranularity = 4096

	err := Validate(local, remote)
	if !errors.Is(err, cherrors.ErrSchemaMismatch) {
		t.Fatalf("Validate: got %v, want ErrSchemaMismatch", err)
	}
}

func TestValidateRaisesUnknownIdentifierForDanglingColumnReference(t *testing.T) {
	local := schemaFixture()
	remote := schemaFixture()
	remote.DateColumn = "no_such_column"

	err := Validate(local, remote)
	if !errors.Is(err, cherrors.ErrUnknownIdentifier) {
		t.Fatalf("Validate: got %v, want ErrUnknownIdentifier", err)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	if _, err := Decode("metadata format version: 2\n"); err == nil {
		t.Fatal("expected error for unsupported format version")
	}
}
