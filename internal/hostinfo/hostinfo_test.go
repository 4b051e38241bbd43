package hostinfo

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Info{Host: "10.0.0.5", Port: 9181}
	decoded, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, in)
	}
	if got, want := decoded.Addr(), "10.0.0.5:9181"; got != want {
		t.Fatalf("Addr() = %q, want %q", got, want)
	}
}

func TestEncodeMatchesLabeledLines(t *testing.T) {
	got := Encode(Info{Host: "replica1.local", Port: 9000})
	want := "host: replica1.local\nport: 9000\n"
	if got != want {
		t.Fatalf("Encode() = %q, want %q", got, want)
	}
}

func TestDecodeRejectsMissingPort(t *testing.T) {
	if _, err := Decode("host: replica1.local\n"); err == nil {
		t.Fatal("expected error for missing port line")
	}
}

func TestDecodeRejectsMalformedPort(t *testing.T) {
	if _, err := Decode("host: replica1.local\nport: not-a-number\n"); err == nil {
		t.Fatal("expected error for malformed port")
	}
}
