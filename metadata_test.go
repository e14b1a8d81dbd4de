package callcore_test

import (
	"testing"

	"github.com/fullstorydev/callcore"
)

func TestMetadata_AddPreservesMultipleValues(t *testing.T) {
	var md callcore.Metadata
	if err := md.Add("x-trace", "a"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := md.Add("x-trace", "b"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got := md.Get("X-Trace")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Get = %v, want [a b]", got)
	}
}

func TestMetadata_SetReplaces(t *testing.T) {
	var md callcore.Metadata
	_ = md.Add("k", "one")
	_ = md.Set("k", "two")
	got := md.Get("k")
	if len(got) != 1 || got[0] != "two" {
		t.Fatalf("Get = %v, want [two]", got)
	}
}

func TestMetadata_RejectsInvalidKey(t *testing.T) {
	var md callcore.Metadata
	if err := md.Add("", "v"); err == nil {
		t.Fatal("expecting an error for an empty key")
	}
	if err := md.Add("bad key", "v"); err == nil {
		t.Fatal("expecting an error for a key containing a space")
	}
}

func TestMetadata_BinaryValueRoundTrip(t *testing.T) {
	raw := []byte{0x00, 0xff, 0x10, 0x02}
	encoded := callcore.EncodeBinaryValue(raw)
	if err := (&callcore.Metadata{}).Set("x-trace-bin", encoded); err != nil {
		t.Fatalf("Set: %v", err)
	}
	decoded, err := callcore.DecodeBinaryValue(encoded)
	if err != nil {
		t.Fatalf("DecodeBinaryValue: %v", err)
	}
	if string(decoded) != string(raw) {
		t.Fatalf("decoded = %v, want %v", decoded, raw)
	}
	if !callcore.IsBinaryKey("x-trace-bin") {
		t.Fatal("IsBinaryKey should recognize the -bin suffix")
	}
}

func TestMetadata_Clone(t *testing.T) {
	var md callcore.Metadata
	_ = md.Add("k", "v1")
	clone := md.Clone()
	_ = md.Add("k", "v2")
	got := clone.Get("k")
	if len(got) != 1 || got[0] != "v1" {
		t.Fatalf("clone mutated by original's later Add: %v", got)
	}
}
