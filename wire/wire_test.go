package wire

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/fullstorydev/callcore"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello, world")
	if err := WriteFrame(&buf, payload, false); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, compressed, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if compressed {
		t.Fatal("compressed = true, want false")
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0xff, 0xff, 0xff, 0xff}) // declares ~4GB
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expecting an error for an oversized frame length")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	rawTrace := string([]byte{1, 2, 3})
	var md callcore.Metadata
	_ = md.Add("x-request-id", "abc123")
	_ = md.Add("x-trace-bin", rawTrace) // -bin values are raw bytes, base64'd only on the wire
	_ = md.Add("connection", "keep-alive") // reserved, should be dropped

	h := http.Header{}
	EncodeHeaders(md, h)

	if h.Get("connection") != "" {
		t.Fatal("EncodeHeaders carried a reserved header through")
	}

	decoded, err := DecodeHeaders(h)
	if err != nil {
		t.Fatalf("DecodeHeaders: %v", err)
	}
	if got := decoded.Get("x-request-id"); len(got) != 1 || got[0] != "abc123" {
		t.Fatalf("x-request-id = %v, want [abc123]", got)
	}
	binVals := decoded.Get("x-trace-bin")
	if len(binVals) != 1 || binVals[0] != rawTrace {
		t.Fatalf("x-trace-bin = %v, want [%v]", binVals, []byte(rawTrace))
	}
}
