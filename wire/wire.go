// Package wire converts between callcore's Metadata/message types and the
// header and framing conventions gRPC uses on an HTTP/2 transport: lowercase
// header keys, base64-encoded "-bin" values, and length-prefixed message
// frames. h2transport builds its Transport on top of this package; it is
// split out on its own because the framing rules are useful in isolation
// (e.g. for tests that assert on the bytes a Call would put on the wire).
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fullstorydev/callcore"
)

// MaxMessageSize bounds the length a single incoming frame may declare,
// guarding against a corrupt or hostile size preface forcing an enormous
// allocation.
const MaxMessageSize = 100 * 1024 * 1024

// CompressedFlag is bit 0 of a frame's leading flag byte.
const CompressedFlag byte = 1

// WriteFrame writes one length-prefixed message frame: a 1-byte compression
// flag, a 4-byte big-endian length, then payload.
func WriteFrame(w io.Writer, payload []byte, compressed bool) error {
	var flag byte
	if compressed {
		flag = CompressedFlag
	}
	if _, err := w.Write([]byte{flag}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	if err == nil {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	return err
}

// ReadFrame reads one length-prefixed message frame written by WriteFrame.
func ReadFrame(r io.Reader) (payload []byte, compressed bool, err error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, false, err
	}
	compressed = hdr[0]&CompressedFlag != 0
	sz := binary.BigEndian.Uint32(hdr[1:])
	if sz > MaxMessageSize {
		return nil, false, fmt.Errorf("wire: frame declares %d bytes, exceeds %d byte limit", sz, MaxMessageSize)
	}
	buf := make([]byte, sz)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false, err
	}
	return buf, compressed, nil
}

// reservedHeaders mirrors the HTTP headers gRPC reserves for transport
// framing; callcore.Metadata never carries these, so they are dropped on
// both the encode and decode paths.
var reservedHeaders = map[string]struct{}{
	"accept-encoding":   {},
	"connection":        {},
	"content-type":      {},
	"content-length":    {},
	"keep-alive":        {},
	"te":                {},
	"trailer":           {},
	"transfer-encoding": {},
	"upgrade":           {},
}

// EncodeHeaders copies md into h, lowercasing keys, base64-encoding "-bin"
// values, and skipping any key gRPC reserves for its own framing.
func EncodeHeaders(md callcore.Metadata, h http.Header) {
	for _, k := range md.Keys() {
		lowerK := strings.ToLower(k)
		if _, reserved := reservedHeaders[lowerK]; reserved {
			continue
		}
		isBin := callcore.IsBinaryKey(lowerK)
		for _, v := range md.Get(k) {
			if isBin {
				v = base64.URLEncoding.EncodeToString([]byte(v))
			}
			h.Add(lowerK, v)
		}
	}
}

// DecodeHeaders builds a Metadata from HTTP headers, reversing EncodeHeaders:
// lowercasing keys (http.Header already canonicalizes, but defensively
// normalizes again) and base64-decoding "-bin" values.
func DecodeHeaders(h http.Header) (callcore.Metadata, error) {
	var md callcore.Metadata
	for k, vs := range h {
		lowerK := strings.ToLower(k)
		if _, reserved := reservedHeaders[lowerK]; reserved {
			continue
		}
		for _, v := range vs {
			if callcore.IsBinaryKey(lowerK) {
				decoded, err := base64.URLEncoding.DecodeString(v)
				if err != nil {
					return callcore.Metadata{}, fmt.Errorf("wire: decoding %q: %w", lowerK, err)
				}
				v = string(decoded)
			}
			if err := md.Add(lowerK, v); err != nil {
				return callcore.Metadata{}, err
			}
		}
	}
	return md, nil
}
