package callcore

import (
	"encoding/base64"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Metadata is a canonical multi-valued header bag exchanged with a server.
// Keys are lower-cased ASCII. Keys ending in "-bin" carry opaque byte
// sequences (base64-encoded on the wire); all other keys carry printable
// ASCII strings. Iteration order follows insertion order within each key's
// value slice. A Metadata is never mutated once handed to a Transport; Clone
// it first if further changes are needed.
type Metadata struct {
	order  []string
	values map[string][]string
}

// NewMetadata builds a Metadata from a plain map, treating each entry as a
// single value added via Add. It is a convenience for call sites (and test
// fixtures) that don't need multi-valued keys.
func NewMetadata(pairs map[string]string) (Metadata, error) {
	md := Metadata{}
	for k, v := range pairs {
		if err := md.Add(k, v); err != nil {
			return Metadata{}, err
		}
	}
	return md, nil
}

// isValidKey reports whether k is a non-empty sequence of printable ASCII
// characters (0x21-0x7e), the same grammar gRPC uses for header/trailer
// names before lower-casing.
func isValidKey(k string) bool {
	if k == "" {
		return false
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

func normalizeKey(k string) string {
	return strings.ToLower(k)
}

// IsBinaryKey reports whether the given (already lower-cased) key carries
// opaque binary values, per the "-bin" suffix convention.
func IsBinaryKey(k string) bool {
	return strings.HasSuffix(k, "-bin")
}

func keyError(k string) error {
	return status.Errorf(codes.InvalidArgument, "invalid metadata key %q: must be non-empty printable ASCII", k)
}

// Set replaces all values for k with the single value v. k is validated:
// it must be non-empty, printable ASCII (binary values are passed through
// as raw bytes embedded in a string; the "-bin" suffix is what marks them
// opaque, not the byte content of v).
func (m *Metadata) Set(k, v string) error {
	if !isValidKey(k) {
		return keyError(k)
	}
	k = normalizeKey(k)
	m.ensure()
	if _, ok := m.values[k]; !ok {
		m.order = append(m.order, k)
	}
	m.values[k] = []string{v}
	return nil
}

// Add appends v to the sequence of values for k, preserving any values
// already set.
func (m *Metadata) Add(k, v string) error {
	if !isValidKey(k) {
		return keyError(k)
	}
	k = normalizeKey(k)
	m.ensure()
	if _, ok := m.values[k]; !ok {
		m.order = append(m.order, k)
	}
	m.values[k] = append(m.values[k], v)
	return nil
}

// Remove deletes all values associated with k.
func (m *Metadata) Remove(k string) {
	k = normalizeKey(k)
	if m.values == nil {
		return
	}
	if _, ok := m.values[k]; !ok {
		return
	}
	delete(m.values, k)
	for i, kk := range m.order {
		if kk == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Get returns the value sequence for k, in insertion order. The returned
// slice must not be mutated by the caller.
func (m *Metadata) Get(k string) []string {
	if m.values == nil {
		return nil
	}
	return m.values[normalizeKey(k)]
}

// Keys returns the set of keys present, in insertion order.
func (m *Metadata) Keys() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// GetMap returns a snapshot view with one value per key: the last value
// added for keys with multiple values ("last wins").
func (m *Metadata) GetMap() map[string]string {
	out := make(map[string]string, len(m.order))
	for _, k := range m.order {
		vs := m.values[k]
		if len(vs) > 0 {
			out[k] = vs[len(vs)-1]
		}
	}
	return out
}

// Len reports the number of distinct keys.
func (m *Metadata) Len() int {
	return len(m.order)
}

// Clone returns a deep copy. Mutating the clone never affects m, and vice
// versa.
func (m Metadata) Clone() Metadata {
	out := Metadata{
		order:  make([]string, len(m.order)),
		values: make(map[string][]string, len(m.values)),
	}
	copy(out.order, m.order)
	for k, vs := range m.values {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out.values[k] = cp
	}
	return out
}

func (m *Metadata) ensure() {
	if m.values == nil {
		m.values = map[string][]string{}
	}
}

// EncodeBinaryValue base64-encodes a raw byte value for a "-bin" key, for
// callers that want to store binary data as a printable string before
// calling Add/Set. Uses URLEncoding, matching wire.EncodeHeaders' "-bin"
// convention.
func EncodeBinaryValue(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeBinaryValue reverses EncodeBinaryValue.
func DecodeBinaryValue(v string) ([]byte, error) {
	return base64.URLEncoding.DecodeString(v)
}
