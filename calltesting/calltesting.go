// Package calltesting provides the fixtures used to exercise callcore
// without a real network: string codecs for the generic surfaces, a set of
// canned inproc.Handlers that play the server's role for the common
// request/response shapes, and assertion helpers in the style of
// grpchantesting's channel test cases.
package calltesting

import (
	"context"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"

	"github.com/fullstorydev/callcore"
	"github.com/fullstorydev/callcore/inproc"
)

// MarshalString and UnmarshalString are the trivial codec most scenarios in
// this package use: the wire payload is just the UTF-8 bytes of the string.
func MarshalString(s string) ([]byte, uint32, error) { return []byte(s), 0, nil }
func UnmarshalString(b []byte) (string, error)       { return string(b), nil }

// FailMarshal always fails, for exercising ErrSerializationFailure.
func FailMarshal(s string) ([]byte, uint32, error) {
	return nil, 0, fmt.Errorf("calltesting: refusing to marshal %q", s)
}

// FailUnmarshal always fails, for exercising ErrDeserializationFailure.
func FailUnmarshal(b []byte) (string, error) {
	return "", fmt.Errorf("calltesting: refusing to unmarshal %d bytes", len(b))
}

// UnaryHandler builds an inproc.Handler that reads exactly one request
// message and ends with st. When st is OK it first sends empty response
// headers and then resp; otherwise it sends the status alone.
func UnaryHandler(resp string, st callcore.StatusObject) inproc.Handler {
	return func(ctx context.Context, method string, srv *inproc.PeerTransport) callcore.StatusObject {
		if _, _, _, err := srv.RecvMessage(ctx); err != nil {
			return callcore.StatusFromError(err)
		}
		if st.IsOK() {
			srv.SendHeaders(callcore.Metadata{})
			srv.SendMessage([]byte(resp), 0)
		}
		return st
	}
}

// StreamingHandler builds an inproc.Handler that reads one request, sends
// each of responses in order, and ends with st.
func StreamingHandler(responses []string, st callcore.StatusObject) inproc.Handler {
	return func(ctx context.Context, method string, srv *inproc.PeerTransport) callcore.StatusObject {
		if _, _, _, err := srv.RecvMessage(ctx); err != nil {
			return callcore.StatusFromError(err)
		}
		for _, r := range responses {
			srv.SendMessage([]byte(r), 0)
		}
		return st
	}
}

// EchoHandler builds an inproc.Handler that reads messages until the
// client half-closes, echoing each one back immediately, then ends with
// st.
func EchoHandler(st callcore.StatusObject) inproc.Handler {
	return func(ctx context.Context, method string, srv *inproc.PeerTransport) callcore.StatusObject {
		for {
			payload, flags, halfClosed, err := srv.RecvMessage(ctx)
			if err != nil {
				return callcore.StatusFromError(err)
			}
			if halfClosed {
				return st
			}
			srv.SendMessage(payload, flags)
		}
	}
}

// SilentHandler builds an inproc.Handler that never sends or receives
// anything and blocks until ctx is done, for exercising deadlines and
// client-initiated cancellation.
func SilentHandler() inproc.Handler {
	return func(ctx context.Context, method string, srv *inproc.PeerTransport) callcore.StatusObject {
		<-ctx.Done()
		return callcore.StatusFromError(ctx.Err())
	}
}

// CheckError asserts that err is a ServiceError (or a status-compatible
// error) with the expected code.
func CheckError(t *testing.T, err error, wantCode codes.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expecting error with code %v, got nil", wantCode)
	}
	st := callcore.StatusFromError(err)
	if st.Code != wantCode {
		t.Fatalf("wrong response code: %v != %v (details: %s)", st.Code, wantCode, st.Details)
	}
}

// CheckMetadata asserts that every key/value pair in want is present in
// got, tolerating extra keys actual metadata may carry.
func CheckMetadata(t *testing.T, want map[string]string, got callcore.Metadata, name string) {
	t.Helper()
	for k, v := range want {
		vs := got.Get(k)
		if len(vs) != 1 || vs[0] != v {
			t.Fatalf("wrong %s metadata: expecting %s to be [%s], instead was %v", name, k, v, vs)
		}
	}
}
