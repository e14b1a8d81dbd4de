package callcore

import "context"

// ConnectivityState mirrors the coarse connection states a Channel moves
// through, the same vocabulary grpc.ClientConn exposes.
type ConnectivityState int

const (
	Idle ConnectivityState = iota
	Connecting
	Ready
	TransientFailure
	Shutdown
)

func (s ConnectivityState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// CallAttributes carries the per-call parameters a Channel needs before it
// can open a Transport: an authority (host) override and opaque
// propagation flags. Both are optional; the zero value means "no
// override". The core does not interpret either value itself — it only
// guarantees they round-trip from the CallOptions a caller supplied
// (WithAuthority, WithPropagate) to Channel.NewTransport.
type CallAttributes struct {
	Authority string
	Propagate uint32
}

// Channel is the boundary between application-facing call surfaces and a
// concrete transport. A Channel owns however it obtains a Transport for
// each new call (a socket connection, an in-process pipe, a pool) and the
// FilterFactory chain every call it creates is built with; the surface
// constructors (NewUnaryCall, NewReadableStream, ...) take the Transport
// and FilterStack a Channel hands back and build the Call themselves.
//
// Implementations: inproc.Channel pairs each Call's Transport with a
// PeerTransport that a Handler drives on the other side of an in-process
// pipe; h2transport.Channel multiplexes Calls
// as HTTP/2 streams over a pooled connection.
type Channel interface {
	// NewTransport opens a Transport for method, ready to be handed to one
	// of the surface constructors. attrs carries the authority override
	// and propagation flags a caller attached via CallOptions, if any.
	NewTransport(ctx context.Context, method string, attrs CallAttributes) (Transport, error)

	// NewFilterStack builds the FilterStack a Call for method should use,
	// from whatever FilterFactory chain the Channel was configured with.
	NewFilterStack(method string) *FilterStack

	// GetConnectivityState reports the Channel's current state without
	// blocking.
	GetConnectivityState() ConnectivityState

	// WatchConnectivityState blocks until the Channel's state differs from
	// sourceState or ctx is done, returning false in the latter case.
	WatchConnectivityState(ctx context.Context, sourceState ConnectivityState) bool

	// Close releases resources backing the Channel. Calls already in
	// flight are not affected; new calls fail.
	Close() error
}
