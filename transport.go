package callcore

// WriteObject is a message payload plus framing flags, handed to the
// transport on the send path. The receive path carries plain payload
// bytes (see Transport.OnMessage).
type WriteObject struct {
	Payload []byte
	// Flags is a 32-bit flag word; bit 0 set means "do not compress this
	// message" (a hint the transport may honor).
	Flags uint32
}

// FlagNoCompress is bit 0 of WriteObject.Flags.
const FlagNoCompress uint32 = 1 << 0

// NoCompress reports whether the no-compression hint is set.
func (w WriteObject) NoCompress() bool {
	return w.Flags&FlagNoCompress != 0
}

// WriteCallback is invoked once a write has been accepted (or rejected) by
// the transport layer. err is nil on success.
type WriteCallback func(err error)

// Transport is the ordered, framed stream a Call drives. An implementation
// is expected to provide HTTP/2-style semantics: one stream per Call,
// metadata as header frames, each message as one length-prefixed frame,
// and a single trailers frame terminating the stream. Transport-level
// framing itself (how bytes become HTTP/2 frames on a socket) is not this
// package's concern; see the h2transport and inproc packages for concrete
// implementations.
type Transport interface {
	// SendHeaders emits the call's request metadata as the stream's
	// headers frame. Called at most once, before any SendMessage.
	SendHeaders(md Metadata) error

	// SendMessage writes one message frame. cb is invoked when the bytes
	// have been accepted by the transport (which may be synchronous).
	// Back-pressure is signaled by delaying the invocation of cb; the Call
	// treats a pending cb as blocking further SendMessage calls until it
	// is invoked, preserving FIFO write ordering.
	SendMessage(payload []byte, flags uint32, cb WriteCallback)

	// HalfClose signals that no further messages will be sent.
	HalfClose() error

	// Reset aborts the stream with the given status code, used for
	// client-initiated cancellation.
	Reset(code int32) error

	// OnHeaders registers the callback invoked when the first inbound
	// headers frame arrives.
	OnHeaders(cb func(Metadata))

	// OnMessage registers the callback invoked for each inbound message
	// frame, in order.
	OnMessage(cb func(payload []byte))

	// OnTrailers registers the callback invoked when the inbound trailers
	// frame arrives, terminating the receive side.
	OnTrailers(cb func(StatusObject))

	// OnError registers the callback invoked if the transport fails
	// before a terminal status is otherwise produced (socket errors,
	// protocol violations, etc).
	OnError(cb func(error))

	// PauseRead asks the transport to stop delivering OnMessage callbacks
	// until ResumeRead is called.
	PauseRead()

	// ResumeRead reverses PauseRead.
	ResumeRead()

	// GetPeer returns a human-readable identifier for the remote
	// endpoint, exposed to application code via the GetPeer method of
	// each surface type (UnaryCall, ReadableStream, ...).
	GetPeer() string
}
