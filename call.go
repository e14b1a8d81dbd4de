package callcore

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
)

type sendState int

const (
	sendInit sendState = iota
	sendMetadataSent
	sendWriting
	sendHalfClosed
)

type recvState int

const (
	recvInit recvState = iota
	recvMetadataReceived
	recvReading
	recvTrailersReceived
)

// CallObserver is the narrow set of callbacks a Call drives: Metadata fires
// at most once before any Message, Message fires zero or more times after
// Metadata, End fires exactly once, and Status fires exactly once, after
// End, as the final event.
type CallObserver struct {
	OnMetadata func(Metadata)
	OnMessage  func(buf []byte)
	OnEnd      func()
	OnStatus   func(StatusObject)
}

func (o CallObserver) fireMetadata(md Metadata) {
	if o.OnMetadata != nil {
		o.OnMetadata(md)
	}
}

func (o CallObserver) fireMessage(buf []byte) {
	if o.OnMessage != nil {
		o.OnMessage(buf)
	}
}

func (o CallObserver) fireEnd() {
	if o.OnEnd != nil {
		o.OnEnd()
	}
}

func (o CallObserver) fireStatus(s StatusObject) {
	if o.OnStatus != nil {
		o.OnStatus(s)
	}
}

// queuedWrite tracks a write's callback so that CancelWithStatus can fire
// it exactly once even if it races with the transport's own completion
// callback: whichever side calls fire first wins, the other is a no-op.
type queuedWrite struct {
	cb   WriteCallback
	once sync.Once
}

func (q *queuedWrite) fire(err error) {
	q.once.Do(func() {
		if q.cb != nil {
			q.cb(err)
		}
	})
}

// Call is a per-RPC state machine coordinating one send half and one
// receive half over a Transport stream. It is created by a Channel,
// finalized exactly once (when a terminal status has been both produced
// and delivered), and never revived.
type Call struct {
	Method    string
	Authority string // host override, round-tripped to Channel.NewTransport
	Creds     any    // opaque per-call credentials; the core never inspects it
	Propagate uint32 // opaque propagation flags, round-tripped to Channel.NewTransport

	log *logrus.Entry

	transport Transport
	filters   *FilterStack
	obs       CallObserver

	parent *Call

	mu          sync.Mutex
	sendState   sendState
	recvState   recvState
	closed      bool
	deadline    time.Time
	hasDeadline bool
	timer       *time.Timer

	sendOps  chan func()
	recvOps  chan func()
	done     chan struct{}
	doneOnce sync.Once

	writeQueue []*queuedWrite
	children   []*Call

	recvCount int // number of inbound data messages delivered; the surfaces track unary arity themselves and do not read it
}

// CallOption configures a Call at construction time.
type CallOption func(*Call)

// WithDeadline sets an absolute deadline on the Call. A zero Time means no
// deadline (infinity).
func WithDeadline(d time.Time) CallOption {
	return func(c *Call) {
		if !d.IsZero() {
			c.deadline = d
			c.hasDeadline = true
		}
	}
}

// WithParent links the Call to a parent for deadline inheritance and
// cascading cancellation: cancelling the parent cancels every child.
func WithParent(parent *Call) CallOption {
	return func(c *Call) { c.parent = parent }
}

// WithLogger attaches a structured logger used for diagnostic tracing of
// state transitions. Defaults to logrus.StandardLogger() if unset.
func WithLogger(l *logrus.Entry) CallOption {
	return func(c *Call) { c.log = l }
}

// WithAuthority sets a host override for the call, round-tripped to
// Channel.NewTransport via CallAttributes; the core itself never
// interprets it.
func WithAuthority(authority string) CallOption {
	return func(c *Call) { c.Authority = authority }
}

// WithPropagate sets opaque propagation flags for the call, round-tripped
// to Channel.NewTransport via CallAttributes; flag semantics belong to the
// Channel/transport, not the core.
func WithPropagate(flags uint32) CallOption {
	return func(c *Call) { c.Propagate = flags }
}

// WithCreds attaches opaque per-call credentials. The core never inspects
// or transmits them; a Filter or application code reads them back off the
// Call to implement whatever credential scheme it needs.
func WithCreds(creds any) CallOption {
	return func(c *Call) { c.Creds = creds }
}

// ResolveAttributes applies opts to a scratch Call and extracts the
// CallAttributes a Channel needs before it can open a Transport. Client
// uses this to resolve WithAuthority/WithPropagate ahead of
// Channel.NewTransport, before the real Call (and its Transport) exist.
func ResolveAttributes(opts ...CallOption) CallAttributes {
	c := &Call{}
	for _, o := range opts {
		o(c)
	}
	return CallAttributes{Authority: c.Authority, Propagate: c.Propagate}
}

// NewCall constructs a Call bound to the given transport and filter stack,
// ready to drive the given method. The Call starts its send and receive
// pumps immediately; SendMetadata must be called to actually begin the RPC.
func NewCall(method string, transport Transport, filters *FilterStack, obs CallObserver, opts ...CallOption) *Call {
	c := &Call{
		Method:    method,
		transport: transport,
		filters:   filters,
		obs:       obs,
		sendOps:   make(chan func(), 64),
		recvOps:   make(chan func(), 64),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	c.log = c.log.WithField("method", method)

	if !c.hasDeadline && c.parent != nil && c.parent.hasDeadline {
		c.deadline = c.parent.deadline
		c.hasDeadline = true
	}

	transport.OnHeaders(c.handleHeaders)
	transport.OnMessage(c.handleMessage)
	transport.OnTrailers(c.handleTrailers)
	transport.OnError(c.handleError)

	go c.sendLoop()
	go c.recvLoop()

	if c.hasDeadline {
		c.armDeadline()
	}
	if c.parent != nil {
		c.parent.onDescendantCancel(c)
	}

	return c
}

func (c *Call) armDeadline() {
	remaining := time.Until(c.deadline)
	if remaining <= 0 {
		c.selfCancel(codes.DeadlineExceeded, "Deadline exceeded")
		return
	}
	c.timer = time.AfterFunc(remaining, func() {
		c.selfCancel(codes.DeadlineExceeded, "Deadline exceeded")
	})
}

// onDescendantCancel registers child with parent c so that cancelling c
// cascades to child with status CANCELLED (DEADLINE_EXCEEDED if the
// child's own deadline has already passed by then).
func (c *Call) onDescendantCancel(child *Call) {
	c.mu.Lock()
	c.children = append(c.children, child)
	c.mu.Unlock()
}

// SendMetadata schedules the outbound headers. Valid only in send state
// S0 (init); returns an error otherwise. Only one call per Call succeeds.
func (c *Call) SendMetadata(ctx context.Context, md Metadata) error {
	c.mu.Lock()
	if c.sendState != sendInit {
		c.mu.Unlock()
		return errAlready("sendMetadata")
	}
	c.sendState = sendMetadataSent // optimistic; filter failure terminates the call anyway
	c.mu.Unlock()

	errCh := make(chan error, 1)
	op := func() {
		out, err := c.filters.SendMetadata(ctx, md)
		if c.isClosed() {
			return // discard: cancellation won races with in-flight transforms
		}
		if err != nil {
			c.terminateFromError(err)
			errCh <- err
			return
		}
		if err := c.transport.SendHeaders(out); err != nil {
			c.terminateFromTransportError(err)
			errCh <- err
			return
		}
		errCh <- nil
	}
	select {
	case c.sendOps <- op:
	case <-c.done:
		return errClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-c.done:
		return nil // terminal status delivery supersedes this call's error
	}
}

// Write enqueues a message for the send direction. Valid in S1 or S2;
// writes are processed strictly FIFO. cb is invoked once the transport has
// accepted (or failed to accept) the bytes.
func (c *Call) Write(ctx context.Context, w WriteObject, cb WriteCallback) error {
	c.mu.Lock()
	if c.sendState != sendMetadataSent && c.sendState != sendWriting {
		c.mu.Unlock()
		return errBadState("write")
	}
	c.sendState = sendWriting
	c.mu.Unlock()

	// Registering qw and checking closed must be atomic with respect to
	// terminate(), which also takes c.mu before snapshotting writeQueue:
	// whichever of the two critical sections runs first determines whether
	// this write is fired here or picked up by terminate's drain.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if cb != nil {
			cb(errClosed)
		}
		return errClosed
	}
	qw := &queuedWrite{cb: cb}
	c.writeQueue = append(c.writeQueue, qw)
	c.mu.Unlock()

	op := func() {
		out, err := c.filters.SendMessage(ctx, w)
		if c.isClosed() {
			return // terminate() already fired qw with the cancellation error
		}
		if err != nil {
			c.terminateFromError(err)
			return
		}
		accepted := make(chan struct{})
		c.transport.SendMessage(out.Payload, out.Flags, func(sendErr error) {
			if sendErr != nil && !c.isClosed() {
				c.terminateFromTransportError(sendErr)
			}
			qw.fire(sendErr)
			c.forgetWrite(qw)
			close(accepted)
		})
		// Hold the send pump until the transport accepts this frame, so a
		// delayed callback applies back-pressure to the writes behind it.
		select {
		case <-accepted:
		case <-c.done:
		}
	}
	select {
	case c.sendOps <- op:
		return nil
	case <-c.done:
		qw.fire(errClosed)
		return errClosed
	}
}

func (c *Call) forgetWrite(qw *queuedWrite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.writeQueue {
		if w == qw {
			c.writeQueue = append(c.writeQueue[:i], c.writeQueue[i+1:]...)
			break
		}
	}
}

// End flushes the write queue (implicitly, since writes are already FIFO
// through sendOps) and half-closes the send direction. Valid in S1 or S2.
func (c *Call) End() error {
	c.mu.Lock()
	if c.sendState != sendMetadataSent && c.sendState != sendWriting {
		c.mu.Unlock()
		return errBadState("end")
	}
	c.sendState = sendHalfClosed
	c.mu.Unlock()

	select {
	case c.sendOps <- func() {
		if !c.isClosed() {
			if err := c.transport.HalfClose(); err != nil {
				c.terminateFromTransportError(err)
			}
		}
	}:
		return nil
	case <-c.done:
		return nil
	}
}

// CancelWithStatus terminates the call from any non-terminal state. It is
// idempotent: only the first call has any effect.
func (c *Call) CancelWithStatus(code codes.Code, details string) {
	c.terminate(StatusObject{Code: code, Details: details}, true)
}

func (c *Call) selfCancel(code codes.Code, details string) {
	c.CancelWithStatus(code, details)
}

func (c *Call) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// terminate is the single path to ending a Call's life: cancellation,
// deadline expiry, and error-driven termination all funnel through here
// so that "exactly one terminal status" holds regardless of which source
// wins the race.
func (c *Call) terminate(status StatusObject, resetTransport bool) {
	var didFire bool
	var pending []*queuedWrite
	c.doneOnce.Do(func() {
		didFire = true
		c.mu.Lock()
		c.closed = true
		pending = c.writeQueue
		c.writeQueue = nil
		kids := c.children
		c.mu.Unlock()
		if c.timer != nil {
			c.timer.Stop()
		}
		if resetTransport {
			_ = c.transport.Reset(int32(status.Code))
		}
		close(c.done)
		for _, k := range kids {
			// A child whose own (possibly inherited) deadline has already
			// passed reports that, rather than the cascade.
			if k.hasDeadline && !time.Now().Before(k.deadline) {
				k.CancelWithStatus(codes.DeadlineExceeded, "Deadline exceeded")
			} else {
				k.CancelWithStatus(codes.Canceled, "Cancelled on client")
			}
		}
	})
	if !didFire {
		return
	}
	logTermination(c.log, status)
	for _, w := range pending {
		w.fire(errClosed)
	}
	c.obs.fireEnd()
	c.obs.fireStatus(status)
}

func (c *Call) terminateFromError(err error) {
	logFilterFailure(c.log, "transform", err)
	st := StatusFromError(err)
	if st.IsOK() {
		st = StatusObject{Code: codes.Internal, Details: err.Error()}
	}
	c.terminate(st, true)
}

func (c *Call) terminateFromTransportError(err error) {
	c.mu.Lock()
	headersSeen := c.recvState != recvInit
	c.mu.Unlock()
	code := codes.Unavailable
	if headersSeen {
		code = codes.Unknown
	}
	c.terminate(StatusObject{Code: code, Details: err.Error()}, false)
}

// --- receive direction -----------------------------------------------

func (c *Call) handleHeaders(md Metadata) {
	select {
	case c.recvOps <- func() {
		out, err := c.filters.ReceiveMetadata(context.Background(), md)
		if c.isClosed() {
			return
		}
		if err != nil {
			c.terminateFromError(err)
			return
		}
		c.mu.Lock()
		c.recvState = recvMetadataReceived
		c.mu.Unlock()
		c.obs.fireMetadata(out)
	}:
	case <-c.done:
	}
}

func (c *Call) handleMessage(buf []byte) {
	select {
	case c.recvOps <- func() {
		out, err := c.filters.ReceiveMessage(context.Background(), buf)
		if c.isClosed() {
			return // no message delivery once the call has terminated
		}
		if err != nil {
			c.terminateFromError(err)
			return
		}
		c.mu.Lock()
		c.recvState = recvReading
		c.recvCount++
		c.mu.Unlock()
		c.obs.fireMessage(out)
	}:
	case <-c.done:
	}
}

func (c *Call) handleTrailers(st StatusObject) {
	select {
	case c.recvOps <- func() {
		out, err := c.filters.ReceiveTrailers(context.Background(), st)
		if c.isClosed() {
			return
		}
		if err != nil {
			c.terminate(StatusObject{Code: codes.Internal, Details: err.Error()}, false)
			return
		}
		c.mu.Lock()
		c.recvState = recvTrailersReceived
		c.mu.Unlock()
		c.terminate(out, false)
	}:
	case <-c.done:
	}
}

func (c *Call) handleError(err error) {
	select {
	case c.recvOps <- func() {
		if !c.isClosed() {
			c.terminateFromTransportError(err)
		}
	}:
	case <-c.done:
	}
}

// --- pumps --------------------------------------------------------------

func (c *Call) sendLoop() {
	for {
		select {
		case op := <-c.sendOps:
			op()
		case <-c.done:
			// drain without executing further ops; enqueuers already
			// observe c.done and stop feeding new ones.
			return
		}
	}
}

func (c *Call) recvLoop() {
	for {
		select {
		case op := <-c.recvOps:
			op()
		case <-c.done:
			return
		}
	}
}

// GetPeer delegates to the transport.
func (c *Call) GetPeer() string {
	return c.transport.GetPeer()
}

// Pause asks the transport to stop delivering inbound messages, giving a
// consumer that cannot keep up a way to apply back-pressure without
// affecting the send direction.
func (c *Call) Pause() {
	c.transport.PauseRead()
}

// Resume reverses Pause.
func (c *Call) Resume() {
	c.transport.ResumeRead()
}
