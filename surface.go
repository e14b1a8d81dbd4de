package callcore

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"
)

// Marshal serializes a typed request message into wire bytes plus the
// framing flags that accompany it on the wire (see WriteObject.Flags).
type Marshal[T any] func(T) ([]byte, uint32, error)

// Unmarshal deserializes wire bytes received off the wire into a typed
// response message.
type Unmarshal[T any] func([]byte) (T, error)

// rawQueue buffers inbound message frames for a pull-based Recv, applying
// back-pressure to the underlying Call once it holds highWaterMark or more
// unread frames. It is the shared machinery behind
// ReadableStream and the receive half of DuplexStream.
//
// call is set exactly once, after the Call it pairs with has been
// constructed; transport callbacks can in principle fire before that
// assignment runs, so every access goes through the atomic pointer rather
// than a plain field.
type rawQueue struct {
	call          atomic.Pointer[Call]
	highWaterMark int

	mu      sync.Mutex
	headers Metadata
	gotHdr  bool
	queue   [][]byte
	status  *StatusObject
	paused  bool
	notify  chan struct{}
}

func newRawQueue(highWaterMark int) *rawQueue {
	return &rawQueue{highWaterMark: highWaterMark, notify: make(chan struct{})}
}

func (q *rawQueue) setCall(c *Call) { q.call.Store(c) }

func (q *rawQueue) onMetadata(md Metadata) {
	q.mu.Lock()
	q.headers = md
	q.gotHdr = true
	q.broadcastLocked()
	q.mu.Unlock()
}

func (q *rawQueue) onMessage(buf []byte) {
	q.mu.Lock()
	q.queue = append(q.queue, buf)
	pause := q.highWaterMark > 0 && !q.paused && len(q.queue) >= q.highWaterMark
	if pause {
		q.paused = true
	}
	q.broadcastLocked()
	q.mu.Unlock()
	if pause {
		if c := q.call.Load(); c != nil {
			c.Pause()
		}
	}
}

func (q *rawQueue) onStatus(st StatusObject) {
	q.mu.Lock()
	q.status = &st
	q.broadcastLocked()
	q.mu.Unlock()
}

func (q *rawQueue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// recv blocks until a frame is available, the stream has reached its
// terminal status, or ctx is done. buf is nil whenever the error is
// non-nil, including the io.EOF returned after an OK status.
func (q *rawQueue) recv(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.queue) > 0 {
			buf := q.queue[0]
			q.queue = q.queue[1:]
			resume := q.paused && len(q.queue) == 0
			if resume {
				q.paused = false
			}
			q.mu.Unlock()
			if resume {
				if c := q.call.Load(); c != nil {
					c.Resume()
				}
			}
			return buf, nil
		}
		if q.status != nil {
			st := *q.status
			q.mu.Unlock()
			if st.IsOK() {
				return nil, io.EOF
			}
			return nil, NewServiceError(st)
		}
		notify := q.notify
		q.mu.Unlock()
		select {
		case <-notify:
		case <-ctx.Done():
			return nil, TranslateContextError(ctx.Err())
		}
	}
}

func (q *rawQueue) header(ctx context.Context) (Metadata, error) {
	for {
		q.mu.Lock()
		if q.gotHdr {
			md := q.headers
			q.mu.Unlock()
			return md, nil
		}
		if q.status != nil {
			st := *q.status
			q.mu.Unlock()
			return Metadata{}, st.Err()
		}
		notify := q.notify
		q.mu.Unlock()
		select {
		case <-notify:
		case <-ctx.Done():
			return Metadata{}, TranslateContextError(ctx.Err())
		}
	}
}

// UnaryCall drives a single request/response exchange: one outbound
// message, one inbound message, then a terminal status. It enforces unary
// arity by tracking how many response messages were received rather than
// by checking for nullability: a second message cancels the call with
// ErrTooManyResponses, and an OK status with no message at all resolves to
// ErrNotEnoughResponses.
type UnaryCall[Req, Resp any] struct {
	call      *Call
	unmarshal Unmarshal[Resp]

	mu       sync.Mutex
	headerMD Metadata
	respBuf  []byte
	gotResp  bool
	status   *StatusObject
	notify   chan struct{}
}

// NewUnaryCall constructs the Call, sends md and req, and half-closes the
// send direction; it does not block for the response. Call Await to
// retrieve the result.
func NewUnaryCall[Req, Resp any](
	ctx context.Context,
	method string,
	transport Transport,
	filters *FilterStack,
	md Metadata,
	req Req,
	marshal Marshal[Req],
	unmarshal Unmarshal[Resp],
	opts ...CallOption,
) *UnaryCall[Req, Resp] {
	u := &UnaryCall[Req, Resp]{unmarshal: unmarshal, notify: make(chan struct{})}
	u.call = NewCall(method, transport, filters, CallObserver{
		OnMetadata: u.onMetadata,
		OnMessage:  u.onMessage,
		OnStatus:   u.onStatus,
	}, opts...)

	if err := u.call.SendMetadata(ctx, md); err != nil {
		return u
	}
	payload, flags, err := marshal(req)
	if err != nil {
		st := ErrSerializationFailure(err)
		u.call.CancelWithStatus(st.Code, st.Details)
		return u
	}
	if err := u.call.Write(ctx, WriteObject{Payload: payload, Flags: flags}, nil); err != nil {
		return u
	}
	_ = u.call.End()
	return u
}

func (u *UnaryCall[Req, Resp]) onMetadata(md Metadata) {
	u.mu.Lock()
	u.headerMD = md
	u.mu.Unlock()
}

func (u *UnaryCall[Req, Resp]) onMessage(buf []byte) {
	u.mu.Lock()
	if u.gotResp {
		u.mu.Unlock()
		st := ErrTooManyResponses()
		u.call.CancelWithStatus(st.Code, st.Details)
		return
	}
	u.respBuf = buf
	u.gotResp = true
	u.mu.Unlock()
}

func (u *UnaryCall[Req, Resp]) onStatus(st StatusObject) {
	u.mu.Lock()
	if st.IsOK() && !u.gotResp {
		st = ErrNotEnoughResponses()
	}
	u.status = &st
	u.mu.Unlock()
	close(u.notify)
}

// Await blocks until the call reaches its terminal status and returns the
// deserialized response, the response headers, and the call's outcome as
// an error (nil on success).
func (u *UnaryCall[Req, Resp]) Await(ctx context.Context) (Resp, Metadata, error) {
	var zero Resp
	select {
	case <-u.notify:
	case <-ctx.Done():
		u.call.CancelWithStatus(codes.Canceled, "Cancelled on client")
		return zero, Metadata{}, TranslateContextError(ctx.Err())
	}
	u.mu.Lock()
	st := *u.status
	buf := u.respBuf
	hdr := u.headerMD
	u.mu.Unlock()
	if !st.IsOK() {
		return zero, hdr, NewServiceError(st)
	}
	resp, err := u.unmarshal(buf)
	if err != nil {
		dst := ErrDeserializationFailure(err)
		return zero, hdr, NewServiceError(dst)
	}
	return resp, hdr, nil
}

// Cancel aborts the call from any non-terminal state, always with status
// CANCELLED, matching errors.ErrCancelledOnClient.
func (u *UnaryCall[Req, Resp]) Cancel() {
	u.call.CancelWithStatus(codes.Canceled, "Cancelled on client")
}

// GetPeer delegates to the underlying Call's transport.
func (u *UnaryCall[Req, Resp]) GetPeer() string { return u.call.GetPeer() }

// ReadableStream is the client surface for a server-streaming call: one
// request sent at construction, followed by zero or more typed responses
// read with Recv. Back-pressure is applied to the Call automatically once
// highWaterMark or more responses are buffered unread.
type ReadableStream[Resp any] struct {
	call      *Call
	unmarshal Unmarshal[Resp]
	q         *rawQueue
}

// NewReadableStream constructs the Call, sends md and req, and half-closes
// the send direction, leaving the receive direction open for Recv.
func NewReadableStream[Req, Resp any](
	ctx context.Context,
	method string,
	transport Transport,
	filters *FilterStack,
	md Metadata,
	req Req,
	marshal Marshal[Req],
	unmarshal Unmarshal[Resp],
	highWaterMark int,
	opts ...CallOption,
) *ReadableStream[Resp] {
	q := newRawQueue(highWaterMark)
	s := &ReadableStream[Resp]{unmarshal: unmarshal, q: q}
	s.call = NewCall(method, transport, filters, CallObserver{
		OnMetadata: q.onMetadata,
		OnMessage:  q.onMessage,
		OnStatus:   q.onStatus,
	}, opts...)
	q.setCall(s.call)

	if err := s.call.SendMetadata(ctx, md); err != nil {
		return s
	}
	payload, flags, err := marshal(req)
	if err != nil {
		st := ErrSerializationFailure(err)
		s.call.CancelWithStatus(st.Code, st.Details)
		return s
	}
	if err := s.call.Write(ctx, WriteObject{Payload: payload, Flags: flags}, nil); err != nil {
		return s
	}
	_ = s.call.End()
	return s
}

// Header blocks until response headers arrive or the call terminates
// without ever producing any.
func (s *ReadableStream[Resp]) Header(ctx context.Context) (Metadata, error) {
	return s.q.header(ctx)
}

// Recv returns the next response message, io.EOF once the call has ended
// with status OK, or a *ServiceError wrapping any other terminal status.
func (s *ReadableStream[Resp]) Recv(ctx context.Context) (Resp, error) {
	var zero Resp
	buf, err := s.q.recv(ctx)
	if err != nil {
		return zero, err
	}
	resp, uerr := s.unmarshal(buf)
	if uerr != nil {
		dst := ErrDeserializationFailure(uerr)
		s.call.CancelWithStatus(dst.Code, dst.Details)
		return zero, NewServiceError(dst)
	}
	return resp, nil
}

// Cancel aborts the call from any non-terminal state, always with status
// CANCELLED, matching errors.ErrCancelledOnClient.
func (s *ReadableStream[Resp]) Cancel() {
	s.call.CancelWithStatus(codes.Canceled, "Cancelled on client")
}

// GetPeer delegates to the underlying Call's transport.
func (s *ReadableStream[Resp]) GetPeer() string { return s.call.GetPeer() }

// WritableStream is the client surface for a client-streaming call: zero
// or more typed requests sent with Send, followed by a single response
// retrieved with CloseAndRecv, which also half-closes the send direction.
type WritableStream[Req, Resp any] struct {
	call      *Call
	marshal   Marshal[Req]
	unmarshal Unmarshal[Resp]

	mu      sync.Mutex
	respBuf []byte
	gotResp bool
	status  *StatusObject
	notify  chan struct{}
}

// NewWritableStream constructs the Call and sends md as the request
// headers; Send and CloseAndRecv drive the rest of the exchange.
func NewWritableStream[Req, Resp any](
	ctx context.Context,
	method string,
	transport Transport,
	filters *FilterStack,
	md Metadata,
	marshal Marshal[Req],
	unmarshal Unmarshal[Resp],
	opts ...CallOption,
) *WritableStream[Req, Resp] {
	w := &WritableStream[Req, Resp]{marshal: marshal, unmarshal: unmarshal, notify: make(chan struct{})}
	w.call = NewCall(method, transport, filters, CallObserver{
		OnMessage: w.onMessage,
		OnStatus:  w.onStatus,
	}, opts...)
	if err := w.call.SendMetadata(ctx, md); err != nil {
		return w
	}
	return w
}

func (w *WritableStream[Req, Resp]) onMessage(buf []byte) {
	w.mu.Lock()
	if w.gotResp {
		w.mu.Unlock()
		st := ErrTooManyResponses()
		w.call.CancelWithStatus(st.Code, st.Details)
		return
	}
	w.respBuf = buf
	w.gotResp = true
	w.mu.Unlock()
}

func (w *WritableStream[Req, Resp]) onStatus(st StatusObject) {
	w.mu.Lock()
	if st.IsOK() && !w.gotResp {
		st = ErrNotEnoughResponses()
	}
	w.status = &st
	w.mu.Unlock()
	close(w.notify)
}

// Send serializes and writes one request message, blocking until the
// transport has accepted (or rejected) it.
func (w *WritableStream[Req, Resp]) Send(ctx context.Context, req Req) error {
	payload, flags, err := w.marshal(req)
	if err != nil {
		st := ErrSerializationFailure(err)
		w.call.CancelWithStatus(st.Code, st.Details)
		return NewServiceError(st)
	}
	errCh := make(chan error, 1)
	if err := w.call.Write(ctx, WriteObject{Payload: payload, Flags: flags}, func(err error) { errCh <- err }); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return TranslateContextError(ctx.Err())
	}
}

// CloseAndRecv half-closes the send direction and blocks for the single
// response message and terminal status.
func (w *WritableStream[Req, Resp]) CloseAndRecv(ctx context.Context) (Resp, error) {
	var zero Resp
	_ = w.call.End()
	select {
	case <-w.notify:
	case <-ctx.Done():
		w.call.CancelWithStatus(codes.Canceled, "Cancelled on client")
		return zero, TranslateContextError(ctx.Err())
	}
	w.mu.Lock()
	st := *w.status
	buf := w.respBuf
	w.mu.Unlock()
	if !st.IsOK() {
		return zero, NewServiceError(st)
	}
	resp, err := w.unmarshal(buf)
	if err != nil {
		dst := ErrDeserializationFailure(err)
		return zero, NewServiceError(dst)
	}
	return resp, nil
}

// Cancel aborts the call from any non-terminal state, always with status
// CANCELLED, matching errors.ErrCancelledOnClient.
func (w *WritableStream[Req, Resp]) Cancel() {
	w.call.CancelWithStatus(codes.Canceled, "Cancelled on client")
}

// GetPeer delegates to the underlying Call's transport.
func (w *WritableStream[Req, Resp]) GetPeer() string { return w.call.GetPeer() }

// DuplexStream is the client surface for a full bidirectional-streaming
// call: requests sent with Send interleave freely with responses read with
// Recv, each direction progressing independently.
type DuplexStream[Req, Resp any] struct {
	call      *Call
	marshal   Marshal[Req]
	unmarshal Unmarshal[Resp]
	q         *rawQueue
}

// NewDuplexStream constructs the Call and sends md as the request headers.
func NewDuplexStream[Req, Resp any](
	ctx context.Context,
	method string,
	transport Transport,
	filters *FilterStack,
	md Metadata,
	marshal Marshal[Req],
	unmarshal Unmarshal[Resp],
	highWaterMark int,
	opts ...CallOption,
) *DuplexStream[Req, Resp] {
	q := newRawQueue(highWaterMark)
	d := &DuplexStream[Req, Resp]{marshal: marshal, unmarshal: unmarshal, q: q}
	d.call = NewCall(method, transport, filters, CallObserver{
		OnMetadata: q.onMetadata,
		OnMessage:  q.onMessage,
		OnStatus:   q.onStatus,
	}, opts...)
	q.setCall(d.call)
	if err := d.call.SendMetadata(ctx, md); err != nil {
		return d
	}
	return d
}

// Header blocks until response headers arrive or the call terminates
// without ever producing any.
func (d *DuplexStream[Req, Resp]) Header(ctx context.Context) (Metadata, error) {
	return d.q.header(ctx)
}

// Send serializes and writes one request message, blocking until the
// transport has accepted (or rejected) it.
func (d *DuplexStream[Req, Resp]) Send(ctx context.Context, req Req) error {
	payload, flags, err := d.marshal(req)
	if err != nil {
		st := ErrSerializationFailure(err)
		d.call.CancelWithStatus(st.Code, st.Details)
		return NewServiceError(st)
	}
	errCh := make(chan error, 1)
	if err := d.call.Write(ctx, WriteObject{Payload: payload, Flags: flags}, func(err error) { errCh <- err }); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return TranslateContextError(ctx.Err())
	}
}

// End half-closes the send direction; Recv keeps working until the call's
// terminal status arrives.
func (d *DuplexStream[Req, Resp]) End() error { return d.call.End() }

// Recv returns the next response message, io.EOF once the call has ended
// with status OK, or a *ServiceError wrapping any other terminal status.
func (d *DuplexStream[Req, Resp]) Recv(ctx context.Context) (Resp, error) {
	var zero Resp
	buf, err := d.q.recv(ctx)
	if err != nil {
		return zero, err
	}
	resp, uerr := d.unmarshal(buf)
	if uerr != nil {
		dst := ErrDeserializationFailure(uerr)
		d.call.CancelWithStatus(dst.Code, dst.Details)
		return zero, NewServiceError(dst)
	}
	return resp, nil
}

// Cancel aborts the call from any non-terminal state, always with status
// CANCELLED, matching errors.ErrCancelledOnClient.
func (d *DuplexStream[Req, Resp]) Cancel() {
	d.call.CancelWithStatus(codes.Canceled, "Cancelled on client")
}

// GetPeer delegates to the underlying Call's transport.
func (d *DuplexStream[Req, Resp]) GetPeer() string { return d.call.GetPeer() }
