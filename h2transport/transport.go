// Package h2transport is a concrete callcore.Transport/callcore.Channel
// pair over HTTP/2, grounded on httpgrpc's clientStream: a goroutine owns
// the http2.RoundTripper call and feeds inbound frames back to callcore
// through callbacks, while outbound messages are written synchronously to
// an io.Pipe that backs the request body. Unlike httpgrpc, frames and
// headers use the wire package's raw-byte conventions instead of
// protobuf messages, since callcore's Transport interface never sees a
// typed message.
package h2transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"

	"github.com/fullstorydev/callcore"
	"github.com/fullstorydev/callcore/wire"
)

// ContentType is sent as the request's content-type header. It has no
// bearing on parsing: frames are always wire.ReadFrame/wire.WriteFrame
// regardless of what a server declares back.
const ContentType = "application/callcore+frames"

// Channel is a callcore.Channel that dials target over HTTP/2 for every
// call. One Channel can back any number of concurrent Calls; the
// underlying http2.Transport pools connections itself.
type Channel struct {
	Target    string
	Transport *http2.Transport
	Filters   []callcore.FilterFactory

	mu    sync.Mutex
	state callcore.ConnectivityState
}

var _ callcore.Channel = (*Channel)(nil)

// NewChannel builds a Channel that issues requests against target (a full
// "https://host:port" base URL) using rt. A nil rt defaults to an
// *http2.Transport with AllowHTTP set and nothing else configured, which
// dials TLS with the default configuration; reaching a cleartext (h2c)
// server takes an rt whose DialTLS returns a plain connection.
func NewChannel(target string, rt *http2.Transport, filters ...callcore.FilterFactory) *Channel {
	if rt == nil {
		rt = &http2.Transport{AllowHTTP: true}
	}
	return &Channel{Target: target, Transport: rt, Filters: filters, state: callcore.Ready}
}

func (c *Channel) NewTransport(ctx context.Context, method string, attrs callcore.CallAttributes) (callcore.Transport, error) {
	if c.GetConnectivityState() == callcore.Shutdown {
		return nil, fmt.Errorf("h2transport: channel is closed")
	}
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Target+method, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", ContentType)
	if attrs.Authority != "" {
		req.Host = attrs.Authority
	}

	t := &transport{
		channel:  c,
		req:      req,
		w:        pw,
		resumeCh: make(chan struct{}),
	}
	return t, nil
}

func (c *Channel) NewFilterStack(method string) *callcore.FilterStack {
	return callcore.NewFilterStack(method, c.Filters)
}

func (c *Channel) GetConnectivityState() callcore.ConnectivityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WatchConnectivityState always reports no change: this Channel does not
// track per-connection health, only whether Close has been called.
func (c *Channel) WatchConnectivityState(ctx context.Context, sourceState callcore.ConnectivityState) bool {
	<-ctx.Done()
	return false
}

func (c *Channel) Close() error {
	c.mu.Lock()
	c.state = callcore.Shutdown
	c.mu.Unlock()
	c.Transport.CloseIdleConnections()
	return nil
}

// transport is the client-facing half of one HTTP/2 request/response pair.
type transport struct {
	channel *Channel
	req     *http.Request
	w       *io.PipeWriter

	mu        sync.Mutex
	onHeaders func(callcore.Metadata)
	onMessage func([]byte)
	onTrailer func(callcore.StatusObject)
	onError   func(error)
	started   bool
	paused    bool
	backlog   [][]byte
	resumeCh  chan struct{}

	peer string
}

var _ callcore.Transport = (*transport)(nil)

func (t *transport) SendHeaders(md callcore.Metadata) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("h2transport: headers already sent")
	}
	t.started = true
	t.mu.Unlock()

	wire.EncodeHeaders(md, t.req.Header)
	go t.run()
	return nil
}

func (t *transport) SendMessage(payload []byte, flags uint32, cb callcore.WriteCallback) {
	// Compression negotiation is out of scope; flags is not sent to the
	// peer, and every frame goes out with its compression flag clear.
	err := wire.WriteFrame(t.w, payload, false)
	if cb != nil {
		cb(err)
	}
}

func (t *transport) HalfClose() error {
	return t.w.Close()
}

func (t *transport) Reset(code int32) error {
	return t.w.CloseWithError(fmt.Errorf("h2transport: stream reset, code %d", code))
}

func (t *transport) OnHeaders(cb func(callcore.Metadata)) {
	t.mu.Lock()
	t.onHeaders = cb
	t.mu.Unlock()
}

func (t *transport) OnMessage(cb func([]byte)) {
	t.mu.Lock()
	t.onMessage = cb
	t.mu.Unlock()
}

func (t *transport) OnTrailers(cb func(callcore.StatusObject)) {
	t.mu.Lock()
	t.onTrailer = cb
	t.mu.Unlock()
}

func (t *transport) OnError(cb func(error)) {
	t.mu.Lock()
	t.onError = cb
	t.mu.Unlock()
}

func (t *transport) PauseRead() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

func (t *transport) ResumeRead() {
	// Replay the backlog before waking run, so later frames and the
	// trailers cannot overtake the messages held while paused.
	for {
		t.mu.Lock()
		backlog := t.backlog
		t.backlog = nil
		if len(backlog) == 0 {
			t.paused = false
			resumeCh := t.resumeCh
			t.resumeCh = make(chan struct{})
			t.mu.Unlock()
			close(resumeCh)
			return
		}
		cb := t.onMessage
		t.mu.Unlock()
		if cb != nil {
			for _, b := range backlog {
				cb(b)
			}
		}
	}
}

func (t *transport) GetPeer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer
}

// run performs the HTTP/2 round trip and decodes the response stream into
// callbacks, mirroring httpgrpc's doHttpCall but against wire frames
// instead of length-prefixed protobuf messages.
func (t *transport) run() {
	resp, err := t.channel.Transport.RoundTrip(t.req)
	if err != nil {
		t.emitError(err)
		return
	}
	defer resp.Body.Close()

	t.mu.Lock()
	t.peer = t.req.URL.Host
	t.mu.Unlock()

	md, err := wire.DecodeHeaders(resp.Header)
	if err != nil {
		t.emitError(err)
		return
	}
	t.emitHeaders(md)

	if resp.StatusCode != http.StatusOK {
		t.emitTrailer(callcore.StatusObject{Code: codeFromHTTPStatus(resp.StatusCode), Details: resp.Status})
		return
	}

	for {
		t.waitIfPaused()
		payload, _, err := wire.ReadFrame(resp.Body)
		if err != nil {
			if err == io.EOF {
				break
			}
			t.emitError(err)
			return
		}
		t.emitMessage(payload)
	}
	t.emitTrailer(statusFromTrailer(resp.Trailer))
}

func (t *transport) waitIfPaused() {
	for {
		t.mu.Lock()
		if !t.paused {
			t.mu.Unlock()
			return
		}
		ch := t.resumeCh
		t.mu.Unlock()
		<-ch
	}
}

func (t *transport) emitHeaders(md callcore.Metadata) {
	t.mu.Lock()
	cb := t.onHeaders
	t.mu.Unlock()
	if cb != nil {
		cb(md)
	}
}

func (t *transport) emitMessage(buf []byte) {
	t.mu.Lock()
	if t.paused {
		t.backlog = append(t.backlog, buf)
		t.mu.Unlock()
		return
	}
	cb := t.onMessage
	t.mu.Unlock()
	if cb != nil {
		cb(buf)
	}
}

func (t *transport) emitTrailer(st callcore.StatusObject) {
	t.mu.Lock()
	cb := t.onTrailer
	t.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func (t *transport) emitError(err error) {
	t.mu.Lock()
	cb := t.onError
	t.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// codeFromHTTPStatus maps a non-200 HTTP response status to a gRPC code for
// the case where a peer failed before it ever got around to producing
// trailers (a proxy 502, a load balancer 503, and so on).
func codeFromHTTPStatus(status int) codes.Code {
	switch status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusConflict, http.StatusLocked:
		return codes.Aborted
	case http.StatusPreconditionFailed, http.StatusExpectationFailed:
		return codes.FailedPrecondition
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusBadGateway:
		return codes.Unknown
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusInternalServerError:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// statusFromTrailer reconstructs a StatusObject from the HTTP/2 trailer
// headers a peer sends after the last data frame: a numeric grpc-status,
// an optional grpc-message, and anything else as trailing metadata.
func statusFromTrailer(h http.Header) callcore.StatusObject {
	code := codes.Unknown
	if v := h.Get("grpc-status"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			code = codes.Code(n)
		}
	}
	msg := h.Get("grpc-message")
	h.Del("grpc-status")
	h.Del("grpc-message")
	md, err := wire.DecodeHeaders(h)
	if err != nil {
		return callcore.StatusObject{Code: codes.Internal, Details: err.Error()}
	}
	return callcore.StatusObject{Code: code, Details: msg, Metadata: md}
}
