package callcore

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithClientLogger attaches a structured logger the Client uses for
// diagnostic tracing (connectivity transitions, dispatch failures).
// Defaults to logrus.StandardLogger() if unset.
func WithClientLogger(l *logrus.Entry) ClientOption {
	return func(c *Client) { c.log = l }
}

// Client is the application-facing facade: it owns a Channel and turns the
// four RPC shapes into Call/surface pairs. Go has no runtime overload
// resolution, so where the original dispatch entry points accepted
// Metadata and CallOptions in either order by inspecting argument shapes,
// Client's dispatch functions instead take Metadata and CallOptions as
// explicit, statically typed parameters; there is no recognized-arity
// failure mode left to report, since the compiler rejects anything else.
type Client struct {
	channel Channel
	log     *logrus.Entry
}

// NewClient builds a Client bound to channel. channel is used as-is; this
// is also where a channelOverride or channelFactoryOverride from the
// embedding application would already have been applied.
func NewClient(channel Channel, opts ...ClientOption) *Client {
	c := &Client{channel: channel}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

// GetChannel returns the Channel backing this Client.
func (c *Client) GetChannel() Channel { return c.channel }

// Close releases the underlying Channel. Calls already in flight are
// unaffected; new calls fail.
func (c *Client) Close() error { return c.channel.Close() }

func (c *Client) newCall(ctx context.Context, method string, opts []CallOption) (Transport, *FilterStack, error) {
	if method == "" {
		c.log.Debug("dispatch failed: empty method")
		return nil, nil, ErrInvalidArguments()
	}
	attrs := ResolveAttributes(opts...)
	transport, err := c.channel.NewTransport(ctx, method, attrs)
	if err != nil {
		c.log.WithField("method", method).WithError(err).Debug("dispatch failed")
		return nil, nil, err
	}
	return transport, c.channel.NewFilterStack(method), nil
}

// Unary dispatches a unary call: sends md and req, half-closes, and waits
// for the single response. It enforces unary arity the same way
// NewUnaryCall does (see surface.go): a count of received messages, not
// nullability, decides "too many"/"not enough".
func Unary[Req, Resp any](
	ctx context.Context,
	client *Client,
	method string,
	md Metadata,
	req Req,
	marshal Marshal[Req],
	unmarshal Unmarshal[Resp],
	opts ...CallOption,
) (Resp, Metadata, error) {
	var zero Resp
	transport, filters, err := client.newCall(ctx, method, opts)
	if err != nil {
		return zero, Metadata{}, err
	}
	call := NewUnaryCall[Req, Resp](ctx, method, transport, filters, md, req, marshal, unmarshal, opts...)
	return call.Await(ctx)
}

// ClientStream dispatches a client-streaming call: sends md as request
// headers and returns a WritableStream for the caller to drive with Send
// and CloseAndRecv.
func ClientStream[Req, Resp any](
	ctx context.Context,
	client *Client,
	method string,
	md Metadata,
	marshal Marshal[Req],
	unmarshal Unmarshal[Resp],
	opts ...CallOption,
) (*WritableStream[Req, Resp], error) {
	transport, filters, err := client.newCall(ctx, method, opts)
	if err != nil {
		return nil, err
	}
	return NewWritableStream[Req, Resp](ctx, method, transport, filters, md, marshal, unmarshal, opts...), nil
}

// ServerStream dispatches a server-streaming call: sends md and req,
// half-closes, and returns a ReadableStream for the caller to drain with
// Recv. highWaterMark bounds how many unread responses buffer before the
// Call is asked to pause the transport (0 disables back-pressure).
func ServerStream[Req, Resp any](
	ctx context.Context,
	client *Client,
	method string,
	md Metadata,
	req Req,
	marshal Marshal[Req],
	unmarshal Unmarshal[Resp],
	highWaterMark int,
	opts ...CallOption,
) (*ReadableStream[Resp], error) {
	transport, filters, err := client.newCall(ctx, method, opts)
	if err != nil {
		return nil, err
	}
	return NewReadableStream[Req, Resp](ctx, method, transport, filters, md, req, marshal, unmarshal, highWaterMark, opts...), nil
}

// Bidi dispatches a bidirectional-streaming call: sends md as request
// headers and returns a DuplexStream whose Send/Recv progress
// independently.
func Bidi[Req, Resp any](
	ctx context.Context,
	client *Client,
	method string,
	md Metadata,
	marshal Marshal[Req],
	unmarshal Unmarshal[Resp],
	highWaterMark int,
	opts ...CallOption,
) (*DuplexStream[Req, Resp], error) {
	transport, filters, err := client.newCall(ctx, method, opts)
	if err != nil {
		return nil, err
	}
	return NewDuplexStream[Req, Resp](ctx, method, transport, filters, md, marshal, unmarshal, highWaterMark, opts...), nil
}

// WaitForReady blocks until the Channel reaches Ready, the Channel
// reports Shutdown, deadline elapses, or ctx is done — whichever comes
// first.
func (c *Client) WaitForReady(ctx context.Context, deadline time.Time) error {
	state := c.channel.GetConnectivityState()
	for {
		c.log.WithField("state", state).Debug("connectivity state")
		switch state {
		case Ready:
			return nil
		case Shutdown:
			return fmt.Errorf("callcore: the channel has been closed")
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return fmt.Errorf("callcore: failed to connect before the deadline")
		}
		watchCtx := ctx
		var cancel context.CancelFunc
		if !deadline.IsZero() {
			watchCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		changed := c.channel.WatchConnectivityState(watchCtx, state)
		if cancel != nil {
			cancel()
		}
		if !changed {
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return fmt.Errorf("callcore: failed to connect before the deadline")
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		state = c.channel.GetConnectivityState()
	}
}
