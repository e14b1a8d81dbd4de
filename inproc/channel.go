package inproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fullstorydev/callcore"
)

// Handler plays the server's role for one call: it receives the headers
// and messages the client sends via srv and uses srv's Send* methods to
// produce a response, then returns the terminal status. It runs in its
// own goroutine per call; Channel does not implement method dispatch, so
// a Handler that serves more than one method must branch on method itself.
type Handler func(ctx context.Context, method string, srv *PeerTransport) callcore.StatusObject

// Channel is a callcore.Channel backed entirely by in-process pipes. Every
// call spawns a fresh Pipe and runs Handler against its PeerTransport in a
// new goroutine.
type Channel struct {
	Handler Handler
	Filters []callcore.FilterFactory
	Cloner  Cloner

	mu     sync.Mutex
	closed bool
}

var _ callcore.Channel = (*Channel)(nil)

// NewChannel builds a Channel that dispatches every call to handler.
func NewChannel(handler Handler, filters ...callcore.FilterFactory) *Channel {
	return &Channel{Handler: handler, Filters: filters}
}

// NewTransport ignores attrs: an in-process pipe has no host or propagation
// semantics to carry, since the handler runs in the same process.
func (c *Channel) NewTransport(ctx context.Context, method string, attrs callcore.CallAttributes) (callcore.Transport, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("inproc: channel is closed")
	}
	if c.Handler == nil {
		return nil, fmt.Errorf("inproc: channel has no Handler configured")
	}
	p := NewPipe(c.Cloner)
	go func() {
		st := c.Handler(ctx, method, p.Server)
		p.Server.SendTrailers(st)
	}()
	return p.Client, nil
}

func (c *Channel) NewFilterStack(method string) *callcore.FilterStack {
	return callcore.NewFilterStack(method, c.Filters)
}

// GetConnectivityState reports Ready until Close is called, then Shutdown:
// an in-process Channel has no real connection to lose.
func (c *Channel) GetConnectivityState() callcore.ConnectivityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return callcore.Shutdown
	}
	return callcore.Ready
}

// WatchConnectivityState blocks until ctx is done or Close is called,
// since an in-process Channel's state otherwise never changes. It checks
// the state every 10ms and returns true once it differs from sourceState,
// false when ctx is done first.
func (c *Channel) WatchConnectivityState(ctx context.Context, sourceState callcore.ConnectivityState) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.GetConnectivityState() != sourceState {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Close marks the Channel Shutdown; new calls to NewTransport fail.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
