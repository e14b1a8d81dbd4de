// Package inproc connects a callcore.Transport directly to an in-process
// peer, skipping any socket or framing layer. It deliberately does not
// implement service dispatch: the peer side is a PeerTransport that test
// or demo code drives by hand to stand in for a server, the same role a
// hand-written fake plays in a table-driven test.
//
// The in-process shortcut inprocgrpc takes is to clone messages instead of
// marshaling them; this package clones at the byte-slice level for the
// same reason inprocgrpc's Cloner exists: client and server code must not
// share a backing array once a message has crossed the pipe.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/fullstorydev/callcore"
)

// Cloner copies a byte slice, breaking aliasing between the two sides of a
// Pipe. DefaultCloner is used unless NewPipe is given another.
type Cloner func([]byte) []byte

// DefaultCloner returns a fresh copy of b.
func DefaultCloner(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

type frame struct {
	headers  *callcore.Metadata
	message  []byte
	flags    uint32
	halfShut bool
	reset    *int32
	trailers *callcore.StatusObject
}

// Pipe is a pair of connected endpoints: Client satisfies callcore.Transport
// and is handed to callcore.NewCall (directly, or via one of the surface
// constructors); Server is driven by hand to produce the responses a real
// server would.
type Pipe struct {
	Client callcore.Transport
	Server *PeerTransport
}

// NewPipe builds a connected Pipe. A nil cloner defaults to DefaultCloner.
func NewPipe(cloner Cloner) *Pipe {
	if cloner == nil {
		cloner = DefaultCloner
	}
	c2s := make(chan frame, 16)
	s2c := make(chan frame, 16)

	client := &transport{out: c2s, in: s2c, cloner: cloner, peer: "inproc-server"}
	server := &PeerTransport{out: s2c, in: c2s, cloner: cloner}

	go client.pump()

	return &Pipe{Client: client, Server: server}
}

// transport is the client-facing half of a Pipe.
type transport struct {
	out chan<- frame
	in  <-chan frame

	cloner Cloner
	peer   string

	mu        sync.Mutex
	onHeaders func(callcore.Metadata)
	onMessage func([]byte)
	onTrailer func(callcore.StatusObject)
	onError   func(error)
	paused    bool
	backlog   []frame
}

var _ callcore.Transport = (*transport)(nil)

func (t *transport) SendHeaders(md callcore.Metadata) error {
	t.send(frame{headers: &md})
	return nil
}

func (t *transport) SendMessage(payload []byte, flags uint32, cb callcore.WriteCallback) {
	t.send(frame{message: t.cloner(payload), flags: flags})
	if cb != nil {
		cb(nil)
	}
}

func (t *transport) HalfClose() error {
	t.send(frame{halfShut: true})
	return nil
}

func (t *transport) Reset(code int32) error {
	c := code
	t.send(frame{reset: &c})
	return nil
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
	// Stay paused while replaying, so frames the pump receives meanwhile
	// join the backlog behind the ones being delivered instead of
	// overtaking them.
	for {
		t.mu.Lock()
		backlog := t.backlog
		t.backlog = nil
		if len(backlog) == 0 {
			t.paused = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		for _, f := range backlog {
			t.deliver(f)
		}
	}
}

func (t *transport) GetPeer() string { return t.peer }

// send blocks once the channel's buffer is full, giving the pipe the same
// back-pressure a real socket write would apply.
func (t *transport) send(f frame) {
	t.out <- f
}

// pump delivers frames from the peer to the registered callbacks, in
// order, honoring PauseRead/ResumeRead.
func (t *transport) pump() {
	for f := range t.in {
		t.mu.Lock()
		if t.paused {
			t.backlog = append(t.backlog, f)
			t.mu.Unlock()
			continue
		}
		t.mu.Unlock()
		t.deliver(f)
	}
}

func (t *transport) deliver(f frame) {
	t.mu.Lock()
	onHeaders, onMessage, onTrailer, onError := t.onHeaders, t.onMessage, t.onTrailer, t.onError
	t.mu.Unlock()
	switch {
	case f.headers != nil:
		if onHeaders != nil {
			onHeaders(*f.headers)
		}
	case f.trailers != nil:
		if onTrailer != nil {
			onTrailer(*f.trailers)
		}
	case f.reset != nil:
		if onError != nil {
			onError(fmt.Errorf("inproc: peer reset stream with code %d", *f.reset))
		}
	case f.message != nil:
		if onMessage != nil {
			onMessage(f.message)
		}
	}
}

// PeerTransport is the server-facing half of a Pipe. Test and demo code
// calls its Send* methods to play the role of a server and its Recv*
// methods to observe what the client sent.
type PeerTransport struct {
	out chan<- frame
	in  <-chan frame

	cloner Cloner
}

// SendHeaders delivers response headers to the client.
func (p *PeerTransport) SendHeaders(md callcore.Metadata) {
	p.out <- frame{headers: &md}
}

// SendMessage delivers one response message to the client.
func (p *PeerTransport) SendMessage(payload []byte, flags uint32) {
	p.out <- frame{message: p.cloner(payload), flags: flags}
}

// SendTrailers delivers the terminal status to the client, ending the
// call from the server's side.
func (p *PeerTransport) SendTrailers(st callcore.StatusObject) {
	p.out <- frame{trailers: &st}
}

// RecvHeaders blocks for the client's request headers.
func (p *PeerTransport) RecvHeaders(ctx context.Context) (callcore.Metadata, error) {
	for {
		f, err := p.recv(ctx)
		if err != nil {
			return callcore.Metadata{}, err
		}
		if f.headers != nil {
			return *f.headers, nil
		}
	}
}

// RecvMessage blocks for the next client message, a half-close signal (nil
// payload with halfClosed=true), or ctx cancellation. The client's request
// headers frame is skipped (RecvHeaders is the way to read it), and a
// stream reset by the client is reported as an error.
func (p *PeerTransport) RecvMessage(ctx context.Context) (payload []byte, flags uint32, halfClosed bool, err error) {
	for {
		f, err := p.recv(ctx)
		if err != nil {
			return nil, 0, false, err
		}
		switch {
		case f.headers != nil:
			continue
		case f.reset != nil:
			return nil, 0, false, fmt.Errorf("inproc: client reset stream with code %d", *f.reset)
		case f.halfShut:
			return nil, 0, true, nil
		}
		return f.message, f.flags, false, nil
	}
}

func (p *PeerTransport) recv(ctx context.Context) (frame, error) {
	select {
	case f, ok := <-p.in:
		if !ok {
			return frame{}, fmt.Errorf("inproc: client transport closed")
		}
		return f, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}
