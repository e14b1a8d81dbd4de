package inproc

import (
	"context"
	"testing"
	"time"

	"github.com/fullstorydev/callcore"
)

func TestPipe_HeadersMessagesTrailers(t *testing.T) {
	p := NewPipe(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var gotHeaders callcore.Metadata
	var gotMessages [][]byte
	var gotTrailer callcore.StatusObject
	headerCh := make(chan struct{})
	trailerCh := make(chan struct{})

	p.Client.OnHeaders(func(md callcore.Metadata) {
		gotHeaders = md
		close(headerCh)
	})
	p.Client.OnMessage(func(b []byte) { gotMessages = append(gotMessages, b) })
	p.Client.OnTrailers(func(st callcore.StatusObject) {
		gotTrailer = st
		close(trailerCh)
	})

	var reqMD callcore.Metadata
	_ = reqMD.Add("x-req", "1")

	if err := p.Client.SendHeaders(reqMD); err != nil {
		t.Fatalf("SendHeaders: %v", err)
	}

	hdr, err := p.Server.RecvHeaders(ctx)
	if err != nil {
		t.Fatalf("RecvHeaders: %v", err)
	}
	if got := hdr.Get("x-req"); len(got) != 1 || got[0] != "1" {
		t.Fatalf("server saw headers %v, want x-req=1", got)
	}

	p.Server.SendHeaders(callcore.Metadata{})
	select {
	case <-headerCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client to see response headers")
	}

	p.Server.SendMessage([]byte("resp-1"), 0)
	p.Server.SendTrailers(callcore.StatusObject{Code: 0})

	select {
	case <-trailerCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client to see trailers")
	}
	if gotTrailer.Code != 0 {
		t.Fatalf("trailer code = %v, want OK", gotTrailer.Code)
	}
	if len(gotMessages) != 1 || string(gotMessages[0]) != "resp-1" {
		t.Fatalf("gotMessages = %v, want [resp-1]", gotMessages)
	}
	_ = gotHeaders
}

func TestPipe_PauseResumeReplaysBacklog(t *testing.T) {
	p := NewPipe(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	received := make(chan []byte, 10)
	p.Client.OnMessage(func(b []byte) { received <- b })

	p.Client.PauseRead()
	go func() {
		_, _ = p.Server.RecvHeaders(ctx)
	}()
	p.Server.SendMessage([]byte("a"), 0)
	p.Server.SendMessage([]byte("b"), 0)

	select {
	case <-received:
		t.Fatal("message delivered while paused")
	case <-time.After(50 * time.Millisecond):
	}

	p.Client.ResumeRead()

	for _, want := range []string{"a", "b"} {
		select {
		case got := <-received:
			if string(got) != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for backlog message %q", want)
		}
	}
}

func TestPipe_CloningBreaksAliasing(t *testing.T) {
	p := NewPipe(nil)
	received := make(chan []byte, 1)
	p.Client.OnMessage(func(b []byte) { received <- b })

	payload := []byte("mutable")
	p.Server.SendMessage(payload, 0)

	var got []byte
	select {
	case got = <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	payload[0] = 'X'
	if got[0] == 'X' {
		t.Fatal("server's mutation of its buffer leaked into the delivered message")
	}
}
