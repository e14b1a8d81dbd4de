package callcore_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/fullstorydev/callcore"
	"github.com/fullstorydev/callcore/calltesting"
	"github.com/fullstorydev/callcore/inproc"
)

func newTestCall(t *testing.T, h inproc.Handler, obs callcore.CallObserver, opts ...callcore.CallOption) *callcore.Call {
	t.Helper()
	ch := inproc.NewChannel(h)
	ctx := context.Background()
	transport, err := ch.NewTransport(ctx, "/svc/Test", callcore.CallAttributes{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	filters := ch.NewFilterStack("/svc/Test")
	return callcore.NewCall("/svc/Test", transport, filters, obs, opts...)
}

func TestCall_EventOrdering(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	done := make(chan struct{})
	obs := callcore.CallObserver{
		OnMetadata: func(callcore.Metadata) { record("metadata") },
		OnMessage:  func([]byte) { record("message") },
		OnEnd:      func() { record("end") },
		OnStatus: func(callcore.StatusObject) {
			record("status")
			close(done)
		},
	}
	call := newTestCall(t, calltesting.UnaryHandler("pong", callcore.OK()), obs)
	if err := call.SendMetadata(context.Background(), callcore.Metadata{}); err != nil {
		t.Fatalf("SendMetadata: %v", err)
	}
	payload, flags, _ := calltesting.MarshalString("ping")
	if err := call.Write(context.Background(), callcore.WriteObject{Payload: payload, Flags: flags}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := call.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal status")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 3 {
		t.Fatalf("too few events: %v", events)
	}
	if events[0] != "metadata" {
		t.Fatalf("first event = %q, want metadata: %v", events[0], events)
	}
	if events[len(events)-2] != "end" || events[len(events)-1] != "status" {
		t.Fatalf("last two events = %v, want [end status]: %v", events[len(events)-2:], events)
	}
}

func TestCall_CancelIsIdempotent(t *testing.T) {
	var statusCount atomic.Int32
	done := make(chan struct{})
	obs := callcore.CallObserver{
		OnStatus: func(callcore.StatusObject) {
			statusCount.Add(1)
			close(done)
		},
	}
	call := newTestCall(t, calltesting.SilentHandler(), obs)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			call.CancelWithStatus(codes.Canceled, "client cancel")
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal status")
	}

	if n := statusCount.Load(); n != 1 {
		t.Fatalf("OnStatus fired %d times, want exactly 1", n)
	}
}

func TestCall_WriteCallbackFiresExactlyOnceUnderCancelRace(t *testing.T) {
	call := newTestCall(t, calltesting.SilentHandler(), callcore.CallObserver{})
	if err := call.SendMetadata(context.Background(), callcore.Metadata{}); err != nil {
		t.Fatalf("SendMetadata: %v", err)
	}

	const n = 50
	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		payload, flags, _ := calltesting.MarshalString("msg")
		go func() {
			defer wg.Done()
			_ = call.Write(context.Background(), callcore.WriteObject{Payload: payload, Flags: flags}, func(err error) {
				fired.Add(1)
			})
		}()
	}
	// Race the writes against cancellation: every Write must still get
	// exactly one callback invocation, whichever side wins.
	go call.CancelWithStatus(codes.Canceled, "client cancel")
	wg.Wait()

	deadline := time.After(time.Second)
	for {
		if fired.Load() == n {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d/%d write callbacks fired", fired.Load(), n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCall_DeadlineExceeded(t *testing.T) {
	done := make(chan callcore.StatusObject, 1)
	obs := callcore.CallObserver{
		OnStatus: func(st callcore.StatusObject) { done <- st },
	}
	call := newTestCall(t, calltesting.SilentHandler(), obs, callcore.WithDeadline(time.Now().Add(20*time.Millisecond)))
	_ = call.SendMetadata(context.Background(), callcore.Metadata{})

	select {
	case st := <-done:
		if st.Code != codes.DeadlineExceeded {
			t.Fatalf("status code = %v, want DeadlineExceeded", st.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deadline to fire")
	}
}

func TestCall_ParentCancelCascadesToChild(t *testing.T) {
	parentDone := make(chan callcore.StatusObject, 1)
	childDone := make(chan callcore.StatusObject, 1)

	parent := newTestCall(t, calltesting.SilentHandler(), callcore.CallObserver{
		OnStatus: func(st callcore.StatusObject) { parentDone <- st },
	})
	child := newTestCall(t, calltesting.SilentHandler(), callcore.CallObserver{
		OnStatus: func(st callcore.StatusObject) { childDone <- st },
	}, callcore.WithParent(parent))

	_ = parent.SendMetadata(context.Background(), callcore.Metadata{})
	_ = child.SendMetadata(context.Background(), callcore.Metadata{})

	parent.CancelWithStatus(codes.Canceled, "client cancel")

	select {
	case <-parentDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for parent status")
	}
	select {
	case st := <-childDone:
		if st.Code != codes.Canceled {
			t.Fatalf("child status code = %v, want Canceled", st.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cascaded child cancellation")
	}
}

func TestCall_DeadlineInheritedFromParent(t *testing.T) {
	parent := newTestCall(t, calltesting.SilentHandler(), callcore.CallObserver{},
		callcore.WithDeadline(time.Now().Add(30*time.Millisecond)))
	childDone := make(chan callcore.StatusObject, 1)
	child := newTestCall(t, calltesting.SilentHandler(), callcore.CallObserver{
		OnStatus: func(st callcore.StatusObject) { childDone <- st },
	}, callcore.WithParent(parent))

	_ = parent.SendMetadata(context.Background(), callcore.Metadata{})
	_ = child.SendMetadata(context.Background(), callcore.Metadata{})

	select {
	case st := <-childDone:
		if st.Code != codes.DeadlineExceeded {
			t.Fatalf("child status code = %v, want DeadlineExceeded (inherited)", st.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inherited deadline to fire on child")
	}
}

func TestCall_WriteAfterCloseFailsFast(t *testing.T) {
	call := newTestCall(t, calltesting.SilentHandler(), callcore.CallObserver{})
	_ = call.SendMetadata(context.Background(), callcore.Metadata{})
	call.CancelWithStatus(codes.Canceled, "client cancel")

	// give terminate() a moment to flip the closed flag
	time.Sleep(20 * time.Millisecond)

	cbErr := make(chan error, 1)
	payload, flags, _ := calltesting.MarshalString("late")
	err := call.Write(context.Background(), callcore.WriteObject{Payload: payload, Flags: flags}, func(err error) {
		cbErr <- err
	})
	if err == nil {
		t.Fatal("expecting an error writing to a closed call")
	}
	select {
	case err := <-cbErr:
		if err == nil {
			t.Fatal("expecting the write callback to report an error")
		}
	case <-time.After(time.Second):
		t.Fatal("write callback never fired")
	}
}
