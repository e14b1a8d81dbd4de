package callcore_test

import (
	"context"
	"io"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/fullstorydev/callcore"
	"github.com/fullstorydev/callcore/calltesting"
	"github.com/fullstorydev/callcore/inproc"
)

func TestClient_Unary(t *testing.T) {
	ch := inproc.NewChannel(calltesting.UnaryHandler("pong", callcore.OK()))
	client := callcore.NewClient(ch)
	defer client.Close()

	resp, _, err := callcore.Unary[string, string](context.Background(), client, "/svc/Ping",
		callcore.Metadata{}, "ping", calltesting.MarshalString, calltesting.UnmarshalString)
	if err != nil {
		t.Fatalf("Unary: %v", err)
	}
	if resp != "pong" {
		t.Fatalf("resp = %q, want pong", resp)
	}
}

func TestClient_UnaryInvalidMethod(t *testing.T) {
	ch := inproc.NewChannel(calltesting.UnaryHandler("pong", callcore.OK()))
	client := callcore.NewClient(ch)
	defer client.Close()

	_, _, err := callcore.Unary[string, string](context.Background(), client, "",
		callcore.Metadata{}, "ping", calltesting.MarshalString, calltesting.UnmarshalString)
	calltesting.CheckError(t, err, codes.InvalidArgument)
}

func TestClient_ServerStream(t *testing.T) {
	ch := inproc.NewChannel(calltesting.StreamingHandler([]string{"x", "y"}, callcore.OK()))
	client := callcore.NewClient(ch)
	defer client.Close()

	stream, err := callcore.ServerStream[string, string](context.Background(), client, "/svc/List",
		callcore.Metadata{}, "q", calltesting.MarshalString, calltesting.UnmarshalString, 0)
	if err != nil {
		t.Fatalf("ServerStream: %v", err)
	}
	var got []string
	for {
		resp, err := stream.Recv(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, resp)
	}
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 messages", got)
	}
}

func TestClient_ClientStream(t *testing.T) {
	ch := inproc.NewChannel(calltesting.EchoHandler(callcore.OK()))
	client := callcore.NewClient(ch)
	defer client.Close()

	stream, err := callcore.ClientStream[string, string](context.Background(), client, "/svc/Sum",
		callcore.Metadata{}, calltesting.MarshalString, calltesting.UnmarshalString)
	if err != nil {
		t.Fatalf("ClientStream: %v", err)
	}
	if err := stream.Send(context.Background(), "payload"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := stream.CloseAndRecv(context.Background())
	if err != nil {
		t.Fatalf("CloseAndRecv: %v", err)
	}
	if resp != "payload" {
		t.Fatalf("resp = %q, want payload", resp)
	}
}

func TestClient_Bidi(t *testing.T) {
	ch := inproc.NewChannel(calltesting.EchoHandler(callcore.OK()))
	client := callcore.NewClient(ch)
	defer client.Close()

	stream, err := callcore.Bidi[string, string](context.Background(), client, "/svc/Chat",
		callcore.Metadata{}, calltesting.MarshalString, calltesting.UnmarshalString, 0)
	if err != nil {
		t.Fatalf("Bidi: %v", err)
	}
	go func() {
		_ = stream.Send(context.Background(), "hi")
		stream.End()
	}()
	resp, err := stream.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if resp != "hi" {
		t.Fatalf("resp = %q, want hi", resp)
	}
}

func TestClient_WaitForReadyAlreadyReady(t *testing.T) {
	ch := inproc.NewChannel(calltesting.UnaryHandler("pong", callcore.OK()))
	client := callcore.NewClient(ch)
	defer client.Close()

	if err := client.WaitForReady(context.Background(), time.Time{}); err != nil {
		t.Fatalf("WaitForReady: %v", err)
	}
}

func TestClient_WaitForReadyAfterClose(t *testing.T) {
	ch := inproc.NewChannel(calltesting.UnaryHandler("pong", callcore.OK()))
	client := callcore.NewClient(ch)
	_ = client.Close()

	err := client.WaitForReady(context.Background(), time.Now().Add(time.Second))
	if err == nil {
		t.Fatal("expecting an error waiting for readiness on a closed channel")
	}
}

func TestClient_UnaryServerError(t *testing.T) {
	ch := inproc.NewChannel(calltesting.UnaryHandler("", callcore.StatusObject{Code: codes.Unavailable, Details: "down"}))
	client := callcore.NewClient(ch)
	defer client.Close()

	_, _, err := callcore.Unary[string, string](context.Background(), client, "/svc/Ping",
		callcore.Metadata{}, "ping", calltesting.MarshalString, calltesting.UnmarshalString)
	calltesting.CheckError(t, err, codes.Unavailable)
}
