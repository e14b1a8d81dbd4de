// Command calldemo exercises a Client end to end against an in-process
// Channel: a unary call, a server-streaming call, and a client-streaming
// call, each against a hand-written Handler standing in for a server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"

	"github.com/fullstorydev/callcore"
	"github.com/fullstorydev/callcore/inproc"
)

var verbose = flag.Bool("v", false, "enable debug logging")

func main() {
	flag.Parse()
	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	channel := inproc.NewChannel(echoHandler)
	client := callcore.NewClient(channel, callcore.WithClientLogger(logrus.NewEntry(log)))
	defer client.Close()

	ctx := context.Background()

	resp, _, err := callcore.Unary[string, string](ctx, client, "/demo/Echo", callcore.Metadata{}, "hello",
		marshal, unmarshal)
	if err != nil {
		log.Fatalf("unary call failed: %v", err)
	}
	fmt.Printf("unary: %s\n", resp)

	stream, err := callcore.ServerStream[string, string](ctx, client, "/demo/Count", callcore.Metadata{}, "3",
		marshal, unmarshal, 0)
	if err != nil {
		log.Fatalf("server-stream call failed: %v", err)
	}
	for {
		resp, err := stream.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("server-stream recv failed: %v", err)
		}
		fmt.Printf("stream: %s\n", resp)
	}

	writable, err := callcore.ClientStream[string, string](ctx, client, "/demo/Sum", callcore.Metadata{},
		marshal, unmarshal)
	if err != nil {
		log.Fatalf("client-stream call failed: %v", err)
	}
	for _, word := range []string{"a", "b", "c"} {
		if err := writable.Send(ctx, word); err != nil {
			log.Fatalf("client-stream send failed: %v", err)
		}
	}
	joined, err := writable.CloseAndRecv(ctx)
	if err != nil {
		log.Fatalf("client-stream close failed: %v", err)
	}
	fmt.Printf("sum: %s\n", joined)
}

func marshal(s string) ([]byte, uint32, error) { return []byte(s), 0, nil }
func unmarshal(b []byte) (string, error)       { return string(b), nil }

// echoHandler plays the server's role for all three demo methods,
// branching on method the way inproc.Handler's doc comment says any
// multi-method Handler must.
func echoHandler(ctx context.Context, method string, srv *inproc.PeerTransport) callcore.StatusObject {
	switch method {
	case "/demo/Echo":
		payload, _, _, err := srv.RecvMessage(ctx)
		if err != nil {
			return callcore.StatusFromError(err)
		}
		srv.SendMessage(append([]byte("echo: "), payload...), 0)
		return callcore.OK()

	case "/demo/Count":
		if _, _, _, err := srv.RecvMessage(ctx); err != nil {
			return callcore.StatusFromError(err)
		}
		for i := 1; i <= 3; i++ {
			srv.SendMessage([]byte(fmt.Sprintf("%d", i)), 0)
		}
		return callcore.OK()

	case "/demo/Sum":
		var words []string
		for {
			payload, _, halfClosed, err := srv.RecvMessage(ctx)
			if err != nil {
				return callcore.StatusFromError(err)
			}
			if halfClosed {
				break
			}
			words = append(words, string(payload))
		}
		joined := ""
		for i, w := range words {
			if i > 0 {
				joined += "-"
			}
			joined += w
		}
		srv.SendMessage([]byte(joined), 0)
		return callcore.OK()

	default:
		return callcore.StatusObject{Code: codes.Unimplemented, Details: "unimplemented method " + method}
	}
}
