package callcore_test

import (
	"context"
	"testing"

	"github.com/fullstorydev/callcore"
)

// orderFilter appends its tag to a shared log on every transform it
// participates in, letting a test assert the exact application order a
// FilterStack produces.
type orderFilter struct {
	callcore.DefaultFilter
	tag string
	log *[]string
}

func (f orderFilter) SendMetadata(ctx context.Context, md callcore.Metadata) (callcore.Metadata, error) {
	*f.log = append(*f.log, "send:"+f.tag)
	return md, nil
}

func (f orderFilter) ReceiveMetadata(ctx context.Context, md callcore.Metadata) (callcore.Metadata, error) {
	*f.log = append(*f.log, "recv:"+f.tag)
	return md, nil
}

type orderFactory struct {
	tag string
	log *[]string
}

func (f orderFactory) NewFilter(methodName string) callcore.Filter {
	return orderFilter{tag: f.tag, log: f.log}
}

func TestFilterStack_SendForwardReceiveReverse(t *testing.T) {
	var log []string
	factories := []callcore.FilterFactory{
		orderFactory{tag: "a", log: &log},
		orderFactory{tag: "b", log: &log},
		orderFactory{tag: "c", log: &log},
	}
	fs := callcore.NewFilterStack("/svc/Method", factories)

	if _, err := fs.SendMetadata(context.Background(), callcore.Metadata{}); err != nil {
		t.Fatalf("SendMetadata: %v", err)
	}
	if _, err := fs.ReceiveMetadata(context.Background(), callcore.Metadata{}); err != nil {
		t.Fatalf("ReceiveMetadata: %v", err)
	}

	want := []string{"send:a", "send:b", "send:c", "recv:c", "recv:b", "recv:a"}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log[%d] = %q, want %q (full log %v)", i, log[i], want[i], log)
		}
	}
}

type haltingFilter struct {
	callcore.DefaultFilter
	err error
}

func (f haltingFilter) SendMetadata(ctx context.Context, md callcore.Metadata) (callcore.Metadata, error) {
	return md, f.err
}

func TestFilterStack_SendErrorHaltsChain(t *testing.T) {
	var log []string
	errFilter := callcore.FilterFactoryFunc(func(string) callcore.Filter {
		return haltingFilter{err: errHalt}
	})
	after := orderFactory{tag: "after", log: &log}
	fs := callcore.NewFilterStack("/svc/Method", []callcore.FilterFactory{errFilter, after})

	_, err := fs.SendMetadata(context.Background(), callcore.Metadata{})
	if err != errHalt {
		t.Fatalf("err = %v, want %v", err, errHalt)
	}
	if len(log) != 0 {
		t.Fatalf("filter after the error ran: %v", log)
	}
}

var errHalt = &haltError{}

type haltError struct{}

func (*haltError) Error() string { return "halting filter" }
