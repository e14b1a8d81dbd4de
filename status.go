package callcore

import (
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// StatusObject is the terminal record of an RPC: a code, a human-readable
// detail string, optional structured error details, and any trailing
// metadata the server attached. It is constructed only at terminal points
// and is immutable once built.
type StatusObject struct {
	Code     codes.Code
	Details  string
	Metadata Metadata
	// ErrorDetails holds typed, protobuf-packed detail messages attached to
	// the status (google.rpc.Status.details semantics), mirroring
	// status.New(...).WithDetails(...) on the server side.
	ErrorDetails []*anypb.Any
}

// OK is the canonical successful terminal status.
func OK() StatusObject {
	return StatusObject{Code: codes.OK}
}

// NewStatus builds a StatusObject with the given code and details message.
func NewStatus(code codes.Code, details string) StatusObject {
	return StatusObject{Code: code, Details: details}
}

// IsOK reports whether the status represents success. OK is the sole
// non-error code.
func (s StatusObject) IsOK() bool {
	return s.Code == codes.OK
}

// Equal compares two StatusObjects by code, details, metadata, and packed
// error details.
func (s StatusObject) Equal(o StatusObject) bool {
	if s.Code != o.Code || s.Details != o.Details {
		return false
	}
	if len(s.ErrorDetails) != len(o.ErrorDetails) {
		return false
	}
	for i := range s.ErrorDetails {
		if !proto.Equal(s.ErrorDetails[i], o.ErrorDetails[i]) {
			return false
		}
	}
	if s.Metadata.Len() != o.Metadata.Len() {
		return false
	}
	for _, k := range s.Metadata.Keys() {
		a, b := s.Metadata.Get(k), o.Metadata.Get(k)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

// WithDetail returns a copy of s with msg packed and appended to
// ErrorDetails, matching the google.protobuf.Any packing that
// google.golang.org/grpc/status.WithDetails performs server-side.
func (s StatusObject) WithDetail(msg proto.Message) (StatusObject, error) {
	a, err := anypb.New(msg)
	if err != nil {
		return s, fmt.Errorf("packing status detail: %w", err)
	}
	out := s
	out.ErrorDetails = append(append([]*anypb.Any{}, s.ErrorDetails...), a)
	return out, nil
}

// Err converts the StatusObject to a standard Go error using
// google.golang.org/grpc/status, the same wire-compatible representation
// channel_test_cases.go round-trips in its checkError helper. OK statuses
// convert to a nil error.
func (s StatusObject) Err() error {
	if s.IsOK() {
		return nil
	}
	stp := &status.Status{
		Code:    int32(s.Code),
		Message: s.Details,
		Details: s.ErrorDetails,
	}
	return grpcstatus.FromProto(stp).Err()
}

// StatusFromError converts a standard Go error (including context errors
// and plain errors) into a StatusObject. A nil error converts to OK.
func StatusFromError(err error) StatusObject {
	if err == nil {
		return OK()
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return StatusObject{Code: codes.Unknown, Details: err.Error()}
	}
	p := st.Proto()
	return StatusObject{
		Code:         codes.Code(p.Code),
		Details:      p.Message,
		ErrorDetails: p.Details,
	}
}

// ServiceError is the error type delivered to application code on the
// readable surface stream for any non-OK terminal status. It carries the
// same information as StatusObject but satisfies the error interface
// directly.
type ServiceError struct {
	Code     codes.Code
	Details  string
	Metadata Metadata
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.Code, e.Details)
}

// GRPCStatus lets google.golang.org/grpc/status.FromError (and therefore
// StatusFromError) recover the original code and details from a
// ServiceError instead of falling back to codes.Unknown.
func (e *ServiceError) GRPCStatus() *grpcstatus.Status {
	return grpcstatus.New(e.Code, e.Details)
}

// NewServiceError builds a ServiceError from a terminal StatusObject. It
// panics if called with an OK status, since OK is never surfaced as an
// error (mirrors the invariant that "error" is emitted only for non-OK
// terminal statuses).
func NewServiceError(s StatusObject) *ServiceError {
	if s.IsOK() {
		panic("callcore: NewServiceError called with OK status")
	}
	return &ServiceError{Code: s.Code, Details: s.Details, Metadata: s.Metadata}
}
