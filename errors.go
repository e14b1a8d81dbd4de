package callcore

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
)

// errClosed is returned by Call operations attempted after the call has
// reached its terminal state.
var errClosed = fmt.Errorf("callcore: call is closed")

func errAlready(op string) error {
	return fmt.Errorf("callcore: %s already called", op)
}

func errBadState(op string) error {
	return fmt.Errorf("callcore: %s called in an invalid call state", op)
}

// The constructors below build the StatusObject for each terminal error
// kind a Call can produce. Each is ready to hand to Call.CancelWithStatus
// or to wrap in a ServiceError; none of them mutate call state themselves.

// ErrSerializationFailure reports a send-side serialization error.
func ErrSerializationFailure(cause error) StatusObject {
	return StatusObject{Code: codes.Internal, Details: "Serialization failure: " + cause.Error()}
}

// ErrDeserializationFailure reports a receive-side deserialization error.
func ErrDeserializationFailure(cause error) StatusObject {
	return StatusObject{Code: codes.Internal, Details: "Failed to parse server response: " + cause.Error()}
}

// ErrTooManyResponses reports a unary call that received more than one
// response message.
func ErrTooManyResponses() StatusObject {
	return StatusObject{Code: codes.Internal, Details: "Too many responses received"}
}

// ErrNotEnoughResponses reports a unary call that completed with OK status
// but zero response messages.
func ErrNotEnoughResponses() StatusObject {
	return StatusObject{Code: codes.Internal, Details: "Not enough responses received"}
}

// ErrDeadlineExceeded reports deadline expiry.
func ErrDeadlineExceeded() StatusObject {
	return StatusObject{Code: codes.DeadlineExceeded, Details: "Deadline exceeded"}
}

// ErrCancelledOnClient reports an explicit client-side cancellation.
func ErrCancelledOnClient() StatusObject {
	return StatusObject{Code: codes.Canceled, Details: "Cancelled on client"}
}

// ErrInvalidArguments reports an argument-validation failure at dispatch
// time; no Call is ever created for this error. It carries codes.InvalidArgument
// so callers that recover a code via StatusFromError see InvalidArgument rather
// than the Unknown a bare error would produce.
func ErrInvalidArguments() error {
	return NewServiceError(StatusObject{Code: codes.InvalidArgument, Details: "Incorrect arguments passed"})
}

// ErrFilterTransformFailure wraps a filter transform's failure.
func ErrFilterTransformFailure(cause error) StatusObject {
	return StatusObject{Code: codes.Internal, Details: cause.Error()}
}

// TranslateContextError turns a context.Canceled or context.DeadlineExceeded
// into the matching *ServiceError so that a caller watching ctx.Done() never
// sees a bare context error leak out of the surface API. Any other error
// (including nil) passes through unchanged.
func TranslateContextError(err error) error {
	switch err {
	case context.Canceled:
		return NewServiceError(ErrCancelledOnClient())
	case context.DeadlineExceeded:
		return NewServiceError(ErrDeadlineExceeded())
	default:
		return err
	}
}
