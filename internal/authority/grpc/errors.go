package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/cacsi/internal/authority/service"
)

// ErrUnavailable indicates that the authority could not be reached.
var ErrUnavailable = errors.New("certificate authority unavailable")

// toStatus maps a service error onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, service.ErrAlreadyIssuing):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, service.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrPolicyDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// RemoteError is an error returned by the authority over the wire. It
// unwraps to the matching service sentinel so callers can use errors.Is
// with service.ErrNotFound, service.ErrAlreadyIssuing and the others.
type RemoteError struct {
	Code    codes.Code
	Message string
	kind    error
}

// Error returns the error message.
func (e *RemoteError) Error() string {
	return "authority: " + e.Code.String() + ": " + e.Message
}

// Unwrap returns the sentinel matching the status code, if any.
func (e *RemoteError) Unwrap() error {
	return e.kind
}

// GRPCStatus lets status.FromError recover the original status.
func (e *RemoteError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

// fromStatus maps a gRPC error received by the client back onto the
// service sentinels.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var kind error
	switch st.Code() {
	case codes.Aborted:
		kind = service.ErrAlreadyIssuing
	case codes.NotFound:
		kind = service.ErrNotFound
	case codes.InvalidArgument:
		kind = service.ErrInvalidRequest
	case codes.PermissionDenied:
		kind = service.ErrPolicyDenied
	case codes.Unavailable, codes.ResourceExhausted:
		kind = ErrUnavailable
	case codes.DeadlineExceeded:
		kind = context.DeadlineExceeded
	case codes.Canceled:
		kind = context.Canceled
	}

	return &RemoteError{Code: st.Code(), Message: st.Message(), kind: kind}
}
