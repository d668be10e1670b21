package retry

import (
	"errors"
	"io"
	"net"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// OnGRPCCodes returns a ShouldRetryFunc that accepts errors carrying one of
// the given gRPC status codes.
func OnGRPCCodes(grpcCodes ...codes.Code) ShouldRetryFunc {
	set := make(map[codes.Code]struct{}, len(grpcCodes))
	for _, c := range grpcCodes {
		set[c] = struct{}{}
	}

	return func(err error) bool {
		if err == nil {
			return false
		}
		st, ok := status.FromError(err)
		if !ok {
			return false
		}
		_, retry := set[st.Code()]
		return retry
	}
}

// IsTransient reports whether err looks like a network failure worth
// retrying: timeouts, refused or reset connections and premature EOF.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// Any returns a ShouldRetryFunc that accepts an error if any of fns does.
func Any(fns ...ShouldRetryFunc) ShouldRetryFunc {
	return func(err error) bool {
		for _, fn := range fns {
			if fn(err) {
				return true
			}
		}
		return false
	}
}
