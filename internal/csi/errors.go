package csi

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	authgrpc "github.com/vyrodovalexey/cacsi/internal/authority/grpc"
	"github.com/vyrodovalexey/cacsi/internal/authority/service"
	"github.com/vyrodovalexey/cacsi/internal/node/lifecycle"
	"github.com/vyrodovalexey/cacsi/internal/podinfo"
	"github.com/vyrodovalexey/cacsi/internal/template"
)

// toStatus maps a lifecycle error onto the gRPC code returned to kubelet.
func toStatus(err error) error {
	if err == nil {
		return nil
	}

	var code codes.Code
	switch {
	case errors.Is(err, lifecycle.ErrInvalidAttribute),
		errors.Is(err, template.ErrInvalidTemplate),
		errors.Is(err, template.ErrFieldResolution),
		errors.Is(err, service.ErrInvalidRequest):
		code = codes.InvalidArgument
	case errors.Is(err, podinfo.ErrPodNotFound):
		code = codes.NotFound
	case errors.Is(err, lifecycle.ErrIllegalTransition),
		errors.Is(err, service.ErrAlreadyIssuing):
		code = codes.Aborted
	case errors.Is(err, service.ErrPolicyDenied):
		code = codes.PermissionDenied
	case errors.Is(err, authgrpc.ErrUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}

	return status.Error(code, err.Error())
}
