package csi

import (
	"context"

	csispec "github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/cacsi/internal/node/binding"
	"github.com/vyrodovalexey/cacsi/internal/node/lifecycle"
	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// Volume context keys set by kubelet for inline ephemeral volumes.
const (
	ContextPodNamespace = "csi.storage.k8s.io/pod.namespace"
	ContextPodName      = "csi.storage.k8s.io/pod.name"
	ContextEphemeral    = "csi.storage.k8s.io/ephemeral"
)

// Publisher publishes and unpublishes volumes. *lifecycle.Controller
// implements it.
type Publisher interface {
	Publish(ctx context.Context, req lifecycle.PublishRequest) (binding.Binding, error)
	Unpublish(ctx context.Context, req lifecycle.UnpublishRequest) error
}

// NodeServer implements the CSI Node service.
type NodeServer struct {
	csispec.UnimplementedNodeServer

	nodeID    string
	publisher Publisher
	logger    observability.Logger
}

// NewNodeServer creates a node server for nodeID.
func NewNodeServer(nodeID string, publisher Publisher, logger observability.Logger) *NodeServer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &NodeServer{nodeID: nodeID, publisher: publisher, logger: logger}
}

// NodePublishVolume issues a certificate for the pod and writes it into the
// target path.
func (s *NodeServer) NodePublishVolume(
	ctx context.Context,
	req *csispec.NodePublishVolumeRequest,
) (*csispec.NodePublishVolumeResponse, error) {
	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if req.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}
	if req.GetVolumeCapability() == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}
	if req.GetVolumeCapability().GetBlock() != nil {
		return nil, status.Error(codes.InvalidArgument, "block volumes are not supported")
	}

	volCtx := req.GetVolumeContext()
	if eph, ok := volCtx[ContextEphemeral]; ok && eph != "true" {
		return nil, status.Error(codes.InvalidArgument, "only inline ephemeral volumes are supported")
	}
	namespace, name := volCtx[ContextPodNamespace], volCtx[ContextPodName]
	if namespace == "" || name == "" {
		return nil, status.Errorf(codes.InvalidArgument,
			"volume context must carry %s and %s; is podInfoOnMount enabled?", ContextPodNamespace, ContextPodName)
	}

	s.logger.Debug("NodePublishVolume",
		observability.String("volume_id", req.GetVolumeId()),
		observability.String("target_path", req.GetTargetPath()),
		observability.String("pod", namespace+"/"+name),
	)

	_, err := s.publisher.Publish(ctx, lifecycle.PublishRequest{
		VolumeID:     req.GetVolumeId(),
		PodNamespace: namespace,
		PodName:      name,
		NodeID:       s.nodeID,
		TargetPath:   req.GetTargetPath(),
		Attributes:   volCtx,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &csispec.NodePublishVolumeResponse{}, nil
}

// NodeUnpublishVolume revokes the certificate of a volume. The publisher
// removes the files and the target path.
func (s *NodeServer) NodeUnpublishVolume(
	ctx context.Context,
	req *csispec.NodeUnpublishVolumeRequest,
) (*csispec.NodeUnpublishVolumeResponse, error) {
	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if req.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}

	err := s.publisher.Unpublish(ctx, lifecycle.UnpublishRequest{
		VolumeID:   req.GetVolumeId(),
		TargetPath: req.GetTargetPath(),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &csispec.NodeUnpublishVolumeResponse{}, nil
}

// NodeStageVolume is a no-op; the driver has no staging step.
func (s *NodeServer) NodeStageVolume(
	context.Context,
	*csispec.NodeStageVolumeRequest,
) (*csispec.NodeStageVolumeResponse, error) {
	return &csispec.NodeStageVolumeResponse{}, nil
}

// NodeUnstageVolume is a no-op; the driver has no staging step.
func (s *NodeServer) NodeUnstageVolume(
	context.Context,
	*csispec.NodeUnstageVolumeRequest,
) (*csispec.NodeUnstageVolumeResponse, error) {
	return &csispec.NodeUnstageVolumeResponse{}, nil
}

// NodeGetCapabilities returns no capabilities.
func (s *NodeServer) NodeGetCapabilities(
	context.Context,
	*csispec.NodeGetCapabilitiesRequest,
) (*csispec.NodeGetCapabilitiesResponse, error) {
	return &csispec.NodeGetCapabilitiesResponse{}, nil
}

// NodeGetInfo returns the node ID without a volume limit.
func (s *NodeServer) NodeGetInfo(context.Context, *csispec.NodeGetInfoRequest) (*csispec.NodeGetInfoResponse, error) {
	return &csispec.NodeGetInfoResponse{NodeId: s.nodeID}, nil
}
