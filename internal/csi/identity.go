package csi

import (
	"context"

	csispec "github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultDriverName is the CSI driver name registered with kubelet.
const DefaultDriverName = "csi.cacsi.k8s.io"

// IdentityServer implements the CSI Identity service.
type IdentityServer struct {
	csispec.UnimplementedIdentityServer

	name    string
	version string
	ready   func() bool
}

// NewIdentityServer creates an identity server. ready reports whether the
// driver can currently serve publish requests; nil means always ready.
func NewIdentityServer(name, version string, ready func() bool) *IdentityServer {
	if name == "" {
		name = DefaultDriverName
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &IdentityServer{name: name, version: version, ready: ready}
}

// GetPluginInfo returns the driver name and version.
func (s *IdentityServer) GetPluginInfo(
	context.Context,
	*csispec.GetPluginInfoRequest,
) (*csispec.GetPluginInfoResponse, error) {
	return &csispec.GetPluginInfoResponse{
		Name:          s.name,
		VendorVersion: s.version,
	}, nil
}

// GetPluginCapabilities returns no capabilities: the driver has no
// controller service and no topology.
func (s *IdentityServer) GetPluginCapabilities(
	context.Context,
	*csispec.GetPluginCapabilitiesRequest,
) (*csispec.GetPluginCapabilitiesResponse, error) {
	return &csispec.GetPluginCapabilitiesResponse{}, nil
}

// Probe reports readiness.
func (s *IdentityServer) Probe(context.Context, *csispec.ProbeRequest) (*csispec.ProbeResponse, error) {
	return &csispec.ProbeResponse{Ready: wrapperspb.Bool(s.ready())}, nil
}
