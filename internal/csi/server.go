// Package csi serves the CSI Identity and Node services of the driver.
package csi

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	csispec "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/vyrodovalexey/cacsi/internal/grpc/middleware"
	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// DefaultEndpoint is the kubelet plugin socket.
const DefaultEndpoint = "unix:///csi/csi.sock"

// ParseEndpoint splits a unix:// or tcp:// endpoint into a network and an
// address.
func ParseEndpoint(endpoint string) (network, address string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "unix":
		address = u.Path
		if u.Host != "" {
			address = filepath.Join(u.Host, u.Path)
		}
		if address == "" {
			return "", "", fmt.Errorf("invalid endpoint %q: empty socket path", endpoint)
		}
		return "unix", address, nil
	case "tcp":
		if u.Host == "" {
			return "", "", fmt.Errorf("invalid endpoint %q: empty address", endpoint)
		}
		return "tcp", u.Host, nil
	default:
		return "", "", fmt.Errorf("invalid endpoint %q: scheme must be unix or tcp", endpoint)
	}
}

// ServerConfig contains configuration for the CSI server.
type ServerConfig struct {
	Endpoint          string
	MetricsRegisterer prometheus.Registerer
}

// Server serves the CSI services on a socket.
type Server struct {
	config   ServerConfig
	identity csispec.IdentityServer
	node     csispec.NodeServer
	logger   observability.Logger

	mu         sync.Mutex
	grpcServer *grpc.Server
}

// NewServer creates a CSI server.
func NewServer(
	config ServerConfig,
	identity csispec.IdentityServer,
	node csispec.NodeServer,
	logger observability.Logger,
) *Server {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Server{config: config, identity: identity, node: node, logger: logger}
}

// Start listens on the endpoint and serves until ctx is canceled. A stale
// unix socket left by a previous run is removed first.
func (s *Server) Start(ctx context.Context) error {
	network, address, err := ParseEndpoint(s.config.Endpoint)
	if err != nil {
		return err
	}

	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o750); err != nil {
			return fmt.Errorf("failed to create socket directory: %w", err)
		}
		if err := os.Remove(address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket %s: %w", address, err)
		}
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, network, address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Endpoint, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is canceled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	middleware.InitGRPCMetrics(s.config.MetricsRegisterer)

	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.UnaryRecoveryInterceptor(s.logger),
		middleware.UnaryRequestIDInterceptor(),
		middleware.UnaryMetricsInterceptor(middleware.GetGRPCMetrics()),
		middleware.UnaryLoggingInterceptor(s.logger),
	))
	csispec.RegisterIdentityServer(grpcSrv, s.identity)
	csispec.RegisterNodeServer(grpcSrv, s.node)

	s.mu.Lock()
	s.grpcServer = grpcSrv
	s.mu.Unlock()

	s.logger.Info("starting CSI server", observability.String("endpoint", s.config.Endpoint))

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcSrv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.mu.Lock()
	grpcSrv := s.grpcServer
	s.mu.Unlock()

	if grpcSrv != nil {
		grpcSrv.GracefulStop()
		s.logger.Info("CSI server stopped")
	}
}
