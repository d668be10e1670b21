package grpc

import "time"

// Server keepalive and sizing defaults.
const (
	DefaultMaxConnectionIdle     = 5 * time.Minute
	DefaultMaxConnectionAge      = 30 * time.Minute
	DefaultMaxConnectionAgeGrace = 5 * time.Second
	DefaultKeepaliveTime         = 30 * time.Second
	DefaultKeepaliveTimeout      = 10 * time.Second
	DefaultMinKeepaliveTime      = 10 * time.Second

	DefaultMaxMessageSize       = 4 * 1024 * 1024
	DefaultMaxConcurrentStreams = 100

	DefaultGracefulShutdownTimeout = 30 * time.Second
)

// Rate limiting defaults, applied per client host.
const (
	DefaultRateLimitRPS   = 50
	DefaultRateLimitBurst = 100
)

// Client defaults.
const (
	DefaultCallTimeout            = 10 * time.Second
	DefaultClientKeepaliveTime    = 10 * time.Second
	DefaultClientKeepaliveTimeout = 3 * time.Second
	DefaultBreakerThreshold       = 5
	DefaultBreakerTimeout         = 30 * time.Second
	clientTracerName              = "cacsi-authority-client"
	serverTracerName              = "cacsi-authority-server"
)
