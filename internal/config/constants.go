package config

import "time"

// =============================================================================
// Origin Constants
// =============================================================================

const (
	// ProductionHost is the live APNs gateway host.
	ProductionHost = "api.push.apple.com"

	// SandboxHost is the development/TestFlight APNs gateway host.
	SandboxHost = "api.development.push.apple.com"

	// DefaultPort is the standard HTTPS port APNs listens on.
	DefaultPort = 443

	// AltPort is the alternate port APNs listens on, for providers whose
	// egress firewall only opens 2197 for outbound HTTPS.
	AltPort = 2197
)

// =============================================================================
// Connection Constants
// =============================================================================

const (
	// DefaultConnectTimeout bounds TCP connect + TLS handshake.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultKeepAliveInterval is the idle period after which a Connection
	// sends a liveness PING.
	DefaultKeepAliveInterval = 30 * time.Second

	// CloseDrainGrace bounds how long Connection.Close waits for inflight
	// streams to finish after sending GOAWAY before closing the transport.
	CloseDrainGrace = 3 * time.Second

	// DefaultMaxResponseBody is the maximum accumulated response body size
	// before a stream fails with ResponseTooLarge.
	DefaultMaxResponseBody = 64 * 1024

	// DefaultMaxConcurrentStreams is assumed until the peer's SETTINGS frame
	// overrides it.
	DefaultMaxConcurrentStreams = 100

	// HeaderTableSize is the HPACK dynamic table size this client advertises.
	HeaderTableSize = 4096

	// InitialWindowSize is the per-stream flow-control window this client
	// advertises in its initial SETTINGS.
	InitialWindowSize = 65535
)

// =============================================================================
// Pool Constants
// =============================================================================

const (
	// DefaultPoolSize is the default target connection count.
	DefaultPoolSize = 2

	// MaintenanceInterval is the maintenance loop's wakeup timeout: it wakes
	// on a resize/termination signal or this timeout, whichever comes first.
	MaintenanceInterval = 1 * time.Second

	// ConnectionCreateRateLimit caps how many new connections the
	// maintenance loop may open per second while converging on a resize, so
	// that a large resize() does not open dozens of TLS handshakes to APNs
	// in the same instant.
	ConnectionCreateRateLimit = 5
)

// =============================================================================
// Backoff Constants
// =============================================================================

const (
	// PoolBackoffBase is the first retry delay in Pool.Post's backoff
	// schedule: 10^-3 seconds = 1ms.
	PoolBackoffBase = 1 * time.Millisecond

	// PoolBackoffStep is the multiplier applied to the backoff delay after
	// every retry: 10^0.5 = sqrt(10).
	PoolBackoffStep = 3.1622776601683795
)
