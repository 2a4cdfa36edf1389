package config

import "time"

// Priority is the APNs apns-priority header value.
type Priority int

const (
	// PriorityNormal defers delivery for power considerations ("5").
	PriorityNormal Priority = 5
	// PriorityImmediate sends the notification right away ("10").
	PriorityImmediate Priority = 10
)

// Server identifies one APNs origin: host, port, and (implicitly) the
// certificate environment it expects. Production and sandbox certificates
// are not interchangeable; posting to the wrong Server for a given client
// certificate is what produces the BadCertificateEnvironment outcome.
type Server struct {
	Host string
	Port int
}

func (s Server) String() string {
	return s.Host
}

// Production is the live APNs gateway.
func Production() Server { return Server{Host: ProductionHost, Port: DefaultPort} }

// Sandbox is the development/TestFlight APNs gateway.
func Sandbox() Server { return Server{Host: SandboxHost, Port: DefaultPort} }

// TLSConfig describes the client identity presented to APNs.
type TLSConfig struct {
	// CertPath is a PEM file containing both the client certificate and its
	// private key.
	CertPath string
	// CAFile optionally overrides the trusted root pool (tests only; APNs
	// itself uses a publicly trusted certificate).
	CAFile string
}

// PoolConfig configures a Pool's target size and operational limits.
type PoolConfig struct {
	// Size is the target number of healthy connections. Must be >= 1.
	Size int

	// KeepAliveInterval is the idle period after which a Connection sends a
	// liveness PING. Zero selects DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration

	// MaxResponseBody caps a single response body; exceeding it fails the
	// stream with ResponseTooLarge without tearing down the connection.
	MaxResponseBody int

	// MaxRetryAttempts bounds how many times Pool.Post retries a Blocked
	// request before giving up, in addition to the deadline check. Zero (the
	// default) means unbounded — retries stop only when the request
	// deadline is exceeded, matching the original implementation.
	MaxRetryAttempts int

	// BindIPs optionally pins outbound connections to one or more local
	// addresses, round-robined across the connections a Pool opens. Useful
	// when a host's egress IPs must each be allowlisted with Apple
	// separately. Empty uses the system default.
	BindIPs string
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults for a single
// APNs provider connection pool.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:              DefaultPoolSize,
		KeepAliveInterval: DefaultKeepAliveInterval,
		MaxResponseBody:   DefaultMaxResponseBody,
		MaxRetryAttempts:  0,
	}
}
