// Package apnspush is a client library for Apple's APNs push service over
// HTTP/2. APNS pairs one origin with a Pool of Connections to it and
// exposes the small surface a caller actually needs: send a notification,
// get back an apns-id or a typed error, and close cleanly when done.
package apnspush

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/jdw/apnspush/internal/config"
	"github.com/jdw/apnspush/internal/notification"
	"github.com/jdw/apnspush/internal/pool"
	"github.com/jdw/apnspush/internal/request"
	"github.com/jdw/apnspush/internal/tlsutil"
)

// DefaultTimeout is the deadline applied to a notification when
// SendNotification's caller does not override it via Options.Timeout.
const DefaultTimeout = 10 * time.Second

// Options configures a single SendNotification call, mirroring the
// original's keyword arguments around the notification itself.
type Options struct {
	ApnsID     string
	Expiration time.Time
	Priority   config.Priority
	Topic      string
	CollapseID string
	Timeout    time.Duration
}

// APNS is the public facade: one Server paired with the Pool that keeps
// connections to it alive. Construct one with CreateClient.
type APNS struct {
	server config.Server
	pool   *pool.Pool
}

// CreateClient loads the client certificate at certPath, opens a Pool of
// poolCfg.Size connections to server (config.DefaultPoolSize when
// poolCfg.Size < 1), and returns a ready APNS. opts.Logger and
// opts.Collector are optional (nil disables the corresponding behavior)
// and are threaded straight through to the Pool.
func CreateClient(ctx context.Context, certPath string, server config.Server, poolCfg config.PoolConfig, opts pool.Config) (*APNS, error) {
	tlsCfg, err := tlsutil.NewClientConfig(server.Host, config.TLSConfig{CertPath: certPath})
	if err != nil {
		return nil, fmt.Errorf("apnspush: %w", err)
	}
	return createClientWithTLS(ctx, tlsCfg, server, poolCfg, opts)
}

// CreateClientWithCA is CreateClient with an overridden CA pool, for
// pointing at a non-Apple test server.
func CreateClientWithCA(ctx context.Context, certPath, caFile string, server config.Server, poolCfg config.PoolConfig, opts pool.Config) (*APNS, error) {
	tlsCfg, err := tlsutil.NewClientConfig(server.Host, config.TLSConfig{CertPath: certPath, CAFile: caFile})
	if err != nil {
		return nil, fmt.Errorf("apnspush: %w", err)
	}
	return createClientWithTLS(ctx, tlsCfg, server, poolCfg, opts)
}

func createClientWithTLS(ctx context.Context, tlsCfg *tls.Config, server config.Server, poolCfg config.PoolConfig, opts pool.Config) (*APNS, error) {
	opts.PoolConfig = poolCfg
	size := poolCfg.Size
	if size < 1 {
		size = config.DefaultPoolSize
	}
	p, err := pool.Create(ctx, server, size, tlsCfg, opts)
	if err != nil {
		return nil, fmt.Errorf("apnspush: %w", err)
	}
	return &APNS{server: server, pool: p}, nil
}

// SendNotification posts n to the given device token and returns the
// apns-id APNs assigned (or that the caller supplied via opts.ApnsID).
func (a *APNS) SendNotification(ctx context.Context, token string, n notification.Notification, opts Options) (string, error) {
	if opts.Priority == 0 {
		opts.Priority = config.PriorityNormal
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	header := map[string]string{
		"apns-priority":  strconv.Itoa(int(opts.Priority)),
		"apns-push-type": string(n.PushType),
	}
	if opts.ApnsID != "" {
		header["apns-id"] = opts.ApnsID
	}
	if !opts.Expiration.IsZero() {
		header["apns-expiration"] = strconv.FormatInt(opts.Expiration.Unix(), 10)
	}
	if opts.Topic != "" {
		header["apns-topic"] = opts.Topic
	}
	if opts.CollapseID != "" {
		header["apns-collapse-id"] = opts.CollapseID
	}

	body, err := n.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("apnspush: encode notification: %w", err)
	}

	req := request.New(fmt.Sprintf("/3/device/%s", token), header, body, timeout)
	resp, err := a.pool.Post(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.ApnsID, nil
}

// Close shuts down the underlying Pool, closing every connection.
func (a *APNS) Close() error {
	return a.pool.Close()
}

// Stats returns the underlying Pool's current counters.
func (a *APNS) Stats() pool.Stats {
	return a.pool.Stats()
}
