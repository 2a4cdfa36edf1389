package apnspush

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/jdw/apnspush/internal/config"
	"github.com/jdw/apnspush/internal/notification"
	"github.com/jdw/apnspush/internal/pool"
)

func startTestServer(t *testing.T) (config.Server, *tls.Config) {
	t.Helper()

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("apns-id", "test-apns-id")
		w.WriteHeader(http.StatusOK)
	}))
	if err := http2.ConfigureServer(srv.Config, &http2.Server{}); err != nil {
		t.Fatalf("configure h2 server: %v", err)
	}
	srv.TLS = srv.Config.TLSConfig
	srv.StartTLS()
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return config.Server{Host: host, Port: port}, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"h2"},
		ServerName:         host,
	}
}

// newTestClient builds an APNS directly around a Pool dialed with a
// pre-built *tls.Config, bypassing CreateClient's PEM-loading step — the
// in-process test server issues no client-certificate challenge.
func newTestClient(t *testing.T, server config.Server, tlsCfg *tls.Config) *APNS {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := pool.Create(ctx, server, 1, tlsCfg, pool.Config{PoolConfig: config.DefaultPoolConfig()})
	if err != nil {
		t.Fatalf("pool.Create: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	return &APNS{server: server, pool: p}
}

func TestSendNotification(t *testing.T) {
	server, tlsCfg := startTestServer(t)
	client := newTestClient(t, server, tlsCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	apnsID, err := client.SendNotification(ctx, "abc123", notification.Alert("hi", "there"), Options{
		Topic: "com.example.app",
	})
	if err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	if apnsID != "test-apns-id" {
		t.Errorf("apnsID = %q, want test-apns-id", apnsID)
	}
}

func TestSendNotification_BackgroundPushSetsContentAvailable(t *testing.T) {
	server, tlsCfg := startTestServer(t)
	client := newTestClient(t, server, tlsCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := notification.Background(map[string]any{"custom": "value"})
	if _, err := client.SendNotification(ctx, "abc123", n, Options{Topic: "com.example.app"}); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}

	aps, _ := n.Payload["aps"].(map[string]any)
	if aps["content-available"] != 1 {
		t.Errorf("content-available = %v, want 1", aps["content-available"])
	}
}
