// Command apnspush sends a single push notification through the library
// and exits, following the teacher's flag-parse/signal-handle/run shape
// but scoped to one request instead of a sustained load pattern.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	apnspush "github.com/jdw/apnspush"
	"github.com/jdw/apnspush/internal/config"
	"github.com/jdw/apnspush/internal/notification"
	"github.com/jdw/apnspush/internal/pool"
)

func main() {
	var (
		certPath   = flag.String("cert", "", "path to the client certificate PEM (cert+key combined, required)")
		sandbox    = flag.Bool("sandbox", false, "use the sandbox/TestFlight APNs origin instead of production")
		token      = flag.String("token", "", "device token to send to (required)")
		title      = flag.String("title", "Hello", "alert title")
		body       = flag.String("body", "", "alert body")
		topic      = flag.String("topic", "", "apns-topic (bundle ID), required by APNs")
		priority   = flag.Int("priority", int(config.PriorityImmediate), "apns-priority (5 or 10)")
		poolSize   = flag.Int("pool-size", config.DefaultPoolSize, "number of connections to keep open")
		caFile     = flag.String("cafile", "", "override trusted CA pool (test servers only)")
		timeout    = flag.Duration("timeout", apnspush.DefaultTimeout, "per-request deadline")
	)
	flag.Parse()

	if *certPath == "" || *token == "" {
		fmt.Fprintln(os.Stderr, "usage: apnspush -cert <path> -token <device-token> -topic <bundle-id> [-body text]")
		os.Exit(2)
	}

	server := config.Production()
	if *sandbox {
		server = config.Sandbox()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nshutting down...")
		cancel()
	}()

	poolCfg := config.DefaultPoolConfig()
	poolCfg.Size = *poolSize

	var client *apnspush.APNS
	var err error
	if *caFile != "" {
		client, err = apnspush.CreateClientWithCA(ctx, *certPath, *caFile, server, poolCfg, pool.Config{})
	} else {
		client, err = apnspush.CreateClient(ctx, *certPath, server, poolCfg, pool.Config{})
	}
	if err != nil {
		log.Fatalf("apnspush: connect to %s: %v", server, err)
	}
	defer client.Close()

	n := notification.Alert(*title, *body)
	apnsID, err := client.SendNotification(ctx, *token, n, apnspush.Options{
		Priority: config.Priority(*priority),
		Topic:    *topic,
		Timeout:  *timeout,
	})
	if err != nil {
		log.Fatalf("apnspush: send: %v", err)
	}

	fmt.Printf("sent, apns-id=%s\n", apnsID)

	// Give the pool's background goroutines a moment to settle before the
	// deferred Close tears them down, matching the teacher's brief
	// post-run pause before reporting shutdown complete.
	time.Sleep(100 * time.Millisecond)
}
