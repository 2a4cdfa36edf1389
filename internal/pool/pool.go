// Package pool maintains a target-size set of Connections to one APNs
// origin, retrying Blocked requests with exponential backoff and
// propagating a connection's BadCertificateEnvironment outcome as pool-wide
// closure. It follows the same observe-don't-own relationship the teacher's
// session.Manager keeps over its tracked connections: the Pool watches a
// Connection's exported fields and never reaches into its internals.
package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jdw/apnspush/internal/apnserr"
	"github.com/jdw/apnspush/internal/config"
	"github.com/jdw/apnspush/internal/connection"
	"github.com/jdw/apnspush/internal/metrics"
	"github.com/jdw/apnspush/internal/netutil"
	"github.com/jdw/apnspush/internal/randutil"
	"github.com/jdw/apnspush/internal/ratelimit"
	"github.com/jdw/apnspush/internal/request"
)

// Config bundles what Pool needs beyond target size and the TLS identity
// (which Create takes separately and every Connection shares by reference):
// the pool and per-connection limits, and optional observability hooks.
type Config struct {
	PoolConfig config.PoolConfig
	ConnConfig connection.Config
	Collector  *metrics.Collector
	Logger     *log.Logger
}

// Pool is a set of Connections to one origin, maintained at a target size.
type Pool struct {
	origin    config.Server
	tlsConfig *tls.Config
	cfg       Config
	limiter   *ratelimit.Limiter

	size atomic.Int32

	mu     sync.Mutex
	active map[*connection.Connection]struct{}
	dying  map[*connection.Connection]struct{}

	closing atomic.Bool
	closed  atomic.Bool

	outcomeMu sync.Mutex
	outcome   string

	completed atomic.Int64
	errs      atomic.Int64
	retrying  atomic.Int32

	wakeCh      chan struct{}
	maintStopCh chan struct{}
	maintExited chan struct{}
	closeOnce   sync.Once
}

// Create opens size connections to origin concurrently and starts the
// maintenance loop. size must be >= 1. If every connection fails, Create
// returns the first connection error.
func Create(ctx context.Context, origin config.Server, size int, tlsConfig *tls.Config, cfg Config) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.PoolConfig.BindIPs != "" {
		cfg.ConnConfig.BindConfig = netutil.NewBindConfig(cfg.PoolConfig.BindIPs)
	}
	if cfg.ConnConfig.KeepAliveInterval <= 0 {
		cfg.ConnConfig.KeepAliveInterval = cfg.PoolConfig.KeepAliveInterval
	}
	if cfg.ConnConfig.MaxResponseBody <= 0 {
		cfg.ConnConfig.MaxResponseBody = cfg.PoolConfig.MaxResponseBody
	}
	cfg.ConnConfig.Collector = cfg.Collector

	p := &Pool{
		origin:      origin,
		tlsConfig:   tlsConfig,
		cfg:         cfg,
		limiter:     ratelimit.New(config.ConnectionCreateRateLimit),
		active:      make(map[*connection.Connection]struct{}),
		dying:       make(map[*connection.Connection]struct{}),
		wakeCh:      make(chan struct{}, 1),
		maintStopCh: make(chan struct{}),
		maintExited: make(chan struct{}),
	}
	p.size.Store(int32(size))

	type result struct {
		conn *connection.Connection
		err  error
	}
	results := make(chan result, size)
	for i := 0; i < size; i++ {
		go func() {
			c, err := connection.Create(ctx, origin, tlsConfig, cfg.ConnConfig)
			results <- result{c, err}
		}()
	}

	var firstErr error
	for i := 0; i < size; i++ {
		r := <-results
		if p.cfg.Collector != nil {
			p.cfg.Collector.RecordConnectionAttempt()
		}
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			if p.cfg.Collector != nil {
				p.cfg.Collector.RecordConnectionFailure()
			}
			continue
		}
		p.active[r.conn] = struct{}{}
		p.terminationHook(r.conn)
	}

	if len(p.active) == 0 {
		return nil, firstErr
	}
	p.reportConnectionCounts()

	go p.maintain()
	return p, nil
}

// Resize updates the target connection count; convergence happens
// asynchronously on the maintenance loop.
func (p *Pool) Resize(n int) {
	if n < 1 {
		panic("pool: resize target must be >= 1")
	}
	p.size.Store(int32(n))
	p.wake()
}

func (p *Pool) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Post delivers req, retrying Blocked responses and retriable StreamResets
// with exponential backoff bounded by req.Deadline. A request whose deadline
// has already passed fails with Timeout before ever touching a connection.
func (p *Pool) Post(ctx context.Context, req *request.Request) (*request.Response, error) {
	bo := newBackoff()
	attempts := 0
	start := time.Now()

	for {
		if p.Closing() {
			p.errs.Add(1)
			return nil, &apnserr.Closed{Outcome: p.Outcome()}
		}

		if time.Now().After(req.Deadline) {
			p.errs.Add(1)
			if p.cfg.Collector != nil {
				p.cfg.Collector.RecordError()
			}
			return nil, &apnserr.Timeout{}
		}

		resp, err := p.postOnce(ctx, req)
		if err == nil {
			p.completed.Add(1)
			if p.cfg.Collector != nil {
				p.cfg.Collector.RecordCompleted(time.Since(start))
			}
			return resp, nil
		}

		if !retriable(err) {
			p.errs.Add(1)
			if p.cfg.Collector != nil {
				p.cfg.Collector.RecordError()
			}
			return nil, err
		}

		if p.Closing() {
			p.errs.Add(1)
			return nil, &apnserr.Closed{Outcome: p.Outcome()}
		}

		attempts++
		if max := p.cfg.PoolConfig.MaxRetryAttempts; max > 0 && attempts > max {
			p.errs.Add(1)
			return nil, &apnserr.Blocked{Reason: "max-retry-attempts"}
		}

		delay := bo.next()
		if time.Now().Add(delay).After(req.Deadline) {
			p.errs.Add(1)
			if p.cfg.Collector != nil {
				p.cfg.Collector.RecordError()
			}
			return nil, &apnserr.Timeout{}
		}

		p.retrying.Add(1)
		if p.cfg.Collector != nil {
			p.cfg.Collector.IncRetrying()
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			p.retrying.Add(-1)
			if p.cfg.Collector != nil {
				p.cfg.Collector.DecRetrying()
			}
			p.errs.Add(1)
			return nil, ctx.Err()
		}
		p.retrying.Add(-1)
		if p.cfg.Collector != nil {
			p.cfg.Collector.DecRetrying()
		}
	}
}

// postOnce snapshots active, shuffles it to spread load independently of
// insertion order, and tries each connection in turn.
func (p *Pool) postOnce(ctx context.Context, req *request.Request) (*request.Response, error) {
	p.mu.Lock()
	conns := make([]*connection.Connection, 0, len(p.active))
	for c := range p.active {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	randutil.Shuffle(len(conns), func(i, j int) { conns[i], conns[j] = conns[j], conns[i] })

	for _, c := range conns {
		if p.Closing() {
			return nil, &apnserr.Closed{Outcome: p.Outcome()}
		}
		if c.Closed() {
			continue
		}
		resp, err := c.Post(ctx, req)
		if err == nil {
			return resp, nil
		}
		if retriable(err) {
			continue
		}
		return nil, err
	}
	return nil, &apnserr.Blocked{Reason: "no-healthy-connection"}
}

// retriable reports whether err is safe for the pool to retry: Blocked,
// Closed, or a StreamReset whose code indicates the peer merely declined to
// service the stream rather than rejecting the request itself. postOnce
// moves straight on to the next connection for any of these; Post backs off
// once every connection has refused.
func retriable(err error) bool {
	var blocked *apnserr.Blocked
	var closed *apnserr.Closed
	var reset *apnserr.StreamReset
	switch {
	case errors.As(err, &blocked):
		return true
	case errors.As(err, &closed):
		return true
	case errors.As(err, &reset):
		return reset.Retriable()
	default:
		return false
	}
}

// Close stops maintenance and closes every connection. Idempotent.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		p.setOutcomeOnce("Closed")
		close(p.maintStopCh)
		<-p.maintExited

		p.mu.Lock()
		all := make([]*connection.Connection, 0, len(p.active)+len(p.dying))
		for c := range p.active {
			all = append(all, c)
		}
		for c := range p.dying {
			all = append(all, c)
		}
		p.mu.Unlock()

		var wg sync.WaitGroup
		for _, c := range all {
			wg.Add(1)
			go func(c *connection.Connection) {
				defer wg.Done()
				c.Close()
			}(c)
		}
		wg.Wait()

		p.closed.Store(true)
	})
	return nil
}

func (p *Pool) setOutcomeOnce(outcome string) {
	p.outcomeMu.Lock()
	if p.outcome == "" {
		p.outcome = outcome
	}
	p.outcomeMu.Unlock()
}

// Outcome returns the recorded terminal outcome, or "" if the pool has not
// begun closing.
func (p *Pool) Outcome() string {
	p.outcomeMu.Lock()
	defer p.outcomeMu.Unlock()
	return p.outcome
}

// Closing reports whether the pool has begun terminating.
func (p *Pool) Closing() bool { return p.closing.Load() }

// Closed reports whether Close has finished.
func (p *Pool) Closed() bool { return p.closed.Load() }

// Stats is a point-in-time snapshot of the pool's counters.
type Stats struct {
	Active    int
	Dying     int
	Completed int64
	Errors    int64
	Retrying  int32
}

// Stats returns the pool's current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	active, dying := len(p.active), len(p.dying)
	p.mu.Unlock()

	return Stats{
		Active:    active,
		Dying:     dying,
		Completed: p.completed.Load(),
		Errors:    p.errs.Load(),
		Retrying:  p.retrying.Load(),
	}
}
