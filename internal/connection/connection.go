// Package connection drives one TLS + HTTP/2 session to one APNs origin.
// It owns stream identifiers, per-stream response accumulators, keepalive
// pings, and a terminal outcome string, following the same read-task /
// write-mutex split the teacher's session and strategy packages use around
// a raw net.Conn, but here driving golang.org/x/net/http2's Framer and
// hpack codec directly rather than the high-level http2.Transport — this
// client needs to observe GOAWAY, RST_STREAM and SETTINGS as they happen,
// not hide them behind a RoundTripper.
package connection

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/jdw/apnspush/internal/apnserr"
	"github.com/jdw/apnspush/internal/config"
	"github.com/jdw/apnspush/internal/metrics"
	"github.com/jdw/apnspush/internal/netutil"
	"github.com/jdw/apnspush/internal/request"
)

// Config configures one Connection. Collector and Logger may be nil.
type Config struct {
	DialTimeout       time.Duration
	KeepAliveInterval time.Duration
	MaxResponseBody   int
	Logger            *log.Logger

	// BindConfig optionally pins the outbound dial to a local IP (or
	// round-robins across several), for operators who must allowlist each
	// egress address with Apple separately. Nil uses the system default.
	BindConfig *netutil.BindConfig

	// Collector optionally receives keepalive-timeout events. Nil disables
	// the observation without affecting behavior.
	Collector *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = config.DefaultConnectTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = config.DefaultKeepAliveInterval
	}
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = config.DefaultMaxResponseBody
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Connection is one multiplexed HTTP/2 session to an APNs origin. All
// exported methods are safe for concurrent use; internal mutation happens
// either on the single read-loop goroutine or under mu/writeMu.
type Connection struct {
	origin config.Server
	cfg    Config

	conn    net.Conn
	framer  *http2.Framer
	writeMu sync.Mutex

	hpackEnc *hpack.Encoder
	hpackBuf *bytes.Buffer
	hpackDec *hpack.Decoder
	decoded  []hpack.HeaderField

	mu                   sync.Mutex
	pending              map[uint32]*pendingResponse
	nextStreamID         uint32
	maxConcurrentStreams uint32
	inflight             int
	buffered             int
	lastStreamIDSent     uint32

	closing atomic.Bool
	closed  atomic.Bool

	outcomeMu sync.Mutex
	outcome   string

	lastActivity    atomic.Int64
	pingOutstanding atomic.Bool

	// Flow-control accounting for DATA we send: connSendWindow is the
	// connection-level window (stream 0), streamSendWindow one entry per
	// open stream, both denominated in bytes the peer has told us we may
	// still send. streamInitWindow is the peer's current
	// SETTINGS_INITIAL_WINDOW_SIZE, applied to streams as they open.
	flowMu           sync.Mutex
	connSendWindow   int32
	streamInitWindow int32
	streamSendWindow map[uint32]int32
	flowWakeCh       chan struct{}

	closeOnce sync.Once
	doneCh    chan struct{}
}

// defaultWindowSize is HTTP/2's flow-control default for both the
// connection-level window and a stream's initial window, before any
// SETTINGS_INITIAL_WINDOW_SIZE or WINDOW_UPDATE changes it.
const defaultWindowSize = 65535

// Create dials origin, completes the TLS + HTTP/2 handshake (ALPN "h2",
// client preface, initial SETTINGS), and starts the read and keepalive
// tasks. On any handshake failure it returns Closed(reason); on success
// the connection is active.
func Create(ctx context.Context, origin config.Server, tlsConfig *tls.Config, cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout, LocalAddr: cfg.BindConfig.NextLocalAddr()}
	addr := fmt.Sprintf("%s:%d", origin.Host, origin.Port)
	rawConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &apnserr.Closed{Outcome: "dial:" + err.Error()}
	}
	rawConn = netutil.NewTrackedConn(rawConn, func() {
		cfg.Logger.Printf("connection: transport to %s closed", origin)
	})

	tlsConn := tls.Client(rawConn, tlsConfig)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		rawConn.Close()
		return nil, &apnserr.Closed{Outcome: "tls-handshake:" + err.Error()}
	}
	if tlsConn.ConnectionState().NegotiatedProtocol != "h2" {
		tlsConn.Close()
		return nil, &apnserr.Closed{Outcome: "alpn:no-h2"}
	}

	if _, err := tlsConn.Write([]byte(http2.ClientPreface)); err != nil {
		tlsConn.Close()
		return nil, &apnserr.Closed{Outcome: "preface:" + err.Error()}
	}

	c := &Connection{
		origin:               origin,
		cfg:                  cfg,
		conn:                 tlsConn,
		framer:               http2.NewFramer(tlsConn, tlsConn),
		hpackBuf:             new(bytes.Buffer),
		pending:              make(map[uint32]*pendingResponse),
		nextStreamID:         1,
		maxConcurrentStreams: config.DefaultMaxConcurrentStreams,
		connSendWindow:       defaultWindowSize,
		streamInitWindow:     defaultWindowSize,
		streamSendWindow:     make(map[uint32]int32),
		flowWakeCh:           make(chan struct{}, 1),
		doneCh:               make(chan struct{}),
	}
	c.hpackEnc = hpack.NewEncoder(c.hpackBuf)
	c.hpackDec = hpack.NewDecoder(config.HeaderTableSize, func(f hpack.HeaderField) {
		c.decoded = append(c.decoded, f)
	})
	c.lastActivity.Store(time.Now().UnixNano())

	if err := c.framer.WriteSettings(
		http2.Setting{ID: http2.SettingHeaderTableSize, Val: config.HeaderTableSize},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: config.InitialWindowSize},
	); err != nil {
		tlsConn.Close()
		return nil, &apnserr.Closed{Outcome: "settings:" + err.Error()}
	}

	go c.readLoop()
	go c.keepaliveLoop()

	return c, nil
}

// Post sends req as a new stream and awaits its Response, bounded by
// req.Deadline. On deadline expiry the stream is reset with CANCEL and
// the call fails with Timeout.
func (c *Connection) Post(ctx context.Context, req *request.Request) (*request.Response, error) {
	if c.closing.Load() {
		return nil, &apnserr.Blocked{Reason: c.Outcome()}
	}

	c.mu.Lock()
	if c.inflight+c.buffered >= int(c.maxConcurrentStreams) {
		c.mu.Unlock()
		return nil, &apnserr.Blocked{Reason: "max-concurrent-streams"}
	}
	streamID := c.nextStreamID
	c.nextStreamID += 2
	c.lastStreamIDSent = streamID
	pr := newPendingResponse(streamID)
	c.pending[streamID] = pr
	c.buffered++
	c.mu.Unlock()

	c.flowMu.Lock()
	c.streamSendWindow[streamID] = c.streamInitWindow
	c.flowMu.Unlock()

	if err := c.sendRequest(streamID, req); err != nil {
		c.removePending(streamID)
		c.mu.Lock()
		c.buffered--
		c.mu.Unlock()
		switch err.(type) {
		case *apnserr.Timeout, *apnserr.Closed:
			return nil, err
		}
		return nil, &apnserr.Closed{Outcome: err.Error()}
	}

	c.mu.Lock()
	c.buffered--
	c.inflight++
	c.mu.Unlock()

	timer := time.NewTimer(time.Until(req.Deadline))
	defer timer.Stop()

	select {
	case <-pr.done:
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
		return pr.resp, pr.err
	case <-timer.C:
		c.resetStream(streamID, http2.ErrCodeCancel)
		c.removePending(streamID)
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
		return nil, &apnserr.Timeout{}
	case <-ctx.Done():
		c.resetStream(streamID, http2.ErrCodeCancel)
		c.removePending(streamID)
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.doneCh:
		c.removePending(streamID)
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
		return nil, &apnserr.Closed{Outcome: c.Outcome()}
	}
}

func (c *Connection) sendRequest(streamID uint32, req *request.Request) error {
	if err := c.reserveSendWindow(streamID, int32(len(req.Body)), req.Deadline); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.hpackBuf.Reset()
	for _, f := range headerFields(c.origin, req) {
		if err := c.hpackEnc.WriteField(f); err != nil {
			return err
		}
	}
	block := append([]byte(nil), c.hpackBuf.Bytes()...)

	if err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: block,
		EndHeaders:    true,
	}); err != nil {
		return err
	}
	return c.framer.WriteData(streamID, true, req.Body)
}

// reserveSendWindow blocks until the peer has granted enough connection-level
// and stream-level send window for n bytes of DATA, waking on every
// WINDOW_UPDATE or SETTINGS_INITIAL_WINDOW_SIZE change rather than writing
// blind and stalling the connection once the peer's window is exhausted.
func (c *Connection) reserveSendWindow(streamID uint32, n int32, deadline time.Time) error {
	if n == 0 {
		return nil
	}
	for {
		c.flowMu.Lock()
		connWin := c.connSendWindow
		streamWin := c.streamSendWindow[streamID]
		if connWin >= n && streamWin >= n {
			c.connSendWindow = connWin - n
			c.streamSendWindow[streamID] = streamWin - n
			c.flowMu.Unlock()
			return nil
		}
		c.flowMu.Unlock()

		select {
		case <-c.flowWakeCh:
		case <-time.After(time.Until(deadline)):
			return &apnserr.Timeout{}
		case <-c.doneCh:
			return &apnserr.Closed{Outcome: c.Outcome()}
		}
	}
}

func (c *Connection) wakeFlow() {
	select {
	case c.flowWakeCh <- struct{}{}:
	default:
	}
}

func headerFields(origin config.Server, req *request.Request) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: req.Method},
		{Name: ":authority", Value: origin.Host},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: req.Path},
		{Name: "content-length", Value: fmt.Sprintf("%d", len(req.Body))},
	}

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, hpack.HeaderField{Name: k, Value: req.Header[k]})
	}
	return fields
}

func (c *Connection) resetStream(streamID uint32, code http2.ErrCode) {
	c.writeMu.Lock()
	c.framer.WriteRSTStream(streamID, code)
	c.writeMu.Unlock()
}

func (c *Connection) removePending(streamID uint32) *pendingResponse {
	c.mu.Lock()
	pr := c.pending[streamID]
	delete(c.pending, streamID)
	c.mu.Unlock()

	c.flowMu.Lock()
	delete(c.streamSendWindow, streamID)
	c.flowMu.Unlock()

	return pr
}

func (c *Connection) lookupPending(streamID uint32) *pendingResponse {
	c.mu.Lock()
	pr := c.pending[streamID]
	c.mu.Unlock()
	return pr
}

// Close sends GOAWAY, waits a grace period for inflight streams to drain,
// then closes the transport. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)

		c.writeMu.Lock()
		c.framer.WriteGoAway(c.lastStreamIDSent, http2.ErrCodeNo, nil)
		c.writeMu.Unlock()

		deadline := time.Now().Add(config.CloseDrainGrace)
		for c.Channels() > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}

		c.setOutcomeOnce("Closed")
		c.conn.Close()
		c.failAllPending(&apnserr.Closed{Outcome: c.Outcome()})
		c.closed.Store(true)
	})
	return nil
}

func (c *Connection) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*pendingResponse)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.complete(nil, err)
	}
}

func (c *Connection) setOutcomeOnce(outcome string) {
	c.outcomeMu.Lock()
	if c.outcome == "" {
		c.outcome = outcome
	}
	c.outcomeMu.Unlock()
}

// Outcome returns the recorded terminal outcome, or "" if the connection
// has not begun closing.
func (c *Connection) Outcome() string {
	c.outcomeMu.Lock()
	defer c.outcomeMu.Unlock()
	return c.outcome
}

// Closing reports whether the connection has begun terminating.
func (c *Connection) Closing() bool { return c.closing.Load() }

// MarkClosing flags the connection as closing without sending GOAWAY or
// touching the transport. Pool's maintenance loop uses this to evict a
// connection from its active set immediately — Post starts failing fast
// with Blocked — while deferring the actual GOAWAY/drain/close sequence
// until the connection has no open streams left.
func (c *Connection) MarkClosing() { c.closing.Store(true) }

// Closed reports whether the transport has been fully closed.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Channels returns the count of open streams (buffered + inflight +
// half-received) — equivalently, the number of PendingResponse entries.
func (c *Connection) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Inflight returns the count of streams sent and awaiting a final frame.
func (c *Connection) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// Buffered returns the count of streams reserved locally but not yet
// written to the wire.
func (c *Connection) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *Connection) terminate(outcome string) {
	c.closing.Store(true)
	c.setOutcomeOnce(outcome)
	c.failAllPending(&apnserr.Blocked{Reason: outcome})
}

func (c *Connection) recordPingTimeout() {
	if c.cfg.Collector != nil {
		c.cfg.Collector.RecordPingTimeout()
	}
}
