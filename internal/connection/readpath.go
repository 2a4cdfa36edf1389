package connection

import (
	"encoding/json"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/jdw/apnspush/internal/apnserr"
	"github.com/jdw/apnspush/internal/request"
)

func (c *Connection) readLoop() {
	defer close(c.doneCh)

	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.terminate(apnserr.ClassifyTransport(err).String() + ":" + err.Error())
			return
		}
		c.lastActivity.Store(time.Now().UnixNano())

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			c.handleSettings(f)
		case *http2.HeadersFrame:
			c.handleHeaders(f)
		case *http2.DataFrame:
			c.handleData(f)
		case *http2.RSTStreamFrame:
			c.handleReset(f)
		case *http2.GoAwayFrame:
			c.handleGoAway(f)
		case *http2.PingFrame:
			c.handlePing(f)
		case *http2.WindowUpdateFrame:
			c.handleWindowUpdate(f)
		default:
			// Unknown frame types (or streams) are logged and ignored —
			// they cannot crash the session.
			c.cfg.Logger.Printf("connection: ignored frame %T", frame)
		}

		if c.closed.Load() {
			return
		}
	}
}

func (c *Connection) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			c.mu.Lock()
			c.maxConcurrentStreams = s.Val
			c.mu.Unlock()
		case http2.SettingInitialWindowSize:
			// Per RFC 7540 §6.9.2, a changed initial window size retroactively
			// adjusts every stream's send window by the delta, not just new
			// streams opened after this SETTINGS frame.
			c.flowMu.Lock()
			delta := int32(s.Val) - c.streamInitWindow
			c.streamInitWindow = int32(s.Val)
			for id, w := range c.streamSendWindow {
				c.streamSendWindow[id] = w + delta
			}
			c.flowMu.Unlock()
			c.wakeFlow()
		}
		return nil
	})
	c.writeMu.Lock()
	c.framer.WriteSettingsAck()
	c.writeMu.Unlock()
}

func (c *Connection) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	c.flowMu.Lock()
	if f.StreamID == 0 {
		c.connSendWindow += int32(f.Increment)
	} else {
		c.streamSendWindow[f.StreamID] += int32(f.Increment)
	}
	c.flowMu.Unlock()
	c.wakeFlow()
}

func (c *Connection) handleHeaders(f *http2.HeadersFrame) {
	c.decoded = c.decoded[:0]
	if _, err := c.hpackDec.Write(f.HeaderBlockFragment()); err != nil {
		c.terminate("hpack:" + err.Error())
		return
	}
	if !f.HeadersEnded() {
		return
	}

	pr := c.lookupPending(f.StreamID)
	if pr == nil {
		c.cfg.Logger.Printf("connection: headers for unknown stream %d", f.StreamID)
		return
	}
	applyHeaders(pr, c.decoded)

	if f.StreamEnded() {
		c.completeStream(f.StreamID)
	}
}

func applyHeaders(pr *pendingResponse, fields []hpack.HeaderField) {
	for _, f := range fields {
		switch f.Name {
		case ":status":
			if status, err := strconv.Atoi(f.Value); err == nil {
				pr.status = status
			}
		case "apns-id":
			pr.apnsID = f.Value
		}
	}
}

func (c *Connection) handleData(f *http2.DataFrame) {
	data := f.Data()

	pr := c.lookupPending(f.StreamID)
	if pr == nil {
		// The bytes still counted against the peer's flow-control windows
		// even though we have nowhere to deliver them, so they still need
		// acknowledging or the connection stalls for every other stream too.
		c.replenishWindow(f.StreamID, len(data))
		return
	}

	if len(pr.body)+len(data) > c.cfg.MaxResponseBody {
		c.removePending(f.StreamID)
		pr.complete(nil, &apnserr.ResponseTooLarge{Limit: c.cfg.MaxResponseBody})
		c.resetStream(f.StreamID, http2.ErrCodeCancel)
		c.replenishWindow(f.StreamID, len(data))
		return
	}
	pr.body = append(pr.body, data...)
	c.replenishWindow(f.StreamID, len(data))

	if f.StreamEnded() {
		c.completeStream(f.StreamID)
	}
}

// replenishWindow sends WINDOW_UPDATE frames crediting back n bytes at both
// the connection level and the given stream, as soon as the bytes are
// consumed rather than batching — response bodies here are at most a few
// KiB, so there is no throughput benefit to withholding credit.
func (c *Connection) replenishWindow(streamID uint32, n int) {
	if n == 0 {
		return
	}
	c.writeMu.Lock()
	c.framer.WriteWindowUpdate(0, uint32(n))
	c.framer.WriteWindowUpdate(streamID, uint32(n))
	c.writeMu.Unlock()
}

func (c *Connection) completeStream(streamID uint32) {
	pr := c.removePending(streamID)
	if pr == nil {
		return
	}

	if pr.status == 200 {
		pr.complete(&request.Response{
			ApnsID: pr.apnsID,
			Status: pr.status,
			Body:   pr.body,
		}, nil)
		return
	}

	err := reasonError(pr)
	pr.complete(nil, err)

	// A certificate valid for the wrong APNs environment fails identically
	// on every stream this connection will ever carry, so there is no point
	// leaving the connection open for the pool to keep scheduling work onto.
	if apnserr.IsBadCertificateEnvironment(err) {
		c.closing.Store(true)
		c.setOutcomeOnce("BadCertificateEnvironment")
		c.failAllPending(&apnserr.Blocked{Reason: "BadCertificateEnvironment"})
	}
}

func reasonError(pr *pendingResponse) error {
	var parsed struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(pr.body, &parsed); err != nil || parsed.Reason == "" {
		parsed.Reason = string(pr.body)
	}
	return apnserr.NewReasonError(parsed.Reason, pr.apnsID, pr.status)
}

func (c *Connection) handleReset(f *http2.RSTStreamFrame) {
	pr := c.removePending(f.StreamID)
	if pr == nil {
		return
	}
	pr.complete(nil, &apnserr.StreamReset{Code: uint32(f.ErrCode)})
}

func (c *Connection) handleGoAway(f *http2.GoAwayFrame) {
	outcome := goAwayOutcome(f)
	c.closing.Store(true)
	c.setOutcomeOnce(outcome)

	lastID := f.LastStreamID
	c.mu.Lock()
	var failed []*pendingResponse
	for id, pr := range c.pending {
		if id > lastID {
			delete(c.pending, id)
			failed = append(failed, pr)
		}
	}
	c.mu.Unlock()

	for _, pr := range failed {
		pr.complete(nil, &apnserr.Blocked{Reason: outcome})
	}
}

func goAwayOutcome(f *http2.GoAwayFrame) string {
	if dbg := f.DebugData(); len(dbg) > 0 {
		return string(dbg)
	}
	return f.ErrCode.String()
}

func (c *Connection) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		c.pingOutstanding.Store(false)
		return
	}
	c.writeMu.Lock()
	c.framer.WritePing(true, f.Data)
	c.writeMu.Unlock()
}
