package connection

import (
	"bytes"
	"testing"
	"time"

	"golang.org/x/net/http2"
)

// frameFromWriter drives a real Framer to build a wire-correct frame and
// reads it straight back, so tests exercise handleSettings/handleWindowUpdate
// against genuine *http2.Frame values instead of hand-built structs (several
// of the concrete frame types carry unexported fields and can't be
// constructed as literals outside the http2 package).
func frameFromWriter(t *testing.T, write func(fr *http2.Framer)) http2.Frame {
	t.Helper()
	buf := new(bytes.Buffer)
	write(http2.NewFramer(buf, buf))

	frame, err := http2.NewFramer(buf, buf).ReadFrame()
	if err != nil {
		t.Fatalf("read back frame: %v", err)
	}
	return frame
}

func newTestConnectionForFlow() *Connection {
	buf := new(bytes.Buffer)
	return &Connection{
		framer:           http2.NewFramer(buf, buf),
		connSendWindow:   10,
		streamInitWindow: 10,
		streamSendWindow: map[uint32]int32{1: 10},
		flowWakeCh:       make(chan struct{}, 1),
		doneCh:           make(chan struct{}),
	}
}

func TestReserveSendWindow_GrantsImmediatelyWhenRoomExists(t *testing.T) {
	c := newTestConnectionForFlow()
	if err := c.reserveSendWindow(1, 5, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("reserveSendWindow: %v", err)
	}
	if c.connSendWindow != 5 || c.streamSendWindow[1] != 5 {
		t.Errorf("windows after reserve = conn=%d stream=%d, want 5/5", c.connSendWindow, c.streamSendWindow[1])
	}
}

func TestReserveSendWindow_BlocksUntilWindowUpdate(t *testing.T) {
	c := newTestConnectionForFlow()
	c.connSendWindow = 2
	c.streamSendWindow[1] = 2

	done := make(chan error, 1)
	go func() { done <- c.reserveSendWindow(1, 5, time.Now().Add(2*time.Second)) }()

	select {
	case <-done:
		t.Fatal("reserveSendWindow returned before enough window was granted")
	case <-time.After(50 * time.Millisecond):
	}

	streamUpdate := frameFromWriter(t, func(fr *http2.Framer) {
		fr.WriteWindowUpdate(1, 10)
	}).(*http2.WindowUpdateFrame)
	c.handleWindowUpdate(streamUpdate)

	connUpdate := frameFromWriter(t, func(fr *http2.Framer) {
		fr.WriteWindowUpdate(0, 10)
	}).(*http2.WindowUpdateFrame)
	c.handleWindowUpdate(connUpdate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("reserveSendWindow: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reserveSendWindow never unblocked after WINDOW_UPDATE")
	}
}

func TestReserveSendWindow_TimesOutAtDeadline(t *testing.T) {
	c := newTestConnectionForFlow()
	c.connSendWindow = 1
	c.streamSendWindow[1] = 1

	err := c.reserveSendWindow(1, 5, time.Now().Add(20*time.Millisecond))
	if err == nil {
		t.Fatal("expected a timeout error when the peer never grants enough window, got nil")
	}
}

func TestHandleSettings_InitialWindowSizeAdjustsOpenStreams(t *testing.T) {
	c := newTestConnectionForFlow()

	f := frameFromWriter(t, func(fr *http2.Framer) {
		fr.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 20})
	}).(*http2.SettingsFrame)
	c.handleSettings(f)

	if c.streamInitWindow != 20 {
		t.Errorf("streamInitWindow = %d, want 20", c.streamInitWindow)
	}
	if got := c.streamSendWindow[1]; got != 20 {
		t.Errorf("existing stream window = %d, want 20 (10 plus the delta of 10)", got)
	}
}
