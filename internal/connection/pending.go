package connection

import (
	"sync"

	"github.com/jdw/apnspush/internal/request"
)

// pendingResponse is a one-shot: a single producer (the read loop) and a
// single consumer (Post's waiter), exactly one transition from pending to
// either completed-with-response or failed-with-error.
type pendingResponse struct {
	streamID uint32

	status int
	apnsID string
	body   []byte

	done chan struct{}
	resp *request.Response
	err  error
	once sync.Once
}

func newPendingResponse(streamID uint32) *pendingResponse {
	return &pendingResponse{
		streamID: streamID,
		done:     make(chan struct{}),
	}
}

func (p *pendingResponse) complete(resp *request.Response, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
	})
}
