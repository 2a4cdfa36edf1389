// Package request holds the plain data types shared across the connection
// and pool layers: the outbound Request and the Response or error it
// produces. Both are immutable once constructed.
package request

import "time"

// Request is a single APNs POST, immutable after construction. Deadline is
// computed from Timeout at construction time and is the sole time budget
// honored by the pool and connection layers.
type Request struct {
	Method   string // always "POST"
	Path     string
	Header   map[string]string
	Body     []byte
	Deadline time.Time
}

// New builds a Request whose Deadline is now+timeout. A zero timeout means
// "already due" — the very first Pool.Post check will fail it with Timeout
// without ever touching a connection.
func New(path string, header map[string]string, body []byte, timeout time.Duration) *Request {
	return &Request{
		Method:   "POST",
		Path:     path,
		Header:   header,
		Body:     body,
		Deadline: time.Now().Add(timeout),
	}
}

// Response is constructed only on HTTP status 200; non-2xx paths produce a
// typed error from package apnserr instead.
type Response struct {
	ApnsID string
	Status int
	Body   []byte
}
