// Package netutil holds small connection-dialing helpers shared by
// connection.Create: binding outbound connections to a configured local
// IP (or round-robining across several, when a host's egress addresses
// must each be allowlisted with Apple separately).
package netutil

import (
	"net"
	"strings"
	"sync/atomic"
)

// BindConfig round-robins outbound TCP connections across zero, one, or
// several local IPs. A zero-value BindConfig (and a nil pointer) both
// return nil from NextLocalAddr, leaving dialing to the system default.
type BindConfig struct {
	addrs   []*net.TCPAddr
	counter uint64
}

// NewBindConfig parses a comma/space/semicolon-separated list of IPs.
// Invalid entries are skipped; an input with no valid IPs yields a
// BindConfig whose NextLocalAddr always returns nil.
func NewBindConfig(bindIPs string) *BindConfig {
	cfg := &BindConfig{}
	for _, s := range splitIPs(bindIPs) {
		if ip := net.ParseIP(s); ip != nil {
			cfg.addrs = append(cfg.addrs, &net.TCPAddr{IP: ip})
		}
	}
	return cfg
}

// NextLocalAddr returns the next local address to bind a dial to,
// round-robin across whatever addresses were configured.
func (b *BindConfig) NextLocalAddr() *net.TCPAddr {
	if b == nil || len(b.addrs) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&b.counter, 1) - 1
	return b.addrs[idx%uint64(len(b.addrs))]
}

// Count reports how many local addresses are configured.
func (b *BindConfig) Count() int {
	if b == nil {
		return 0
	}
	return len(b.addrs)
}

func splitIPs(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
}
