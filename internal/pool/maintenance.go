package pool

import (
	"context"
	"time"

	"github.com/jdw/apnspush/internal/config"
	"github.com/jdw/apnspush/internal/connection"
)

// maintain wakes on a resize/termination signal or every second, whichever
// comes first, and runs one pass of: reap connections that marked
// themselves closing, evict surplus connections down to the target size,
// drop or close drained dying connections, and open new connections up to
// the target size.
func (p *Pool) maintain() {
	ticker := time.NewTicker(config.MaintenanceInterval)
	defer ticker.Stop()
	defer close(p.maintExited)

	for {
		if p.Closing() || p.Closed() {
			return
		}

		p.reapClosingActive()
		if p.evictSurplus() {
			return
		}
		if p.reapDying() {
			return
		}
		if p.growToTarget() {
			return
		}
		p.reportConnectionCounts()

		select {
		case <-p.maintStopCh:
			return
		case <-p.wakeCh:
		case <-ticker.C:
		}
	}
}

func (p *Pool) reapClosingActive() {
	p.mu.Lock()
	var toMove []*connection.Connection
	for c := range p.active {
		if c.Closing() {
			toMove = append(toMove, c)
		}
	}
	for _, c := range toMove {
		delete(p.active, c)
		p.dying[c] = struct{}{}
	}
	p.mu.Unlock()

	for _, c := range toMove {
		p.terminationHook(c)
	}
}

// evictSurplus moves connections from active to dying while |active|
// exceeds the target size, marking each closing. Returns true if the pool
// began closing mid-loop.
func (p *Pool) evictSurplus() bool {
	for {
		target := int(p.size.Load())

		p.mu.Lock()
		if len(p.active) <= target {
			p.mu.Unlock()
			return false
		}
		var victim *connection.Connection
		for c := range p.active {
			victim = c
			break
		}
		delete(p.active, victim)
		p.dying[victim] = struct{}{}
		p.mu.Unlock()

		victim.MarkClosing()
		p.terminationHook(victim)

		if p.Closing() || p.Closed() {
			return true
		}
	}
}

// reapDying drops fully closed connections and closes drained ones.
// Returns true if the pool began closing mid-loop.
func (p *Pool) reapDying() bool {
	p.mu.Lock()
	dying := make([]*connection.Connection, 0, len(p.dying))
	for c := range p.dying {
		dying = append(dying, c)
	}
	p.mu.Unlock()

	for _, c := range dying {
		if c.Closed() {
			p.mu.Lock()
			delete(p.dying, c)
			p.mu.Unlock()
			p.terminationHook(c)
		} else if c.Channels() == 0 {
			p.mu.Lock()
			delete(p.dying, c)
			p.mu.Unlock()
			c.Close()
			p.terminationHook(c)
		}

		if p.Closing() || p.Closed() {
			return true
		}
	}
	return false
}

// growToTarget opens connections, rate-limited, until |active| reaches the
// target size or one creation fails. Returns true if the pool began
// closing mid-loop.
func (p *Pool) growToTarget() bool {
	for {
		target := int(p.size.Load())

		p.mu.Lock()
		n := len(p.active)
		p.mu.Unlock()
		if n >= target {
			return false
		}

		if err := p.limiter.Wait(context.Background()); err != nil {
			return false
		}

		if !p.addOneConnection() {
			return false
		}
		if p.Closing() || p.Closed() {
			return true
		}
	}
}

func (p *Pool) addOneConnection() bool {
	c, err := connection.Create(context.Background(), p.origin, p.tlsConfig, p.cfg.ConnConfig)
	if p.cfg.Collector != nil {
		p.cfg.Collector.RecordConnectionAttempt()
	}
	if err != nil {
		if p.cfg.Collector != nil {
			p.cfg.Collector.RecordConnectionFailure()
		}
		p.cfg.Logger.Printf("pool: failed creating connection to %s: %v", p.origin, err)
		return false
	}

	p.mu.Lock()
	p.active[c] = struct{}{}
	p.mu.Unlock()
	p.terminationHook(c)
	return true
}

// reportConnectionCounts publishes the current active/dying split to the
// Collector's gauges, so a Reporter reading it sees the pool's shape between
// maintenance passes rather than only at Stats() call time.
func (p *Pool) reportConnectionCounts() {
	if p.cfg.Collector == nil {
		return
	}
	p.mu.Lock()
	active, dying := len(p.active), len(p.dying)
	p.mu.Unlock()
	p.cfg.Collector.SetConnectionCounts(active, dying)
}

// terminationHook closes the pool the first time a connection reports
// BadCertificateEnvironment: a certificate valid for the wrong APNs
// environment will fail identically on every connection, so there is
// nothing left to retry.
func (p *Pool) terminationHook(c *connection.Connection) {
	if p.Outcome() == "" && c.Outcome() == "BadCertificateEnvironment" {
		p.closing.Store(true)
		p.setOutcomeOnce(c.Outcome())
	}
}
