// Package connpool implements the per-(backend-kind, server-index) bounded
// connection pool described in spec §4.3: one connection per concurrent
// in-flight request, capped at a configurable maximum, with dead connections
// discarded rather than returned.
//
// The pool's shape generalizes the teacher's node registry — instead of
// mapping a shard ID to one owning node, it maps a (kind, index) pair to a
// bounded set of live TCP connections to that server.
package connpool

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/dreamware/julea/internal/jerror"
	"github.com/dreamware/julea/internal/julealog"
)

// Credentials is a lightweight user/group record following the original
// implementation (SPEC_FULL §13.2). It is a type declaration only: Pool does
// not attach it to connections and the message header does not carry it.
type Credentials struct {
	User  string
	Group string
}

// Key identifies one backend server: its kind ("object", "kv", "db") and its
// index into that kind's configured server list.
type Key struct {
	Kind  string
	Index int
}

// Conn wraps a net.Conn with the pool bookkeeping fields spec §3 describes
// for "Connection": backend-kind label, server index, and in-use flag.
type Conn struct {
	net.Conn
	Key     Key
	inUse   bool
	broken  bool
}

// Dialer opens a new connection to the given server address. Production
// callers pass net.Dial-backed implementations; tests substitute an
// in-process pipe dialer.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Pool is a bounded, per-Key multi-producer/single-consumer queue of idle
// connections (spec §4.3). One open connection is sufficient per concurrent
// in-flight request because the wire protocol is strictly request/reply per
// connection (rationale: multiplexing would complicate the ordering
// guarantees batch scheduling promises).
type Pool struct {
	dial           Dialer
	addrs          map[Key]string
	idle           map[Key][]*Conn
	outstanding    map[Key]int
	waiters        map[Key][]chan *Conn
	maxConnections int
	mu             sync.Mutex
}

// New creates a pool. addrs maps each Key this pool will ever be asked for
// to its "host:port" address (spec §6 "servers" section, indexed); maxConns
// is the per-Key cap (typical 8, from [core] max-connections).
func New(dial Dialer, addrs map[Key]string, maxConns int) *Pool {
	if maxConns <= 0 {
		maxConns = 8
	}
	return &Pool{
		dial:           dial,
		addrs:          addrs,
		idle:           make(map[Key][]*Conn),
		outstanding:    make(map[Key]int),
		waiters:        make(map[Key][]chan *Conn),
		maxConnections: maxConns,
	}
}

// Pop borrows a connection for Key, opening a new one if the outstanding
// count is below the configured maximum; otherwise it blocks until one is
// returned via Push, or ctx is done.
func (p *Pool) Pop(ctx context.Context, key Key) (*Conn, error) {
	p.mu.Lock()
	if idle := p.idle[key]; len(idle) > 0 {
		c := idle[len(idle)-1]
		p.idle[key] = idle[:len(idle)-1]
		c.inUse = true
		p.mu.Unlock()
		return c, nil
	}

	if p.outstanding[key] < p.maxConnections {
		p.outstanding[key]++
		addr, ok := p.addrs[key]
		p.mu.Unlock()
		if !ok {
			p.mu.Lock()
			p.outstanding[key]--
			p.mu.Unlock()
			return nil, jerror.Config("no server address configured for "+key.Kind, nil)
		}

		raw, err := p.dial(ctx, addr)
		if err != nil {
			p.mu.Lock()
			p.outstanding[key]--
			p.mu.Unlock()
			return nil, jerror.Net("failed to dial "+addr, err)
		}
		julealog.L().Debug("connpool: opened connection",
			zap.String("kind", key.Kind), zap.Int("index", key.Index), zap.String("addr", addr))
		return &Conn{Conn: raw, Key: key, inUse: true}, nil
	}

	wait := make(chan *Conn, 1)
	p.waiters[key] = append(p.waiters[key], wait)
	p.mu.Unlock()

	select {
	case c := <-wait:
		if c == nil {
			return nil, jerror.Net("connection pool closed while waiting", nil)
		}
		return c, nil
	case <-ctx.Done():
		return nil, jerror.Net("timed out waiting for a pooled connection", ctx.Err())
	}
}

// Push returns a connection to the pool. A connection that errored during
// use (broken == true, typically set by the caller after an I/O error) is
// closed and discarded instead of being returned to the idle queue (spec
// §4.3, §5 "connections released on error are discarded").
func (p *Pool) Push(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.inUse = false

	if c.broken {
		p.outstanding[c.Key]--
		_ = c.Close()
		return
	}

	if waiters := p.waiters[c.Key]; len(waiters) > 0 {
		next := waiters[0]
		p.waiters[c.Key] = waiters[1:]
		c.inUse = true
		next <- c
		return
	}

	p.idle[c.Key] = append(p.idle[c.Key], c)
}

// MarkBroken flags a connection as dead on I/O error; the next Push call
// will close it rather than return it to the idle queue.
func (c *Conn) MarkBroken() { c.broken = true }

// Stats reports, per Key, how many connections are currently idle. Used for
// diagnostics and tests; not on any hot path.
func (p *Pool) Stats() map[Key]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[Key]int, len(p.idle))
	for _, key := range maps.Keys(p.idle) {
		out[key] = len(p.idle[key])
	}
	return out
}

// Close closes every idle connection and unblocks any pending waiters with
// an error. In-flight (popped) connections are unaffected; callers should
// stop issuing new operations before calling Close.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, conns := range p.idle {
		for _, c := range conns {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(p.idle, key)
	}
	for key, waiters := range p.waiters {
		for _, w := range waiters {
			close(w)
		}
		delete(p.waiters, key)
	}
	return firstErr
}
