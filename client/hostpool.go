package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/dan-strohschein/cql-driver/protocol"
)

// PoolStats is a snapshot of a host pool.
type PoolStats struct {
	Connections int
	InFlight    int
	Down        bool
	Reconnects  int64
	DialErrors  int64
}

type dialFunc func(ctx context.Context, handler ConnectionHandler) (*Connection, error)

// HostPool keeps up to size connections to one host. Closed connections are
// replaced by a background reconnect loop paced by the ReconnectPolicy; the
// host is not offered to the selection policy until one of its connections
// is READY.
type HostPool struct {
	addr    string
	size    int
	dial    dialFunc
	policy  ReconnectPolicy
	logger  log.Logger
	metrics *metrics

	mu           sync.Mutex
	conns        []*Connection
	down         bool
	closed       bool
	reconnecting bool
	kick         context.CancelFunc

	reconnects atomic.Int64
	dialErrors atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHostPool(addr string, size int, dial dialFunc, policy ReconnectPolicy, logger log.Logger, m *metrics) *HostPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &HostPool{
		addr:    addr,
		size:    size,
		dial:    dial,
		policy:  policy,
		logger:  log.With(logger, "component", "host_pool", "host", addr),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Address returns the host:port of the pool.
func (p *HostPool) Address() string { return p.addr }

// fill opens the missing connections in parallel. It fails only when the
// pool ends up with no connection; missing connections are then left to
// the reconnect loop.
func (p *HostPool) fill(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := p.missing(); i > 0; i-- {
		g.Go(func() error {
			conn, err := p.dial(gctx, p)
			if err != nil {
				p.dialErrors.Add(1)
				return err
			}
			if !p.add(conn) {
				conn.Close()
			}
			return nil
		})
	}
	err := g.Wait()
	if p.missing() > 0 {
		p.scheduleReconnect()
	}
	if err != nil && p.Connections() == 0 {
		return protocol.WrapError(protocol.KindNoHostAvailable, "no connection to "+p.addr, err)
	}
	return nil
}

func (p *HostPool) missing() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return p.size - len(p.conns)
}

// add adopts a READY connection. A connection that closed before it got
// here has already reported ConnectionClosed and must not take a slot.
func (p *HostPool) add(conn *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.conns) >= p.size || conn.State() != READY {
		return false
	}
	p.conns = append(p.conns, conn)
	p.down = false
	return true
}

// Connections returns the number of open connections.
func (p *HostPool) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// InFlight returns the number of requests in flight on all connections.
func (p *HostPool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		n += c.InFlight()
	}
	return n
}

// Available reports whether the host can serve requests.
func (p *HostPool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.down {
		return false
	}
	for _, c := range p.conns {
		if c.State() == READY {
			return true
		}
	}
	return false
}

// Borrow returns the READY connection with the fewest requests in flight.
// The connection stays owned by the pool.
func (p *HostPool) Borrow() (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *Connection
	bestLoad := 0
	for _, c := range p.conns {
		if c.State() != READY {
			continue
		}
		if load := c.InFlight(); best == nil || load < bestLoad {
			best, bestLoad = c, load
		}
	}
	if best == nil {
		return nil, protocol.NewError(protocol.KindNoHostAvailable, "host has no ready connection", map[string]interface{}{"host": p.addr})
	}
	return best, nil
}

// ConnectionClosed implements ConnectionHandler.
func (p *HostPool) ConnectionClosed(conn *Connection, err error) {
	p.mu.Lock()
	for i, c := range p.conns {
		if c == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return
	}
	level.Warn(p.logger).Log("msg", "connection lost", "err", err)
	p.scheduleReconnect()
}

// HandleEvent implements ConnectionHandler. Pool connections do not
// register for events.
func (p *HostPool) HandleEvent(_ *Connection, ev *protocol.Event) {
	level.Debug(p.logger).Log("msg", "ignoring event on pool connection", "type", ev.Type)
}

// MarkDown withdraws the host from selection until it reconnects or is
// marked up.
func (p *HostPool) MarkDown() {
	p.mu.Lock()
	p.down = true
	p.mu.Unlock()
	level.Info(p.logger).Log("msg", "host marked down")
}

// MarkUp returns the host to selection and restarts a pending reconnect
// cycle without waiting for its backoff.
func (p *HostPool) MarkUp() {
	p.mu.Lock()
	p.down = false
	kick := p.kick
	p.mu.Unlock()
	level.Info(p.logger).Log("msg", "host marked up")

	if kick != nil {
		kick()
		return
	}
	if p.missing() > 0 {
		p.scheduleReconnect()
	}
}

func (p *HostPool) scheduleReconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.reconnecting {
		return
	}
	p.reconnecting = true
	p.wg.Add(1)
	go p.reconnectLoop()
}

func (p *HostPool) reconnectLoop() {
	defer p.wg.Done()
	for {
		cycleCtx, kick := context.WithCancel(p.ctx)
		p.mu.Lock()
		p.kick = kick
		p.mu.Unlock()

		full := p.reconnectCycle(cycleCtx)
		kicked := cycleCtx.Err() != nil && p.ctx.Err() == nil
		kick()

		p.mu.Lock()
		p.kick = nil
		switch {
		case p.closed:
		case full && len(p.conns) < p.size:
			// A connection was lost while the cycle finished.
			p.mu.Unlock()
			continue
		case !full && kicked:
			p.mu.Unlock()
			continue
		case !full:
			level.Error(p.logger).Log("msg", "giving up reconnecting", "connections", len(p.conns))
		}
		p.reconnecting = false
		p.mu.Unlock()
		return
	}
}

// reconnectCycle dials until the pool is full or the schedule ends.
func (p *HostPool) reconnectCycle(ctx context.Context) bool {
	schedule := p.policy.NewSchedule(ctx)
	for schedule.Ongoing() {
		if p.missing() == 0 {
			return true
		}
		p.reconnects.Add(1)
		p.metrics.reconnects.Inc()

		conn, err := p.dial(p.ctx, p)
		if err == nil {
			if !p.add(conn) {
				conn.Close()
				if p.missing() == 0 {
					return true
				}
				schedule.Wait()
				continue
			}
			level.Info(p.logger).Log("msg", "reconnected", "attempts", schedule.NumRetries()+1)
			schedule.Reset()
			continue
		}
		p.dialErrors.Add(1)
		level.Warn(p.logger).Log("msg", "reconnect failed", "attempt", schedule.NumRetries()+1, "err", err)
		schedule.Wait()
	}
	return p.missing() == 0
}

// Close drains every connection, bounded by ctx, and stops reconnecting.
func (p *HostPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := append([]*Connection(nil), p.conns...)
	p.conns = nil
	p.mu.Unlock()

	p.cancel()

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error { return c.Drain(ctx) })
	}
	err := g.Wait()
	p.wg.Wait()
	return err
}

// Stats returns a snapshot of the pool.
func (p *HostPool) Stats() PoolStats {
	p.mu.Lock()
	down := p.down
	p.mu.Unlock()
	return PoolStats{
		Connections: p.Connections(),
		InFlight:    p.InFlight(),
		Down:        down,
		Reconnects:  p.reconnects.Load(),
		DialErrors:  p.dialErrors.Load(),
	}
}

var _ ConnectionHandler = (*HostPool)(nil)
