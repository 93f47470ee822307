package client

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"

	"github.com/dan-strohschein/cql-driver/protocol"
)

const (
	queryLocalSchema = "SELECT schema_version FROM system.local WHERE key='local'"
	queryPeers       = "SELECT peer, rpc_address FROM system.peers"
	queryPeerSchemas = "SELECT peer, rpc_address, schema_version FROM system.peers"

	schemaAgreementPoll = 200 * time.Millisecond
)

// controlConn is the connection used for topology discovery, server events
// and schema agreement. It reconnects to any known host when lost.
type controlConn struct {
	session *Session
	logger  log.Logger

	conn         atomic.Pointer[Connection]
	closed       atomic.Bool
	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

func newControlConn(s *Session) *controlConn {
	return &controlConn{
		session: s,
		logger:  log.With(s.logger, "component", "control"),
	}
}

// connect opens the control connection to the first reachable host.
func (c *controlConn) connect(ctx context.Context, hosts []string) error {
	var errs multierror.MultiError
	for _, host := range shuffleHosts(hosts) {
		conn, err := c.setup(ctx, host)
		if err != nil {
			level.Info(c.logger).Log("msg", "control connection failed to connect to host", "host", host, "err", err)
			errs.Add(err)
			continue
		}
		c.conn.Store(conn)
		level.Info(c.logger).Log("msg", "control connection connected", "host", host)
		return nil
	}
	return protocol.WrapError(protocol.KindNoHostAvailable, "unable to connect to any contact point", errs.Err())
}

func (c *controlConn) setup(ctx context.Context, host string) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.session.cfg.ControlConnectionTimeout)
	defer cancel()

	conn, err := dialConnection(ctx, host, c.session.factory, c.session.connConfig(""), c)
	if err != nil {
		return nil, err
	}
	if err := c.registerEvents(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *controlConn) registerEvents(ctx context.Context, conn *Connection) error {
	if c.session.cfg.DisableEvents {
		return nil
	}
	resp, err := conn.Request(&protocol.Register{Events: []string{
		protocol.EventTopologyChange,
		protocol.EventStatusChange,
		protocol.EventSchemaChange,
	}}).Get(ctx)
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.Ready); !ok {
		return unexpectedResponse(protocol.OpRegister, resp)
	}
	return nil
}

// query runs statement on the control connection at consistency ONE.
func (c *controlConn) query(ctx context.Context, statement string) (*Result, error) {
	conn := c.conn.Load()
	if conn == nil {
		return nil, protocol.NewError(protocol.KindNoHostAvailable, "no control connection available", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, c.session.cfg.ControlConnectionTimeout)
	defer cancel()

	resp, err := conn.Request(&protocol.Query{
		Statement: statement,
		Params:    protocol.QueryParams{Consistency: protocol.One},
	}).Get(ctx)
	if err != nil {
		level.Warn(c.logger).Log("msg", "control statement failed", "statement", statement, "err", err)
		return nil, err
	}
	return newResult(resp, conn.Version(), nil)
}

// host returns the address of the control connection.
func (c *controlConn) host() string {
	if conn := c.conn.Load(); conn != nil {
		return conn.Host()
	}
	return ""
}

// discoverHosts returns the control host followed by the peers it knows.
func (c *controlConn) discoverHosts(ctx context.Context) ([]string, error) {
	local := c.host()
	if local == "" {
		return nil, protocol.NewError(protocol.KindNoHostAvailable, "no control connection available", nil)
	}
	res, err := c.query(ctx, queryPeers)
	if err != nil {
		return nil, err
	}

	hosts := []string{local}
	seen := map[string]bool{local: true}
	it := res.Rows()
	for it.Next() {
		ip, err := peerAddress(it.Row())
		if err != nil {
			return nil, err
		}
		addr := net.JoinHostPort(ip.String(), c.session.cfg.portString())
		if !seen[addr] {
			seen[addr] = true
			hosts = append(hosts, addr)
		}
	}
	return hosts, it.Err()
}

// peerAddress prefers rpc_address and falls back to peer when the node
// listens on all interfaces.
func peerAddress(row *Row) (net.IP, error) {
	col, err := row.ColumnByName("rpc_address")
	if err != nil {
		return nil, err
	}
	ip, err := col.Inet()
	if err != nil {
		return nil, err
	}
	if ip == nil || ip.IsUnspecified() {
		col, err = row.ColumnByName("peer")
		if err != nil {
			return nil, err
		}
		return col.Inet()
	}
	return ip, nil
}

// awaitSchemaAgreement polls the schema versions until every reachable node
// reports the same one or ctx ends.
func (c *controlConn) awaitSchemaAgreement(ctx context.Context) error {
	ticker := time.NewTicker(schemaAgreementPoll)
	defer ticker.Stop()

	var lastErr error
	for {
		versions, err := c.schemaVersions(ctx)
		if err == nil && len(versions) <= 1 {
			return nil
		}
		lastErr = err
		if err == nil {
			level.Debug(c.logger).Log("msg", "schema versions differ", "versions", len(versions))
		}

		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return protocol.WrapError(protocol.KindTimeout, "unable to reach schema agreement", lastErr)
		case <-ticker.C:
		}
	}
}

func (c *controlConn) schemaVersions(ctx context.Context) (map[string]struct{}, error) {
	versions := make(map[string]struct{})

	local, err := c.query(ctx, queryLocalSchema)
	if err != nil {
		return nil, err
	}
	if row, ok, err := local.First(); err != nil {
		return nil, err
	} else if ok {
		col, err := row.ColumnByName("schema_version")
		if err != nil {
			return nil, err
		}
		v, err := col.UUID()
		if err != nil {
			return nil, err
		}
		versions[v.String()] = struct{}{}
	}

	peers, err := c.query(ctx, queryPeerSchemas)
	if err != nil {
		return nil, err
	}
	it := peers.Rows()
	for it.Next() {
		ip, err := peerAddress(it.Row())
		if err != nil {
			return nil, err
		}
		if pool := c.session.pool(net.JoinHostPort(ip.String(), c.session.cfg.portString())); pool != nil && !pool.Available() {
			continue
		}
		col, err := it.Row().ColumnByName("schema_version")
		if err != nil {
			return nil, err
		}
		if col.IsNull() {
			continue
		}
		v, err := col.UUID()
		if err != nil {
			return nil, err
		}
		versions[v.String()] = struct{}{}
	}
	return versions, it.Err()
}

// ConnectionClosed implements ConnectionHandler.
func (c *controlConn) ConnectionClosed(conn *Connection, err error) {
	if c.closed.Load() || c.conn.Load() != conn {
		return
	}
	level.Warn(c.logger).Log("msg", "control connection lost", "host", conn.Host(), "err", err)
	c.reconnect()
}

func (c *controlConn) reconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.reconnecting.Store(false)
		c.reconnectLoop()
	}()
}

func (c *controlConn) reconnectLoop() {
	ctx := c.session.ctx
	schedule := c.session.reconnect.NewSchedule(ctx)
	for schedule.Ongoing() {
		c.session.metrics.reconnects.Inc()
		for _, host := range c.candidates() {
			conn, err := c.setup(ctx, host)
			if err != nil {
				level.Debug(c.logger).Log("msg", "control reconnect attempt failed", "host", host, "err", err)
				continue
			}
			c.conn.Store(conn)
			// close may have run before the store and missed conn.
			if c.closed.Load() {
				if c.conn.CompareAndSwap(conn, nil) {
					conn.Close()
				}
				return
			}
			level.Info(c.logger).Log("msg", "control connection reconnected", "host", host, "attempts", schedule.NumRetries()+1)
			c.session.refreshHosts(ctx)
			return
		}
		schedule.Wait()
	}
	if !c.closed.Load() {
		level.Error(c.logger).Log("msg", "unable to reconnect control connection")
	}
}

// candidates lists the known hosts, shuffled, followed by the contact
// points.
func (c *controlConn) candidates() []string {
	hosts := shuffleHosts(c.session.hostAddresses())
	seen := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		seen[h] = true
	}
	for _, h := range c.session.contacts {
		if !seen[h] {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// HandleEvent implements ConnectionHandler. It runs on the reader goroutine
// and only triggers asynchronous work.
func (c *controlConn) HandleEvent(_ *Connection, ev *protocol.Event) {
	switch ev.Type {
	case protocol.EventTopologyChange:
		addr := c.session.eventAddress(ev)
		level.Info(c.logger).Log("msg", "topology change", "change", ev.Change, "host", addr)
		switch ev.Change {
		case "NEW_NODE":
			c.session.addHost(addr)
		case "REMOVED_NODE":
			c.session.removeHost(addr)
		}
	case protocol.EventStatusChange:
		addr := c.session.eventAddress(ev)
		level.Info(c.logger).Log("msg", "status change", "change", ev.Change, "host", addr)
		pool := c.session.pool(addr)
		switch {
		case pool == nil && ev.Change == "UP":
			c.session.addHost(addr)
		case pool == nil:
		case ev.Change == "UP":
			pool.MarkUp()
		case ev.Change == "DOWN":
			pool.MarkDown()
		}
	case protocol.EventSchemaChange:
		level.Debug(c.logger).Log("msg", "schema change", "change", ev.Schema.Change, "target", ev.Schema.Target, "keyspace", ev.Schema.Keyspace, "name", ev.Schema.Name)
		if ev.Schema.Change == "DROPPED" {
			c.session.prepared.purge()
		}
	}
}

func (c *controlConn) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if conn := c.conn.Swap(nil); conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

func shuffleHosts(hosts []string) []string {
	out := append([]string(nil), hosts...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

var _ ConnectionHandler = (*controlConn)(nil)
