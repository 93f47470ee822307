package client

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dan-strohschein/cql-driver/protocol"
	"github.com/dan-strohschein/cql-driver/transport"
)

// Session routes executions to per-host connection pools. It is safe for
// concurrent use. Create one with Cluster.Connect and stop it with Shutdown.
type Session struct {
	cfg       Config
	keyspace  string
	logger    log.Logger
	metrics   *metrics
	factory   transport.Factory
	io        *ioPool
	callbacks *callbackPool
	policy    HostSelectionPolicy
	reconnect ReconnectPolicy
	observer  QueryObserver
	prepared  *preparedCache
	control   *controlConn
	contacts  []string
	bytes     transport.Counters

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	pools map[string]*HostPool
	hosts []*HostPool

	execMu   sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	bg       sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     *Future[struct{}]
}

func newSession(cfg Config, keyspace string, m *metrics) (*Session, error) {
	cache, err := newPreparedCache(cfg.PreparedCacheSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		keyspace:  keyspace,
		logger:    log.With(loggerOrNop(cfg.Logger), "component", "session"),
		metrics:   m,
		io:        newIOPool(cfg.ThreadsIO),
		callbacks: newCallbackPool(cfg.ThreadsCallback),
		policy:    cfg.HostPolicy,
		reconnect: cfg.ReconnectPolicy,
		observer:  cfg.QueryObserver,
		prepared:  cache,
		ctx:       ctx,
		cancel:    cancel,
		pools:     make(map[string]*HostPool),
	}
	s.factory = countedFactory(cfg.TransportFactory, &s.bytes)
	if s.policy == nil {
		s.policy = NewRoundRobinPolicy()
	}
	if s.reconnect == nil {
		s.reconnect = BackoffPolicy{Config: cfg.Reconnect}
	}
	s.control = newControlConn(s)
	return s, nil
}

func countedFactory(f transport.Factory, c *transport.Counters) transport.Factory {
	return func(ctx context.Context, addr string) (transport.Transport, error) {
		t, err := f(ctx, addr)
		if err != nil {
			return nil, err
		}
		return transport.Counted(t, c), nil
	}
}

// connConfig returns the per-connection settings. Pool connections select
// keyspace; the control connection passes "".
func (s *Session) connConfig(keyspace string) connConfig {
	return connConfig{
		version:            s.cfg.version(),
		compressor:         s.cfg.compressor(),
		keyspace:           keyspace,
		connectTimeout:     s.cfg.ConnectTimeout,
		heartbeatInterval:  s.cfg.HeartbeatInterval,
		heartbeatThreshold: s.cfg.HeartbeatFailureThreshold,
		logger:             s.cfg.Logger,
		metrics:            s.metrics,
		io:                 s.io,
		callbacks:          s.callbacks,
	}
}

// connect resolves the contact points, opens the control connection,
// discovers the cluster and opens a pool per host. It succeeds once at least
// one host has a ready connection.
func (s *Session) connect(ctx context.Context) error {
	contacts, err := resolveContactPoints(ctx, s.cfg.Addresses, s.cfg.Port, s.logger)
	if err != nil {
		return err
	}
	s.contacts = contacts

	if err := s.control.connect(ctx, contacts); err != nil {
		return err
	}

	hosts := contacts
	if !s.cfg.DisableInitialHostLookup {
		discovered, err := s.control.discoverHosts(ctx)
		if err != nil {
			level.Warn(s.logger).Log("msg", "peer discovery failed, using contact points", "err", err)
		} else {
			hosts = discovered
		}
	}

	pools := make([]*HostPool, 0, len(hosts))
	for _, addr := range hosts {
		if p, added := s.ensurePool(addr); added {
			pools = append(pools, p)
		}
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(8)
	for _, p := range pools {
		p := p
		g.Go(func() error {
			if err := p.fill(ctx); err != nil {
				level.Warn(s.logger).Log("msg", "unable to open host pool", "host", p.Address(), "err", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range pools {
		if p.Available() {
			level.Info(s.logger).Log("msg", "session connected", "hosts", len(pools), "unavailable", len(errs), "keyspace", s.keyspace)
			return nil
		}
	}
	var cause error
	if len(errs) > 0 {
		cause = errs[0]
	}
	return protocol.WrapError(protocol.KindNoHostAvailable, "no host pool became ready", cause)
}

// resolveContactPoints turns host or host:port entries into ip:port
// addresses. Unresolvable entries are skipped.
func resolveContactPoints(ctx context.Context, addrs []string, port int, logger log.Logger) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	var lastErr error
	for _, addr := range addrs {
		host, p, err := net.SplitHostPort(addr)
		if err != nil {
			host, p = addr, strconv.Itoa(port)
		}
		ips := []string{host}
		if net.ParseIP(host) == nil {
			ips, err = net.DefaultResolver.LookupHost(ctx, host)
			if err != nil {
				level.Warn(logger).Log("msg", "unable to resolve contact point", "host", host, "err", err)
				lastErr = errors.Wrapf(err, "resolving %s", host)
				continue
			}
		}
		for _, ip := range ips {
			hp := net.JoinHostPort(ip, p)
			if !seen[hp] {
				seen[hp] = true
				out = append(out, hp)
			}
		}
	}
	if len(out) == 0 {
		return nil, protocol.WrapError(protocol.KindNoHostAvailable, "no contact point could be resolved", lastErr)
	}
	return out, nil
}

// ensurePool returns the pool for addr, creating it when needed.
func (s *Session) ensurePool(addr string) (*HostPool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pools[addr]; ok {
		return p, false
	}
	p := newHostPool(addr, s.cfg.ConnectionsPerHost, s.dialer(addr), s.reconnect, s.logger, s.metrics)
	s.pools[addr] = p
	s.hosts = append(s.hosts, p)
	sort.Slice(s.hosts, func(i, j int) bool { return s.hosts[i].addr < s.hosts[j].addr })
	return p, true
}

func (s *Session) dialer(addr string) dialFunc {
	cfg := s.connConfig(s.keyspace)
	return func(ctx context.Context, handler ConnectionHandler) (*Connection, error) {
		return dialConnection(ctx, addr, s.factory, cfg, handler)
	}
}

// addHost opens a pool for a host learned from an event.
func (s *Session) addHost(addr string) {
	if s.isClosed() {
		return
	}
	p, added := s.ensurePool(addr)
	if !added {
		p.MarkUp()
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := p.fill(s.ctx); err != nil {
			level.Warn(s.logger).Log("msg", "unable to open pool for new host", "host", addr, "err", err)
		}
	}()
}

// removeHost closes the pool of a host that left the cluster.
func (s *Session) removeHost(addr string) {
	s.mu.Lock()
	p, ok := s.pools[addr]
	if ok {
		delete(s.pools, addr)
		for i, h := range s.hosts {
			if h == p {
				s.hosts = append(s.hosts[:i], s.hosts[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		if err := p.Close(ctx); err != nil {
			level.Warn(s.logger).Log("msg", "removed host did not drain", "host", addr, "err", err)
		}
	}()
}

// refreshHosts adds pools for peers that appeared while the control
// connection was down.
func (s *Session) refreshHosts(ctx context.Context) {
	if s.cfg.DisableInitialHostLookup {
		return
	}
	hosts, err := s.control.discoverHosts(ctx)
	if err != nil {
		level.Warn(s.logger).Log("msg", "unable to refresh hosts", "err", err)
		return
	}
	for _, h := range hosts {
		s.addHost(h)
	}
}

func (s *Session) pool(addr string) *HostPool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pools[addr]
}

func (s *Session) hostAddresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h.addr)
	}
	return out
}

// eventAddress maps an event's node address to a pool address. Nodes are
// always reached on the configured port.
func (s *Session) eventAddress(ev *protocol.Event) string {
	return net.JoinHostPort(ev.Address.String(), s.cfg.portString())
}

// Hosts returns the pools of the session sorted by address.
func (s *Session) Hosts() []*HostPool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*HostPool(nil), s.hosts...)
}

// Keyspace returns the keyspace selected on pool connections.
func (s *Session) Keyspace() string { return s.keyspace }

// SessionStats is a snapshot of a session.
type SessionStats struct {
	Hosts         map[string]PoolStats
	BytesSent     int64
	BytesReceived int64
	Prepared      CacheStats
}

// Stats returns per-host pool statistics and the bytes moved over every
// connection of the session.
func (s *Session) Stats() SessionStats {
	hosts := s.Hosts()
	stats := SessionStats{
		Hosts:         make(map[string]PoolStats, len(hosts)),
		BytesSent:     s.bytes.BytesSent.Load(),
		BytesReceived: s.bytes.BytesReceived.Load(),
		Prepared:      s.prepared.stats(),
	}
	for _, h := range hosts {
		stats.Hosts[h.addr] = h.Stats()
	}
	return stats
}

// PreparedCacheStats returns the prepared statement cache counters.
func (s *Session) PreparedCacheStats() CacheStats { return s.prepared.stats() }

func (s *Session) isClosed() bool {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	return s.closed
}

// begin registers an execution. It fails once Shutdown has been called.
func (s *Session) begin() bool {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

func sessionClosed() *protocol.Error {
	return protocol.NewError(protocol.KindSessionClosed, "session is shut down", nil)
}

// borrow picks a host with the selection policy and then its least busy
// connection. Other available hosts are tried when the chosen one has no
// ready connection left.
func (s *Session) borrow(routingKey []byte) (*Connection, error) {
	s.mu.RLock()
	available := make([]*HostPool, 0, len(s.hosts))
	for _, h := range s.hosts {
		if h.Available() {
			available = append(available, h)
		}
	}
	s.mu.RUnlock()

	if len(available) > 0 {
		first := s.policy.Pick(routingKey, available)
		if conn, err := first.Borrow(); err == nil {
			return conn, nil
		}
		for _, h := range available {
			if h == first {
				continue
			}
			if conn, err := h.Borrow(); err == nil {
				return conn, nil
			}
		}
	}
	return nil, protocol.NewError(protocol.KindNoHostAvailable, "no host available", map[string]interface{}{"hosts": len(available)})
}

func (s *Session) defaults() execDefaults {
	return execDefaults{consistency: s.cfg.Consistency, pageSize: int32(s.cfg.PageSize)}
}

// Execute runs stmt and returns a future for its result. An unbound slot
// or a value that does not match its column fails the future before
// anything is sent. ctx is handed to the QueryObserver; it does not cancel a
// request that has been sent.
func (s *Session) Execute(ctx context.Context, stmt *Statement) *Future[*Result] {
	msg, err := stmt.message(s.cfg.version(), s.defaults())
	if err != nil {
		return completedFuture[*Result](s.callbacks, nil, err)
	}
	kind := "query"
	if stmt.prepared != nil {
		kind = "execute"
	}
	return s.run(ctx, msg, stmt.prepared, stmt.routingKey, ObservedQuery{
		Statement:  stmt.query,
		Kind:       kind,
		Type:       statementType(stmt.query),
		Statements: 1,
	})
}

// ExecuteBatch runs every statement of b as one request.
func (s *Session) ExecuteBatch(ctx context.Context, b *Batch) *Future[*Result] {
	msg, err := b.message(s.cfg.version(), s.defaults())
	if err != nil {
		return completedFuture[*Result](s.callbacks, nil, err)
	}
	first := b.statements[0]
	return s.run(ctx, msg, nil, first.routingKey, ObservedQuery{
		Statement:  first.query,
		Kind:       "batch",
		Type:       "write",
		Statements: len(b.statements),
	})
}

// Query executes an ad-hoc statement with the given values and waits for
// its result.
func (s *Session) Query(ctx context.Context, query string, values ...protocol.Value) (*Result, error) {
	stmt := NewQuery(query, len(values))
	for i, v := range values {
		if err := stmt.BindValue(i, v); err != nil {
			return nil, err
		}
	}
	return s.Execute(ctx, stmt).Get(ctx)
}

func (s *Session) run(ctx context.Context, msg protocol.Message, prepared *Prepared, routingKey []byte, obs ObservedQuery) *Future[*Result] {
	if !s.begin() {
		return completedFuture[*Result](s.callbacks, nil, sessionClosed())
	}
	f := newFuture[*Result](s.callbacks)
	if err := ctx.Err(); err != nil {
		s.inflight.Done()
		f.complete(nil, protocol.WrapError(protocol.KindTimeout, "context done before execution", err))
		return f
	}

	obs.Start = time.Now()
	done := func(res *Result, err error) {
		obs.End = time.Now()
		obs.Err = err
		if res != nil {
			obs.Rows = res.RowCount()
		}
		if s.observer == nil {
			f.complete(res, err)
			s.inflight.Done()
			return
		}
		// Observers are user code and stay off the reader goroutine.
		observed := obs
		s.callbacks.submit(func() {
			s.observer.ObserveQuery(ctx, observed)
			f.complete(res, err)
			s.inflight.Done()
		})
	}

	conn, err := s.borrow(routingKey)
	if err != nil {
		done(nil, err)
		return f
	}
	obs.Host = conn.Host()
	s.send(conn, msg, prepared, false, done)
	return f
}

// send issues msg on conn and converts the response. An EXECUTE rejected as
// unprepared is prepared again on the same connection and sent once more.
func (s *Session) send(conn *Connection, msg protocol.Message, prepared *Prepared, retried bool, done func(*Result, error)) {
	err := conn.Send(msg, func(resp protocol.Message, err error) {
		if err != nil {
			if exec, ok := msg.(*protocol.Execute); ok && prepared != nil && !retried && isUnprepared(err) {
				s.reprepare(conn, exec, prepared, done)
				return
			}
			done(nil, err)
			return
		}

		var columns []protocol.ColumnSpec
		if prepared != nil {
			columns = prepared.result.Columns
		}
		res, err := newResult(resp, conn.Version(), columns)
		if err != nil {
			done(nil, err)
			return
		}
		if res.kind == ResultSchemaChange && s.cfg.SchemaAgreementWait > 0 {
			s.bg.Add(1)
			go func() {
				defer s.bg.Done()
				s.awaitSchemaAgreement()
				done(res, nil)
			}()
			return
		}
		done(res, nil)
	})
	if err != nil {
		done(nil, err)
	}
}

func (s *Session) reprepare(conn *Connection, exec *protocol.Execute, prepared *Prepared, done func(*Result, error)) {
	level.Debug(s.logger).Log("msg", "statement unprepared on host, preparing again", "host", conn.Host(), "statement", prepared.query)
	err := conn.Send(&protocol.Prepare{Statement: prepared.query}, func(resp protocol.Message, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		pr, ok := resp.(*protocol.PreparedResult)
		if !ok {
			done(nil, unexpectedResponse(protocol.OpPrepare, resp))
			return
		}
		fresh := newPrepared(prepared.query, pr)
		s.prepared.add(fresh)
		s.send(conn, &protocol.Execute{ID: fresh.id, Params: exec.Params}, fresh, true, done)
	})
	if err != nil {
		done(nil, err)
	}
}

func isUnprepared(err error) bool {
	var perr *protocol.Error
	return errors.As(err, &perr) && perr.Source == protocol.SourceServer && perr.Code == protocol.ErrorCode(protocol.ServerErrUnprepared)
}

// awaitSchemaAgreement waits, bounded by SchemaAgreementWait, for every
// node to report the same schema version. Disagreement is logged, not
// returned.
func (s *Session) awaitSchemaAgreement() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SchemaAgreementWait)
	defer cancel()
	if err := s.control.awaitSchemaAgreement(ctx); err != nil {
		level.Warn(s.logger).Log("msg", "schema agreement not reached", "err", err)
	}
}

// Prepare registers query with the server. Prepared statements are cached
// per session by query text.
func (s *Session) Prepare(query string) *Future[*Prepared] {
	if p, ok := s.prepared.get(query); ok {
		return completedFuture(s.callbacks, p, nil)
	}
	if !s.begin() {
		return completedFuture[*Prepared](s.callbacks, nil, sessionClosed())
	}
	f := newFuture[*Prepared](s.callbacks)
	done := func(p *Prepared, err error) {
		f.complete(p, err)
		s.inflight.Done()
	}

	conn, err := s.borrow(nil)
	if err != nil {
		done(nil, err)
		return f
	}
	err = conn.Send(&protocol.Prepare{Statement: query}, func(resp protocol.Message, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		pr, ok := resp.(*protocol.PreparedResult)
		if !ok {
			done(nil, unexpectedResponse(protocol.OpPrepare, resp))
			return
		}
		p := newPrepared(query, pr)
		s.prepared.add(p)
		done(p, nil)
	})
	if err != nil {
		done(nil, err)
	}
	return f
}

// Bind returns a new statement for p with one slot per bind variable.
func (s *Session) Bind(p *Prepared) *Statement {
	return p.Bind()
}

// Shutdown stops accepting executions, waits up to ShutdownGrace for those
// in flight, closes every connection and stops the worker pools. Requests
// still pending after the grace period fail with ConnectionClosed.
func (s *Session) Shutdown() *Future[struct{}] {
	s.shutdownOnce.Do(func() {
		s.execMu.Lock()
		s.closed = true
		s.execMu.Unlock()

		s.shutdown = newFuture[struct{}](nil)
		go func() {
			s.teardown(s.cfg.ShutdownGrace)
			s.shutdown.complete(struct{}{}, nil)
		}()
	})
	return s.shutdown
}

func (s *Session) teardown(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	idle := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		level.Warn(s.logger).Log("msg", "shutdown grace period expired with requests in flight")
	}

	s.cancel()
	s.control.close()

	s.mu.Lock()
	pools := s.hosts
	s.hosts = nil
	s.pools = make(map[string]*HostPool)
	s.mu.Unlock()

	var g errgroup.Group
	for _, p := range pools {
		p := p
		g.Go(func() error { return p.Close(ctx) })
	}
	if err := g.Wait(); err != nil {
		level.Warn(s.logger).Log("msg", "host pools did not drain", "err", err)
	}

	<-idle
	s.bg.Wait()
	s.io.stop()
	s.callbacks.stop()
	level.Info(s.logger).Log("msg", "session shut down")
}
