package client

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dan-strohschein/cql-driver/protocol"
	"github.com/dan-strohschein/cql-driver/transport"
)

// ConnectionHandler receives notifications from a Connection. Calls are made
// from the connection's reader goroutine and must not block.
type ConnectionHandler interface {
	// ConnectionClosed is called once when a connection that reached READY
	// closes. err is nil for an orderly Close.
	ConnectionClosed(conn *Connection, err error)

	// HandleEvent is called for every event frame pushed by the server.
	HandleEvent(conn *Connection, ev *protocol.Event)
}

// connConfig is the per-connection view of Config plus the shared runtime.
type connConfig struct {
	version            byte
	compressor         protocol.Compressor
	keyspace           string
	connectTimeout     time.Duration
	heartbeatInterval  time.Duration
	heartbeatThreshold int

	logger    log.Logger
	metrics   *metrics
	io        *ioPool
	callbacks *callbackPool
}

type call struct {
	stream  int
	opcode  protocol.Opcode
	start   time.Time
	deliver func(protocol.Message, error)
}

// Connection multiplexes concurrent requests over one transport using
// protocol stream ids. Responses may complete in any order.
type Connection struct {
	host      string
	transport transport.Transport
	codec     *protocol.Codec
	cfg       connConfig
	handler   ConnectionHandler
	state     *StateManager
	streams   *streamAllocator
	worker    *ioWorker
	logger    log.Logger

	mu       sync.Mutex
	calls    map[int]*call
	closed   bool
	closeErr error
	ready    bool
	draining bool
	idle     chan struct{}
	idleOnce sync.Once

	quit         chan struct{}
	readerDone   chan struct{}
	lastActivity atomic.Int64
	monitor      *HealthMonitor
}

// dialConnection opens a transport to addr and runs the STARTUP handshake.
// The returned connection is READY.
func dialConnection(ctx context.Context, addr string, factory transport.Factory, cfg connConfig, handler ConnectionHandler) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.connectTimeout)
	defer cancel()

	t, err := factory(ctx, addr)
	if err != nil {
		return nil, err
	}

	c := newConnection(t, cfg, handler)
	go c.serve()

	if err := c.startup(ctx); err != nil {
		c.closeWithError(err)
		<-c.readerDone
		return nil, err
	}
	if err := c.markReady(); err != nil {
		<-c.readerDone
		return nil, err
	}

	if cfg.heartbeatInterval > 0 {
		c.monitor = NewHealthMonitor(c, cfg.heartbeatInterval, cfg.heartbeatThreshold)
		c.monitor.Start()
	}
	return c, nil
}

func newConnection(t transport.Transport, cfg connConfig, handler ConnectionHandler) *Connection {
	c := &Connection{
		host:       t.RemoteAddr(),
		transport:  t,
		codec:      protocol.NewCodec(cfg.version, cfg.compressor),
		cfg:        cfg,
		handler:    handler,
		state:      NewStateManager(),
		streams:    newStreamAllocator(protocol.MaxStreams(cfg.version)),
		worker:     cfg.io.assign(),
		logger:     log.With(loggerOrNop(cfg.logger), "component", "connection", "host", t.RemoteAddr()),
		calls:      make(map[int]*call),
		idle:       make(chan struct{}),
		quit:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	c.state.OnStateChange(func(tr StateTransition) {
		level.Debug(c.logger).Log("msg", "connection state changed", "from", tr.From, "to", tr.To, "err", tr.Error)
	})
	return c
}

// Host returns the host:port this connection is attached to.
func (c *Connection) Host() string { return c.host }

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState { return c.state.GetState() }

// Version returns the negotiated protocol version.
func (c *Connection) Version() byte { return c.cfg.version }

// InFlight returns the number of requests awaiting a response.
func (c *Connection) InFlight() int { return c.streams.inFlight() }

// LastActivity returns when a frame was last received.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) startup(ctx context.Context) error {
	supported, err := c.Request(&protocol.Options{}).Get(ctx)
	if err != nil {
		return err
	}
	if sup, ok := supported.(*protocol.Supported); ok && c.cfg.compressor != nil {
		if !containsFold(sup.Options[protocol.StartupCompression], c.cfg.compressor.Name()) {
			return protocol.NewError(protocol.KindUnsupported, "server does not support the configured compression", map[string]interface{}{
				"compression": c.cfg.compressor.Name(),
				"supported":   sup.Options[protocol.StartupCompression],
			})
		}
	}

	options := map[string]string{protocol.StartupCQLVersion: protocol.DefaultCQLVersion}
	if c.cfg.compressor != nil {
		options[protocol.StartupCompression] = c.cfg.compressor.Name()
	}
	resp, err := c.Request(&protocol.Startup{Options: options}).Get(ctx)
	if err != nil {
		return err
	}
	switch m := resp.(type) {
	case *protocol.Ready:
	case *protocol.Authenticate:
		return protocol.NewError(protocol.KindAuthRequired, "server requires authentication", map[string]interface{}{
			"authenticator": m.Class,
		})
	default:
		return unexpectedResponse(protocol.OpStartup, resp)
	}

	if c.cfg.keyspace != "" {
		resp, err := c.Request(&protocol.Query{
			Statement: "USE " + QuoteIdentifier(c.cfg.keyspace),
			Params:    protocol.QueryParams{Consistency: protocol.One},
		}).Get(ctx)
		if err != nil {
			return err
		}
		if _, ok := resp.(*protocol.SetKeyspaceResult); !ok {
			return unexpectedResponse(protocol.OpQuery, resp)
		}
	}
	return nil
}

func (c *Connection) markReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return connectionClosed("connection closed during handshake", c.closeErr)
	}
	if err := c.state.TransitionTo(READY, nil, map[string]interface{}{"reason": "handshake", "host": c.host}); err != nil {
		return connectionClosed("connection closed during handshake", err)
	}
	c.ready = true
	c.cfg.metrics.openConnections.Inc()
	return nil
}

// Send reserves a stream, registers deliver for its response and queues the
// frame on the connection's I/O worker. It fails synchronously with
// NoStreamsAvailable when every stream is in flight, or ConnectionClosed
// when the connection no longer accepts requests. deliver is called exactly
// once if Send returns nil.
func (c *Connection) Send(msg protocol.Message, deliver func(protocol.Message, error)) error {
	id, ok := c.streams.alloc()
	if !ok {
		return protocol.NewError(protocol.KindNoStreamsAvailable, "all streams are in flight", map[string]interface{}{
			"host":    c.host,
			"streams": c.streams.capacity(),
		})
	}

	cl := &call{stream: id, opcode: msg.Opcode(), start: time.Now(), deliver: deliver}

	c.mu.Lock()
	if c.closed || c.draining {
		err := c.closeErr
		c.mu.Unlock()
		c.streams.free(id)
		return connectionClosed("connection is not accepting requests", err)
	}
	c.calls[id] = cl
	c.mu.Unlock()

	c.cfg.metrics.requests.WithLabelValues(cl.opcode.String()).Inc()
	c.cfg.metrics.inFlight.Inc()

	if !c.worker.submit(func() { c.write(cl, msg) }) {
		if taken := c.takeCall(id); taken != nil {
			c.finish(taken, nil, connectionClosed("I/O workers stopped", nil))
		}
	}
	return nil
}

// Request sends msg and returns a future for its response. Server errors
// complete the future with an error of kind Server.
func (c *Connection) Request(msg protocol.Message) *Future[protocol.Message] {
	f := newFuture[protocol.Message](c.cfg.callbacks)
	err := c.Send(msg, func(m protocol.Message, err error) {
		f.complete(m, err)
	})
	if err != nil {
		f.complete(nil, err)
	}
	return f
}

// write runs on the I/O worker.
func (c *Connection) write(cl *call, msg protocol.Message) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	frame, err := c.codec.Encode(msg, int16(cl.stream), false)
	if err != nil {
		if taken := c.takeCall(cl.stream); taken != nil {
			c.finish(taken, nil, err)
		}
		return
	}
	if _, err := c.transport.Write(frame); err != nil {
		c.closeWithError(connectionClosed("write failed", err))
	}
}

// serve is the reader loop. It owns frame assembly and exits when the
// transport fails or the connection closes.
func (c *Connection) serve() {
	defer close(c.readerDone)

	var asm protocol.Assembler
	buf := make([]byte, 32*1024)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			c.lastActivity.Store(time.Now().UnixNano())
			asm.Feed(buf[:n])
			for {
				f, ok, ferr := asm.Next()
				if ferr != nil {
					c.closeWithError(protocol.WrapError(protocol.KindProtocolViolation, "unreadable frame", ferr))
					return
				}
				if !ok {
					break
				}
				if derr := c.dispatch(f); derr != nil {
					level.Warn(c.logger).Log("msg", "protocol violation, closing connection", "err", derr)
					c.closeWithError(derr)
					return
				}
			}
		}
		if err != nil {
			c.closeWithError(connectionClosed("read failed", err))
			return
		}
	}
}

func (c *Connection) dispatch(f protocol.Frame) error {
	if !f.Header.Response {
		return protocol.NewError(protocol.KindProtocolViolation, "received a request frame", map[string]interface{}{"opcode": f.Header.Opcode.String()})
	}
	if f.Header.Version != c.cfg.version {
		return protocol.NewError(protocol.KindProtocolViolation, "response protocol version differs from connection", map[string]interface{}{
			"expected": c.cfg.version,
			"got":      f.Header.Version,
		})
	}

	if f.Header.Stream == protocol.EventStream {
		msg, err := c.codec.Decode(f)
		if err != nil {
			level.Warn(c.logger).Log("msg", "dropping undecodable event", "err", err)
			return nil
		}
		ev, ok := msg.(*protocol.Event)
		if !ok {
			return unexpectedResponse(protocol.OpEvent, msg)
		}
		c.cfg.metrics.events.WithLabelValues(ev.Type).Inc()
		if c.handler != nil {
			c.handler.HandleEvent(c, ev)
		}
		return nil
	}

	cl := c.takeCall(int(f.Header.Stream))
	if cl == nil {
		return protocol.NewError(protocol.KindProtocolViolation, "response for a stream with no pending request", map[string]interface{}{
			"stream": f.Header.Stream,
			"opcode": f.Header.Opcode.String(),
		})
	}

	msg, err := c.codec.Decode(f)
	if err != nil {
		c.finish(cl, nil, err)
		return protocol.WrapError(protocol.KindProtocolViolation, "undecodable response body", err)
	}
	if se, ok := msg.(*protocol.ServerError); ok {
		c.finish(cl, nil, se.AsError())
		return nil
	}
	c.finish(cl, msg, nil)
	return nil
}

// takeCall removes and returns the pending call for stream, or nil.
func (c *Connection) takeCall(stream int) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.calls[stream]
	if !ok {
		return nil
	}
	delete(c.calls, stream)
	if c.draining && len(c.calls) == 0 {
		c.idleOnce.Do(func() { close(c.idle) })
	}
	return cl
}

// finish delivers the outcome of cl and then frees its stream.
func (c *Connection) finish(cl *call, msg protocol.Message, err error) {
	c.cfg.metrics.inFlight.Dec()
	c.cfg.metrics.requestDuration.WithLabelValues(cl.opcode.String()).Observe(time.Since(cl.start).Seconds())
	if err != nil {
		c.cfg.metrics.requestErrors.WithLabelValues(ErrorKind(err).String()).Inc()
	}
	cl.deliver(msg, err)
	c.streams.free(cl.stream)
}

// closeWithError tears the connection down. Every pending request completes
// with ConnectionClosed carrying err as cause. Only the first call has any
// effect.
func (c *Connection) closeWithError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	calls := c.calls
	c.calls = make(map[int]*call)
	wasReady := c.ready
	reason := "shutdown"
	if err != nil {
		reason = "error"
	}
	_ = c.state.TransitionTo(CLOSED, err, map[string]interface{}{"reason": reason, "host": c.host})
	c.idleOnce.Do(func() { close(c.idle) })
	c.mu.Unlock()

	close(c.quit)
	_ = c.transport.Close()

	if wasReady {
		c.cfg.metrics.openConnections.Dec()
	}
	if err != nil {
		level.Info(c.logger).Log("msg", "connection closed", "err", err, "pending", len(calls))
	}

	for _, cl := range calls {
		c.finish(cl, nil, connectionClosed("connection closed with request in flight", err))
	}

	if wasReady && c.handler != nil {
		c.handler.ConnectionClosed(c, err)
	}
}

// Close closes the connection immediately. Pending requests fail with
// ConnectionClosed.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	if c.monitor != nil {
		c.monitor.Stop()
	}
	return nil
}

// Drain stops accepting requests, waits for in-flight ones to finish or for
// ctx to end, then closes the connection.
func (c *Connection) Drain(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if !c.draining {
		c.draining = true
		_ = c.state.TransitionTo(DRAINING, nil, map[string]interface{}{"reason": "drain", "host": c.host})
		if len(c.calls) == 0 {
			c.idleOnce.Do(func() { close(c.idle) })
		}
	}
	c.mu.Unlock()

	var err error
	select {
	case <-c.idle:
	case <-ctx.Done():
		err = protocol.WrapError(protocol.KindTimeout, "drain deadline reached with requests in flight", ctx.Err())
	}
	c.Close()
	return err
}

// Done is closed when the connection has shut down.
func (c *Connection) Done() <-chan struct{} { return c.quit }

// Err returns the error the connection closed with, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func unexpectedResponse(op protocol.Opcode, resp protocol.Message) *protocol.Error {
	got := "nil"
	if resp != nil {
		got = resp.Opcode().String()
	}
	return protocol.NewError(protocol.KindProtocolViolation, "unexpected response", map[string]interface{}{
		"request":  op.String(),
		"response": got,
	})
}

// QuoteIdentifier quotes a CQL identifier, doubling embedded quotes.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
