package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/cql-driver/protocol"
	"github.com/dan-strohschein/cql-driver/testutil"
	"github.com/dan-strohschein/cql-driver/transport/mock"
)

const testAddr = "10.0.0.1:9042"

type recordingHandler struct {
	mu     sync.Mutex
	closed []error
	events []*protocol.Event
	done   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 8)}
}

func (h *recordingHandler) ConnectionClosed(_ *Connection, err error) {
	h.mu.Lock()
	h.closed = append(h.closed, err)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *recordingHandler) HandleEvent(_ *Connection, ev *protocol.Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *recordingHandler) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.closed)
}

func testConnConfig(t *testing.T) connConfig {
	io := newIOPool(1)
	callbacks := newCallbackPool(1)
	t.Cleanup(func() {
		io.stop()
		callbacks.stop()
	})
	return connConfig{
		version:        protocol.ProtoVersion2,
		connectTimeout: time.Second,
		logger:         log.NewNopLogger(),
		metrics:        newMetrics(nil),
		io:             io,
		callbacks:      callbacks,
	}
}

func dialTest(t *testing.T, network *mock.Network, cfg connConfig, h ConnectionHandler) *Connection {
	t.Helper()
	conn, err := dialConnection(context.Background(), testAddr, network.Factory(), cfg, h)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectionHandshake(t *testing.T) {
	network := mock.NewNetwork()
	srv := testutil.NewServer(net.ParseIP("10.0.0.1"))
	network.Listen(testAddr, srv.Serve)

	cfg := testConnConfig(t)
	cfg.keyspace = "app"
	conn := dialTest(t, network, cfg, nil)

	assert.Equal(t, READY, conn.State())
	assert.Equal(t, testAddr, conn.Host())
	assert.Equal(t, protocol.ProtoVersion2, conn.Version())

	calls := srv.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, protocol.OpOptions, calls[0].Opcode)
	assert.Equal(t, protocol.OpStartup, calls[1].Opcode)
	assert.Equal(t, `USE "app"`, calls[2].Statement)
}

func TestConnectionHandshakeCompression(t *testing.T) {
	network := mock.NewNetwork()
	srv := testutil.NewServer(net.ParseIP("10.0.0.1"))
	srv.ExpectQuery("SELECT * FROM t").WillReturn(testutil.Rows(
		[]protocol.ColumnSpec{testutil.Column("v", protocol.NativeType(protocol.TypeVarchar))},
		[]protocol.Value{protocol.Varchar("compressed")},
	))
	network.Listen(testAddr, srv.Serve)

	cfg := testConnConfig(t)
	comp, err := protocol.NewCompressor(protocol.CompressionSnappy)
	require.NoError(t, err)
	cfg.compressor = comp
	conn := dialTest(t, network, cfg, nil)

	resp, err := conn.Request(&protocol.Query{Statement: "SELECT * FROM t", Params: protocol.QueryParams{Consistency: protocol.One}}).Get(context.Background())
	require.NoError(t, err)
	rows, ok := resp.(*protocol.RowsResult)
	require.True(t, ok)
	assert.Equal(t, 1, rows.RowCount)
}

func TestConnectionAuthRequired(t *testing.T) {
	network := mock.NewNetwork()
	srv := testutil.NewServer(net.ParseIP("10.0.0.1"))
	srv.RequireAuthentication("org.apache.cassandra.auth.PasswordAuthenticator")
	network.Listen(testAddr, srv.Serve)

	_, err := dialConnection(context.Background(), testAddr, network.Factory(), testConnConfig(t), nil)
	assert.Equal(t, protocol.KindAuthRequired, ErrorKind(err))
}

func TestConnectionConcurrentRequests(t *testing.T) {
	network := mock.NewNetwork()
	srv := testutil.NewServer(net.ParseIP("10.0.0.1"))
	srv.ExpectQuery("SELECT now() FROM system.local").AnyTimes()
	network.Listen(testAddr, srv.Serve)

	conn := dialTest(t, network, testConnConfig(t), nil)

	const n = 64
	futures := make([]*Future[protocol.Message], n)
	for i := range futures {
		futures[i] = conn.Request(&protocol.Query{Statement: "SELECT now() FROM system.local", Params: protocol.QueryParams{Consistency: protocol.One}})
	}
	for _, f := range futures {
		resp, err := f.Get(context.Background())
		require.NoError(t, err)
		assert.IsType(t, &protocol.VoidResult{}, resp)
	}
	assert.Equal(t, 0, conn.InFlight())
}

func TestConnectionServerError(t *testing.T) {
	network := mock.NewNetwork()
	srv := testutil.NewServer(net.ParseIP("10.0.0.1"))
	srv.ExpectQuery("SELEC 1").WillReturnError(protocol.ServerErrSyntax, "line 1:0 no viable alternative")
	network.Listen(testAddr, srv.Serve)

	conn := dialTest(t, network, testConnConfig(t), nil)

	_, err := conn.Request(&protocol.Query{Statement: "SELEC 1", Params: protocol.QueryParams{Consistency: protocol.One}}).Get(context.Background())
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.KindServer, perr.Kind)
	assert.Equal(t, protocol.ErrorCode(protocol.ServerErrSyntax), perr.Code)
	assert.Equal(t, READY, conn.State(), "server errors leave the connection usable")
}

func TestConnectionClosedFailsPending(t *testing.T) {
	network := mock.NewNetwork()
	srv := testutil.NewServer(net.ParseIP("10.0.0.1"))
	srv.ExpectQuery("SELECT slow FROM t").WillDelay(time.Hour).Times(5)
	network.Listen(testAddr, srv.Serve)

	h := newRecordingHandler()
	conn := dialTest(t, network, testConnConfig(t), h)

	futures := make([]*Future[protocol.Message], 5)
	for i := range futures {
		futures[i] = conn.Request(&protocol.Query{Statement: "SELECT slow FROM t", Params: protocol.QueryParams{Consistency: protocol.One}})
	}
	require.Eventually(t, func() bool { return srv.CallCount(protocol.OpQuery) == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, 5, conn.InFlight())

	srv.DropConnections()

	for _, f := range futures {
		_, err := f.Get(context.Background())
		assert.Equal(t, protocol.KindConnectionClosed, ErrorKind(err))
	}
	assert.Equal(t, 0, conn.InFlight())

	<-h.done
	assert.Equal(t, CLOSED, conn.State())
	conn.Close()
	assert.Equal(t, 1, h.closeCount(), "handler is notified once")

	err := conn.Send(&protocol.Options{}, func(protocol.Message, error) {})
	assert.Equal(t, protocol.KindConnectionClosed, ErrorKind(err))
}

func TestConnectionDrain(t *testing.T) {
	network := mock.NewNetwork()
	srv := testutil.NewServer(net.ParseIP("10.0.0.1"))
	srv.ExpectQuery("SELECT v FROM t").WillDelay(20 * time.Millisecond)
	network.Listen(testAddr, srv.Serve)

	conn := dialTest(t, network, testConnConfig(t), nil)
	f := conn.Request(&protocol.Query{Statement: "SELECT v FROM t", Params: protocol.QueryParams{Consistency: protocol.One}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Drain(ctx))

	_, err := f.Get(context.Background())
	assert.NoError(t, err, "in-flight request completes before the connection closes")
	assert.Equal(t, CLOSED, conn.State())
}

func TestConnectionUnknownStream(t *testing.T) {
	network := mock.NewNetwork()
	srv := testutil.NewServer(net.ParseIP("10.0.0.1"))
	var rogue net.Conn
	ready := make(chan struct{})
	network.Listen(testAddr, func(peer net.Conn) {
		rogue = peer
		close(ready)
		srv.Serve(peer)
	})

	h := newRecordingHandler()
	conn := dialTest(t, network, testConnConfig(t), h)
	<-ready

	codec := protocol.NewCodec(protocol.ProtoVersion2, nil)
	frame, err := codec.Encode(&protocol.VoidResult{}, 99, true)
	require.NoError(t, err)
	go func() { _, _ = rogue.Write(frame) }()

	<-h.done
	assert.Equal(t, protocol.KindProtocolViolation, ErrorKind(conn.Err()))
}

func TestConnectionEvents(t *testing.T) {
	network := mock.NewNetwork()
	srv := testutil.NewServer(net.ParseIP("10.0.0.1"))
	network.Listen(testAddr, srv.Serve)

	h := newRecordingHandler()
	conn := dialTest(t, network, testConnConfig(t), h)

	_, err := conn.Request(&protocol.Register{Events: []string{protocol.EventTopologyChange}}).Get(context.Background())
	require.NoError(t, err)

	srv.PushEvent(&protocol.Event{Type: protocol.EventTopologyChange, Change: "NEW_NODE", Address: net.ParseIP("10.0.0.9"), Port: 9042})
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.events, 1)
	assert.Equal(t, "NEW_NODE", h.events[0].Change)
	assert.True(t, h.events[0].Address.Equal(net.ParseIP("10.0.0.9")))
}
