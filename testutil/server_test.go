package testutil

import (
	"context"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/cql-driver/protocol"
	"github.com/dan-strohschein/cql-driver/transport"
)

type rawClient struct {
	t     *testing.T
	conn  transport.Transport
	codec *protocol.Codec
	asm   protocol.Assembler
	buf   []byte
}

func dialRaw(t *testing.T, c *Cluster, ip net.IP) *rawClient {
	t.Helper()
	conn, err := c.Factory()(context.Background(), Addr(ip))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn, codec: protocol.NewCodec(protocol.ProtoVersion2, nil), buf: make([]byte, 4096)}
}

func (c *rawClient) roundTrip(msg protocol.Message) protocol.Message {
	c.t.Helper()
	frame, err := c.codec.Encode(msg, 1, false)
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)

	for {
		f, ok, err := c.asm.Next()
		require.NoError(c.t, err)
		if ok {
			assert.True(c.t, f.Header.Response)
			assert.Equal(c.t, int16(1), f.Header.Stream)
			resp, err := c.codec.Decode(f)
			require.NoError(c.t, err)
			return resp
		}
		n, err := c.conn.Read(c.buf)
		require.NoError(c.t, err)
		c.asm.Feed(c.buf[:n])
	}
}

func query(statement string, values ...[]byte) *protocol.Query {
	return &protocol.Query{Statement: statement, Params: protocol.QueryParams{Consistency: protocol.One, Values: values}}
}

func TestServerHandshake(t *testing.T) {
	c := NewCluster(1)
	cl := dialRaw(t, c, c.Node(0).IP())

	sup, ok := cl.roundTrip(&protocol.Options{}).(*protocol.Supported)
	require.True(t, ok)
	assert.Contains(t, sup.Options[protocol.StartupCompression], "lz4")

	assert.IsType(t, &protocol.Ready{}, cl.roundTrip(&protocol.Startup{Options: map[string]string{protocol.StartupCQLVersion: protocol.DefaultCQLVersion}}))

	ks, ok := cl.roundTrip(query(`USE "app"`)).(*protocol.SetKeyspaceResult)
	require.True(t, ok)
	assert.Equal(t, "app", ks.Keyspace)
}

func TestServerAuthentication(t *testing.T) {
	c := NewCluster(1)
	c.Node(0).RequireAuthentication("PasswordAuthenticator")
	cl := dialRaw(t, c, c.Node(0).IP())

	auth, ok := cl.roundTrip(&protocol.Startup{Options: map[string]string{}}).(*protocol.Authenticate)
	require.True(t, ok)
	assert.Equal(t, "PasswordAuthenticator", auth.Class)
}

func TestServerExpectations(t *testing.T) {
	c := NewCluster(1)
	srv := c.Node(0)
	cols := []protocol.ColumnSpec{Column("v", protocol.NativeType(protocol.TypeInt))}
	srv.ExpectQuery("SELECT v FROM t").WillReturn(Rows(cols, []protocol.Value{protocol.Int(5)})).Times(2)
	srv.ExpectQuery("SELECT broken FROM t").WillReturnError(protocol.ServerErrInvalid, "broken")
	cl := dialRaw(t, c, srv.IP())

	for i := 0; i < 2; i++ {
		rows, ok := cl.roundTrip(query("SELECT v FROM t")).(*protocol.RowsResult)
		require.True(t, ok)
		assert.Equal(t, 1, rows.RowCount)
	}
	se, ok := cl.roundTrip(query("SELECT v FROM t")).(*protocol.ServerError)
	require.True(t, ok, "expectation is used up")
	assert.Equal(t, protocol.ServerErrInvalid, se.Code)

	se, ok = cl.roundTrip(query("SELECT broken FROM t")).(*protocol.ServerError)
	require.True(t, ok)
	assert.Equal(t, "broken", se.Message)

	srv.VerifyExpectations(t)
	assert.Equal(t, 4, srv.CallCount(protocol.OpQuery))
}

func TestServerPrepareExecute(t *testing.T) {
	c := NewCluster(1)
	srv := c.Node(0)
	params := []protocol.ColumnSpec{Column("k", protocol.NativeType(protocol.TypeInt))}
	srv.ExpectQuery("SELECT v FROM t WHERE k = ?").WithParams(params...).AnyTimes()
	cl := dialRaw(t, c, srv.IP())

	prepared, ok := cl.roundTrip(&protocol.Prepare{Statement: "SELECT v FROM t WHERE k = ?"}).(*protocol.PreparedResult)
	require.True(t, ok)
	assert.Len(t, prepared.ID, 8)
	assert.Equal(t, params, prepared.Params.Columns)

	exec := &protocol.Execute{ID: prepared.ID, Params: protocol.QueryParams{Consistency: protocol.One, Values: [][]byte{{0, 0, 0, 1}}}}
	assert.IsType(t, &protocol.VoidResult{}, cl.roundTrip(exec))

	srv.ForgetPrepared()
	se, ok := cl.roundTrip(exec).(*protocol.ServerError)
	require.True(t, ok)
	assert.Equal(t, protocol.ServerErrUnprepared, se.Code)

	_, ok = cl.roundTrip(&protocol.Prepare{Statement: "SELECT nothing"}).(*protocol.ServerError)
	assert.True(t, ok)

	calls := srv.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, "SELECT v FROM t WHERE k = ?", calls[1].Statement)
	assert.Equal(t, [][]byte{{0, 0, 0, 1}}, calls[1].Values)
}

func TestServerSystemTables(t *testing.T) {
	c := NewCluster(3)
	v := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	c.SetSchemaVersion(v)
	cl := dialRaw(t, c, c.Node(0).IP())

	peers, ok := cl.roundTrip(query(queryPeers)).(*protocol.RowsResult)
	require.True(t, ok)
	assert.Equal(t, 2, peers.RowCount)
	assert.Equal(t, "rpc_address", peers.Metadata.Columns[1].Name)

	local, ok := cl.roundTrip(query(queryLocalSchema)).(*protocol.RowsResult)
	require.True(t, ok)
	r := protocol.NewReader(local.Data)
	cells, err := protocol.ReadRow(r, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, v[:], cells[0])

	c.RemoveNode(c.Node(2))
	peers, ok = cl.roundTrip(query(queryPeerSchemas)).(*protocol.RowsResult)
	require.True(t, ok)
	assert.Equal(t, 1, peers.RowCount)
	assert.Len(t, c.Nodes(), 2)
}

func TestServerEvents(t *testing.T) {
	c := NewCluster(1)
	srv := c.Node(0)
	cl := dialRaw(t, c, srv.IP())

	assert.IsType(t, &protocol.Ready{}, cl.roundTrip(&protocol.Register{Events: []string{protocol.EventStatusChange}}))
	go srv.PushEvent(&protocol.Event{Type: protocol.EventStatusChange, Change: "DOWN", Address: net.ParseIP("10.0.0.2"), Port: Port})

	for {
		f, ok, err := cl.asm.Next()
		require.NoError(t, err)
		if ok {
			assert.Equal(t, protocol.EventStream, f.Header.Stream)
			msg, err := cl.codec.Decode(f)
			require.NoError(t, err)
			ev, ok := msg.(*protocol.Event)
			require.True(t, ok)
			assert.Equal(t, "DOWN", ev.Change)
			return
		}
		n, err := cl.conn.Read(cl.buf)
		require.NoError(t, err)
		cl.asm.Feed(cl.buf[:n])
	}
}

func TestEncodeRowsArity(t *testing.T) {
	cols := []protocol.ColumnSpec{Column("a", protocol.NativeType(protocol.TypeInt))}
	_, err := EncodeRows(protocol.ProtoVersion2, cols, []protocol.Value{protocol.Int(1), protocol.Int(2)})
	assert.Error(t, err)

	res, err := EncodeRows(protocol.ProtoVersion2, cols, []protocol.Value{protocol.Null(protocol.NativeType(protocol.TypeInt))})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, res.Data)
}
