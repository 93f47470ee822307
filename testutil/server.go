// Package testutil provides a scripted in-memory CQL node for driver tests.
package testutil

import (
	"crypto/sha1"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dan-strohschein/cql-driver/protocol"
)

// Statements the driver issues for topology and schema agreement. The
// server answers them from its own state.
const (
	queryLocalSchema = "SELECT schema_version FROM system.local WHERE key='local'"
	queryPeers       = "SELECT peer, rpc_address FROM system.peers"
	queryPeerSchemas = "SELECT peer, rpc_address, schema_version FROM system.peers"
)

// Server is one fake node. Statements are answered from expectations set
// with ExpectQuery; system tables are answered from the server's peers and
// schema version. It is safe for concurrent use.
//
// Example usage:
//
//	srv := NewServer(net.ParseIP("10.0.0.1"))
//	srv.ExpectQuery("SELECT v FROM t WHERE k = ?").
//	    WithParams(Column("k", protocol.NativeType(protocol.TypeInt))).
//	    WillReturn(Rows(cols, row))
//	network.Listen("10.0.0.1:9042", srv.Serve)
type Server struct {
	ip net.IP

	mu            sync.Mutex
	expectations  []*Expectation
	calls         []Call
	prepared      map[string]*Expectation
	conns         map[*serverConn]struct{}
	peers         []Peer
	schemaVersion uuid.UUID
	authenticator string
	strict        bool
}

// Peer is a row of system.peers.
type Peer struct {
	IP            net.IP
	SchemaVersion uuid.UUID
}

// Expectation is a scripted answer to a QUERY or EXECUTE of one statement.
type Expectation struct {
	statement   string
	params      []protocol.ColumnSpec
	response    protocol.Message
	delay       time.Duration
	times       int
	actualCalls int
}

// Call is one request received by the server.
type Call struct {
	Opcode    protocol.Opcode
	Statement string
	Values    [][]byte
	Params    protocol.QueryParams
	Batch     *protocol.Batch
}

// NewServer returns a node answering as ip.
func NewServer(ip net.IP) *Server {
	return &Server{
		ip:            ip,
		prepared:      make(map[string]*Expectation),
		conns:         make(map[*serverConn]struct{}),
		schemaVersion: uuid.MustParse("5a7d6f64-3c7e-4e4d-9c8b-6b0a9a7e1f10"),
	}
}

// IP returns the address the server answers as.
func (s *Server) IP() net.IP { return s.ip }

// Strict makes unexpected statements fail the test instead of returning an
// invalid query error.
func (s *Server) Strict() *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strict = true
	return s
}

// RequireAuthentication makes STARTUP answer AUTHENTICATE.
func (s *Server) RequireAuthentication(class string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticator = class
}

// SetPeers replaces the rows of system.peers.
func (s *Server) SetPeers(peers ...Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append([]Peer(nil), peers...)
}

// SetSchemaVersion sets the schema_version of system.local.
func (s *Server) SetSchemaVersion(v uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaVersion = v
}

func (s *Server) schema() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaVersion
}

// ExpectQuery scripts the answer to statement. The expectation matches once
// unless changed with Times or AnyTimes.
func (s *Server) ExpectQuery(statement string) *Expectation {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &Expectation{statement: statement, response: &protocol.VoidResult{}, times: 1}
	s.expectations = append(s.expectations, e)
	return e
}

// WithParams sets the bind metadata returned when the statement is
// prepared.
func (e *Expectation) WithParams(params ...protocol.ColumnSpec) *Expectation {
	e.params = params
	return e
}

// WillReturn sets the response message.
func (e *Expectation) WillReturn(msg protocol.Message) *Expectation {
	e.response = msg
	return e
}

// WillReturnError answers with an ERROR frame.
func (e *Expectation) WillReturnError(code protocol.ServerErrorCode, message string) *Expectation {
	e.response = &protocol.ServerError{Code: code, Message: message}
	return e
}

// WillDelay holds the response back for d. Other requests on the same
// connection are answered meanwhile.
func (e *Expectation) WillDelay(d time.Duration) *Expectation {
	e.delay = d
	return e
}

// Times sets the expected number of matches. Use -1 for any number.
func (e *Expectation) Times(n int) *Expectation {
	e.times = n
	return e
}

// AnyTimes allows this expectation to match any number of times.
func (e *Expectation) AnyTimes() *Expectation {
	return e.Times(-1)
}

// match finds the expectation for statement and counts the call.
func (s *Server) match(statement string) *Expectation {
	for _, e := range s.expectations {
		if e.statement == statement && (e.times == -1 || e.actualCalls < e.times) {
			e.actualCalls++
			return e
		}
	}
	return nil
}

// lookup finds the expectation for statement without counting.
func (s *Server) lookup(statement string) *Expectation {
	for _, e := range s.expectations {
		if e.statement == statement {
			return e
		}
	}
	return nil
}

// VerifyExpectations checks that every expectation matched as often as
// expected.
func (s *Server) VerifyExpectations(t testing.TB) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.expectations {
		if e.times != -1 && e.actualCalls != e.times {
			t.Errorf("expectation %d (%s): expected %d calls, got %d", i, e.statement, e.times, e.actualCalls)
		}
	}
}

// Calls returns every request received, in arrival order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns the number of requests received with op.
func (s *Server) CallCount(op protocol.Opcode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Opcode == op {
			n++
		}
	}
	return n
}

// ForgetPrepared drops every prepared id, so the next EXECUTE is answered
// with UNPREPARED.
func (s *Server) ForgetPrepared() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared = make(map[string]*Expectation)
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
}

// PushEvent sends ev to every connection that registered for events.
func (s *Server) PushEvent(ev *protocol.Event) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		if c.registered {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.send(protocol.EventStream, ev)
	}
}

type serverConn struct {
	server     *Server
	conn       net.Conn
	registered bool

	wmu   sync.Mutex
	codec *protocol.Codec
}

// Serve answers requests on peer until it is closed. It has the signature
// of mock.Handler.
func (s *Server) Serve(peer net.Conn) {
	c := &serverConn{server: s, conn: peer}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		peer.Close()
	}()

	var asm protocol.Assembler
	buf := make([]byte, 16*1024)
	for {
		n, err := peer.Read(buf)
		if n > 0 {
			asm.Feed(buf[:n])
			for {
				f, ok, ferr := asm.Next()
				if ferr != nil || !ok {
					if ferr != nil {
						return
					}
					break
				}
				c.handle(f)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *serverConn) handle(f protocol.Frame) {
	c.wmu.Lock()
	if c.codec == nil || c.codec.Version() != f.Header.Version {
		c.codec = protocol.NewCodec(f.Header.Version, c.codecCompressor())
	}
	codec := c.codec
	c.wmu.Unlock()

	msg, err := codec.Decode(f)
	if err != nil {
		c.send(f.Header.Stream, &protocol.ServerError{Code: protocol.ServerErrProtocol, Message: err.Error()})
		return
	}

	resp, delay := c.server.respond(c, msg, f.Header.Version)
	if delay > 0 {
		time.AfterFunc(delay, func() { c.send(f.Header.Stream, resp) })
		return
	}
	c.send(f.Header.Stream, resp)

	if st, ok := msg.(*protocol.Startup); ok {
		if name, ok := st.Options[protocol.StartupCompression]; ok {
			alg, _ := protocol.ParseCompression(name)
			comp, _ := protocol.NewCompressor(alg)
			c.wmu.Lock()
			c.codec = protocol.NewCodec(f.Header.Version, comp)
			c.wmu.Unlock()
		}
	}
}

func (c *serverConn) codecCompressor() protocol.Compressor {
	if c.codec == nil {
		return nil
	}
	return c.codec.Compressor()
}

func (c *serverConn) send(stream int16, msg protocol.Message) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	frame, err := c.codec.Encode(msg, stream, true)
	if err != nil {
		frame, _ = c.codec.Encode(&protocol.ServerError{Code: protocol.ServerErrServer, Message: err.Error()}, stream, true)
	}
	_, _ = c.conn.Write(frame)
}

func (s *Server) respond(c *serverConn, msg protocol.Message, version byte) (protocol.Message, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.Options:
		s.calls = append(s.calls, Call{Opcode: protocol.OpOptions})
		return &protocol.Supported{Options: map[string][]string{
			protocol.StartupCQLVersion:  {protocol.DefaultCQLVersion},
			protocol.StartupCompression: {"snappy", "lz4"},
		}}, 0
	case *protocol.Startup:
		s.calls = append(s.calls, Call{Opcode: protocol.OpStartup})
		if s.authenticator != "" {
			return &protocol.Authenticate{Class: s.authenticator}, 0
		}
		return &protocol.Ready{}, 0
	case *protocol.Register:
		s.calls = append(s.calls, Call{Opcode: protocol.OpRegister})
		c.registered = true
		return &protocol.Ready{}, 0
	case *protocol.Query:
		s.calls = append(s.calls, Call{Opcode: protocol.OpQuery, Statement: m.Statement, Values: m.Params.Values, Params: m.Params})
		return s.query(m.Statement, version)
	case *protocol.Prepare:
		s.calls = append(s.calls, Call{Opcode: protocol.OpPrepare, Statement: m.Statement})
		return s.prepare(m.Statement), 0
	case *protocol.Execute:
		e, ok := s.prepared[string(m.ID)]
		if !ok {
			s.calls = append(s.calls, Call{Opcode: protocol.OpExecute, Values: m.Params.Values, Params: m.Params})
			return &protocol.ServerError{Code: protocol.ServerErrUnprepared, Message: "unknown prepared id", StatementID: m.ID}, 0
		}
		s.calls = append(s.calls, Call{Opcode: protocol.OpExecute, Statement: e.statement, Values: m.Params.Values, Params: m.Params})
		return s.answer(e.statement)
	case *protocol.Batch:
		s.calls = append(s.calls, Call{Opcode: protocol.OpBatch, Batch: m})
		return &protocol.VoidResult{}, 0
	default:
		return &protocol.ServerError{Code: protocol.ServerErrProtocol, Message: fmt.Sprintf("unexpected %s request", msg.Opcode())}, 0
	}
}

func (s *Server) query(statement string, version byte) (protocol.Message, time.Duration) {
	switch {
	case strings.HasPrefix(statement, "USE "):
		ks := strings.Trim(strings.TrimPrefix(statement, "USE "), `"`)
		return &protocol.SetKeyspaceResult{Keyspace: ks}, 0
	case statement == queryLocalSchema:
		return s.systemRows(version, []protocol.ColumnSpec{
			systemColumn("local", "schema_version", protocol.TypeUUID),
		}, [][]protocol.Value{{protocol.UUIDValue(s.schemaVersion)}}), 0
	case statement == queryPeers:
		rows := make([][]protocol.Value, 0, len(s.peers))
		for _, p := range s.peers {
			rows = append(rows, []protocol.Value{protocol.Inet(p.IP), protocol.Inet(p.IP)})
		}
		return s.systemRows(version, []protocol.ColumnSpec{
			systemColumn("peers", "peer", protocol.TypeInet),
			systemColumn("peers", "rpc_address", protocol.TypeInet),
		}, rows), 0
	case statement == queryPeerSchemas:
		rows := make([][]protocol.Value, 0, len(s.peers))
		for _, p := range s.peers {
			rows = append(rows, []protocol.Value{protocol.Inet(p.IP), protocol.Inet(p.IP), protocol.UUIDValue(p.SchemaVersion)})
		}
		return s.systemRows(version, []protocol.ColumnSpec{
			systemColumn("peers", "peer", protocol.TypeInet),
			systemColumn("peers", "rpc_address", protocol.TypeInet),
			systemColumn("peers", "schema_version", protocol.TypeUUID),
		}, rows), 0
	}
	return s.answer(statement)
}

func (s *Server) systemRows(version byte, cols []protocol.ColumnSpec, rows [][]protocol.Value) protocol.Message {
	res, err := EncodeRows(version, cols, rows...)
	if err != nil {
		return &protocol.ServerError{Code: protocol.ServerErrServer, Message: err.Error()}
	}
	return res
}

func (s *Server) answer(statement string) (protocol.Message, time.Duration) {
	e := s.match(statement)
	if e == nil {
		if s.strict {
			panic(fmt.Sprintf("unexpected statement: %s", statement))
		}
		return &protocol.ServerError{Code: protocol.ServerErrInvalid, Message: "no expectation for " + statement}, 0
	}
	return e.response, e.delay
}

func (s *Server) prepare(statement string) protocol.Message {
	e := s.lookup(statement)
	if e == nil {
		return &protocol.ServerError{Code: protocol.ServerErrSyntax, Message: "cannot prepare " + statement}
	}
	sum := sha1.Sum([]byte(statement))
	id := sum[:8]
	s.prepared[string(id)] = e

	res := &protocol.PreparedResult{
		ID:     id,
		Params: protocol.ResultMetadata{Columns: e.params, ColumnCount: len(e.params)},
	}
	if rows, ok := e.response.(*protocol.RowsResult); ok {
		res.Result = protocol.ResultMetadata{Columns: rows.Metadata.Columns, ColumnCount: len(rows.Metadata.Columns)}
	}
	return res
}

func systemColumn(table, name string, tag protocol.TypeTag) protocol.ColumnSpec {
	return protocol.ColumnSpec{Keyspace: "system", Table: table, Name: name, Type: protocol.NativeType(tag)}
}

// Column returns a column of table ks.tbl.
func Column(name string, typ protocol.TypeInfo) protocol.ColumnSpec {
	return protocol.ColumnSpec{Keyspace: "ks", Table: "tbl", Name: name, Type: typ}
}

// EncodeRows builds a ROWS result, encoding every value with its column
// type.
func EncodeRows(version byte, cols []protocol.ColumnSpec, rows ...[]protocol.Value) (*protocol.RowsResult, error) {
	raw := make([][][]byte, 0, len(rows))
	for i, row := range rows {
		if len(row) != len(cols) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(cols))
		}
		cells := make([][]byte, len(row))
		for j, v := range row {
			if v.Null {
				continue
			}
			b, err := protocol.Encode(v, cols[j].Type, version)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i, cols[j].Name, err)
			}
			if b == nil {
				b = []byte{}
			}
			cells[j] = b
		}
		raw = append(raw, cells)
	}
	return protocol.NewRowsResult(protocol.ResultMetadata{Columns: cols}, raw), nil
}

// Rows is EncodeRows for protocol version 2 that panics on error.
func Rows(cols []protocol.ColumnSpec, rows ...[]protocol.Value) *protocol.RowsResult {
	res, err := EncodeRows(protocol.ProtoVersion2, cols, rows...)
	if err != nil {
		panic(err)
	}
	return res
}
