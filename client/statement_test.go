package client

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/cql-driver/protocol"
)

var testDefaults = execDefaults{consistency: protocol.One, pageSize: 5000}

func testPrepared(query string, params ...protocol.ColumnSpec) *Prepared {
	return newPrepared(query, &protocol.PreparedResult{
		ID:     []byte{0xca, 0xfe},
		Params: protocol.ResultMetadata{Columns: params, ColumnCount: len(params)},
	})
}

func param(name string, tag protocol.TypeTag) protocol.ColumnSpec {
	return protocol.ColumnSpec{Keyspace: "ks", Table: "tbl", Name: name, Type: protocol.NativeType(tag)}
}

func TestStatementBindIndexOutOfRange(t *testing.T) {
	stmt := NewQuery("INSERT INTO t (a, b) VALUES (?, ?)", 2)
	require.Equal(t, 2, stmt.Len())

	for _, idx := range []int{-1, 2, 10} {
		err := stmt.BindInt(idx, 1)
		assert.Equal(t, protocol.KindIndexOutOfRange, ErrorKind(err), "index %d", idx)
	}
	assert.Equal(t, protocol.KindIndexOutOfRange, ErrorKind(stmt.Unbind(2)))
}

func TestStatementUnboundParameter(t *testing.T) {
	stmt := NewQuery("INSERT INTO t (a, b) VALUES (?, ?)", 2)
	require.NoError(t, stmt.BindInt(0, 1))

	msg, err := stmt.message(protocol.ProtoVersion2, testDefaults)
	assert.Nil(t, msg)
	require.Equal(t, protocol.KindUnboundParameter, ErrorKind(err))

	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Details["index"])
}

func TestStatementRebindOverwrites(t *testing.T) {
	stmt := NewQuery("SELECT * FROM t WHERE k = ?", 1)
	require.NoError(t, stmt.BindInt(0, 1))
	require.NoError(t, stmt.BindInt(0, 2))

	values, err := stmt.encodeValues(protocol.ProtoVersion2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 2}, values[0])
}

func TestStatementEncodesEveryType(t *testing.T) {
	u := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	ts := time.UnixMilli(1_700_000_000_123)

	tests := []struct {
		name string
		bind func(*Statement) error
		want []byte
	}{
		{"short", func(s *Statement) error { return s.BindShort(0, -2) }, []byte{0xff, 0xff, 0xff, 0xfe}},
		{"int", func(s *Statement) error { return s.BindInt(0, 42) }, []byte{0, 0, 0, 42}},
		{"bigint", func(s *Statement) error { return s.BindBigint(0, 1) }, []byte{0, 0, 0, 0, 0, 0, 0, 1}},
		{"counter", func(s *Statement) error { return s.BindCounter(0, 2) }, []byte{0, 0, 0, 0, 0, 0, 0, 2}},
		{"bool true", func(s *Statement) error { return s.BindBool(0, true) }, []byte{1}},
		{"bool false", func(s *Statement) error { return s.BindBool(0, false) }, []byte{0}},
		{"double", func(s *Statement) error { return s.BindDouble(0, 1.5) }, []byte{0x3f, 0xf8, 0, 0, 0, 0, 0, 0}},
		{"float", func(s *Statement) error { return s.BindFloat(0, 1.5) }, []byte{0x3f, 0xc0, 0, 0}},
		{"string", func(s *Statement) error { return s.BindString(0, "x") }, []byte("x")},
		{"blob", func(s *Statement) error { return s.BindBlob(0, []byte{1, 2}) }, []byte{1, 2}},
		{"uuid", func(s *Statement) error { return s.BindUUID(0, u) }, u[:]},
		{"inet", func(s *Statement) error { return s.BindInet(0, net.ParseIP("10.0.0.1")) }, []byte{10, 0, 0, 1}},
		{"varint", func(s *Statement) error { return s.BindVarint(0, []byte{0x01, 0x00}) }, []byte{0x01, 0x00}},
		{"decimal", func(s *Statement) error { return s.BindDecimal(0, 2, []byte{0x7b}) }, []byte{0, 0, 0, 2, 0x7b}},
		{"time", func(s *Statement) error { return s.BindTime(0, ts) }, binary.BigEndian.AppendUint64(nil, uint64(ts.UnixMilli()))},
		{"time millis", func(s *Statement) error { return s.BindTimeMillis(0, 5) }, []byte{0, 0, 0, 0, 0, 0, 0, 5}},
		{"null", func(s *Statement) error { return s.BindNull(0) }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt := NewQuery("SELECT ?", 1)
			require.NoError(t, tt.bind(stmt))
			values, err := stmt.encodeValues(protocol.ProtoVersion2)
			require.NoError(t, err)
			assert.Equal(t, tt.want, values[0])
		})
	}
}

func TestStatementPreparedTypeCheck(t *testing.T) {
	p := testPrepared("INSERT INTO t (k, v) VALUES (?, ?)", param("k", protocol.TypeInt), param("v", protocol.TypeVarchar))

	t.Run("matching types", func(t *testing.T) {
		stmt := p.Bind()
		require.Equal(t, 2, stmt.Len())
		require.NoError(t, stmt.BindInt(0, 42))
		require.NoError(t, stmt.BindString(1, "x"))

		msg, err := stmt.message(protocol.ProtoVersion2, testDefaults)
		require.NoError(t, err)
		exec, ok := msg.(*protocol.Execute)
		require.True(t, ok)
		assert.Equal(t, []byte{0xca, 0xfe}, exec.ID)
		assert.Equal(t, [][]byte{{0, 0, 0, 42}, []byte("x")}, exec.Params.Values)
	})

	t.Run("mismatched type", func(t *testing.T) {
		stmt := p.Bind()
		require.NoError(t, stmt.BindString(0, "42"))
		require.NoError(t, stmt.BindString(1, "x"))

		_, err := stmt.message(protocol.ProtoVersion2, testDefaults)
		assert.Equal(t, protocol.KindTypeMismatch, ErrorKind(err))
	})

	t.Run("null skips the type check", func(t *testing.T) {
		stmt := p.Bind()
		require.NoError(t, stmt.BindInt(0, 1))
		require.NoError(t, stmt.BindNull(1))

		values, err := stmt.encodeValues(protocol.ProtoVersion2)
		require.NoError(t, err)
		assert.Nil(t, values[1])
	})

	t.Run("more slots than parameters", func(t *testing.T) {
		stmt := &Statement{query: p.query, prepared: p, slots: make([]slot, 3)}
		for i := 0; i < 3; i++ {
			require.NoError(t, stmt.BindInt(i, 1))
		}
		_, err := stmt.encodeValues(protocol.ProtoVersion2)
		assert.Equal(t, protocol.KindIndexOutOfRange, ErrorKind(err))
	})
}

func TestStatementCollectionValue(t *testing.T) {
	p := testPrepared("UPDATE t SET tags = ? WHERE k = 1", protocol.ColumnSpec{
		Name: "tags",
		Type: protocol.ListOf(protocol.NativeType(protocol.TypeVarchar)),
	})
	stmt := p.Bind()
	require.NoError(t, stmt.BindValue(0, protocol.List(protocol.NativeType(protocol.TypeVarchar), protocol.Varchar("a"), protocol.Varchar("bc"))))

	values, err := stmt.encodeValues(protocol.ProtoVersion2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 2, 0, 1, 'a', 0, 2, 'b', 'c'}, values[0])
}

func TestStatementResetAndUnbind(t *testing.T) {
	stmt := NewQuery("SELECT * FROM t WHERE a = ? AND b = ?", 2)
	require.NoError(t, stmt.BindInt(0, 1))
	require.NoError(t, stmt.BindInt(1, 2))
	stmt.SetPagingState([]byte{9})
	stmt.SetConsistency(protocol.Quorum)

	require.NoError(t, stmt.Unbind(1))
	_, err := stmt.encodeValues(protocol.ProtoVersion2)
	assert.Equal(t, protocol.KindUnboundParameter, ErrorKind(err))

	stmt.Reset()
	_, err = stmt.encodeValues(protocol.ProtoVersion2)
	assert.Equal(t, protocol.KindUnboundParameter, ErrorKind(err))

	state, err := stmt.GetOption(StatementPagingState)
	require.NoError(t, err)
	assert.Empty(t, state)

	c, err := stmt.GetOption(StatementConsistency)
	require.NoError(t, err)
	assert.Equal(t, protocol.Quorum, c, "options survive reset")
}

func TestStatementOptions(t *testing.T) {
	stmt := NewQuery("SELECT * FROM t", 0)

	require.NoError(t, stmt.SetOption(StatementConsistency, "QUORUM"))
	require.NoError(t, stmt.SetOption(StatementSerialConsistency, protocol.LocalSerial))
	require.NoError(t, stmt.SetOption(StatementPageSize, 100))
	require.NoError(t, stmt.SetOption(StatementPagingState, []byte{1, 2}))
	require.NoError(t, stmt.SetOption(StatementDefaultTimestamp, int64(77)))

	tests := []struct {
		opt  StatementOption
		want interface{}
	}{
		{StatementConsistency, protocol.Quorum},
		{StatementSerialConsistency, protocol.LocalSerial},
		{StatementPageSize, 100},
		{StatementPagingState, []byte{1, 2}},
		{StatementDefaultTimestamp, int64(77)},
	}
	for _, tt := range tests {
		t.Run(tt.opt.String(), func(t *testing.T) {
			got, err := stmt.GetOption(tt.opt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	msg, err := stmt.message(protocol.ProtoVersion2, testDefaults)
	require.NoError(t, err)
	q := msg.(*protocol.Query)
	assert.Equal(t, protocol.Quorum, q.Params.Consistency)
	assert.Equal(t, int32(100), q.Params.PageSize)
	assert.Equal(t, []byte{1, 2}, q.Params.PagingState)
}

func TestStatementOptionErrors(t *testing.T) {
	stmt := NewQuery("SELECT * FROM t", 0)

	tests := []struct {
		name  string
		opt   StatementOption
		value interface{}
	}{
		{"unknown consistency", StatementConsistency, "MOST"},
		{"consistency wrong type", StatementConsistency, 3.5},
		{"page size wrong type", StatementPageSize, "10"},
		{"paging state wrong type", StatementPagingState, "abc"},
		{"timestamp wrong type", StatementDefaultTimestamp, 5},
		{"unknown option", StatementOption(99), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := stmt.SetOption(tt.opt, tt.value)
			assert.Equal(t, protocol.KindInvalidOption, ErrorKind(err))
		})
	}

	_, err := stmt.GetOption(StatementOption(0))
	assert.Equal(t, protocol.KindInvalidOption, ErrorKind(err))
}

func TestStatementDefaults(t *testing.T) {
	stmt := NewQuery("SELECT * FROM t", 0)
	msg, err := stmt.message(protocol.ProtoVersion2, execDefaults{consistency: protocol.LocalQuorum, pageSize: 10})
	require.NoError(t, err)

	q := msg.(*protocol.Query)
	assert.Equal(t, "SELECT * FROM t", q.Statement)
	assert.Equal(t, protocol.LocalQuorum, q.Params.Consistency)
	assert.Equal(t, int32(10), q.Params.PageSize)
	assert.False(t, q.Params.SkipMetadata)
}

func TestStatementSkipMetadata(t *testing.T) {
	p := newPrepared("SELECT v FROM t", &protocol.PreparedResult{
		ID:     []byte{1},
		Result: protocol.ResultMetadata{Columns: []protocol.ColumnSpec{param("v", protocol.TypeInt)}, ColumnCount: 1},
	})
	msg, err := p.Bind().message(protocol.ProtoVersion2, testDefaults)
	require.NoError(t, err)
	assert.True(t, msg.(*protocol.Execute).Params.SkipMetadata)
}

func TestStatementRoutingKey(t *testing.T) {
	stmt := NewQuery("SELECT * FROM t", 0)
	key := []byte("user-1")
	stmt.SetRoutingKey(key)
	key[0] = 'X'
	assert.Equal(t, []byte("user-1"), stmt.RoutingKey())
}
