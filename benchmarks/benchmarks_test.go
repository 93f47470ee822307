package benchmarks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/cql-driver/client"
	"github.com/dan-strohschein/cql-driver/mapper"
	"github.com/dan-strohschein/cql-driver/protocol"
	"github.com/dan-strohschein/cql-driver/testutil"
)

const (
	benchSelect = "SELECT id, name, score FROM bench.users WHERE id = ?"
	benchScan   = "SELECT id, name, score FROM bench.users"
)

var (
	intType    = protocol.NativeType(protocol.TypeInt)
	textType   = protocol.NativeType(protocol.TypeVarchar)
	doubleType = protocol.NativeType(protocol.TypeDouble)

	benchColumns = []protocol.ColumnSpec{
		testutil.Column("id", intType),
		testutil.Column("name", textType),
		testutil.Column("score", doubleType),
	}
)

func benchValues(n int) [][]protocol.Value {
	rows := make([][]protocol.Value, n)
	for i := range rows {
		rows[i] = []protocol.Value{
			protocol.Int(int32(i)),
			protocol.Varchar(fmt.Sprintf("user-%d", i)),
			protocol.Double(float64(i) / 3),
		}
	}
	return rows
}

func benchRows(n int) *protocol.RowsResult {
	return testutil.Rows(benchColumns, benchValues(n)...)
}

func benchSession(b *testing.B, nodes int) (*client.Session, *testutil.Cluster) {
	b.Helper()
	c := testutil.NewCluster(nodes)
	c.ExpectQuery(benchSelect, func(e *testutil.Expectation) {
		e.WithParams(testutil.Column("id", intType)).WillReturn(benchRows(1))
	})
	c.ExpectQuery(benchScan, func(e *testutil.Expectation) {
		e.WillReturn(benchRows(100))
	})

	cfg := client.DefaultConfig()
	cfg.Addresses = []string{testutil.Addr(c.Node(0).IP())}
	cfg.TransportFactory = c.Factory()
	cfg.HeartbeatInterval = 0
	cfg.ShutdownGrace = time.Second
	cluster, err := client.NewCluster(cfg)
	require.NoError(b, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := cluster.Connect().Get(ctx)
	require.NoError(b, err)
	b.Cleanup(func() {
		_, _ = s.Shutdown().Get(context.Background())
	})
	return s, c
}

// BenchmarkSessionConnect measures session setup and shutdown against a
// three node cluster.
func BenchmarkSessionConnect(b *testing.B) {
	c := testutil.NewCluster(3)
	cfg := client.DefaultConfig()
	cfg.Addresses = []string{testutil.Addr(c.Node(0).IP())}
	cfg.TransportFactory = c.Factory()
	cfg.HeartbeatInterval = 0
	cluster, err := client.NewCluster(cfg)
	require.NoError(b, err)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		s, err := cluster.Connect().Get(ctx)
		if err != nil {
			b.Fatalf("Failed to connect: %v", err)
		}
		if _, err := s.Shutdown().Get(ctx); err != nil {
			b.Fatalf("Failed to shut down: %v", err)
		}
	}
}

// BenchmarkSimpleQuery measures an unprepared query round trip.
func BenchmarkSimpleQuery(b *testing.B) {
	s, _ := benchSession(b, 1)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := s.Query(ctx, benchScan); err != nil {
			b.Fatalf("Query failed: %v", err)
		}
	}
}

// BenchmarkPreparedExecute measures bind and execute of a prepared
// statement.
func BenchmarkPreparedExecute(b *testing.B) {
	s, _ := benchSession(b, 1)
	ctx := context.Background()
	p, err := s.Prepare(benchSelect).Get(ctx)
	require.NoError(b, err)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		stmt := s.Bind(p)
		if err := stmt.BindInt(0, int32(i)); err != nil {
			b.Fatalf("Bind failed: %v", err)
		}
		if _, err := s.Execute(ctx, stmt).Get(ctx); err != nil {
			b.Fatalf("Execute failed: %v", err)
		}
	}
}

// BenchmarkConcurrentQueries measures throughput with many requests in
// flight on a three node cluster.
func BenchmarkConcurrentQueries(b *testing.B) {
	s, _ := benchSession(b, 3)
	ctx := context.Background()
	p, err := s.Prepare(benchSelect).Get(ctx)
	require.NoError(b, err)

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			stmt := s.Bind(p)
			if err := stmt.BindInt(0, 1); err != nil {
				b.Errorf("Bind failed: %v", err)
				return
			}
			if _, err := s.Execute(ctx, stmt).Get(ctx); err != nil {
				b.Errorf("Execute failed: %v", err)
				return
			}
		}
	})
}

// BenchmarkRowIteration measures decoding every column of a 100 row page.
func BenchmarkRowIteration(b *testing.B) {
	s, _ := benchSession(b, 1)
	res, err := s.Query(context.Background(), benchScan)
	require.NoError(b, err)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		it := res.Rows()
		for it.Next() {
			row := it.Row()
			id, _ := row.Column(0)
			name, _ := row.Column(1)
			score, _ := row.Column(2)
			if _, err := id.Int(); err != nil {
				b.Fatal(err)
			}
			if _, err := name.String(); err != nil {
				b.Fatal(err)
			}
			if _, err := score.Double(); err != nil {
				b.Fatal(err)
			}
		}
		if err := it.Err(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkScanStruct measures mapping rows onto a tagged struct.
func BenchmarkScanStruct(b *testing.B) {
	s, _ := benchSession(b, 1)
	res, err := s.Query(context.Background(), benchScan)
	require.NoError(b, err)
	m := mapper.NewResponseMapper()

	var u struct {
		ID    int32   `cql:"id"`
		Name  string  `cql:"name"`
		Score float64 `cql:"score"`
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		it := res.Rows()
		for it.Next() {
			if err := m.ScanStruct(it.Row(), &u); err != nil {
				b.Fatal(err)
			}
		}
	}
}

// BenchmarkFrameEncode measures encoding a QUERY frame per compression
// algorithm.
func BenchmarkFrameEncode(b *testing.B) {
	value, err := protocol.Encode(protocol.Varchar("some reasonably long text value"), textType, protocol.ProtoVersion2)
	require.NoError(b, err)
	msg := &protocol.Query{
		Statement: "INSERT INTO bench.users (id, name, score) VALUES (?, ?, ?)",
		Params: protocol.QueryParams{
			Consistency: protocol.Quorum,
			Values:      [][]byte{{0, 0, 0, 1}, value, nil},
		},
	}

	for _, compressor := range []protocol.Compressor{nil, protocol.SnappyCompressor{}, protocol.LZ4Compressor{}} {
		name := "none"
		if compressor != nil {
			name = compressor.Name()
		}
		b.Run(name, func(b *testing.B) {
			codec := protocol.NewCodec(protocol.ProtoVersion2, compressor)
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := codec.Encode(msg, int16(i&0x7f), false); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkFrameDecode measures reassembling and decoding a rows response.
func BenchmarkFrameDecode(b *testing.B) {
	rows, err := testutil.EncodeRows(protocol.ProtoVersion3, benchColumns, benchValues(100)...)
	require.NoError(b, err)
	codec := protocol.NewCodec(protocol.ProtoVersion3, nil)
	raw, err := codec.Encode(rows, 1, true)
	require.NoError(b, err)

	b.SetBytes(int64(len(raw)))
	b.ReportAllocs()
	b.ResetTimer()

	var asm protocol.Assembler
	for i := 0; i < b.N; i++ {
		asm.Feed(raw)
		f, ok, err := asm.Next()
		if err != nil || !ok {
			b.Fatalf("Next: ok=%v err=%v", ok, err)
		}
		if _, err := codec.Decode(f); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkValueMarshal measures encoding and decoding a map value.
func BenchmarkValueMarshal(b *testing.B) {
	typ := protocol.MapOf(textType, intType)
	pairs := make([]protocol.Pair, 32)
	for i := range pairs {
		pairs[i] = protocol.Pair{Key: protocol.Varchar(fmt.Sprintf("k%d", i)), Value: protocol.Int(int32(i))}
	}
	v := protocol.Map(textType, intType, pairs...)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		raw, err := protocol.Encode(v, typ, protocol.ProtoVersion3)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := protocol.Decode(raw, typ, protocol.ProtoVersion3); err != nil {
			b.Fatal(err)
		}
	}
}
