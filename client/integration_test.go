//go:build integration

package client

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/cql-driver/protocol"
)

// Run with: CQL_TEST_ADDRESSES=127.0.0.1 go test -tags integration ./client/
const addressesEnv = "CQL_TEST_ADDRESSES"

const integrationKeyspace = "cqldriver_it"

func integrationSession(t *testing.T, keyspace string) *Session {
	t.Helper()
	addrs := os.Getenv(addressesEnv)
	if addrs == "" {
		t.Skipf("%s not set", addressesEnv)
	}

	cfg := DefaultConfig()
	cfg.Addresses = strings.Split(addrs, ",")
	cfg.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	cluster, err := NewCluster(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := cluster.ConnectKeyspace(keyspace).Get(ctx)
	require.NoError(t, err, "Failed to connect")
	t.Cleanup(func() {
		_, _ = s.Shutdown().Get(context.Background())
	})
	return s
}

func mustQuery(t *testing.T, s *Session, query string, values ...protocol.Value) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := s.Query(ctx, query, values...)
	require.NoError(t, err, "query %q", query)
	return res
}

func TestIntegrationSystemLocal(t *testing.T) {
	s := integrationSession(t, "")

	res := mustQuery(t, s, "SELECT release_version FROM system.local")
	row, ok, err := res.First()
	require.NoError(t, err)
	require.True(t, ok)
	col, err := row.Column(0)
	require.NoError(t, err)
	version, err := col.String()
	require.NoError(t, err)
	assert.NotEmpty(t, version)
	t.Logf("connected to release %s with %d hosts", version, len(s.Hosts()))
}

func TestIntegrationSchemaAndData(t *testing.T) {
	s := integrationSession(t, "")

	res := mustQuery(t, s, fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}",
		integrationKeyspace))
	assert.Contains(t, []ResultKind{ResultSchemaChange, ResultVoid}, res.Kind())

	mustQuery(t, s, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.users (
		id uuid PRIMARY KEY,
		name text,
		age int,
		tags set<text>,
		created timestamp
	)`, integrationKeyspace))
	mustQuery(t, s, fmt.Sprintf("TRUNCATE %s.users", integrationKeyspace))

	ks := integrationSession(t, integrationKeyspace)
	assert.Equal(t, integrationKeyspace, ks.Keyspace())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	insert, err := ks.Prepare("INSERT INTO users (id, name, age, tags, created) VALUES (?, ?, ?, ?, ?)").Get(ctx)
	require.NoError(t, err)

	created := time.Now().UTC().Truncate(time.Millisecond)
	ids := make([]uuid.UUID, 3)
	batch := NewBatch(protocol.LoggedBatch)
	for i := range ids {
		ids[i] = uuid.New()
		stmt := ks.Bind(insert)
		require.NoError(t, stmt.BindUUID(0, ids[i]))
		require.NoError(t, stmt.BindString(1, fmt.Sprintf("user-%d", i)))
		require.NoError(t, stmt.BindInt(2, int32(20+i)))
		require.NoError(t, stmt.BindValue(3, protocol.Set(protocol.NativeType(protocol.TypeVarchar), protocol.Varchar("a"), protocol.Varchar("b"))))
		require.NoError(t, stmt.BindTime(4, created))
		require.NoError(t, batch.Add(stmt))
	}
	_, err = ks.ExecuteBatch(ctx, batch).Get(ctx)
	require.NoError(t, err)

	sel, err := ks.Prepare("SELECT name, age, tags, created FROM users WHERE id = ?").Get(ctx)
	require.NoError(t, err)
	stmt := ks.Bind(sel)
	require.NoError(t, stmt.BindUUID(0, ids[1]))
	res, err = ks.Execute(ctx, stmt).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.RowCount())

	row, _, err := res.First()
	require.NoError(t, err)
	name, _ := row.ColumnByName("name")
	got, err := name.String()
	require.NoError(t, err)
	assert.Equal(t, "user-1", got)

	age, _ := row.ColumnByName("age")
	n, err := age.Int()
	require.NoError(t, err)
	assert.Equal(t, int32(21), n)

	tags, _ := row.ColumnByName("tags")
	count, err := tags.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ts, _ := row.ColumnByName("created")
	when, err := ts.Time()
	require.NoError(t, err)
	assert.True(t, created.Equal(when))

	page := NewQuery("SELECT id FROM users", 0)
	page.SetPageSize(2)
	res, err = ks.Execute(ctx, page).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowCount())
	assert.True(t, res.HasMorePages())

	page.SetPagingState(res.PagingState())
	res, err = ks.Execute(ctx, page).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount())
}

func TestIntegrationServerError(t *testing.T) {
	s := integrationSession(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.Query(ctx, "SELECT * FROM no_such_keyspace.no_such_table")
	require.Error(t, err)
	assert.Equal(t, protocol.KindServer, ErrorKind(err))
}
