package client

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ObservedQuery describes one completed execution.
type ObservedQuery struct {
	// Statement is the query text. Batches report their first statement.
	Statement string

	// Kind is "query", "execute" or "batch".
	Kind string

	// Type categorizes the statement: read, write, schema or unknown.
	Type string

	Host  string
	Start time.Time
	End   time.Time

	// Rows is the number of rows in the returned page.
	Rows int

	// Statements is the number of statements of a batch, 1 otherwise.
	Statements int

	Err error
}

// Duration returns the execution time.
func (q ObservedQuery) Duration() time.Duration { return q.End.Sub(q.Start) }

// QueryObserver is notified after every execution completes, before its
// future is fulfilled. Implementations must be safe for concurrent use and
// should not block.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, q ObservedQuery)
}

// QueryObserverFunc adapts a function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, q ObservedQuery)

func (f QueryObserverFunc) ObserveQuery(ctx context.Context, q ObservedQuery) { f(ctx, q) }

// ObserverChain notifies each observer in order.
type ObserverChain []QueryObserver

func (c ObserverChain) ObserveQuery(ctx context.Context, q ObservedQuery) {
	for _, o := range c {
		o.ObserveQuery(ctx, q)
	}
}

// LoggingObserver logs failed executions, and every execution at debug
// level.
type LoggingObserver struct {
	logger        log.Logger
	slowThreshold time.Duration
}

// NewLoggingObserver logs executions slower than slowThreshold at warn
// level. Zero disables the slow query log.
func NewLoggingObserver(logger log.Logger, slowThreshold time.Duration) *LoggingObserver {
	return &LoggingObserver{
		logger:        log.With(loggerOrNop(logger), "component", "query_observer"),
		slowThreshold: slowThreshold,
	}
}

func (o *LoggingObserver) ObserveQuery(_ context.Context, q ObservedQuery) {
	kv := []interface{}{"kind", q.Kind, "type", q.Type, "host", q.Host, "duration", q.Duration(), "statement", q.Statement}
	switch {
	case q.Err != nil:
		level.Error(o.logger).Log(append([]interface{}{"msg", "query failed", "err", q.Err}, kv...)...)
	case o.slowThreshold > 0 && q.Duration() >= o.slowThreshold:
		level.Warn(o.logger).Log(append([]interface{}{"msg", "slow query"}, kv...)...)
	default:
		level.Debug(o.logger).Log(append([]interface{}{"msg", "query completed", "rows", q.Rows}, kv...)...)
	}
}

// StatsObserver counts executions with atomic counters.
type StatsObserver struct {
	TotalQueries    atomic.Uint64
	TotalReads      atomic.Uint64
	TotalWrites     atomic.Uint64
	TotalErrors     atomic.Uint64
	TotalDurationNs atomic.Uint64
}

func NewStatsObserver() *StatsObserver {
	return &StatsObserver{}
}

func (o *StatsObserver) ObserveQuery(_ context.Context, q ObservedQuery) {
	o.TotalQueries.Add(1)
	o.TotalDurationNs.Add(uint64(q.Duration().Nanoseconds()))

	switch q.Type {
	case "read":
		o.TotalReads.Add(1)
	case "write":
		o.TotalWrites.Add(1)
	}

	if q.Err != nil {
		o.TotalErrors.Add(1)
	}
}

// GetStats returns current counters as a map.
func (o *StatsObserver) GetStats() map[string]interface{} {
	total := o.TotalQueries.Load()
	totalDur := o.TotalDurationNs.Load()

	avg := int64(0)
	if total > 0 {
		avg = int64(totalDur / total)
	}

	return map[string]interface{}{
		"total_queries":     total,
		"total_reads":       o.TotalReads.Load(),
		"total_writes":      o.TotalWrites.Load(),
		"total_errors":      o.TotalErrors.Load(),
		"total_duration_ns": totalDur,
		"avg_duration_ms":   float64(avg) / 1_000_000,
	}
}

// Reset clears all counters.
func (o *StatsObserver) Reset() {
	o.TotalQueries.Store(0)
	o.TotalReads.Store(0)
	o.TotalWrites.Store(0)
	o.TotalErrors.Store(0)
	o.TotalDurationNs.Store(0)
}

// statementType guesses the category of a statement from its first keyword.
func statementType(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "unknown"
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT":
		return "read"
	case "INSERT", "UPDATE", "DELETE", "BEGIN":
		return "write"
	case "CREATE", "ALTER", "DROP", "TRUNCATE", "USE":
		return "schema"
	default:
		return "unknown"
	}
}
