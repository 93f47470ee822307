package client

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dan-strohschein/cql-driver/protocol"
)

// Prepared is a statement registered with the server. It is immutable and
// may be shared; Bind creates a Statement for one execution.
type Prepared struct {
	query  string
	id     []byte
	params protocol.ResultMetadata
	result protocol.ResultMetadata
}

func newPrepared(query string, res *protocol.PreparedResult) *Prepared {
	return &Prepared{
		query:  query,
		id:     res.ID,
		params: res.Params,
		result: res.Result,
	}
}

// Query returns the statement text.
func (p *Prepared) Query() string { return p.query }

// ID returns the server-assigned statement id.
func (p *Prepared) ID() []byte { return p.id }

// ParamCount returns the number of bind variables.
func (p *Prepared) ParamCount() int { return len(p.params.Columns) }

// ParamType returns the type of bind variable i.
func (p *Prepared) ParamType(i int) (protocol.TypeInfo, error) {
	if i < 0 || i >= len(p.params.Columns) {
		return protocol.TypeInfo{}, protocol.NewError(protocol.KindIndexOutOfRange, "parameter index out of range", map[string]interface{}{
			"index":      i,
			"parameters": len(p.params.Columns),
		})
	}
	return p.params.Columns[i].Type, nil
}

// ParamName returns the name of bind variable i.
func (p *Prepared) ParamName(i int) (string, error) {
	if i < 0 || i >= len(p.params.Columns) {
		return "", protocol.NewError(protocol.KindIndexOutOfRange, "parameter index out of range", map[string]interface{}{
			"index":      i,
			"parameters": len(p.params.Columns),
		})
	}
	return p.params.Columns[i].Name, nil
}

// Bind returns a statement with one slot per bind variable.
func (p *Prepared) Bind() *Statement {
	return &Statement{query: p.query, prepared: p, slots: make([]slot, len(p.params.Columns))}
}

// CacheStats tracks prepared statement cache performance.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// preparedCache keeps prepared statements by query text with LRU eviction.
type preparedCache struct {
	cache     *lru.Cache[string, *Prepared]
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func newPreparedCache(size int) (*preparedCache, error) {
	c := &preparedCache{}
	cache, err := lru.NewWithEvict[string, *Prepared](size, func(string, *Prepared) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, invalidOption(err.Error(), "prepared_cache_size", size)
	}
	c.cache = cache
	return c, nil
}

func (c *preparedCache) get(query string) (*Prepared, bool) {
	p, ok := c.cache.Get(query)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return p, ok
}

func (c *preparedCache) add(p *Prepared) {
	c.cache.Add(p.query, p)
}

func (c *preparedCache) remove(query string) {
	c.cache.Remove(query)
}

func (c *preparedCache) purge() {
	c.cache.Purge()
}

func (c *preparedCache) stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.cache.Len(),
	}
}
