// Package transport defines the byte-stream abstraction connections run on.
package transport

import (
	"context"
	"io"
	"sync/atomic"
)

// Transport is one established byte stream to a node. Read and Write may be
// called concurrently with each other; Close unblocks both.
type Transport interface {
	io.ReadWriteCloser

	// RemoteAddr returns the host:port of the peer
	RemoteAddr() string
}

// Factory dials a transport to addr (host:port).
type Factory func(ctx context.Context, addr string) (Transport, error)

// Counters tracks bytes moved over a transport.
type Counters struct {
	BytesSent     atomic.Int64
	BytesReceived atomic.Int64
}

// Counted wraps t so reads and writes are added to c.
func Counted(t Transport, c *Counters) Transport {
	return &countedTransport{Transport: t, counters: c}
}

type countedTransport struct {
	Transport
	counters *Counters
}

func (t *countedTransport) Read(p []byte) (int, error) {
	n, err := t.Transport.Read(p)
	t.counters.BytesReceived.Add(int64(n))
	return n, err
}

func (t *countedTransport) Write(p []byte) (int, error) {
	n, err := t.Transport.Write(p)
	t.counters.BytesSent.Add(int64(n))
	return n, err
}
