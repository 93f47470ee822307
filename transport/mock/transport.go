// Package mock provides in-memory transports for tests.
package mock

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/cql-driver/protocol"
	"github.com/dan-strohschein/cql-driver/transport"
)

// MockTransport implements transport.Transport over one end of an in-memory
// pipe. The other end is returned by Peer.
type MockTransport struct {
	conn net.Conn
	peer net.Conn
	addr string

	// Behavior configuration
	mu         sync.RWMutex
	writeErr   error
	failErr    error
	writeDelay time.Duration
	closed     bool

	// Call tracking
	writeCalls atomic.Int32
	readCalls  atomic.Int32
	closeCalls atomic.Int32

	bytesWritten atomic.Int64
	writeHistory [][]byte
}

// NewMockTransport creates a connected mock transport for addr.
func NewMockTransport(addr string) *MockTransport {
	client, server := net.Pipe()
	return &MockTransport{
		conn:         client,
		peer:         server,
		addr:         addr,
		writeHistory: make([][]byte, 0),
	}
}

// WithWriteError configures the transport to fail every Write with err
func (m *MockTransport) WithWriteError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
	return m
}

// WithWriteDelay configures a delay before each Write
func (m *MockTransport) WithWriteDelay(d time.Duration) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeDelay = d
	return m
}

// Peer returns the server side of the pipe.
func (m *MockTransport) Peer() net.Conn { return m.peer }

// RemoteAddr implements transport.Transport
func (m *MockTransport) RemoteAddr() string { return m.addr }

// Write implements io.Writer and records a copy of p.
func (m *MockTransport) Write(p []byte) (int, error) {
	m.writeCalls.Add(1)

	m.mu.Lock()
	err := m.writeErr
	if err == nil {
		err = m.failErr
	}
	delay := m.writeDelay
	if err == nil {
		m.writeHistory = append(m.writeHistory, append([]byte(nil), p...))
	}
	m.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	n, err := m.conn.Write(p)
	m.bytesWritten.Add(int64(n))
	if err != nil {
		return n, m.mapErr(err)
	}
	return n, nil
}

// Read implements io.Reader.
func (m *MockTransport) Read(p []byte) (int, error) {
	m.readCalls.Add(1)
	n, err := m.conn.Read(p)
	if err != nil {
		return n, m.mapErr(err)
	}
	return n, nil
}

func (m *MockTransport) mapErr(err error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return m.failErr
	}
	return err
}

// Fail simulates a transport failure: pending and future reads and writes
// return err.
func (m *MockTransport) Fail(err error) {
	if err == nil {
		err = protocol.NewError(protocol.KindTransport, "simulated transport failure", nil)
	}
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()

	m.conn.Close()
	m.peer.Close()
}

// Close closes both ends of the pipe.
func (m *MockTransport) Close() error {
	m.closeCalls.Add(1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.peer.Close()
	return m.conn.Close()
}

// IsClosed reports whether Close has been called
func (m *MockTransport) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// GetWriteHistory returns copies of every successful Write payload.
func (m *MockTransport) GetWriteHistory() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := make([][]byte, len(m.writeHistory))
	copy(history, m.writeHistory)
	return history
}

// BytesWritten returns the number of bytes accepted by the pipe.
func (m *MockTransport) BytesWritten() int64 { return m.bytesWritten.Load() }

// GetWriteCallCount returns the number of Write calls
func (m *MockTransport) GetWriteCallCount() int { return int(m.writeCalls.Load()) }

// GetReadCallCount returns the number of Read calls
func (m *MockTransport) GetReadCallCount() int { return int(m.readCalls.Load()) }

// GetCloseCallCount returns the number of Close calls
func (m *MockTransport) GetCloseCallCount() int { return int(m.closeCalls.Load()) }

// Reset clears the recorded history and injected errors.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = nil
	m.writeDelay = 0
	m.writeHistory = make([][]byte, 0)
	m.writeCalls.Store(0)
	m.readCalls.Store(0)
	m.closeCalls.Store(0)
	m.bytesWritten.Store(0)
}

// Handler serves the peer side of a newly dialed mock transport.
type Handler func(peer net.Conn)

// Network routes dials to per-address handlers so a whole cluster can be
// simulated in memory.
type Network struct {
	mu       sync.Mutex
	handlers map[string]Handler
	refused  map[string]error
	dialed   []*MockTransport
	dials    map[string]int
}

// NewNetwork creates an empty network where every address refuses
// connections.
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]Handler),
		refused:  make(map[string]error),
		dials:    make(map[string]int),
	}
}

// Listen installs h for addr, replacing any previous handler.
func (n *Network) Listen(addr string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
	delete(n.refused, addr)
}

// Refuse makes dials to addr fail with err.
func (n *Network) Refuse(addr string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refused[addr] = err
}

// Dial implements transport.Factory
func (n *Network) Dial(ctx context.Context, addr string) (transport.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, protocol.WrapError(protocol.KindTimeout, "dial canceled", err)
	}

	n.mu.Lock()
	n.dials[addr]++
	if err, ok := n.refused[addr]; ok {
		n.mu.Unlock()
		return nil, protocol.WrapError(protocol.KindTransport, "connection refused by "+addr, err)
	}
	h, ok := n.handlers[addr]
	if !ok {
		n.mu.Unlock()
		return nil, protocol.NewError(protocol.KindTransport, "no listener at "+addr, nil)
	}
	t := NewMockTransport(addr)
	n.dialed = append(n.dialed, t)
	n.mu.Unlock()

	go h(t.Peer())
	return t, nil
}

// Factory returns Dial as a transport.Factory.
func (n *Network) Factory() transport.Factory { return n.Dial }

// Transports returns every transport dialed so far, in dial order.
func (n *Network) Transports() []*MockTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*MockTransport, len(n.dialed))
	copy(out, n.dialed)
	return out
}

// DialCount returns how many times addr was dialed.
func (n *Network) DialCount(addr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[addr]
}
