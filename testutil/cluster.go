package testutil

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/dan-strohschein/cql-driver/protocol"
	"github.com/dan-strohschein/cql-driver/transport"
	"github.com/dan-strohschein/cql-driver/transport/mock"
)

// Port is the port every fake node listens on.
const Port = 9042

// Cluster is a set of fake nodes on one in-memory network. Each node lists
// the others in system.peers.
type Cluster struct {
	Network *mock.Network

	mu    sync.Mutex
	nodes []*Server
}

// NewCluster starts n nodes answering as 10.0.0.1 to 10.0.0.n.
func NewCluster(n int) *Cluster {
	c := &Cluster{Network: mock.NewNetwork()}
	for i := 0; i < n; i++ {
		c.AddNode()
	}
	return c
}

// Addr returns the host:port of ip on the cluster port.
func Addr(ip net.IP) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(Port))
}

// Factory returns the transport factory dialing the cluster network.
func (c *Cluster) Factory() transport.Factory { return c.Network.Factory() }

// AddNode starts a new node with the next free address and adds it to the
// peers of the others. No event is pushed.
func (c *Cluster) AddNode() *Server {
	c.mu.Lock()
	ip := net.IPv4(10, 0, 0, byte(len(c.nodes)+1))
	srv := NewServer(ip)
	c.nodes = append(c.nodes, srv)
	c.mu.Unlock()

	c.Network.Listen(Addr(ip), srv.Serve)
	c.refreshPeers()
	return srv
}

// RemoveNode stops answering on the address of srv, closes its connections
// and drops it from the peers of the others.
func (c *Cluster) RemoveNode(srv *Server) {
	c.mu.Lock()
	for i, n := range c.nodes {
		if n == srv {
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.Network.Refuse(Addr(srv.IP()), fmt.Errorf("node %s removed", srv.IP()))
	srv.DropConnections()
	c.refreshPeers()
}

// Nodes returns the running nodes.
func (c *Cluster) Nodes() []*Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Server(nil), c.nodes...)
}

// Node returns the i-th node.
func (c *Cluster) Node(i int) *Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[i]
}

// Addresses returns the host:port of every node.
func (c *Cluster) Addresses() []string {
	nodes := c.Nodes()
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = Addr(n.IP())
	}
	return out
}

// ExpectQuery adds the same expectation to every node, matching any number
// of times. script, when set, configures each of them.
func (c *Cluster) ExpectQuery(statement string, script func(*Expectation)) {
	for _, n := range c.Nodes() {
		e := n.ExpectQuery(statement).AnyTimes()
		if script != nil {
			script(e)
		}
	}
}

// CallCount sums the requests with op received by every node.
func (c *Cluster) CallCount(op protocol.Opcode) int {
	total := 0
	for _, n := range c.Nodes() {
		total += n.CallCount(op)
	}
	return total
}

func (c *Cluster) refreshPeers() {
	nodes := c.Nodes()
	for _, n := range nodes {
		var peers []Peer
		for _, p := range nodes {
			if p != n {
				peers = append(peers, Peer{IP: p.IP(), SchemaVersion: p.schema()})
			}
		}
		n.SetPeers(peers...)
	}
}

// SetSchemaVersion sets the schema version of every node and the peer rows
// that report it.
func (c *Cluster) SetSchemaVersion(v uuid.UUID) {
	for _, n := range c.Nodes() {
		n.SetSchemaVersion(v)
	}
	c.refreshPeers()
}
