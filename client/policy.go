package client

import (
	"context"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/grafana/dskit/backoff"
)

// HostSelectionPolicy picks the host pool that serves a request. hosts
// holds only available pools, sorted by address, and is never empty.
type HostSelectionPolicy interface {
	Pick(routingKey []byte, hosts []*HostPool) *HostPool
}

// RoundRobinPolicy spreads requests evenly over the available hosts.
type RoundRobinPolicy struct {
	next atomic.Uint64
}

// NewRoundRobinPolicy returns the default host selection policy.
func NewRoundRobinPolicy() *RoundRobinPolicy {
	return &RoundRobinPolicy{}
}

func (p *RoundRobinPolicy) Pick(_ []byte, hosts []*HostPool) *HostPool {
	n := p.next.Add(1) - 1
	return hosts[n%uint64(len(hosts))]
}

// HashAffinityPolicy sends requests with the same routing key to the same
// host while the set of available hosts is stable. Requests without a
// routing key fall back to round robin. It does not model token ownership.
type HashAffinityPolicy struct {
	fallback RoundRobinPolicy
}

func NewHashAffinityPolicy() *HashAffinityPolicy {
	return &HashAffinityPolicy{}
}

func (p *HashAffinityPolicy) Pick(routingKey []byte, hosts []*HostPool) *HostPool {
	if len(routingKey) == 0 {
		return p.fallback.Pick(nil, hosts)
	}
	return hosts[xxhash.Sum64(routingKey)%uint64(len(hosts))]
}

// ReconnectSchedule paces reconnect attempts. *backoff.Backoff implements
// it.
type ReconnectSchedule interface {
	// Ongoing reports whether another attempt may be made.
	Ongoing() bool
	// Wait sleeps until the next attempt is due.
	Wait()
	NumRetries() int
	Reset()
}

// ReconnectPolicy creates a schedule for each reconnect cycle. The schedule
// must stop when ctx is done.
type ReconnectPolicy interface {
	NewSchedule(ctx context.Context) ReconnectSchedule
}

// BackoffPolicy is the default ReconnectPolicy: capped exponential backoff
// with jitter.
type BackoffPolicy struct {
	Config backoff.Config
}

func (p BackoffPolicy) NewSchedule(ctx context.Context) ReconnectSchedule {
	return backoff.New(ctx, p.Config)
}

var (
	_ HostSelectionPolicy = (*RoundRobinPolicy)(nil)
	_ HostSelectionPolicy = (*HashAffinityPolicy)(nil)
	_ ReconnectSchedule   = (*backoff.Backoff)(nil)
)
