package client

import (
	"context"

	"github.com/go-kit/log/level"

	"github.com/dan-strohschein/cql-driver/transport/tcp"
)

// Cluster is a validated configuration sessions are created from. Sessions
// of one Cluster share its metrics.
type Cluster struct {
	cfg     Config
	metrics *metrics
}

// NewCluster validates cfg and fills in the default transport and policies.
func NewCluster(cfg Config) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TransportFactory == nil {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		cfg.TransportFactory = tcp.NewFactory(tcp.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			TLSConfig:      tlsConfig,
		})
	}
	if cfg.HostPolicy == nil {
		cfg.HostPolicy = NewRoundRobinPolicy()
	}
	if cfg.ReconnectPolicy == nil {
		cfg.ReconnectPolicy = BackoffPolicy{Config: cfg.Reconnect}
	}
	cfg.Logger = loggerOrNop(cfg.Logger)
	return &Cluster{cfg: cfg, metrics: newMetrics(cfg.Registerer)}, nil
}

// Config returns the effective configuration.
func (c *Cluster) Config() Config { return c.cfg }

// Connect opens a session using the configured keyspace, if any.
func (c *Cluster) Connect() *Future[*Session] {
	return c.ConnectKeyspace(c.cfg.Keyspace)
}

// ConnectKeyspace opens a session whose connections select keyspace. The
// future fails with NoHostAvailable when no contact point can be reached.
func (c *Cluster) ConnectKeyspace(keyspace string) *Future[*Session] {
	s, err := newSession(c.cfg, keyspace, c.metrics)
	if err != nil {
		return completedFuture[*Session](nil, nil, err)
	}
	f := newFuture[*Session](s.callbacks)
	go func() {
		if err := s.connect(context.Background()); err != nil {
			level.Error(s.logger).Log("msg", "unable to connect session", "err", err)
			s.teardown(0)
			f.complete(nil, err)
			return
		}
		f.complete(s, nil)
	}()
	return f
}
