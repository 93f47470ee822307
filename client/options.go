package client

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/dan-strohschein/cql-driver/protocol"
	"github.com/dan-strohschein/cql-driver/transport"
)

// Config configures a Cluster.
type Config struct {
	// Addresses are the contact points, host or host:port.
	Addresses flagext.StringSliceCSV `yaml:"addresses"`

	// Port is used for contact points and peers without an explicit port.
	// Default: 9042
	Port int `yaml:"port"`

	// ProtocolVersion is the native protocol version, 1 to 3.
	// Default: 2
	ProtocolVersion int `yaml:"protocol_version"`

	// Keyspace is selected with USE on every connection when set.
	Keyspace string `yaml:"keyspace"`

	// Consistency is the default consistency for statements that don't set one.
	// Default: ONE
	Consistency protocol.Consistency `yaml:"consistency"`

	// Compression is the frame body compression: none, snappy or lz4.
	// Default: none
	Compression string `yaml:"compression"`

	// ThreadsIO is the number of I/O workers encoding and writing frames.
	// Default: 1
	ThreadsIO int `yaml:"threads_io"`

	// ThreadsCallback is the number of workers running completion callbacks.
	// Default: 1
	ThreadsCallback int `yaml:"threads_callback"`

	// ConnectionsPerHost bounds each host pool.
	// Default: 2
	ConnectionsPerHost int `yaml:"connections_per_host"`

	// ConnectTimeout bounds dialing and the STARTUP handshake of one connection.
	// Default: 5s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ControlConnectionTimeout bounds establishing the control connection and
	// each topology query made on it.
	// Default: 10s
	ControlConnectionTimeout time.Duration `yaml:"control_connection_timeout"`

	// SchemaAgreementWait bounds how long a schema change waits for every
	// node to report the same schema version. Zero disables the wait.
	// Default: 10s
	SchemaAgreementWait time.Duration `yaml:"schema_agreement_wait"`

	// HeartbeatInterval is how often idle connections are probed with OPTIONS.
	// Zero disables heartbeats.
	// Default: 30s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatFailureThreshold is the number of consecutive failed probes
	// after which a connection is closed.
	// Default: 3
	HeartbeatFailureThreshold int `yaml:"heartbeat_failure_threshold"`

	// Reconnect is the backoff applied between reconnect attempts.
	// Default: 100ms to 60s, unlimited retries
	Reconnect backoff.Config `yaml:"reconnect"`

	// ShutdownGrace bounds how long Shutdown waits for in-flight requests.
	// Default: 10s
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// PreparedCacheSize is the number of prepared statements kept per session.
	// Default: 1000
	PreparedCacheSize int `yaml:"prepared_cache_size"`

	// PageSize is the default result page size; zero lets the server decide.
	// Default: 5000
	PageSize int `yaml:"page_size"`

	// DisableInitialHostLookup skips peer discovery and only uses the
	// contact points.
	// Default: false
	DisableInitialHostLookup bool `yaml:"disable_initial_host_lookup"`

	// DisableEvents skips REGISTER on the control connection.
	// Default: false
	DisableEvents bool `yaml:"disable_events"`

	TLS TLSConfig `yaml:"tls"`

	// LogLevel is used by the command line tools to build a logger.
	// Default: info
	LogLevel string `yaml:"log_level"`

	// Logger receives driver logs. Default: no-op.
	Logger log.Logger `yaml:"-"`

	// Registerer registers driver metrics when set.
	Registerer prometheus.Registerer `yaml:"-"`

	// TransportFactory dials node connections. Default: TCP/TLS.
	TransportFactory transport.Factory `yaml:"-"`

	// HostPolicy selects the host for each request. Default: round robin.
	HostPolicy HostSelectionPolicy `yaml:"-"`

	// ReconnectPolicy builds reconnect schedules. Default: Reconnect backoff.
	ReconnectPolicy ReconnectPolicy `yaml:"-"`

	// QueryObserver is notified after every execution.
	QueryObserver QueryObserver `yaml:"-"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("cql.", f)
}

// RegisterFlagsWithPrefix adds the flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.Addresses, prefix+"addresses", "Comma-separated hostnames or ips of the contact points.")
	f.IntVar(&cfg.Port, prefix+"port", 9042, "Port that nodes are listening on.")
	f.IntVar(&cfg.ProtocolVersion, prefix+"protocol-version", int(protocol.DefaultVersion), "Native protocol version (1, 2 or 3).")
	f.StringVar(&cfg.Keyspace, prefix+"keyspace", "", "Keyspace to use on every connection.")
	f.TextVar(&cfg.Consistency, prefix+"consistency", protocol.One, "Default consistency level.")
	f.StringVar(&cfg.Compression, prefix+"compression", "none", "Frame compression: none, snappy or lz4.")
	f.IntVar(&cfg.ThreadsIO, prefix+"threads-io", 1, "Number of I/O workers.")
	f.IntVar(&cfg.ThreadsCallback, prefix+"threads-callback", 1, "Number of callback workers.")
	f.IntVar(&cfg.ConnectionsPerHost, prefix+"connections-per-host", 2, "Number of connections opened to each host.")
	f.DurationVar(&cfg.ConnectTimeout, prefix+"connect-timeout", 5*time.Second, "Timeout when connecting to a node.")
	f.DurationVar(&cfg.ControlConnectionTimeout, prefix+"control-connection-timeout", 10*time.Second, "Timeout for the control connection.")
	f.DurationVar(&cfg.SchemaAgreementWait, prefix+"schema-agreement-wait", 10*time.Second, "Maximum wait for schema agreement after a schema change.")
	f.DurationVar(&cfg.HeartbeatInterval, prefix+"heartbeat-interval", 30*time.Second, "Interval between connection heartbeats. 0 to disable.")
	f.IntVar(&cfg.HeartbeatFailureThreshold, prefix+"heartbeat-failure-threshold", 3, "Consecutive heartbeat failures before a connection is closed.")
	f.DurationVar(&cfg.ShutdownGrace, prefix+"shutdown-grace", 10*time.Second, "Maximum wait for in-flight requests on shutdown.")
	f.IntVar(&cfg.PreparedCacheSize, prefix+"prepared-cache-size", 1000, "Number of prepared statements cached per session.")
	f.IntVar(&cfg.PageSize, prefix+"page-size", 5000, "Default result page size.")
	f.BoolVar(&cfg.DisableInitialHostLookup, prefix+"disable-initial-host-lookup", false, "Do not discover peers from system.peers.")
	f.BoolVar(&cfg.DisableEvents, prefix+"disable-events", false, "Do not register for server events.")
	f.StringVar(&cfg.LogLevel, prefix+"log-level", "info", "Log level: critical, error, warn, info or debug.")
	cfg.Reconnect.RegisterFlagsWithPrefix(prefix+"reconnect", f)
	cfg.Reconnect.MaxBackoff = 60 * time.Second
	cfg.Reconnect.MaxRetries = 0
	cfg.TLS.RegisterFlagsWithPrefix(prefix, f)
}

// DefaultConfig returns a Config holding the flag defaults.
func DefaultConfig() Config {
	var cfg Config
	fs := flag.NewFlagSet("defaults", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	return cfg
}

// Validate checks the config for values the driver cannot run with.
func (cfg *Config) Validate() error {
	if len(cfg.Addresses) == 0 {
		return invalidOption("at least one contact point is required", "addresses", nil)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return invalidOption("port out of range", "port", cfg.Port)
	}
	if cfg.ProtocolVersion < int(protocol.ProtoVersion1) || cfg.ProtocolVersion > int(protocol.ProtoVersion3) {
		return invalidOption("unsupported protocol version", "protocol_version", cfg.ProtocolVersion)
	}
	if _, err := protocol.ParseCompression(cfg.Compression); err != nil {
		return err
	}
	if cfg.ThreadsIO < 1 {
		return invalidOption("threads_io must be at least 1", "threads_io", cfg.ThreadsIO)
	}
	if cfg.ThreadsCallback < 1 {
		return invalidOption("threads_callback must be at least 1", "threads_callback", cfg.ThreadsCallback)
	}
	if cfg.ConnectionsPerHost < 1 {
		return invalidOption("connections_per_host must be at least 1", "connections_per_host", cfg.ConnectionsPerHost)
	}
	if cfg.ConnectTimeout <= 0 {
		return invalidOption("connect_timeout must be positive", "connect_timeout", cfg.ConnectTimeout.String())
	}
	if cfg.ControlConnectionTimeout <= 0 {
		return invalidOption("control_connection_timeout must be positive", "control_connection_timeout", cfg.ControlConnectionTimeout.String())
	}
	if cfg.Reconnect.MinBackoff <= 0 || cfg.Reconnect.MaxBackoff < cfg.Reconnect.MinBackoff {
		return invalidOption("reconnect backoff must satisfy 0 < min <= max", "reconnect", nil)
	}
	if cfg.HeartbeatInterval > 0 && cfg.HeartbeatFailureThreshold < 1 {
		return invalidOption("heartbeat_failure_threshold must be at least 1", "heartbeat_failure_threshold", cfg.HeartbeatFailureThreshold)
	}
	if cfg.PreparedCacheSize < 1 {
		return invalidOption("prepared_cache_size must be at least 1", "prepared_cache_size", cfg.PreparedCacheSize)
	}
	return nil
}

func invalidOption(msg, option string, value interface{}) *protocol.Error {
	details := map[string]interface{}{"option": option}
	if value != nil {
		details["value"] = value
	}
	return protocol.NewError(protocol.KindInvalidOption, msg, details)
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, protocol.WrapError(protocol.KindInvalidOption, "parsing config file "+path, errors.WithStack(err))
	}
	return cfg, nil
}

func (cfg *Config) version() byte { return byte(cfg.ProtocolVersion) }

func (cfg *Config) compressor() protocol.Compressor {
	alg, _ := protocol.ParseCompression(cfg.Compression)
	c, _ := protocol.NewCompressor(alg)
	return c
}

func (cfg *Config) portString() string { return strconv.Itoa(cfg.Port) }
