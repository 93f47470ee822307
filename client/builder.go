package client

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dan-strohschein/cql-driver/protocol"
)

// Option identifies a builder setting. The numeric values are stable.
type Option int

const (
	OptionThreadsIO                Option = 1
	OptionThreadsCallback          Option = 2
	OptionContactPointAdd          Option = 3
	OptionPort                     Option = 4
	OptionCQLVersion               Option = 5
	OptionSchemaAgreementWait      Option = 6
	OptionControlConnectionTimeout Option = 7
	OptionCompression              Option = 9
)

// Values accepted by OptionCompression.
const (
	CompressionNone   = 0
	CompressionSnappy = 1
	CompressionLZ4    = 2
)

func (o Option) String() string {
	switch o {
	case OptionThreadsIO:
		return "threads_io"
	case OptionThreadsCallback:
		return "threads_callback"
	case OptionContactPointAdd:
		return "contact_point_add"
	case OptionPort:
		return "port"
	case OptionCQLVersion:
		return "cql_version"
	case OptionSchemaAgreementWait:
		return "schema_agreement_wait"
	case OptionControlConnectionTimeout:
		return "control_connection_timeout"
	case OptionCompression:
		return "compression"
	default:
		return fmt.Sprintf("option(%d)", int(o))
	}
}

var compressionNames = map[int]string{
	CompressionNone:   "none",
	CompressionSnappy: "snappy",
	CompressionLZ4:    "lz4",
}

// Builder sets cluster options by numeric id on top of DefaultConfig.
type Builder struct {
	cfg Config
}

// NewBuilder returns a builder holding the default configuration with no
// contact points.
func NewBuilder() *Builder {
	return &Builder{cfg: DefaultConfig()}
}

// Config returns a copy of the configuration built so far. Fields without
// an option id can be changed on it and passed to NewCluster directly.
func (b *Builder) Config() Config { return b.cfg }

// SetOption sets opt. Counts and the port take an int, durations a
// time.Duration or an int of milliseconds, contact points a string and
// compression one of the Compression constants. The protocol version is
// given as a string ("1", "2" or "3").
func (b *Builder) SetOption(opt Option, value interface{}) error {
	switch opt {
	case OptionThreadsIO, OptionThreadsCallback, OptionPort:
		n, ok := value.(int)
		if !ok || n < 1 || (opt == OptionPort && n > 65535) {
			return invalidOption("invalid value", opt.String(), value)
		}
		switch opt {
		case OptionThreadsIO:
			b.cfg.ThreadsIO = n
		case OptionThreadsCallback:
			b.cfg.ThreadsCallback = n
		default:
			b.cfg.Port = n
		}
	case OptionContactPointAdd:
		s, ok := value.(string)
		if !ok || s == "" {
			return invalidOption("contact point must be a non-empty string", opt.String(), value)
		}
		b.cfg.Addresses = append(b.cfg.Addresses, s)
	case OptionCQLVersion:
		s, ok := value.(string)
		if !ok {
			return invalidOption("protocol version must be a string", opt.String(), value)
		}
		v, err := strconv.Atoi(s)
		if err != nil || v < int(protocol.ProtoVersion1) || v > int(protocol.ProtoVersion3) {
			return invalidOption("unsupported protocol version", opt.String(), value)
		}
		b.cfg.ProtocolVersion = v
	case OptionSchemaAgreementWait, OptionControlConnectionTimeout:
		d, ok := durationValue(value)
		if !ok || d < 0 || (opt == OptionControlConnectionTimeout && d == 0) {
			return invalidOption("invalid duration", opt.String(), value)
		}
		if opt == OptionSchemaAgreementWait {
			b.cfg.SchemaAgreementWait = d
		} else {
			b.cfg.ControlConnectionTimeout = d
		}
	case OptionCompression:
		n, ok := value.(int)
		name, known := compressionNames[n]
		if !ok || !known {
			return invalidOption("unknown compression", opt.String(), value)
		}
		b.cfg.Compression = name
	default:
		return invalidOption("unknown option", opt.String(), value)
	}
	return nil
}

func durationValue(value interface{}) (time.Duration, bool) {
	switch v := value.(type) {
	case time.Duration:
		return v, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	default:
		return 0, false
	}
}

// GetOption returns the current value of opt in the form SetOption takes,
// except contact points which are returned as a []string.
func (b *Builder) GetOption(opt Option) (interface{}, error) {
	switch opt {
	case OptionThreadsIO:
		return b.cfg.ThreadsIO, nil
	case OptionThreadsCallback:
		return b.cfg.ThreadsCallback, nil
	case OptionContactPointAdd:
		return append([]string(nil), b.cfg.Addresses...), nil
	case OptionPort:
		return b.cfg.Port, nil
	case OptionCQLVersion:
		return strconv.Itoa(b.cfg.ProtocolVersion), nil
	case OptionSchemaAgreementWait:
		return b.cfg.SchemaAgreementWait, nil
	case OptionControlConnectionTimeout:
		return b.cfg.ControlConnectionTimeout, nil
	case OptionCompression:
		for n, name := range compressionNames {
			if name == b.cfg.Compression {
				return n, nil
			}
		}
		return nil, invalidOption("unknown compression", opt.String(), b.cfg.Compression)
	default:
		return nil, invalidOption("unknown option", opt.String(), nil)
	}
}

// Build validates the options and returns a Cluster.
func (b *Builder) Build() (*Cluster, error) {
	return NewCluster(b.cfg)
}
