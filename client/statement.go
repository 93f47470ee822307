package client

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/dan-strohschein/cql-driver/protocol"
)

// StatementOption identifies a per-statement option for SetOption and
// GetOption. The numeric values are stable.
type StatementOption int

const (
	StatementConsistency       StatementOption = 1
	StatementPageSize          StatementOption = 2
	StatementPagingState       StatementOption = 3
	StatementSerialConsistency StatementOption = 4
	StatementDefaultTimestamp  StatementOption = 5
)

func (o StatementOption) String() string {
	switch o {
	case StatementConsistency:
		return "consistency"
	case StatementPageSize:
		return "page_size"
	case StatementPagingState:
		return "paging_state"
	case StatementSerialConsistency:
		return "serial_consistency"
	case StatementDefaultTimestamp:
		return "default_timestamp"
	default:
		return fmt.Sprintf("StatementOption(%d)", int(o))
	}
}

type slot struct {
	value protocol.Value
	bound bool
}

// Statement is an ad-hoc query or a bound prepared statement with a fixed
// number of parameter slots. Every slot must be bound before execution.
//
// A Statement must not be mutated from several goroutines at once.
type Statement struct {
	query    string
	prepared *Prepared
	slots    []slot

	consistency       protocol.Consistency
	hasConsistency    bool
	pageSize          int32
	hasPageSize       bool
	pagingState       []byte
	serialConsistency protocol.Consistency
	defaultTimestamp  int64
	routingKey        []byte
}

// NewQuery creates an ad-hoc statement with n parameter slots.
func NewQuery(query string, n int) *Statement {
	if n < 0 {
		n = 0
	}
	return &Statement{query: query, slots: make([]slot, n)}
}

// Query returns the statement text.
func (s *Statement) Query() string { return s.query }

// Prepared returns the prepared statement s is bound to, or nil for an
// ad-hoc query.
func (s *Statement) Prepared() *Prepared { return s.prepared }

// Len returns the number of parameter slots.
func (s *Statement) Len() int { return len(s.slots) }

func (s *Statement) bind(index int, v protocol.Value) error {
	if index < 0 || index >= len(s.slots) {
		return protocol.NewError(protocol.KindIndexOutOfRange, "parameter index out of range", map[string]interface{}{
			"index": index,
			"slots": len(s.slots),
		})
	}
	s.slots[index] = slot{value: v, bound: true}
	return nil
}

func (s *Statement) BindShort(index int, v int16) error {
	return s.bind(index, protocol.Short(v))
}

func (s *Statement) BindInt(index int, v int32) error {
	return s.bind(index, protocol.Int(v))
}

func (s *Statement) BindBigint(index int, v int64) error {
	return s.bind(index, protocol.Bigint(v))
}

func (s *Statement) BindCounter(index int, v int64) error {
	return s.bind(index, protocol.Counter(v))
}

func (s *Statement) BindFloat(index int, v float32) error {
	return s.bind(index, protocol.Float(v))
}

func (s *Statement) BindDouble(index int, v float64) error {
	return s.bind(index, protocol.Double(v))
}

func (s *Statement) BindBool(index int, v bool) error {
	return s.bind(index, protocol.Boolean(v))
}

// BindTime binds a timestamp with millisecond precision.
func (s *Statement) BindTime(index int, t time.Time) error {
	return s.bind(index, protocol.Timestamp(t))
}

// BindTimeMillis binds a timestamp given in milliseconds since the epoch.
func (s *Statement) BindTimeMillis(index int, ms int64) error {
	return s.bind(index, protocol.TimestampMillis(ms))
}

// BindUUID binds a uuid. It is accepted by uuid and timeuuid columns.
func (s *Statement) BindUUID(index int, u uuid.UUID) error {
	return s.bind(index, protocol.UUIDValue(u))
}

func (s *Statement) BindString(index int, v string) error {
	return s.bind(index, protocol.Varchar(v))
}

func (s *Statement) BindBlob(index int, b []byte) error {
	return s.bind(index, protocol.Blob(b))
}

// BindDecimal binds magnitude * 10^-scale, magnitude being a two's
// complement big-endian integer.
func (s *Statement) BindDecimal(index int, scale int32, magnitude []byte) error {
	return s.bind(index, protocol.Decimal(scale, magnitude))
}

// BindVarint binds a two's complement big-endian integer.
func (s *Statement) BindVarint(index int, b []byte) error {
	return s.bind(index, protocol.Varint(b))
}

func (s *Statement) BindInet(index int, ip net.IP) error {
	if ip.To4() == nil && ip.To16() == nil {
		return protocol.NewError(protocol.KindTypeMismatch, "invalid inet address", map[string]interface{}{"index": index})
	}
	return s.bind(index, protocol.Inet(ip))
}

// BindNull binds null. Null is accepted by every column type.
func (s *Statement) BindNull(index int) error {
	return s.bind(index, protocol.Null(protocol.NativeType(protocol.TypeUnknown)))
}

// BindValue binds an arbitrary value, typically a collection.
func (s *Statement) BindValue(index int, v protocol.Value) error {
	return s.bind(index, v)
}

// Unbind clears one slot.
func (s *Statement) Unbind(index int) error {
	if index < 0 || index >= len(s.slots) {
		return protocol.NewError(protocol.KindIndexOutOfRange, "parameter index out of range", map[string]interface{}{
			"index": index,
			"slots": len(s.slots),
		})
	}
	s.slots[index] = slot{}
	return nil
}

// Reset clears every slot and the paging state so the statement can be
// bound for another execution. Other options are kept.
func (s *Statement) Reset() {
	for i := range s.slots {
		s.slots[i] = slot{}
	}
	s.pagingState = nil
}

func (s *Statement) SetConsistency(c protocol.Consistency) {
	s.consistency = c
	s.hasConsistency = true
}

// SetPageSize sets the number of rows per page. Zero or less lets the
// server decide.
func (s *Statement) SetPageSize(n int) {
	s.pageSize = int32(n)
	s.hasPageSize = true
}

// SetPagingState resumes a query after the page that returned state.
func (s *Statement) SetPagingState(state []byte) {
	s.pagingState = append([]byte(nil), state...)
}

func (s *Statement) SetSerialConsistency(c protocol.Consistency) {
	s.serialConsistency = c
}

// SetDefaultTimestamp sets the write timestamp in microseconds. It is sent
// from protocol v3 only.
func (s *Statement) SetDefaultTimestamp(us int64) {
	s.defaultTimestamp = us
}

// SetRoutingKey sets the key hashed by HashAffinityPolicy.
func (s *Statement) SetRoutingKey(key []byte) {
	s.routingKey = append([]byte(nil), key...)
}

// RoutingKey returns the key set with SetRoutingKey.
func (s *Statement) RoutingKey() []byte { return s.routingKey }

// SetOption sets an option by id. Consistency options accept a
// protocol.Consistency or its name.
func (s *Statement) SetOption(opt StatementOption, value interface{}) error {
	switch opt {
	case StatementConsistency, StatementSerialConsistency:
		c, err := consistencyOption(opt, value)
		if err != nil {
			return err
		}
		if opt == StatementConsistency {
			s.SetConsistency(c)
		} else {
			s.SetSerialConsistency(c)
		}
	case StatementPageSize:
		n, ok := value.(int)
		if !ok {
			return statementOptionError(opt, value)
		}
		s.SetPageSize(n)
	case StatementPagingState:
		b, ok := value.([]byte)
		if !ok {
			return statementOptionError(opt, value)
		}
		s.SetPagingState(b)
	case StatementDefaultTimestamp:
		ts, ok := value.(int64)
		if !ok {
			return statementOptionError(opt, value)
		}
		s.SetDefaultTimestamp(ts)
	default:
		return invalidOption("unknown statement option", opt.String(), nil)
	}
	return nil
}

// GetOption returns the value of an option by id.
func (s *Statement) GetOption(opt StatementOption) (interface{}, error) {
	switch opt {
	case StatementConsistency:
		return s.consistency, nil
	case StatementPageSize:
		return int(s.pageSize), nil
	case StatementPagingState:
		return s.pagingState, nil
	case StatementSerialConsistency:
		return s.serialConsistency, nil
	case StatementDefaultTimestamp:
		return s.defaultTimestamp, nil
	default:
		return nil, invalidOption("unknown statement option", opt.String(), nil)
	}
}

func consistencyOption(opt StatementOption, value interface{}) (protocol.Consistency, error) {
	switch v := value.(type) {
	case protocol.Consistency:
		return v, nil
	case string:
		c, err := protocol.ParseConsistency(v)
		if err != nil {
			return 0, invalidOption("unknown consistency level", opt.String(), v)
		}
		return c, nil
	default:
		return 0, statementOptionError(opt, value)
	}
}

func statementOptionError(opt StatementOption, value interface{}) error {
	return invalidOption(fmt.Sprintf("unexpected value type %T", value), opt.String(), nil)
}

// encodeValues serializes every slot. Prepared statements are checked
// against the bind metadata returned by the server.
func (s *Statement) encodeValues(version byte) ([][]byte, error) {
	if len(s.slots) == 0 {
		return nil, nil
	}
	var params []protocol.ColumnSpec
	if s.prepared != nil {
		params = s.prepared.params.Columns
		if len(s.slots) > len(params) {
			return nil, protocol.NewError(protocol.KindIndexOutOfRange, "statement has more slots than the prepared statement has parameters", map[string]interface{}{
				"slots":      len(s.slots),
				"parameters": len(params),
			})
		}
	}

	values := make([][]byte, len(s.slots))
	for i, sl := range s.slots {
		if !sl.bound {
			return nil, protocol.NewError(protocol.KindUnboundParameter, "parameter is not bound", map[string]interface{}{"index": i})
		}
		if sl.value.Null {
			continue
		}
		declared := sl.value.Type
		if params != nil {
			declared = params[i].Type
		}
		b, err := protocol.Encode(sl.value, declared, version)
		if err != nil {
			return nil, protocol.WrapError(ErrorKind(err), fmt.Sprintf("encoding parameter %d", i), err)
		}
		if b == nil {
			b = []byte{}
		}
		values[i] = b
	}
	return values, nil
}

// params builds the execution parameters, filling unset options from the
// session defaults.
func (s *Statement) params(values [][]byte, defaults execDefaults) protocol.QueryParams {
	p := protocol.QueryParams{
		Consistency:       defaults.consistency,
		Values:            values,
		PageSize:          defaults.pageSize,
		PagingState:       s.pagingState,
		SerialConsistency: s.serialConsistency,
		DefaultTimestamp:  s.defaultTimestamp,
	}
	if s.hasConsistency {
		p.Consistency = s.consistency
	}
	if s.hasPageSize {
		p.PageSize = s.pageSize
	}
	if s.prepared != nil && len(s.prepared.result.Columns) > 0 {
		p.SkipMetadata = true
	}
	return p
}

// message builds the QUERY or EXECUTE request for s. Nothing is sent when
// a slot is unbound or a value does not match its column.
func (s *Statement) message(version byte, defaults execDefaults) (protocol.Message, error) {
	values, err := s.encodeValues(version)
	if err != nil {
		return nil, err
	}
	params := s.params(values, defaults)
	if s.prepared != nil {
		return &protocol.Execute{ID: s.prepared.id, Params: params}, nil
	}
	return &protocol.Query{Statement: s.query, Params: params}, nil
}

type execDefaults struct {
	consistency protocol.Consistency
	pageSize    int32
}
