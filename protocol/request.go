package protocol

import (
	"fmt"
)

// Query parameter flags (protocol v2 and later).
const (
	flagValues            byte = 0x01
	flagSkipMetadata      byte = 0x02
	flagPageSize          byte = 0x04
	flagPagingState       byte = 0x08
	flagSerialConsistency byte = 0x10
	flagDefaultTimestamp  byte = 0x20
)

// STARTUP option keys
const (
	StartupCQLVersion  = "CQL_VERSION"
	StartupCompression = "COMPRESSION"

	DefaultCQLVersion = "3.0.0"
)

// Event types accepted by REGISTER.
const (
	EventTopologyChange = "TOPOLOGY_CHANGE"
	EventStatusChange   = "STATUS_CHANGE"
	EventSchemaChange   = "SCHEMA_CHANGE"
)

// QueryParams are the execution parameters shared by QUERY and EXECUTE.
type QueryParams struct {
	Consistency Consistency
	// Values holds the encoded bound values; a nil entry is null.
	Values       [][]byte
	SkipMetadata bool
	PageSize     int32
	PagingState  []byte
	// SerialConsistency is sent only when it is a serial level.
	SerialConsistency Consistency
	// DefaultTimestamp in microseconds, sent from protocol v3 when non-zero.
	DefaultTimestamp int64
}

func (p *QueryParams) write(w *Writer, version byte) error {
	w.PutConsistency(p.Consistency)
	if version == ProtoVersion1 {
		return nil
	}

	var flags byte
	if len(p.Values) > 0 {
		flags |= flagValues
	}
	if p.SkipMetadata {
		flags |= flagSkipMetadata
	}
	if p.PageSize > 0 {
		flags |= flagPageSize
	}
	if len(p.PagingState) > 0 {
		flags |= flagPagingState
	}
	if p.SerialConsistency.IsSerial() {
		flags |= flagSerialConsistency
	}
	if version >= ProtoVersion3 && p.DefaultTimestamp != 0 {
		flags |= flagDefaultTimestamp
	}
	w.PutByte(flags)

	if flags&flagValues != 0 {
		writeValues(w, p.Values)
	}
	if flags&flagPageSize != 0 {
		w.PutInt(p.PageSize)
	}
	if flags&flagPagingState != 0 {
		w.PutBytes(p.PagingState)
	}
	if flags&flagSerialConsistency != 0 {
		w.PutConsistency(p.SerialConsistency)
	}
	if flags&flagDefaultTimestamp != 0 {
		w.PutLong(p.DefaultTimestamp)
	}
	return nil
}

func readQueryParams(r *Reader, version byte) (QueryParams, error) {
	var p QueryParams
	var err error
	if p.Consistency, err = r.ReadConsistency(); err != nil {
		return p, err
	}
	if version == ProtoVersion1 {
		return p, nil
	}
	flags, err := r.ReadByte()
	if err != nil {
		return p, err
	}
	if flags&flagValues != 0 {
		if p.Values, err = readValues(r); err != nil {
			return p, err
		}
	}
	p.SkipMetadata = flags&flagSkipMetadata != 0
	if flags&flagPageSize != 0 {
		if p.PageSize, err = r.ReadInt(); err != nil {
			return p, err
		}
	}
	if flags&flagPagingState != 0 {
		if p.PagingState, err = r.ReadBytes(); err != nil {
			return p, err
		}
	}
	if flags&flagSerialConsistency != 0 {
		if p.SerialConsistency, err = r.ReadConsistency(); err != nil {
			return p, err
		}
	}
	if flags&flagDefaultTimestamp != 0 {
		if p.DefaultTimestamp, err = r.ReadLong(); err != nil {
			return p, err
		}
	}
	return p, nil
}

func writeValues(w *Writer, values [][]byte) {
	w.putShortLen("bound values", len(values))
	for _, v := range values {
		w.PutBytes(v)
	}
}

func readValues(r *Reader) ([][]byte, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	values := make([][]byte, n)
	for i := range values {
		if values[i], err = r.ReadBytes(); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// Startup is the first request on every connection.
type Startup struct {
	Options map[string]string
}

func (*Startup) Opcode() Opcode { return OpStartup }

func (s *Startup) WriteBody(w *Writer, _ byte) error {
	w.PutStringMap(s.Options)
	return nil
}

// Options asks the server for its supported STARTUP options.
type Options struct{}

func (*Options) Opcode() Opcode { return OpOptions }

func (*Options) WriteBody(*Writer, byte) error { return nil }

// Query executes a CQL string.
type Query struct {
	Statement string
	Params    QueryParams
}

func (*Query) Opcode() Opcode { return OpQuery }

func (q *Query) WriteBody(w *Writer, version byte) error {
	if version == ProtoVersion1 && len(q.Params.Values) > 0 {
		return NewError(KindUnsupported, "query values require protocol v2", nil)
	}
	w.PutLongString(q.Statement)
	return q.Params.write(w, version)
}

// Prepare registers a statement with the server.
type Prepare struct {
	Statement string
}

func (*Prepare) Opcode() Opcode { return OpPrepare }

func (p *Prepare) WriteBody(w *Writer, _ byte) error {
	w.PutLongString(p.Statement)
	return nil
}

// Execute runs a prepared statement.
type Execute struct {
	ID     []byte
	Params QueryParams
}

func (*Execute) Opcode() Opcode { return OpExecute }

func (e *Execute) WriteBody(w *Writer, version byte) error {
	w.PutShortBytes(e.ID)
	if version == ProtoVersion1 {
		writeValues(w, e.Params.Values)
		w.PutConsistency(e.Params.Consistency)
		return nil
	}
	return e.Params.write(w, version)
}

// BatchType selects the batch log semantics.
type BatchType byte

const (
	LoggedBatch   BatchType = 0
	UnloggedBatch BatchType = 1
	CounterBatch  BatchType = 2
)

func (t BatchType) String() string {
	switch t {
	case LoggedBatch:
		return "LOGGED"
	case UnloggedBatch:
		return "UNLOGGED"
	case CounterBatch:
		return "COUNTER"
	default:
		return fmt.Sprintf("BatchType(%d)", byte(t))
	}
}

// BatchEntry is one statement of a batch: either a query string or the id
// of a prepared statement.
type BatchEntry struct {
	Statement string
	ID        []byte
	Values    [][]byte
}

// Prepared reports whether the entry references a prepared statement.
func (e BatchEntry) Prepared() bool { return e.ID != nil }

// Batch executes several statements as one unit.
type Batch struct {
	Type              BatchType
	Entries           []BatchEntry
	Consistency       Consistency
	SerialConsistency Consistency
	DefaultTimestamp  int64
}

func (*Batch) Opcode() Opcode { return OpBatch }

func (b *Batch) WriteBody(w *Writer, version byte) error {
	if version == ProtoVersion1 {
		return NewError(KindUnsupported, "batch requires protocol v2", nil)
	}
	if len(b.Entries) > 0xFFFF {
		return NewError(KindUnsupported, fmt.Sprintf("batch of %d statements exceeds limit", len(b.Entries)), nil)
	}
	w.PutByte(byte(b.Type))
	w.PutShort(uint16(len(b.Entries)))
	for _, e := range b.Entries {
		if e.Prepared() {
			w.PutByte(1)
			w.PutShortBytes(e.ID)
		} else {
			w.PutByte(0)
			w.PutLongString(e.Statement)
		}
		writeValues(w, e.Values)
	}
	w.PutConsistency(b.Consistency)

	if version >= ProtoVersion3 {
		var flags byte
		if b.SerialConsistency.IsSerial() {
			flags |= flagSerialConsistency
		}
		if b.DefaultTimestamp != 0 {
			flags |= flagDefaultTimestamp
		}
		w.PutByte(flags)
		if flags&flagSerialConsistency != 0 {
			w.PutConsistency(b.SerialConsistency)
		}
		if flags&flagDefaultTimestamp != 0 {
			w.PutLong(b.DefaultTimestamp)
		}
	}
	return nil
}

// Register subscribes the connection to server events.
type Register struct {
	Events []string
}

func (*Register) Opcode() Opcode { return OpRegister }

func (r *Register) WriteBody(w *Writer, _ byte) error {
	w.PutStringList(r.Events)
	return nil
}

// ParseRequest decodes a request body. It is used by servers and tests.
func ParseRequest(op Opcode, body []byte, version byte) (Message, error) {
	r := NewReader(body)
	switch op {
	case OpStartup:
		opts, err := r.ReadStringMap()
		if err != nil {
			return nil, err
		}
		return &Startup{Options: opts}, nil
	case OpOptions:
		return &Options{}, nil
	case OpQuery:
		stmt, err := r.ReadLongString()
		if err != nil {
			return nil, err
		}
		params, err := readQueryParams(r, version)
		if err != nil {
			return nil, err
		}
		return &Query{Statement: stmt, Params: params}, nil
	case OpPrepare:
		stmt, err := r.ReadLongString()
		if err != nil {
			return nil, err
		}
		return &Prepare{Statement: stmt}, nil
	case OpExecute:
		id, err := r.ReadShortBytes()
		if err != nil {
			return nil, err
		}
		e := &Execute{ID: append([]byte{}, id...)}
		if version == ProtoVersion1 {
			if e.Params.Values, err = readValues(r); err != nil {
				return nil, err
			}
			if e.Params.Consistency, err = r.ReadConsistency(); err != nil {
				return nil, err
			}
			return e, nil
		}
		if e.Params, err = readQueryParams(r, version); err != nil {
			return nil, err
		}
		return e, nil
	case OpBatch:
		return readBatch(r, version)
	case OpRegister:
		events, err := r.ReadStringList()
		if err != nil {
			return nil, err
		}
		return &Register{Events: events}, nil
	default:
		return nil, NewError(KindProtocolViolation, fmt.Sprintf("unexpected request opcode %s", op), nil)
	}
}

func readBatch(r *Reader, version byte) (*Batch, error) {
	typ, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	b := &Batch{Type: BatchType(typ), Entries: make([]BatchEntry, n)}
	for i := range b.Entries {
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch kind {
		case 0:
			if b.Entries[i].Statement, err = r.ReadLongString(); err != nil {
				return nil, err
			}
		case 1:
			id, err := r.ReadShortBytes()
			if err != nil {
				return nil, err
			}
			b.Entries[i].ID = append([]byte{}, id...)
		default:
			return nil, malformed("invalid batch entry kind %d", kind)
		}
		if b.Entries[i].Values, err = readValues(r); err != nil {
			return nil, err
		}
	}
	if b.Consistency, err = r.ReadConsistency(); err != nil {
		return nil, err
	}
	if version >= ProtoVersion3 {
		flags, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if flags&flagSerialConsistency != 0 {
			if b.SerialConsistency, err = r.ReadConsistency(); err != nil {
				return nil, err
			}
		}
		if flags&flagDefaultTimestamp != 0 {
			if b.DefaultTimestamp, err = r.ReadLong(); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}
