package client

import (
	"fmt"

	"github.com/dan-strohschein/cql-driver/protocol"
)

// Batch groups ad-hoc and bound statements into one request. The server
// applies them as a unit; the batch completes through a single Future.
type Batch struct {
	typ        protocol.BatchType
	statements []*Statement

	consistency       protocol.Consistency
	hasConsistency    bool
	serialConsistency protocol.Consistency
	defaultTimestamp  int64
}

// NewBatch creates an empty batch of the given type.
func NewBatch(typ protocol.BatchType) *Batch {
	return &Batch{typ: typ}
}

// Add appends a statement. The statement is encoded when the batch is
// executed, so it must stay bound until then.
func (b *Batch) Add(stmt *Statement) error {
	if stmt == nil {
		return invalidOption("nil statement added to batch", "statement", nil)
	}
	if len(b.statements) >= 0xFFFF {
		return protocol.NewError(protocol.KindIndexOutOfRange, "batch is full", map[string]interface{}{"statements": len(b.statements)})
	}
	b.statements = append(b.statements, stmt)
	return nil
}

// Len returns the number of statements in the batch.
func (b *Batch) Len() int { return len(b.statements) }

// Type returns the batch type.
func (b *Batch) Type() protocol.BatchType { return b.typ }

func (b *Batch) SetConsistency(c protocol.Consistency) {
	b.consistency = c
	b.hasConsistency = true
}

func (b *Batch) SetSerialConsistency(c protocol.Consistency) {
	b.serialConsistency = c
}

// SetDefaultTimestamp sets the write timestamp in microseconds, protocol v3
// only.
func (b *Batch) SetDefaultTimestamp(us int64) {
	b.defaultTimestamp = us
}

func (b *Batch) message(version byte, defaults execDefaults) (*protocol.Batch, error) {
	if version == protocol.ProtoVersion1 {
		return nil, protocol.NewError(protocol.KindUnsupported, "batch requires protocol v2", map[string]interface{}{"version": version})
	}
	if len(b.statements) == 0 {
		return nil, invalidOption("batch has no statements", "statements", nil)
	}

	msg := &protocol.Batch{
		Type:              b.typ,
		Entries:           make([]protocol.BatchEntry, 0, len(b.statements)),
		Consistency:       defaults.consistency,
		SerialConsistency: b.serialConsistency,
		DefaultTimestamp:  b.defaultTimestamp,
	}
	if b.hasConsistency {
		msg.Consistency = b.consistency
	}
	for i, stmt := range b.statements {
		values, err := stmt.encodeValues(version)
		if err != nil {
			return nil, protocol.WrapError(ErrorKind(err), fmt.Sprintf("batch statement %d", i), err)
		}
		entry := protocol.BatchEntry{Values: values}
		if stmt.prepared != nil {
			entry.ID = stmt.prepared.id
		} else {
			entry.Statement = stmt.query
		}
		msg.Entries = append(msg.Entries, entry)
	}
	return msg, nil
}
