package conductor

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chorus-social/chorus-bridge/internal/wire"
)

// Hand-maintained protobuf codecs for the Conductor gRPC messages. Field
// numbers are frozen in proto/federation.proto alongside the envelope schema;
// the Conductor owns the canonical copy of the service definition.

// conductorEventMsg is the wire form of Event.
type conductorEventMsg struct {
	EventType string
	Epoch     int32
	Payload   []byte
	Metadata  map[string]string
}

func eventToWire(e Event) *conductorEventMsg {
	return &conductorEventMsg{
		EventType: e.EventType,
		Epoch:     e.Epoch,
		Payload:   e.Payload,
		Metadata:  e.Metadata,
	}
}

func (m *conductorEventMsg) MarshalWire() []byte {
	var b []byte
	b = wire.AppendString(b, 1, m.EventType)
	b = wire.AppendInt32(b, 2, m.Epoch)
	b = wire.AppendBytes(b, 3, m.Payload)
	for _, key := range sortedKeys(m.Metadata) {
		var entry []byte
		entry = wire.AppendString(entry, 1, key)
		entry = wire.AppendString(entry, 2, m.Metadata[key])
		b = wire.AppendBytes(b, 4, entry)
	}
	return b
}

func (m *conductorEventMsg) UnmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.EventType, err = wire.FieldString(value)
		case 2:
			m.Epoch, err = wire.FieldInt32(value)
		case 3:
			m.Payload, err = wire.FieldBytes(value)
		case 4:
			var entry []byte
			if entry, err = wire.FieldBytes(value); err != nil {
				return err
			}
			var key, val string
			err = wire.EachField(entry, func(n protowire.Number, _ protowire.Type, v []byte) error {
				var entryErr error
				switch n {
				case 1:
					key, entryErr = wire.FieldString(v)
				case 2:
					val, entryErr = wire.FieldString(v)
				}
				return entryErr
			})
			if err == nil {
				if m.Metadata == nil {
					m.Metadata = make(map[string]string)
				}
				m.Metadata[key] = val
			}
		}
		return err
	})
}

// sortedKeys keeps map-field encoding deterministic across processes.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// conductorReceiptMsg is the wire form of a submission receipt.
type conductorReceiptMsg struct {
	EventHash string
	Epoch     int32
}

func (m *conductorReceiptMsg) MarshalWire() []byte {
	var b []byte
	b = wire.AppendString(b, 1, m.EventHash)
	b = wire.AppendInt32(b, 2, m.Epoch)
	return b
}

func (m *conductorReceiptMsg) UnmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.EventHash, err = wire.FieldString(value)
		case 2:
			m.Epoch, err = wire.FieldInt32(value)
		}
		return err
	})
}

// dayProofRequestMsg asks for one day's proof.
type dayProofRequestMsg struct {
	DayNumber int32
}

func (m *dayProofRequestMsg) MarshalWire() []byte {
	return wire.AppendInt32(nil, 1, m.DayNumber)
}

func (m *dayProofRequestMsg) UnmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		if num == 1 {
			m.DayNumber, err = wire.FieldInt32(value)
		}
		return err
	})
}

// dayProofResponseMsg carries one day's proof; an empty proof_hash means the
// Conductor has none.
type dayProofResponseMsg struct {
	DayNumber int32
	Proof     []byte
	ProofHash string
	Canonical bool
	Source    string
}

func (m *dayProofResponseMsg) MarshalWire() []byte {
	var b []byte
	b = wire.AppendInt32(b, 1, m.DayNumber)
	b = wire.AppendBytes(b, 2, m.Proof)
	b = wire.AppendString(b, 3, m.ProofHash)
	b = wire.AppendBool(b, 4, m.Canonical)
	b = wire.AppendString(b, 5, m.Source)
	return b
}

func (m *dayProofResponseMsg) UnmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.DayNumber, err = wire.FieldInt32(value)
		case 2:
			m.Proof, err = wire.FieldBytes(value)
		case 3:
			m.ProofHash, err = wire.FieldString(value)
		case 4:
			m.Canonical, err = wire.FieldBool(value)
		case 5:
			m.Source, err = wire.FieldString(value)
		}
		return err
	})
}

// eventBatchMsg is a repeated ConductorEvent.
type eventBatchMsg struct {
	Events []*conductorEventMsg
}

func (m *eventBatchMsg) MarshalWire() []byte {
	var b []byte
	for _, e := range m.Events {
		b = wire.AppendBytes(b, 1, e.MarshalWire())
	}
	return b
}

func (m *eventBatchMsg) UnmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		if num != 1 {
			return nil
		}
		raw, err := wire.FieldBytes(value)
		if err != nil {
			return err
		}
		var e conductorEventMsg
		if err := e.UnmarshalWire(raw); err != nil {
			return err
		}
		m.Events = append(m.Events, &e)
		return nil
	})
}

// receiptBatchMsg is a repeated ConductorReceipt.
type receiptBatchMsg struct {
	Receipts []*conductorReceiptMsg
}

func (m *receiptBatchMsg) MarshalWire() []byte {
	var b []byte
	for _, r := range m.Receipts {
		b = wire.AppendBytes(b, 1, r.MarshalWire())
	}
	return b
}

func (m *receiptBatchMsg) UnmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		if num != 1 {
			return nil
		}
		raw, err := wire.FieldBytes(value)
		if err != nil {
			return err
		}
		var r conductorReceiptMsg
		if err := r.UnmarshalWire(raw); err != nil {
			return err
		}
		m.Receipts = append(m.Receipts, &r)
		return nil
	})
}
