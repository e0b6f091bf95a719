// Package wire implements the protobuf wire-format primitives shared by the
// bridge's binary codecs: the federation envelope and its inner messages, and
// the Conductor gRPC messages. The schema of record is proto/federation.proto;
// the per-message codecs are hand-maintained against it with protowire rather
// than generated, so the repo carries no protoc toolchain dependency.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is a type with a hand-maintained protobuf codec.
type Message interface {
	MarshalWire() []byte
	UnmarshalWire(data []byte) error
}

// AppendString appends a string field. Empty strings are omitted, matching
// proto3 default-value elision.
func AppendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// AppendBytes appends a bytes field (also used for nested messages and map
// entries). Empty values are omitted.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendVarint appends a varint field. Zero is omitted.
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendInt32 appends an int32 field with proto3's sign-extended encoding.
func AppendInt32(b []byte, num protowire.Number, v int32) []byte {
	return AppendVarint(b, num, uint64(int64(v)))
}

// AppendBool appends a bool field. False is omitted.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// EachField walks every field of a wire-format message, handing the callback
// the field number, wire type, and the raw value region. Unknown field
// numbers are the callback's to skip, preserving forward compatibility.
func EachField(data []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("wire: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		size := protowire.ConsumeFieldValue(num, typ, data)
		if size < 0 {
			return fmt.Errorf("wire: malformed field %d: %w", num, protowire.ParseError(size))
		}
		if err := fn(num, typ, data[:size]); err != nil {
			return err
		}
		data = data[size:]
	}
	return nil
}

// FieldBytes decodes the value region of a bytes field. The returned slice is
// copied so callers may retain it past the input buffer.
func FieldBytes(value []byte) ([]byte, error) {
	v, n := protowire.ConsumeBytes(value)
	if n < 0 {
		return nil, fmt.Errorf("wire: malformed bytes value: %w", protowire.ParseError(n))
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// FieldString decodes the value region of a string field.
func FieldString(value []byte) (string, error) {
	v, n := protowire.ConsumeBytes(value)
	if n < 0 {
		return "", fmt.Errorf("wire: malformed string value: %w", protowire.ParseError(n))
	}
	return string(v), nil
}

// FieldVarint decodes the value region of a varint field.
func FieldVarint(value []byte) (uint64, error) {
	v, n := protowire.ConsumeVarint(value)
	if n < 0 {
		return 0, fmt.Errorf("wire: malformed varint value: %w", protowire.ParseError(n))
	}
	return v, nil
}

// FieldInt32 decodes a sign-extended int32 varint field.
func FieldInt32(value []byte) (int32, error) {
	v, err := FieldVarint(value)
	if err != nil {
		return 0, err
	}
	return int32(int64(v)), nil
}

// FieldBool decodes a bool varint field.
func FieldBool(value []byte) (bool, error) {
	v, err := FieldVarint(value)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}
