// Package codec holds the protobuf wire helpers used to serialize message
// bodies and command payloads without generated code. Fields equal to their
// zero value are omitted, so equal values always encode to equal bytes.
package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is a body that can be written to and read from protobuf wire format.
type Message interface {
	Marshal() []byte
	Unmarshal(b []byte) error
}

// SerializationError reports a body that could not be decoded for a
// registered id. The message is discarded; dispatch of others continues.
type SerializationError struct {
	ID  int32
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("codec: decode id %d: %v", e.ID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// ErrWireType reports a field encoded with an unexpected wire type.
var ErrWireType = errors.New("codec: unexpected wire type")

// FieldFunc decodes one field value from b and returns the bytes consumed.
// Returning 0 marks the field as unknown and it is skipped.
type FieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// Walk iterates over the fields of an encoded message.
func Walk(b []byte, fn FieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

// Varint reads a varint field value.
func Varint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, ErrWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// Int64 reads a varint field as int64.
func Int64(typ protowire.Type, b []byte, dst *int64) (int, error) {
	v, n, err := Varint(typ, b)
	*dst = int64(v)
	return n, err
}

// Int32 reads a varint field as int32.
func Int32(typ protowire.Type, b []byte, dst *int32) (int, error) {
	v, n, err := Varint(typ, b)
	*dst = int32(v)
	return n, err
}

// Sint32 reads a zigzag-encoded varint field.
func Sint32(typ protowire.Type, b []byte, dst *int32) (int, error) {
	v, n, err := Varint(typ, b)
	*dst = int32(protowire.DecodeZigZag(v))
	return n, err
}

// Bool reads a varint field as bool.
func Bool(typ protowire.Type, b []byte, dst *bool) (int, error) {
	v, n, err := Varint(typ, b)
	*dst = v != 0
	return n, err
}

// Bytes reads a length-delimited field. The returned slice aliases b.
func Bytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, ErrWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// String reads a length-delimited field as a string.
func String(typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := Bytes(typ, b)
	*dst = string(v)
	return n, err
}

// Embedded reads a length-delimited field into m.
func Embedded(typ protowire.Type, b []byte, m Message) (int, error) {
	v, n, err := Bytes(typ, b)
	if err != nil {
		return 0, err
	}
	return n, m.Unmarshal(v)
}

// AppendVarint appends a varint field unless v is zero.
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendInt64 appends an int64 field unless v is zero.
func AppendInt64(b []byte, num protowire.Number, v int64) []byte {
	return AppendVarint(b, num, uint64(v))
}

// AppendInt32 appends an int32 field unless v is zero.
func AppendInt32(b []byte, num protowire.Number, v int32) []byte {
	return AppendVarint(b, num, uint64(int64(v)))
}

// AppendSint32 appends a zigzag-encoded field unless v is zero.
func AppendSint32(b []byte, num protowire.Number, v int32) []byte {
	return AppendVarint(b, num, protowire.EncodeZigZag(int64(v)))
}

// AppendBool appends a bool field unless v is false.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return AppendVarint(b, num, 1)
}

// AppendBytes appends a length-delimited field unless v is empty.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendString appends a string field unless v is empty.
func AppendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// AppendEmbedded appends m as a length-delimited field unless it encodes to
// nothing.
func AppendEmbedded(b []byte, num protowire.Number, m Message) []byte {
	return AppendBytes(b, num, m.Marshal())
}

// AppendRepeated appends every element of ms as a length-delimited field,
// including empty ones so the element count survives the round trip.
func AppendRepeated[M Message](b []byte, num protowire.Number, ms []M) []byte {
	for _, m := range ms {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Marshal())
	}
	return b
}
