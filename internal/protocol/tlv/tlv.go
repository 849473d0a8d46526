// Package tlv encodes envelope payloads as a flat list of
// id/type/length/value fields.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Field header, big endian: id u16 | type u8 | len u32.
const HeaderLen = 7

// Only text and opaque bytes travel on the wire; JSON bodies are bytes.
const (
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
	ErrDuplicateField   = errors.New("tlv: duplicate field id")
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

// Bytes copies v so later mutation by the caller never reaches the wire.
func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), v...)}
}

func appendField(dst []byte, f Field) []byte {
	var h [HeaderLen]byte
	binary.BigEndian.PutUint16(h[0:2], f.ID)
	h[2] = f.Type
	binary.BigEndian.PutUint32(h[3:7], uint32(len(f.Value)))
	dst = append(dst, h[:]...)
	return append(dst, f.Value...)
}

func EncodeField(f Field) []byte {
	return appendField(make([]byte, 0, HeaderLen+len(f.Value)), f)
}

func EncodeFields(fields []Field) []byte {
	n := 0
	for _, f := range fields {
		n += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = appendField(out, f)
	}
	return out
}

// DecodeFields splits payload into fields in wire order. Unknown ids and
// types are kept; a repeated id is rejected.
func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	seen := make(map[uint16]struct{})
	for rest := payload; len(rest) > 0; {
		if len(rest) < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(rest[0:2])
		typ := rest[2]
		n := binary.BigEndian.Uint32(rest[3:7])
		rest = rest[HeaderLen:]
		if uint64(len(rest)) < uint64(n) {
			return nil, fmt.Errorf("%w: field %d wants %d bytes, %d left", ErrShortFieldValue, id, n, len(rest))
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateField, id)
		}
		seen[id] = struct{}{}
		fields = append(fields, Field{ID: id, Type: typ, Value: append([]byte(nil), rest[:n]...)})
		rest = rest[n:]
	}
	return fields, nil
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// GetString reports whether id is present and, if so, its string value.
func GetString(fields []Field, id uint16) (string, bool, error) {
	v, ok, err := typed(fields, id, TypeString)
	return string(v), ok, err
}

func GetBytes(fields []Field, id uint16) ([]byte, bool, error) {
	return typed(fields, id, TypeBytes)
}

func typed(fields []Field, id uint16, want uint8) ([]byte, bool, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return nil, false, nil
	}
	if err := MustType(f, want); err != nil {
		return nil, true, err
	}
	return f.Value, true, nil
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, f.ID, f.Type, expected)
	}
	return nil
}
