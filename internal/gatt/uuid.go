// Package gatt holds the BLE wire-format primitives shared by every other
// package in this module: the UUID type, advertisement TLV parsing, and the
// ATT/GATT constant tables. It has no knowledge of scanning, sessions, or
// the message bus above it.
package gatt

import (
	"encoding/hex"
	"errors"
	"strings"
)

// UUID is a BLE attribute UUID, stored in the byte order it was received on
// the wire (16-bit UUIDs little-endian, 128-bit UUIDs as transmitted).
type UUID struct {
	b []byte
}

// UUID16 constructs a UUID from a 16-bit attribute number, e.g. UUID16(0x180F).
func UUID16(i uint16) UUID {
	return UUID{[]byte{uint8(i), uint8(i >> 8)}}
}

// FromWireBytes constructs a UUID from bytes already in wire order (as they
// appear in an ATT PDU or advertisement TLV), without copying semantics
// beyond a defensive copy. Used by discovery/parsing code that only has the
// raw attribute bytes to work with.
func FromWireBytes(b []byte) UUID {
	return UUID{append([]byte(nil), b...)}
}

// MustParseUUID parses a UUID string (bare hex, or dashed 128-bit form) and
// panics if it cannot be parsed. It is meant for UUID literals known at
// compile time.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ParseUUID parses a UUID string in bare hex (4 or 32 hex digits) or dashed
// 128-bit form (8-4-4-4-12) and returns it in wire byte order (reversed from
// the string's big-endian presentation).
func ParseUUID(s string) (UUID, error) {
	s = strings.ReplaceAll(s, "-", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return UUID{}, err
	}
	switch len(b) {
	case 2, 16:
	default:
		return UUID{}, errors.New("gatt: invalid UUID length: " + s)
	}
	return UUID{reverse(b)}, nil
}

// Len returns the width of the UUID in bytes: 2 for 16-bit, 16 for 128-bit.
func (u UUID) Len() int { return len(u.b) }

// String renders the UUID in its conventional big-endian textual form.
func (u UUID) String() string {
	r := reverse(u.b)
	switch len(r) {
	case 2:
		return hex.EncodeToString(r)
	case 16:
		s := hex.EncodeToString(r)
		return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
	default:
		return hex.EncodeToString(r)
	}
}

// Bytes returns the UUID bytes in wire order (the order they appear on air).
func (u UUID) Bytes() []byte { return u.b }

// Equal reports whether two UUIDs identify the same attribute.
func (u UUID) Equal(x UUID) bool {
	if len(u.b) != len(x.b) {
		return false
	}
	for i := range u.b {
		if u.b[i] != x.b[i] {
			return false
		}
	}
	return true
}

// reverseBytes returns the UUID bytes in their conventional big-endian order.
func (u UUID) reverseBytes() []byte { return reverse(u.b) }

// reverse returns a new slice containing b's bytes in reverse order.
func reverse(b []byte) []byte {
	r := make([]byte, len(b))
	for i, v := range b {
		r[len(b)-1-i] = v
	}
	return r
}
