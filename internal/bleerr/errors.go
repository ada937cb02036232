// Package bleerr defines the gateway's error taxonomy: a small set of typed
// errors, each mapping to one of the stable numeric result codes carried in
// gatt_result messages.
package bleerr

import (
	"errors"
	"fmt"
)

// Result codes, stable across releases.
const (
	CodeOK               = 0
	CodeDeviceNotFound   = 3
	CodeTransport        = 4
	CodeReadFailed       = 6
	CodeWriteFailed      = 9
	CodeNotifyEnableFail = 11
)

// Kind distinguishes the taxonomy's five error families.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindDecode
	KindState
	KindTimeout
)

// Error is a taxonomy error: a Kind, a stable result code, and a wrapped
// cause.
type Error struct {
	Kind Kind
	Code int
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the stable numeric code this error maps to.
func (e *Error) ErrorCode() int { return e.Code }

// Transport wraps a failure in the HCI/adapter layer (connect, disconnect,
// read/write I/O).
func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Code: CodeTransport, Op: op, Err: err}
}

// Protocol wraps a malformed-frame or unexpected-response failure.
func Protocol(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Code: CodeTransport, Op: op, Err: err}
}

// Decode wraps a characteristic/descriptor type-coercion failure.
func Decode(op string, err error) *Error {
	return &Error{Kind: KindDecode, Code: CodeReadFailed, Op: op, Err: err}
}

// State wraps an operation attempted in the wrong device state (e.g. read
// before connect, or a connect attempt on a non-connectable device).
func State(op string, err error) *Error {
	return &Error{Kind: KindState, Code: CodeDeviceNotFound, Op: op, Err: err}
}

// Timeout wraps a bounded-wait expiry.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Code: CodeTransport, Op: op, Err: err}
}

// ReadFailed is a convenience constructor for read-path transport failures,
// which map to the read-failed result code rather than the generic transport
// one.
func ReadFailed(op string, err error) *Error {
	return &Error{Kind: KindTransport, Code: CodeReadFailed, Op: op, Err: err}
}

// WriteFailed is a convenience constructor for write-path transport failures,
// which carry a distinct result code from reads.
func WriteFailed(op string, err error) *Error {
	return &Error{Kind: KindTransport, Code: CodeWriteFailed, Op: op, Err: err}
}

// NotifyEnableFailed is a convenience constructor for 0x2902 descriptor
// write failures during allow_notifications.
func NotifyEnableFailed(op string, err error) *Error {
	return &Error{Kind: KindTransport, Code: CodeNotifyEnableFail, Op: op, Err: err}
}

// CodeOf extracts the stable numeric code from err if it is (or wraps) a
// *Error, or CodeTransport as a conservative default otherwise.
func CodeOf(err error) int {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeTransport
}
