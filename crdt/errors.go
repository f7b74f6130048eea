package crdt

import (
	"errors"
	"fmt"
)

// ErrUnsupportedValue is returned by Map.Set for values that cannot be
// replicated.
var ErrUnsupportedValue = errors.New("crdt: unsupported map value")

// OutOfRangeError reports a local edit outside the current text bounds.
type OutOfRangeError struct {
	Op     string
	Index  int
	Length int
	Len    int
}

func (e *OutOfRangeError) Error() string {
	if e.Op == "insert" {
		return fmt.Sprintf("crdt: insert at %d out of range [0,%d]", e.Index, e.Len)
	}
	return fmt.Sprintf("crdt: %s of [%d,%d) out of range [0,%d]", e.Op, e.Index, e.Index+e.Length, e.Len)
}

// DecodeError reports update bytes that could not be decoded. A document
// never applies any part of an update that fails to decode.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crdt: decode update: %s: %v", e.Reason, e.Err)
	}
	return "crdt: decode update: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
