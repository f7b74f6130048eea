package crdt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ID is a globally unique identifier for an operation, combining the ID of the
// replica that authored it and that replica's operation counter. Counters
// start at 1, so the zero ID never names an operation.
type ID struct {
	Client uint64 `json:"client"`
	Clock  uint64 `json:"clock"`
}

// IsZero reports whether id is the empty ID.
func (id ID) IsZero() bool {
	return id.Client == 0 && id.Clock == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

func (id ID) less(o ID) bool {
	if id.Client != o.Client {
		return id.Client < o.Client
	}
	return id.Clock < o.Clock
}

// stamp orders concurrent operations: higher lamport wins, ties go to the
// higher client ID.
type stamp struct {
	lamport uint64
	client  uint64
}

func (s stamp) after(o stamp) bool {
	if s.lamport != o.lamport {
		return s.lamport > o.lamport
	}
	return s.client > o.client
}

// NewClientID returns a random non-zero replica ID.
func NewClientID() uint64 {
	u := uuid.New()
	if id := binary.BigEndian.Uint64(u[:8]); id != 0 {
		return id
	}
	return 1
}

// StateVector maps each known replica to the highest contiguous clock
// integrated from it.
type StateVector map[uint64]uint64

func (sv StateVector) clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}
