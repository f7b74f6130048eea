// Package bus carries room traffic between server instances so that members
// of one room connected to different instances still see each other's edits.
package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when using a closed Memory bus.
var ErrClosed = errors.New("bus: closed")

// Kind tells receivers what to do with a Message.
type Kind string

const (
	// KindUpdate carries a document update for the room.
	KindUpdate Kind = "update"
	// KindStateRequest asks instances holding the room to publish their
	// full state.
	KindStateRequest Kind = "state-request"
)

// Message is published on the room's channel.
type Message struct {
	Node   string `json:"node"`
	Room   string `json:"room"`
	Kind   Kind   `json:"kind"`
	Update []byte `json:"update,omitempty"`
}

// Bus publishes and receives room messages. Subscribers also receive their
// own publications and filter on Node.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context) (<-chan Message, error)
	Close() error
}

// Memory is an in-process Bus. Hubs sharing one Memory behave like server
// instances sharing one Redis.
type Memory struct {
	mu     sync.RWMutex
	subs   map[chan Message]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[chan Message]struct{})}
}

// Publish delivers msg to every subscriber, dropping it for subscribers whose
// buffer is full.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for ch := range m.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message, 256)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.remove(ch)
	}()
	return ch, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.subs {
		close(ch)
	}
	m.subs = map[chan Message]struct{}{}
	return nil
}

func (m *Memory) remove(ch chan Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}
