// Package store keeps the last full state of rooms that were evicted, so a
// room recreated later starts from where it left off.
package store

import (
	"context"
	"fmt"
	"sync"
)

// SnapshotStore saves and loads encoded document states by room ID. Load
// returns nil and no error when the room has no snapshot.
type SnapshotStore interface {
	Load(ctx context.Context, room string) ([]byte, error)
	Save(ctx context.Context, room string, snapshot []byte) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Config selects and configures a store.
type Config struct {
	Driver      string
	BoltPath    string
	PostgresURL string
	// ConnectAttempts bounds connection retries for network stores.
	ConnectAttempts uint
}

// Open returns the configured store, or nil for DriverNone.
func Open(ctx context.Context, cfg Config) (SnapshotStore, error) {
	switch cfg.Driver {
	case "", DriverNone:
		return nil, nil
	case DriverMemory:
		return NewMemory(), nil
	case DriverBolt:
		return OpenBolt(cfg.BoltPath)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.PostgresURL, cfg.ConnectAttempts)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Memory is a SnapshotStore backed by a map.
type Memory struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{snaps: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, room string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.snaps[room]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Save(_ context.Context, room string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[room] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
