package store

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var snapshotsBucket = []byte("snapshots")

// Bolt is a SnapshotStore in a local bbolt file.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt store: empty path")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt store: create bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Load(_ context.Context, room string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		// Values are only valid inside the transaction.
		if v := tx.Bucket(snapshotsBucket).Get([]byte(room)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (b *Bolt) Save(_ context.Context, room string, data []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(room), data)
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
