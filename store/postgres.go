package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS collab_room_snapshots (
	room_id    TEXT PRIMARY KEY,
	state      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres is a SnapshotStore in a PostgreSQL table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url, retrying until the database answers, and
// creates the snapshot table if needed.
func OpenPostgres(ctx context.Context, url string, attempts uint) (*Postgres, error) {
	if attempts == 0 {
		attempts = 5
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to create postgres pool: %w", err)
	}
	err = retry.Do(
		func() error {
			return pool.Ping(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Load(ctx context.Context, room string) ([]byte, error) {
	var state []byte
	err := p.pool.QueryRow(ctx,
		`SELECT state FROM collab_room_snapshots WHERE room_id = $1`, room,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", room, err)
	}
	return state, nil
}

func (p *Postgres) Save(ctx context.Context, room string, data []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO collab_room_snapshots (room_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (room_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		room, data,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", room, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
