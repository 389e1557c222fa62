package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/cloudhost/internal/domain"
)

// registryRowID is the primary key of the single registry document row.
const registryRowID = 1

const createRegistryTable = `CREATE TABLE IF NOT EXISTS cloudhost_registry (
	id         SMALLINT PRIMARY KEY,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store keeps the registry snapshot as one JSONB document.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	_, err = pool.Exec(ctx, createRegistryTable)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Load reads the registry document. No row yields an empty snapshot.
func (s *Store) Load(ctx context.Context) (domain.Snapshot, error) {
	var raw []byte

	err := s.pool.QueryRow(ctx,
		`SELECT document FROM cloudhost_registry WHERE id = $1`,
		registryRowID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Snapshot{}, nil
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres.Store.Load: %w", err)
	}

	return decodeSnapshot(raw)
}

// Save upserts the registry document.
func (s *Store) Save(ctx context.Context, snap domain.Snapshot) error {
	raw, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO cloudhost_registry (id, document, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		registryRowID, raw,
	)
	if err != nil {
		return fmt.Errorf("postgres.Store.Save: %w", err)
	}

	return nil
}

func encodeSnapshot(snap domain.Snapshot) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("postgres.encodeSnapshot: %w", err)
	}
	return raw, nil
}

func decodeSnapshot(raw []byte) (domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres.decodeSnapshot: %w", err)
	}
	return snap, nil
}
