package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotrace/courtracer/reservation"
)

// PostgresStore implements Store on top of a single durable table. It is an
// alternative to FileStore for deployments that already run Postgres for
// other state; the queue itself is agnostic to which Store it holds.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and ensures the backing table exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS reservation_requests (
			id TEXT PRIMARY KEY,
			record JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]*reservation.Request, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM reservation_requests`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*reservation.Request
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r reservation.Request
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// Save replaces the whole table in one transaction so readers never observe
// a partial snapshot (the Postgres analogue of FileStore's atomic rename).
func (s *PostgresStore) Save(ctx context.Context, records []*reservation.Request) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM reservation_requests`); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", r.ID, err)
		}
		batch.Queue(
			`INSERT INTO reservation_requests (id, record, updated_at) VALUES ($1, $2, NOW())`,
			r.ID, raw,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
