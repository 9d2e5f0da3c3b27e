// Package store persists identities and attendance in PostgreSQL with pgvector.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/types"
)

const uniqueViolation = "23505"

// Store manages the PostgreSQL pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema exists.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %w", apperr.ErrStoreUnavailable, err)
	}

	// Auto-migration
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			embedding VECTOR(512),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS attendance (
			id BIGSERIAL PRIMARY KEY,
			identity_id BIGINT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			att_date DATE NOT NULL,
			att_time TIME NOT NULL,
			source_id TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (identity_id, att_date)
		);
		CREATE INDEX IF NOT EXISTS attendance_att_date_idx ON attendance (att_date);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, apperr.ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ListIdentities returns every identity with its embedding. Rows without an embedding come back
// with a nil Vector so the index can count them.
func (s *Store) ListIdentities(ctx context.Context) ([]types.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, embedding, updated_at FROM identities ORDER BY id`)
	if err != nil {
		return nil, unavailable("list identities", err)
	}
	defer rows.Close()

	var out []types.Identity
	for rows.Next() {
		var (
			id  types.Identity
			vec *pgvector.Vector
		)
		if err := rows.Scan(&id.ID, &id.Name, &vec, &id.UpdatedAt); err != nil {
			return nil, unavailable("scan identity", err)
		}
		if vec != nil {
			id.Vector = vec.Slice()
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list identities", err)
	}
	return out, nil
}

// ListRegistered returns identities without their embeddings.
func (s *Store) ListRegistered(ctx context.Context) ([]types.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, updated_at FROM identities ORDER BY id`)
	if err != nil {
		return nil, unavailable("list identities", err)
	}
	defer rows.Close()

	var out []types.Identity
	for rows.Next() {
		var id types.Identity
		if err := rows.Scan(&id.ID, &id.Name, &id.UpdatedAt); err != nil {
			return nil, unavailable("scan identity", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list identities", err)
	}
	return out, nil
}

// UpsertIdentityByName stores vec for name, creating the identity when needed. created reports
// whether a new row was inserted.
func (s *Store) UpsertIdentityByName(ctx context.Context, name string, vec []float32) (id int64, created bool, err error) {
	err = s.pool.QueryRow(ctx, `
		INSERT INTO identities (name, embedding, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = NOW()
		RETURNING id, (xmax = 0)
	`, name, pgvector.NewVector(vec)).Scan(&id, &created)
	if err != nil {
		return 0, false, unavailable("upsert identity", err)
	}
	return id, created, nil
}

// RenameIdentity updates the name of an identity.
func (s *Store) RenameIdentity(ctx context.Context, id int64, name string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE identities SET name = $1, updated_at = NOW() WHERE id = $2", name, id)
	if isUniqueViolation(err) {
		return fmt.Errorf("rename identity %d: name %q already taken: %w", id, name, apperr.ErrInput)
	}
	if err != nil {
		return unavailable("rename identity", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rename identity %d: %w", id, apperr.ErrIdentityNotFound)
	}
	return nil
}

// HasAttendance reports whether the identity already has a row for date (YYYY-MM-DD).
func (s *Store) HasAttendance(ctx context.Context, identityID int64, date string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM attendance WHERE identity_id = $1 AND att_date = $2::date)",
		identityID, date).Scan(&exists)
	if err != nil {
		return false, unavailable("check attendance", err)
	}
	return exists, nil
}

// InsertAttendance writes rec unless a row for the same identity and date exists, in which case
// it returns false. The unique constraint makes this atomic across processes.
func (s *Store) InsertAttendance(ctx context.Context, rec types.AttendanceRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO attendance (identity_id, name, att_date, att_time, source_id, confidence)
		VALUES ($1, $2, $3::date, $4::time, $5, $6)
		ON CONFLICT (identity_id, att_date) DO NOTHING
	`, rec.IdentityID, rec.Name, rec.Date, rec.TimeOfDay, rec.SourceID, rec.Confidence)
	if err != nil {
		return false, unavailable("insert attendance", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AttendanceByDate returns the rows for date ordered by time of day.
func (s *Store) AttendanceByDate(ctx context.Context, date string) ([]types.AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, identity_id, name, att_date::text, att_time::text, source_id, confidence, created_at
		FROM attendance
		WHERE att_date = $1::date
		ORDER BY att_time, identity_id
	`, date)
	if err != nil {
		return nil, unavailable("attendance by date", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.AttendanceRecord, error) {
		var r types.AttendanceRecord
		err := row.Scan(&r.ID, &r.IdentityID, &r.Name, &r.Date, &r.TimeOfDay, &r.SourceID, &r.Confidence, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, unavailable("scan attendance", err)
	}
	return records, nil
}

// Ping checks connectivity within timeout.
func (s *Store) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Reset drops all application tables. The schema is recreated on the next connection.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS attendance CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
	`)
	if err != nil {
		return unavailable("reset", err)
	}
	return nil
}
