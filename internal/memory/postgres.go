package memory

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresStore persists transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

//go:embed migrations/*.sql
var migrations embed.FS

// migrate applies the embedded goose migrations through a database/sql
// handle borrowed from the pool.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SaveTurn writes all records of one turn in a single round trip.
func (s *PostgresStore) SaveTurn(ctx context.Context, records []TranscriptRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		batch.Queue(
			`INSERT INTO transcript_entries (id, session_id, seq, speaker, text, pii_redacted, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, r.SessionID, r.Seq, r.Speaker, r.Text, r.PIIRedacted, r.CreatedAt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionTranscript(ctx context.Context, sessionID string) ([]TranscriptRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, seq, speaker, text, pii_redacted, created_at
		 FROM transcript_entries WHERE session_id=$1 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TranscriptRecord, error) {
		var r TranscriptRecord
		err := row.Scan(&r.ID, &r.SessionID, &r.Seq, &r.Speaker, &r.Text, &r.PIIRedacted, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan transcript rows: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
