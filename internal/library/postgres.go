package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forPelevin/vidsum/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS library_records (
    fingerprint TEXT PRIMARY KEY,
    record      JSONB NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// Postgres stores one JSONB document per fingerprint.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and creates the table if needed.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect library database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping library database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create library schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Load(ctx context.Context, fingerprint string) (Record, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT record FROM library_records WHERE fingerprint = $1`, fingerprint).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load library record: %w", err)
	}
	r, err := decodeRecord(raw)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (p *Postgres) SaveTranscript(ctx context.Context, fingerprint string, src Source, key string, e TranscriptEntry) error {
	return p.update(ctx, fingerprint, func(r *Record) {
		r.applySource(src)
		r.Transcripts[key] = e
	})
}

func (p *Postgres) SaveSummary(ctx context.Context, fingerprint, key string, s types.Summary) error {
	return p.update(ctx, fingerprint, func(r *Record) { r.Summaries[key] = s })
}

func (p *Postgres) SaveClips(ctx context.Context, fingerprint, key string, res types.ClipResult) error {
	return p.update(ctx, fingerprint, func(r *Record) { r.Clips[key] = res })
}

// update is a read-modify-write of one record under a row lock.
func (p *Postgres) update(ctx context.Context, fingerprint string, fn func(*Record)) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin library tx: %w", err)
	}
	defer tx.Rollback(ctx)

	empty, err := json.Marshal(newRecord(fingerprint))
	if err != nil {
		return err
	}
	// Make sure a row exists so FOR UPDATE has something to lock.
	if _, err := tx.Exec(ctx, `INSERT INTO library_records (fingerprint, record) VALUES ($1, $2) ON CONFLICT (fingerprint) DO NOTHING`, fingerprint, string(empty)); err != nil {
		return fmt.Errorf("insert library record: %w", err)
	}
	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT record FROM library_records WHERE fingerprint = $1 FOR UPDATE`, fingerprint).Scan(&raw); err != nil {
		return fmt.Errorf("lock library record: %w", err)
	}
	r, err := decodeRecord(raw)
	if err != nil {
		return err
	}
	r.Fingerprint = fingerprint
	fn(&r)
	r.UpdatedAt = time.Now().UTC()

	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode library record: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE library_records SET record = $2, updated_at = $3 WHERE fingerprint = $1`, fingerprint, string(b), r.UpdatedAt); err != nil {
		return fmt.Errorf("update library record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit library record: %w", err)
	}
	return nil
}
