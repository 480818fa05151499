package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxnote/pkg/store"
)

var _ store.Backend = (*Store)(nil)

// Store persists transcripts and usage counters in PostgreSQL. All methods
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, pings the server and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Save inserts rec into transcripts.
func (s *Store) Save(ctx context.Context, rec store.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	const q = `
		INSERT INTO transcripts
		    (session_id, source, content, raw_transcript, chunk_count, average_confidence, exported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	p := rec.Provenance
	exportedAt := p.ExportedAt
	if exportedAt.IsZero() {
		exportedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, q,
		p.SessionID,
		p.Source,
		rec.Content,
		p.RawTranscript,
		p.ChunkCount,
		p.AverageConfidence,
		exportedAt,
	); err != nil {
		return fmt.Errorf("postgres store: save: %w", err)
	}
	return nil
}

// RecordUsage adds u to the counters of (u.SessionID, u.Kind).
func (s *Store) RecordUsage(ctx context.Context, u store.Usage) error {
	const q = `
		INSERT INTO usage_counters (session_id, kind, calls, prompt_tokens, completion_tokens)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, kind) DO UPDATE SET
		    calls             = usage_counters.calls + EXCLUDED.calls,
		    prompt_tokens     = usage_counters.prompt_tokens + EXCLUDED.prompt_tokens,
		    completion_tokens = usage_counters.completion_tokens + EXCLUDED.completion_tokens,
		    updated_at        = now()`

	if _, err := s.pool.Exec(ctx, q, u.SessionID, u.Kind, u.Calls, u.PromptTokens, u.CompletionTokens); err != nil {
		return fmt.Errorf("postgres store: record usage: %w", err)
	}
	return nil
}

// Usage returns the accumulated counters for one session and kind. A
// session without usage yields a zero Usage.
func (s *Store) Usage(ctx context.Context, sessionID, kind string) (store.Usage, error) {
	const q = `
		SELECT calls, prompt_tokens, completion_tokens
		FROM   usage_counters
		WHERE  session_id = $1 AND kind = $2`

	u := store.Usage{SessionID: sessionID, Kind: kind}
	rows, err := s.pool.Query(ctx, q, sessionID, kind)
	if err != nil {
		return u, fmt.Errorf("postgres store: usage: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&u.Calls, &u.PromptTokens, &u.CompletionTokens); err != nil {
			return u, fmt.Errorf("postgres store: usage: scan: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return u, fmt.Errorf("postgres store: usage: %w", err)
	}
	return u, nil
}

// Transcripts returns the saved records of a session, oldest first.
func (s *Store) Transcripts(ctx context.Context, sessionID string) ([]store.Record, error) {
	const q = `
		SELECT content, source, raw_transcript, chunk_count, average_confidence, exported_at
		FROM   transcripts
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: transcripts: %w", err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		rec := store.Record{Provenance: store.Provenance{SessionID: sessionID}}
		p := &rec.Provenance
		if err := rows.Scan(&rec.Content, &p.Source, &p.RawTranscript, &p.ChunkCount, &p.AverageConfidence, &p.ExportedAt); err != nil {
			return nil, fmt.Errorf("postgres store: transcripts: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: transcripts: %w", err)
	}
	return out, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
