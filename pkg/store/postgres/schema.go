// Package postgres provides a PostgreSQL-backed [store.Backend].
//
// One [pgxpool.Pool] serves both tables. [Migrate] creates them with
// CREATE TABLE IF NOT EXISTS and is safe to run on every start.
//
// Usage:
//
//	s, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//	_ = s.Save(ctx, rec)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id                 BIGSERIAL    PRIMARY KEY,
    session_id         TEXT         NOT NULL,
    source             TEXT         NOT NULL,
    content            TEXT         NOT NULL,
    raw_transcript     TEXT         NOT NULL DEFAULT '',
    chunk_count        INTEGER      NOT NULL DEFAULT 0,
    average_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    exported_at        TIMESTAMPTZ  NOT NULL,
    saved_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_session_id
    ON transcripts (session_id);
`

const ddlUsageCounters = `
CREATE TABLE IF NOT EXISTS usage_counters (
    session_id        TEXT         NOT NULL,
    kind              TEXT         NOT NULL,
    calls             BIGINT       NOT NULL DEFAULT 0,
    prompt_tokens     BIGINT       NOT NULL DEFAULT 0,
    completion_tokens BIGINT       NOT NULL DEFAULT 0,
    updated_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, kind)
);
`

// Migrate creates the transcripts and usage_counters tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlTranscripts, ddlUsageCounters} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
