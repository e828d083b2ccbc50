package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id           TEXT         PRIMARY KEY,
    caller       TEXT         NOT NULL,
    codec        TEXT         NOT NULL,
    endpoint     TEXT         NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ  NOT NULL,
    answered_at  TIMESTAMPTZ,
    ended_at     TIMESTAMPTZ  NOT NULL,
    stats        JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at DESC);

CREATE INDEX IF NOT EXISTS idx_calls_caller
    ON calls (caller);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS call_transcripts (
    id       BIGSERIAL    PRIMARY KEY,
    call_id  TEXT         NOT NULL REFERENCES calls (id) ON DELETE CASCADE,
    speaker  TEXT         NOT NULL,
    text     TEXT         NOT NULL,
    at       TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_call_at
    ON call_transcripts (call_id, at);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_fts
    ON call_transcripts USING GIN (to_tsvector('simple', text));
`

// Migrate creates the call log tables. It is idempotent and safe to call on
// every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlCalls, ddlTranscripts} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
