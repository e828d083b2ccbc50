// Package postgres provides a PostgreSQL-backed [calllog.Store].
//
// Calls live in the calls table with their media counters as JSONB;
// transcripts live in call_transcripts with a GIN full-text index. [Migrate]
// creates both on start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Save(ctx, record)
//	matches, _ := store.Search(ctx, "opening hours", calllog.SearchOpts{Limit: 20})
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callbridge/internal/call"
	"github.com/MrWong99/callbridge/internal/calllog"
	"github.com/MrWong99/callbridge/pkg/audio/codec"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// DefaultLimit applies to Recent and Search when the caller passes zero.
const DefaultLimit = 50

var _ calllog.Store = (*Store)(nil)

// Store is the PostgreSQL call log. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
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

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping implements [calllog.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save implements [calllog.Store]. The call row and its transcripts are
// written in one transaction.
func (s *Store) Save(ctx context.Context, r calllog.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("call log: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO calls (id, caller, codec, endpoint, started_at, answered_at, ended_at, stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		    caller = EXCLUDED.caller, codec = EXCLUDED.codec, endpoint = EXCLUDED.endpoint,
		    started_at = EXCLUDED.started_at, answered_at = EXCLUDED.answered_at,
		    ended_at = EXCLUDED.ended_at, stats = EXCLUDED.stats`
	if _, err := tx.Exec(ctx, upsert,
		r.ID, r.Caller, string(r.Codec), r.Endpoint,
		r.StartedAt, nullTime(r.AnsweredAt), r.EndedAt, r.Stats,
	); err != nil {
		return fmt.Errorf("call log: save call: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM call_transcripts WHERE call_id = $1`, r.ID); err != nil {
		return fmt.Errorf("call log: clear transcripts: %w", err)
	}
	if len(r.Transcripts) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"call_transcripts"},
			[]string{"call_id", "speaker", "text", "at"},
			pgx.CopyFromSlice(len(r.Transcripts), func(i int) ([]any, error) {
				l := r.Transcripts[i]
				return []any{r.ID, string(l.Speaker), l.Text, l.At}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("call log: save transcripts: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("call log: commit: %w", err)
	}
	return nil
}

const selectCall = `SELECT id, caller, codec, endpoint, started_at, answered_at, ended_at, stats FROM calls`

// Get implements [calllog.Store].
func (s *Store) Get(ctx context.Context, id string) (calllog.Record, error) {
	rows, err := s.pool.Query(ctx, selectCall+` WHERE id = $1`, id)
	if err != nil {
		return calllog.Record{}, fmt.Errorf("call log: get: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return calllog.Record{}, calllog.ErrNotFound
	}
	if err != nil {
		return calllog.Record{}, fmt.Errorf("call log: get: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT speaker, text, at FROM call_transcripts WHERE call_id = $1 ORDER BY at, id`, id)
	if err != nil {
		return calllog.Record{}, fmt.Errorf("call log: get transcripts: %w", err)
	}
	r.Transcripts, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (call.TranscriptLine, error) {
		var (
			l       call.TranscriptLine
			speaker string
		)
		err := row.Scan(&speaker, &l.Text, &l.At)
		l.Speaker = s2s.Speaker(speaker)
		return l, err
	})
	if err != nil {
		return calllog.Record{}, fmt.Errorf("call log: scan transcripts: %w", err)
	}
	return r, nil
}

// Recent implements [calllog.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]calllog.Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.pool.Query(ctx, selectCall+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("call log: recent: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("call log: scan calls: %w", err)
	}
	if records == nil {
		records = []calllog.Record{}
	}
	return records, nil
}

// Search implements [calllog.Store]. The query is passed to
// plainto_tsquery so no operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts calllog.SearchOpts) ([]calllog.Match, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('simple', t.text) @@ plainto_tsquery('simple', $1)",
	}
	if opts.Caller != "" {
		conditions = append(conditions, "c.caller = "+next(opts.Caller))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "t.at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "t.at < "+next(opts.Before))
	}
	if opts.Speaker != "" {
		conditions = append(conditions, "t.speaker = "+next(string(opts.Speaker)))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	q := "SELECT t.call_id, c.caller, t.speaker, t.text, t.at\n" +
		"FROM   call_transcripts t JOIN calls c ON c.id = t.call_id\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY t.at, t.id\n" +
		"LIMIT  " + next(limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("call log: search: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (calllog.Match, error) {
		var (
			m       calllog.Match
			speaker string
		)
		err := row.Scan(&m.CallID, &m.Caller, &speaker, &m.Line.Text, &m.Line.At)
		m.Line.Speaker = s2s.Speaker(speaker)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("call log: scan matches: %w", err)
	}
	if matches == nil {
		matches = []calllog.Match{}
	}
	return matches, nil
}

func scanRecord(row pgx.CollectableRow) (calllog.Record, error) {
	var (
		r        calllog.Record
		id       string
		answered *time.Time
	)
	if err := row.Scan(&r.ID, &r.Caller, &id, &r.Endpoint, &r.StartedAt, &answered, &r.EndedAt, &r.Stats); err != nil {
		return calllog.Record{}, err
	}
	r.Codec = codec.ID(id)
	if answered != nil {
		r.AnsweredAt = *answered
	}
	return r, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
