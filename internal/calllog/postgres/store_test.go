package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callbridge/internal/call"
	"github.com/MrWong99/callbridge/internal/calllog"
	"github.com/MrWong99/callbridge/internal/calllog/postgres"
	"github.com/MrWong99/callbridge/pkg/audio/codec"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if CALLBRIDGE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CALLBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLBRIDGE_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh store on a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS call_transcripts CASCADE",
		"DROP TABLE IF EXISTS calls CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id, caller string, started time.Time, lines ...call.TranscriptLine) calllog.Record {
	return calllog.Record{
		ID:          id,
		Caller:      caller,
		Codec:       codec.PCMA,
		StartedAt:   started,
		AnsweredAt:  started.Add(time.Second),
		EndedAt:     started.Add(time.Minute),
		Endpoint:    "openai-realtime",
		Stats:       call.Stats{FramesIn: 3000, FramesOut: 2900, BargeIns: 2},
		Transcripts: lines,
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	r := record("call-1", "sip:alice@example.com", now,
		call.TranscriptLine{At: now.Add(2 * time.Second), Speaker: s2s.SpeakerCaller, Text: "When do you open tomorrow?"},
		call.TranscriptLine{At: now.Add(4 * time.Second), Speaker: s2s.SpeakerAssistant, Text: "We open at nine."},
	)
	if err := store.Save(ctx, r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Caller != r.Caller || got.Codec != codec.PCMA || got.Endpoint != r.Endpoint {
		t.Errorf("record = %+v", got)
	}
	if !got.AnsweredAt.Equal(r.AnsweredAt) || !got.EndedAt.Equal(r.EndedAt) {
		t.Errorf("times: answered %v ended %v", got.AnsweredAt, got.EndedAt)
	}
	if got.Stats.FramesIn != 3000 || got.Stats.BargeIns != 2 {
		t.Errorf("stats = %+v", got.Stats)
	}
	if len(got.Transcripts) != 2 || got.Transcripts[1].Speaker != s2s.SpeakerAssistant {
		t.Errorf("transcripts = %+v", got.Transcripts)
	}

	// Saving again replaces the transcripts.
	r.Transcripts = r.Transcripts[:1]
	if err := store.Save(ctx, r); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	got, err = store.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Transcripts) != 1 {
		t.Errorf("transcripts after resave = %d, want 1", len(got.Transcripts))
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, calllog.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestStore_UnansweredCall(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	r := record("call-x", "sip:bob@example.com", time.Now().UTC())
	r.AnsweredAt = time.Time{}
	if err := store.Save(ctx, r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Get(ctx, "call-x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.AnsweredAt.IsZero() || got.Duration() != 0 {
		t.Errorf("answered_at = %v", got.AnsweredAt)
	}
}

func TestStore_Recent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		if err := store.Save(ctx, record(id, "sip:x@example.com", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Errorf("recent = %+v", recent)
	}
	if len(recent[0].Transcripts) != 0 {
		t.Error("Recent should not load transcripts")
	}
}

func TestStore_Search(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.Save(ctx, record("call-1", "sip:alice@example.com", now,
		call.TranscriptLine{At: now, Speaker: s2s.SpeakerCaller, Text: "I want to book a table"},
		call.TranscriptLine{At: now.Add(time.Second), Speaker: s2s.SpeakerAssistant, Text: "For how many people should I book?"},
	)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, record("call-2", "sip:bob@example.com", now.Add(time.Hour),
		call.TranscriptLine{At: now.Add(time.Hour), Speaker: s2s.SpeakerCaller, Text: "Can I book for Friday?"},
	)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tests := []struct {
		name  string
		query string
		opts  calllog.SearchOpts
		want  int
	}{
		{"all calls", "book", calllog.SearchOpts{}, 3},
		{"one caller", "book", calllog.SearchOpts{Caller: "sip:bob@example.com"}, 1},
		{"caller side", "book", calllog.SearchOpts{Speaker: s2s.SpeakerCaller}, 2},
		{"time window", "book", calllog.SearchOpts{After: now.Add(30 * time.Minute)}, 1},
		{"limit", "book", calllog.SearchOpts{Limit: 1}, 1},
		{"no match", "pizza", calllog.SearchOpts{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Search(ctx, tt.query, tt.opts)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("matches = %d, want %d: %+v", len(got), tt.want, got)
			}
		})
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
