package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec, body
}

func ok(context.Context) error { return nil }

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("down") }})

	rec, body := serve(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "sip", Check: ok},
				{Name: "ai_endpoint", Check: ok},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"sip": "ok", "ai_endpoint": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "sip", Check: ok},
				{Name: "ai_endpoint", Check: func(context.Context) error { return errors.New("circuit open") }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"sip": "ok", "ai_endpoint": "fail"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, body := serve(t, New(tt.checkers...), "/readyz")
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name].Status; got != want {
					t.Errorf("checks[%q] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_ReportsError(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "ai_endpoint", Check: func(context.Context) error { return errors.New("circuit open") }})
	_, body := serve(t, h, "/readyz")
	if got := body.Checks["ai_endpoint"].Error; got != "circuit open" {
		t.Errorf("error = %q, want %q", got, "circuit open")
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(
		Checker{Name: "a", Check: slow},
		Checker{Name: "b", Check: slow},
		Checker{Name: "c", Check: slow},
	)
	start := time.Now()
	rec, _ := serve(t, h, "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("three 200ms checks took %v; they should run in parallel", elapsed)
	}
}

func TestReadyz_CheckSeesDeadline(t *testing.T) {
	t.Parallel()
	var deadline time.Time
	h := New(Checker{Name: "d", Check: func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		return nil
	}})
	serve(t, h, "/readyz")
	if deadline.IsZero() {
		t.Fatal("checker context has no deadline")
	}
	if until := time.Until(deadline); until > checkTimeout {
		t.Errorf("deadline %v away, want at most %v", until, checkTimeout)
	}
}

func TestAdd_JoinsReadiness(t *testing.T) {
	t.Parallel()
	h := New()
	h.Add(Checker{Name: "late", Check: func(context.Context) error { return errors.New("not yet") }})

	rec, body := serve(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
	if body.Checks["late"].Status != "fail" {
		t.Errorf("late check = %+v", body.Checks["late"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New().Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("code = %d, want 405", rec.Code)
	}
}
