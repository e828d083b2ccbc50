package status

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/callbridge/internal/calllog"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// History serves the persistent call log:
//
//   - GET /calls?limit=N: recent calls, newest first, without transcripts.
//   - GET /calls/{id}: one call with its transcripts.
//   - GET /calls/search?q=...: transcript lines matching a full-text query,
//     optionally narrowed by caller, speaker, after, before (RFC 3339) and
//     limit.
type History struct {
	store calllog.Store
	log   *slog.Logger
}

// NewHistory returns a handler reading from store.
func NewHistory(store calllog.Store, log *slog.Logger) *History {
	if log == nil {
		log = slog.Default()
	}
	return &History{store: store, log: log}
}

// Register adds the routes to mux.
func (h *History) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /calls", h.list)
	mux.HandleFunc("GET /calls/search", h.search)
	mux.HandleFunc("GET /calls/{id}", h.get)
}

func (h *History) list(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := h.store.Recent(r.Context(), limit)
	if err != nil {
		h.fail(w, "recent", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *History) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, calllog.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		h.fail(w, "get", err)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (h *History) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing q parameter"))
		return
	}
	opts := calllog.SearchOpts{
		Caller:  q.Get("caller"),
		Speaker: s2s.Speaker(q.Get("speaker")),
	}
	var err error
	if opts.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if opts.After, err = timeParam(r, "after"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if opts.Before, err = timeParam(r, "before"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	matches, err := h.store.Search(r.Context(), query, opts)
	if err != nil {
		h.fail(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (h *History) fail(w http.ResponseWriter, op string, err error) {
	h.log.Warn("status: call log query failed", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, errors.New("call log unavailable"))
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New(name + " must be an RFC 3339 timestamp")
	}
	return t, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
