// Package status serves the read-only operator surface of the bridge:
//
//   - GET /status: JSON report of the current call (CallState, TurnState,
//     caller, codec, media stats, recent transcripts), the last finished calls
//     and the AI endpoint breakers.
//   - GET /tap: WebSocket stream of the decoded caller audio of the current
//     call (PCM16 little-endian, 8 kHz mono), one binary message per frame,
//     preceded by a JSON text message describing the format.
//
// Nothing in the call path depends on this package; a slow or absent
// observer never affects the audio.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/internal/call"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/codec"
)

// Defaults for [Handler].
const (
	DefaultTapBuffer    = 50
	DefaultWriteTimeout = time.Second
)

// Report is the /status document.
type Report struct {
	Service       string    `json:"service"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`

	// Accepting is false while new calls would be declined (do-not-disturb
	// or every AI endpoint breaker open).
	Accepting bool `json:"accepting"`

	SIP   SIPReport   `json:"sip"`
	Calls CallsReport `json:"calls"`

	// Current is the call in progress, if any.
	Current *call.Info `json:"current,omitempty"`

	// Recent lists finished calls, newest first.
	Recent []call.Info `json:"recent,omitempty"`

	Endpoints []resilience.Snapshot `json:"endpoints,omitempty"`

	// Config is present when the config file is watched for changes.
	Config *ConfigReport `json:"config,omitempty"`
}

// ConfigReport describes hot reloads of the config file.
type ConfigReport struct {
	Path       string    `json:"path"`
	Reloads    int       `json:"reloads"`
	LastReload time.Time `json:"last_reload,omitzero"`

	// Error explains why the latest edit was not applied.
	Error string `json:"error,omitempty"`
}

// SIPReport describes the telephony leg.
type SIPReport struct {
	ListenAddr string `json:"listen_addr"`
	Registrar  string `json:"registrar,omitempty"`
	Registered bool   `json:"registered"`
}

// CallsReport holds lifetime call counters.
type CallsReport struct {
	Answered uint64            `json:"answered"`
	Rejected map[string]uint64 `json:"rejected,omitempty"`
}

// TapInfo is the first message sent on a /tap stream.
type TapInfo struct {
	CallID     string `json:"call_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// Source supplies the data behind the handlers. The application implements
// it.
type Source interface {
	// Status returns a fresh report.
	Status() Report

	// CurrentTap returns the audio tap and ID of the call in progress.
	CurrentTap() (tap *audio.Tap, callID string, ok bool)
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithTapBuffer sets how many frames a slow /tap client may lag behind
// before frames are dropped for it.
func WithTapBuffer(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.tapBuffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin /tap connections from hosts
// matching the given patterns (see websocket.AcceptOptions).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// Handler serves /status and /tap.
type Handler struct {
	src          Source
	log          *slog.Logger
	tapBuffer    int
	writeTimeout time.Duration
	origins      []string
}

// New returns a handler reading from src.
func New(src Source, opts ...Option) *Handler {
	h := &Handler{
		src:          src,
		log:          slog.Default(),
		tapBuffer:    DefaultTapBuffer,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", h.Status)
	mux.HandleFunc("GET /tap", h.Tap)
}

// Status writes the current [Report].
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.src.Status())
}

// Tap upgrades to a WebSocket and streams the current call's caller audio
// until the call ends or the client goes away.
func (h *Handler) Tap(w http.ResponseWriter, r *http.Request) {
	tap, callID, ok := h.src.CurrentTap()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active call"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Debug("status: tap upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	log := h.log.With("call_id", callID, "remote", r.RemoteAddr)
	log.Info("status: tap client connected")

	frames, cancel := tap.Subscribe(h.tapBuffer)
	defer cancel()

	// Incoming messages are ignored; CloseRead cancels ctx when the client
	// closes the connection.
	ctx := conn.CloseRead(r.Context())

	err = h.stream(ctx, conn, callID, frames)
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "call ended")
		log.Info("status: tap stream finished")
	case errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1:
		log.Info("status: tap client disconnected")
	default:
		conn.Close(websocket.StatusInternalError, "write failed")
		log.Warn("status: tap stream failed", "err", err)
	}
}

// stream returns nil once frames is closed.
func (h *Handler) stream(ctx context.Context, conn *websocket.Conn, callID string, frames <-chan audio.AudioFrame) error {
	hdr, err := json.Marshal(TapInfo{
		CallID:     callID,
		SampleRate: codec.ClockRate,
		Channels:   1,
		Encoding:   "pcm_s16le",
	})
	if err != nil {
		return err
	}
	if err := h.write(ctx, conn, websocket.MessageText, hdr); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := h.write(ctx, conn, websocket.MessageBinary, audio.SamplesToBytes(f.Samples)); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, typ, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
