// Package app wires the callbridge subsystems into a running service.
//
// The App owns the full lifecycle: New builds the telephony server from the
// config, Run accepts calls and serves the HTTP surface, and Shutdown hangs
// up the call in progress and tears everything down in order.
//
// Exactly one call is bridged at a time. Further INVITEs are declined during
// admission: 480 while auto-answer is off, 486 while a call is in progress
// and 503 while every AI endpoint's circuit breaker is open.
//
// For testing, inject a telephony.Server with [WithTelephony]; New then skips
// creating the SIP stack.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/call"
	"github.com/MrWong99/callbridge/internal/calllog"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/internal/status"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/codec"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/provider/vad"
	"github.com/MrWong99/callbridge/pkg/telephony"
	"github.com/MrWong99/callbridge/pkg/telephony/sip"
)

const (
	// maxRecent bounds the finished-call history shown on /status.
	maxRecent = 10

	saveTimeout = 5 * time.Second
)

// Rejection reasons used in counters and logs.
const (
	reasonUnavailable = "unavailable"
	reasonBusy        = "busy"
	reasonOverloaded  = "overloaded"
	reasonUnsupported = "unsupported"
)

// Providers holds the provider instances built by main via the config
// registry.
type Providers struct {
	// S2S is the AI endpoint, typically a *resilience.S2SFallback.
	S2S s2s.Provider

	// S2SName labels provider metrics.
	S2SName string

	// VAD enables local caller speech detection. Nil relies on the
	// endpoint's own voice-activity events.
	VAD vad.Engine
}

// breakers is implemented by endpoints that sit behind circuit breakers.
type breakers interface {
	Available() bool
	Breakers() []resilience.Snapshot
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	tel       telephony.Server
	sip       *sip.Server
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics
	health    *health.Handler
	callLog   calllog.Store
	startedAt time.Time

	mu       sync.Mutex
	cfg      *config.Config
	watcher  *config.Watcher
	current  *call.Session
	recent   []call.Info
	endpoint string
	answered uint64
	rejected map[string]uint64

	sessions sync.WaitGroup

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithTelephony injects a call source instead of creating a SIP server.
func WithTelephony(s telephony.Server) Option {
	return func(a *App) { a.tel = s }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets hot reload adjust the level of the handler behind the
// logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithCallLog persists every finished call to store.
func WithCallLog(store calllog.Store) Option {
	return func(a *App) { a.callLog = store }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App from cfg and the providers built by main.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: an AI endpoint is required")
	}
	a := &App{
		providers: providers,
		cfg:       cfg,
		log:       slog.Default(),
		startedAt: time.Now(),
		rejected:  make(map[string]uint64),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level != nil {
		a.level.Set(cfg.Server.LogLevel.Level())
	}

	if a.tel == nil {
		srv, err := a.newSIPServer(cfg.SIP)
		if err != nil {
			return nil, fmt.Errorf("app: init sip: %w", err)
		}
		a.sip = srv
		a.tel = srv
		a.closers = append(a.closers, srv.Close)
	}

	if fb, ok := providers.S2S.(*resilience.S2SFallback); ok {
		prev := fb.OnConnect
		fb.OnConnect = func(name string) {
			if prev != nil {
				prev(name)
			}
			a.mu.Lock()
			a.endpoint = name
			a.mu.Unlock()
		}
	}

	a.health = health.New(
		health.Checker{Name: "sip", Check: a.checkSIP},
		health.Checker{Name: "ai_endpoint", Check: a.checkEndpoint},
	)
	if a.callLog != nil {
		a.health.Add(health.Checker{Name: "call_log", Check: a.callLog.Ping})
	}
	return a, nil
}

func (a *App) newSIPServer(cfg config.SIPConfig) (*sip.Server, error) {
	codecs := make([]codec.ID, 0, len(cfg.Codecs))
	for _, name := range cfg.Codecs {
		id, err := codec.Parse(name)
		if err != nil {
			return nil, err
		}
		codecs = append(codecs, id)
	}
	return sip.NewServer(sip.Config{
		ListenAddr:     cfg.ListenAddr,
		PublicIP:       cfg.PublicIP,
		RTPPortMin:     cfg.RTPPortMin,
		RTPPortMax:     cfg.RTPPortMax,
		Codecs:         codecs,
		User:           cfg.User,
		Password:       cfg.Password,
		Registrar:      cfg.Registrar,
		RegisterExpiry: cfg.RegisterExpiry,
	}, sip.WithAdmission(a.Admit), sip.WithLogger(a.log))
}

// Admit decides whether a new call may ring. It is installed as the SIP
// server's admission gate.
func (a *App) Admit(caller string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	switch {
	case !a.cfg.SIP.AutoAnswerEnabled():
		err = telephony.ErrUnavailable
	case a.current != nil || a.sipActive() > 0:
		err = telephony.ErrBusy
	case !a.endpointAvailable():
		err = telephony.ErrOverloaded
	default:
		return nil
	}
	a.recordRejectLocked(rejectReason(err))
	a.log.Info("call declined", "caller", caller, "err", err)
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, telephony.ErrUnavailable):
		return reasonUnavailable
	case errors.Is(err, telephony.ErrBusy):
		return reasonBusy
	case errors.Is(err, telephony.ErrOverloaded):
		return reasonOverloaded
	}
	return reasonUnsupported
}

// recordRejectLocked must be called with a.mu held.
func (a *App) recordRejectLocked(reason string) {
	a.rejected[reason]++
	a.metrics.RecordCall(context.Background(), "rejected")
}

func (a *App) sipActive() int {
	if a.sip == nil {
		return 0
	}
	return a.sip.ActiveCalls()
}

func (a *App) endpointAvailable() bool {
	if b, ok := a.providers.S2S.(breakers); ok {
		return b.Available()
	}
	return true
}

// Run accepts calls until ctx is cancelled or the telephony server stops
// delivering them. It also serves the HTTP surface when
// server.listen_addr is set. Run waits for the call in progress to end
// before returning.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.sip != nil {
		g.Go(func() error { return a.sip.ListenAndServe(gctx) })
	}
	if addr := a.config().Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("http server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		a.accept(gctx)
		return nil
	})

	a.log.Info("app running", "endpoint", a.providers.S2SName)
	err := g.Wait()
	a.sessions.Wait()
	return err
}

func (a *App) accept(ctx context.Context) {
	calls := a.tel.Calls()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-calls:
			if !ok {
				return
			}
			a.handleCall(ctx, c)
		}
	}
}

// handleCall starts a session for c, or hangs up when another call won the
// race past admission.
func (a *App) handleCall(ctx context.Context, c telephony.Call) {
	log := a.log.With("call_id", c.ID(), "caller", c.Caller())

	a.mu.Lock()
	cfg := a.cfg
	if a.current != nil {
		a.recordRejectLocked(reasonBusy)
		a.mu.Unlock()
		log.Info("call declined", "err", telephony.ErrBusy)
		a.hangup(ctx, c, log)
		return
	}

	opts := []call.Option{
		call.WithLogger(a.log),
		call.WithMetrics(a.metrics),
		call.WithProviderName(a.providers.S2SName),
	}
	if a.providers.VAD != nil {
		opts = append(opts, call.WithVAD(a.providers.VAD, vad.Config{
			SpeechThreshold: config.OptFloat(cfg.Providers.VAD.Options, "speech_threshold", 0),
		}))
	}
	sess, err := call.New(c, a.providers.S2S, callConfig(cfg), opts...)
	if err != nil {
		a.recordRejectLocked(reasonUnsupported)
		a.mu.Unlock()
		log.Warn("cannot bridge call", "err", err)
		a.hangup(ctx, c, log)
		return
	}
	a.current = sess
	a.endpoint = ""
	a.mu.Unlock()

	a.sessions.Add(1)
	go func() {
		defer a.sessions.Done()
		if err := sess.Run(ctx); err != nil {
			log.Warn("call ended with error", "err", err)
		}
		rec := a.finish(sess)
		a.persist(ctx, rec, log)
	}()
}

func (a *App) hangup(ctx context.Context, c telephony.Call, log *slog.Logger) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.Hangup(hctx); err != nil && !errors.Is(err, telephony.ErrCallClosed) {
		log.Warn("hangup failed", "err", err)
	}
}

// finish retires sess and returns its call log record.
func (a *App) finish(sess *call.Session) calllog.Record {
	info := sess.Info()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == sess {
		a.current = nil
	}
	endpoint := a.endpoint
	if !info.AnsweredAt.IsZero() {
		a.answered++
	}
	a.recent = append([]call.Info{info}, a.recent...)
	if len(a.recent) > maxRecent {
		a.recent = a.recent[:maxRecent]
	}
	return calllog.FromInfo(info, endpoint, time.Now())
}

func (a *App) persist(ctx context.Context, rec calllog.Record, log *slog.Logger) {
	if a.callLog == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := a.callLog.Save(sctx, rec); err != nil {
		log.Warn("call log: save failed", "err", err)
	}
}

// callConfig builds the per-call settings from the current config.
func callConfig(cfg *config.Config) call.Config {
	return call.Config{
		FrameDuration:     cfg.Audio.FrameDuration(),
		RelayCapacity:     cfg.Audio.RelayCapacity,
		KeepaliveInterval: cfg.Audio.KeepaliveInterval,
		InterruptTimeout:  cfg.Audio.InterruptTimeout,
		EventBuffer:       cfg.Audio.EventBuffer,
		AnswerDelay:       cfg.SIP.AnswerDelay,
		Greeting:          cfg.Providers.S2S.Greeting(),
		Session:           cfg.Providers.S2S.SessionConfig(),
	}
}

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ApplyConfig applies the hot-reloadable parts of a changed config file.
// Session options, the answer policy and the log level take effect for the
// next call; everything else is logged as needing a restart. It is the
// config watcher's change callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	a.mu.Lock()
	next := *a.cfg
	next.Server.LogLevel = new.Server.LogLevel
	next.SIP.AutoAnswer = new.SIP.AutoAnswer
	next.SIP.AnswerDelay = new.SIP.AnswerDelay
	next.Providers.S2S.Options = new.Providers.S2S.Options
	a.cfg = &next
	a.mu.Unlock()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.log.Info("config reload: session options changed", "options", d.ChangedOptions)
	}
	if d.AutoAnswerChanged {
		a.log.Info("config reload: auto-answer changed", "enabled", next.SIP.AutoAnswerEnabled())
	}
	if d.AnswerDelayChanged {
		a.log.Info("config reload: answer delay changed", "delay", next.SIP.AnswerDelay)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config reload: changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// AttachWatcher reports w's reload history on /status. Pass the watcher
// whose change callback is [App.ApplyConfig].
func (a *App) AttachWatcher(w *config.Watcher) {
	a.mu.Lock()
	a.watcher = w
	a.mu.Unlock()
}

// Handler returns the HTTP surface: health checks, /status, /tap and
// /metrics, wrapped in the request metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	status.New(a, status.WithLogger(a.log)).Register(mux)
	if a.callLog != nil {
		status.NewHistory(a.callLog, a.log).Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Health returns the readiness handler so callers can add checks.
func (a *App) Health() *health.Handler { return a.health }

func (a *App) checkSIP(context.Context) error {
	if a.sip == nil {
		return nil
	}
	r := a.sip.Registrar()
	if r == nil || r.Registered() {
		return nil
	}
	if err := r.LastError(); err != nil {
		return fmt.Errorf("not registered: %w", err)
	}
	return errors.New("not registered yet")
}

func (a *App) checkEndpoint(context.Context) error {
	if !a.endpointAvailable() {
		return errors.New("all AI endpoint circuit breakers are open")
	}
	return nil
}

// Status implements status.Source.
func (a *App) Status() status.Report {
	a.mu.Lock()
	cfg, cur, w := a.cfg, a.current, a.watcher
	rep := status.Report{
		Service:       cfg.Telemetry.ServiceName,
		StartedAt:     a.startedAt,
		UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
		Accepting:     cfg.SIP.AutoAnswerEnabled() && a.endpointAvailable(),
		SIP: status.SIPReport{
			ListenAddr: cfg.SIP.ListenAddr,
			Registrar:  cfg.SIP.Registrar,
		},
		Calls:  status.CallsReport{Answered: a.answered, Rejected: make(map[string]uint64, len(a.rejected))},
		Recent: append([]call.Info(nil), a.recent...),
	}
	for k, v := range a.rejected {
		rep.Calls.Rejected[k] = v
	}
	a.mu.Unlock()

	if cur != nil {
		info := cur.Info()
		rep.Current = &info
	}
	if a.sip != nil {
		if r := a.sip.Registrar(); r != nil {
			rep.SIP.Registered = r.Registered()
		}
	}
	if b, ok := a.providers.S2S.(breakers); ok {
		rep.Endpoints = b.Breakers()
	}
	if w != nil {
		st := w.Stats()
		rep.Config = &status.ConfigReport{Path: st.Path, Reloads: st.Reloads, LastReload: st.LastReload}
		if st.LastError != nil {
			rep.Config.Error = st.LastError.Error()
		}
	}
	return rep
}

// CurrentTap implements status.Source.
func (a *App) CurrentTap() (*audio.Tap, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil, "", false
	}
	return a.current.Tap(), a.current.ID(), true
}

// Shutdown hangs up the call in progress and runs the closers in order. It
// respects the context deadline: if ctx expires, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.mu.Lock()
		cur := a.current
		a.mu.Unlock()
		if cur != nil {
			if err := cur.Hangup(ctx); err != nil {
				a.log.Warn("hangup on shutdown", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
