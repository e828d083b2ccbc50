// Package call bridges one telephone call to one AI endpoint session.
//
// A [Session] owns the call's lifecycle (Idle, Ringing, Active, Interrupted,
// Terminating, Closed) and its media pipelines:
//
//	caller → decode → tap/VAD → upsample → AI endpoint
//	AI endpoint → downsample → framer → relay → encode → caller
//
// Three workers run while the call is active. The inbound worker forwards
// caller audio, the outbound pump writes exactly one frame per frame interval
// and the receive worker converts endpoint events. Everything that touches the
// turn state goes through a single dispatch loop, so events from the telephony
// leg, the endpoint and the local VAD are applied in arrival order.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/keepalive"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/turn"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/codec"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/provider/vad"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultFrameDuration = 20 * time.Millisecond
	DefaultEventBuffer   = 64
	hangupTimeout        = 2 * time.Second
)

var (
	// errPeerHangup: the telephony leg already ended the call.
	errPeerHangup = errors.New("call: telephony leg hung up")

	// errHangupRequested: Session.Hangup was called.
	errHangupRequested = errors.New("call: hangup requested")

	errAlreadyRun = errors.New("call: session already run")
)

// Config holds per-call settings.
type Config struct {
	// FrameDuration is the outbound frame interval. Zero uses the telephony
	// leg's negotiated packet time, falling back to [DefaultFrameDuration].
	FrameDuration time.Duration

	// RelayCapacity bounds buffered assistant audio in frames. Zero uses
	// [audio.DefaultRelayCapacity].
	RelayCapacity int

	// KeepaliveInterval is how long the outbound path may stay silent before
	// a keepalive frame is forced. Zero uses [keepalive.DefaultInterval].
	KeepaliveInterval time.Duration

	// InterruptTimeout bounds how long a barge-in waits for the endpoint to
	// confirm cancellation. Zero uses [turn.DefaultInterruptTimeout].
	InterruptTimeout time.Duration

	// EventBuffer sizes the per-source event channels feeding the dispatch
	// loop.
	EventBuffer int

	// AnswerDelay holds the call in Ringing before answering.
	AnswerDelay time.Duration

	// Greeting makes the assistant speak first once the call is answered.
	Greeting bool

	// Session is passed to the AI provider's Connect.
	Session s2s.SessionConfig
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the base logger; call attributes are added to it.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithVAD enables local caller voice-activity detection, which barges in
// without waiting for the endpoint's own detector.
func WithVAD(e vad.Engine, cfg vad.Config) Option {
	return func(s *Session) {
		s.vadEngine = e
		s.vadCfg = cfg
	}
}

// WithProviderName labels provider metrics and logs.
func WithProviderName(name string) Option {
	return func(s *Session) { s.providerName = name }
}

// Session is the orchestrator for one call. Create it with [New], drive it
// with [Session.Run]. The read-only accessors are safe to call at any time
// from any goroutine.
type Session struct {
	id           string
	tel          telephony.Call
	ai           s2s.Provider
	cfg          Config
	log          *slog.Logger
	metrics      *observe.Metrics
	providerName string
	vadEngine    vad.Engine
	vadCfg       vad.Config

	transcoder codec.Transcoder
	up, down   *audio.Converter
	framer     *audio.Framer
	relay      *audio.Relay
	tap        *audio.Tap
	silence    []int16
	keepFrame  []byte

	startedAt   time.Time
	transcripts transcriptLog

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	ran      atomic.Bool

	mu         sync.Mutex
	state      State
	arbiter    *turn.Arbiter
	answeredAt time.Time

	framesIn     atomic.Uint64
	framesOut    atomic.Uint64
	silenceOut   atomic.Uint64
	decodeErrors atomic.Uint64
	staleDropped atomic.Uint64
	keepalives   atomic.Uint64
}

// New prepares a session for tel bridged to ai. It fails with
// *codec.UnsupportedCodecError or *audio.InvalidRateError when the two legs
// cannot be converted into each other.
func New(tel telephony.Call, ai s2s.Provider, cfg Config, opts ...Option) (*Session, error) {
	if tel == nil || ai == nil {
		return nil, errors.New("call: telephony call and AI provider are required")
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = tel.FrameDuration()
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = keepalive.DefaultInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}

	tc, err := codec.New(tel.Codec())
	if err != nil {
		return nil, fmt.Errorf("call: %w", err)
	}
	caps := ai.Capabilities()
	up, err := audio.NewConverter(codec.ClockRate, caps.InputSampleRate)
	if err != nil {
		return nil, fmt.Errorf("call: caller audio: %w", err)
	}
	down, err := audio.NewConverter(caps.OutputSampleRate, codec.ClockRate)
	if err != nil {
		return nil, fmt.Errorf("call: assistant audio: %w", err)
	}

	frameSamples := audio.SamplesPerFrame(codec.ClockRate, cfg.FrameDuration)
	if frameSamples == 0 {
		return nil, fmt.Errorf("call: frame duration %s too short", cfg.FrameDuration)
	}
	silence := audio.SilenceFrame(codec.ClockRate, cfg.FrameDuration, tc.SilenceSample())

	s := &Session{
		id:         uuid.NewString(),
		tel:        tel,
		ai:         ai,
		cfg:        cfg,
		log:        slog.Default(),
		transcoder: tc,
		up:         up,
		down:       down,
		framer:     audio.NewFramer(codec.ClockRate, cfg.FrameDuration, tc.SilenceSample()),
		relay:      audio.NewRelay(cfg.RelayCapacity, silence),
		tap:        audio.NewTap(),
		silence:    silence.Samples,
		keepFrame:  tc.SilencePayload(frameSamples),
		startedAt:  time.Now(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.vadEngine != nil {
		if s.vadCfg.SampleRate == 0 {
			s.vadCfg.SampleRate = codec.ClockRate
		}
		if s.vadCfg.FrameSizeMs == 0 {
			s.vadCfg.FrameSizeMs = int(cfg.FrameDuration / time.Millisecond)
		}
	}
	s.log = s.log.With(
		"session_id", s.id,
		"call_id", tel.ID(),
		"caller", tel.Caller(),
		"codec", tc.ID().String(),
	)
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current call state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TurnState returns the turn arbiter's state; Listening before the call is
// answered.
func (s *Session) TurnState() turn.State {
	s.mu.Lock()
	a := s.arbiter
	s.mu.Unlock()
	if a == nil {
		return turn.Listening
	}
	return a.State()
}

// Tap returns the tap carrying decoded caller audio (PCM16, 8 kHz). It is
// closed when the session reaches Closed.
func (s *Session) Tap() *audio.Tap { return s.tap }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a snapshot for status reporting.
func (s *Session) Info() Info {
	s.mu.Lock()
	state, arb, answeredAt := s.state, s.arbiter, s.answeredAt
	s.mu.Unlock()

	st := Stats{
		FramesIn:       s.framesIn.Load(),
		FramesOut:      s.framesOut.Load(),
		SilenceOut:     s.silenceOut.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		StaleDropped:   s.staleDropped.Load(),
		KeepalivesSent: s.keepalives.Load(),
		Relay:          s.relay.Stats(),
	}
	if arb != nil {
		st.BargeIns, st.FailOpens = arb.Stats()
	}
	return Info{
		ID:          s.id,
		Caller:      s.tel.Caller(),
		Codec:       s.transcoder.ID(),
		State:       state,
		TurnState:   turnName(arb),
		StartedAt:   s.startedAt,
		AnsweredAt:  answeredAt,
		Stats:       st,
		Transcripts: s.transcripts.snapshot(),
	}
}

// Hangup asks the session to end the call and waits until Run has returned
// or ctx expires. It is safe to call more than once and before Run.
func (s *Session) Hangup(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if !s.ran.Load() {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the call from Ringing to Closed. It returns nil when either
// party hung up or ctx was cancelled, and the cause otherwise: a
// *TransportClosedError when a leg died, or the error that prevented the
// call from being answered. Run may be called only once.
func (s *Session) Run(ctx context.Context) error {
	if !s.ran.CompareAndSwap(false, true) {
		return errAlreadyRun
	}
	defer close(s.done)
	defer s.tap.Close()

	ctx, span := observe.StartSpan(ctx, "call.session",
		trace.WithAttributes(
			attribute.String("call.id", s.tel.ID()),
			attribute.String("call.codec", s.transcoder.ID().String()),
		),
	)
	defer span.End()
	s.log = observe.WithTrace(ctx, s.log)
	s.log.Info("call: incoming")

	handle, answered, err := s.establish(ctx)
	if err != nil {
		s.abandon(ctx, handle, err)
		return s.result(ctx, span, err, answered)
	}

	err = s.bridge(ctx, handle)
	return s.result(ctx, span, err, true)
}

// establish waits for the call to ring, opens the AI session and answers.
func (s *Session) establish(ctx context.Context) (s2s.SessionHandle, bool, error) {
	if err := s.awaitRinging(ctx); err != nil {
		return nil, false, err
	}

	start := time.Now()
	h, err := s.ai.Connect(ctx, s.cfg.Session)
	s.metrics.AIConnectDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", s.providerName)))
	if err != nil {
		s.metrics.RecordProviderError(ctx, s.providerName, "connect")
		return nil, false, fmt.Errorf("call: connect AI endpoint: %w", err)
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, "connect", "ok")

	if err := s.awaitAnswerDelay(ctx); err != nil {
		return h, false, err
	}
	if err := s.tel.Answer(ctx); err != nil {
		if errors.Is(err, telephony.ErrCallClosed) {
			return h, false, errPeerHangup
		}
		return h, false, fmt.Errorf("call: answer: %w", err)
	}
	return h, true, nil
}

func (s *Session) awaitRinging(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return errHangupRequested
		case evt, ok := <-s.tel.Events():
			if !ok {
				return errPeerHangup
			}
			switch evt.Type {
			case telephony.EventRinging, telephony.EventAccepted:
				s.setState(Ringing)
				return nil
			case telephony.EventHangup:
				return errPeerHangup
			}
		}
	}
}

func (s *Session) awaitAnswerDelay(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.AnswerDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return errHangupRequested
		case evt, ok := <-s.tel.Events():
			if !ok || evt.Type == telephony.EventHangup {
				return errPeerHangup
			}
		case <-timer.C:
			return nil
		}
	}
}

// abandon releases whatever establish acquired before failing.
func (s *Session) abandon(ctx context.Context, h s2s.SessionHandle, cause error) {
	s.setState(Terminating)
	if h != nil {
		if err := h.Close(); err != nil {
			s.log.Warn("call: close AI session", "err", err)
		}
		// Nobody reads the events of an unanswered call.
		go audio.Drain(h.Events())
	}
	if !errors.Is(cause, errPeerHangup) {
		s.hangupTelephony(ctx)
	}
}

// bridge runs the answered call until a hangup or transport failure and
// tears it down. It returns the termination cause.
func (s *Session) bridge(ctx context.Context, h s2s.SessionHandle) error {
	arb := turn.New(h,
		turn.WithFlusher(s.flush),
		turn.WithPlayback(s.playing),
		turn.WithInterruptTimeout(s.cfg.InterruptTimeout),
		turn.WithLogger(s.log),
		turn.WithTransitionHook(s.onTurn),
	)
	keep := keepalive.New(s.cfg.KeepaliveInterval, s.sendKeepalive,
		keepalive.WithLogger(s.log),
		keepalive.WithName("telephony"),
	)

	var vs vad.SessionHandle
	if s.vadEngine != nil {
		var err error
		if vs, err = s.vadEngine.NewSession(s.vadCfg); err != nil {
			s.log.Warn("call: local VAD disabled", "err", err)
			vs = nil
		}
	}

	s.mu.Lock()
	s.arbiter = arb
	s.answeredAt = time.Now()
	s.mu.Unlock()
	s.setState(Active)
	s.log.Info("call: answered")

	bg := context.WithoutCancel(ctx)
	s.metrics.ActiveCalls.Add(bg, 1)
	defer s.metrics.ActiveCalls.Add(bg, -1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	src := newSources(s.cfg.EventBuffer)

	keep.Start(gctx)
	g.Go(func() error { return s.inbound(gctx, h, vs, src) })
	g.Go(func() error { return s.pump(gctx, keep) })
	g.Go(func() error { return s.receive(gctx, h, src) })

	if s.cfg.Greeting {
		if err := arb.RequestResponse(); err != nil {
			s.log.Warn("call: greeting request failed", "err", err)
		}
	}

	cause := s.dispatch(gctx, arb, src)

	// The turn ends with the Active state. Outbound frames stop next; the
	// endpoint session closes before the telephony leg so nothing is
	// written into a dead socket.
	s.setState(Terminating)
	arb.Reset()
	keep.Stop()
	cancel()
	// The pump is stopping, so the flushed tail is never played.
	for {
		if _, ok := s.framer.Flush(); !ok {
			break
		}
	}
	if err := h.Close(); err != nil {
		s.log.Warn("call: close AI session", "err", err)
	}
	if err := g.Wait(); err != nil {
		cause = err
	}
	if vs != nil {
		if err := vs.Close(); err != nil {
			s.log.Warn("call: close local VAD", "err", err)
		}
	}
	if !errors.Is(cause, errPeerHangup) {
		s.hangupTelephony(ctx)
	}
	s.relay.Clear()

	s.metrics.CallDuration.Record(bg, time.Since(s.answeredAtTime()).Seconds())
	return cause
}

// result logs the outcome, records metrics, moves to Closed and maps cause
// to Run's return value.
func (s *Session) result(ctx context.Context, span trace.Span, cause error, answered bool) error {
	s.setState(Closed)
	bg := context.WithoutCancel(ctx)

	clean := cause == nil ||
		errors.Is(cause, errPeerHangup) ||
		errors.Is(cause, errHangupRequested) ||
		(errors.Is(cause, context.Canceled) && ctx.Err() != nil)

	switch {
	case clean && answered:
		s.metrics.RecordCall(bg, "completed")
	case clean:
		s.metrics.RecordCall(bg, "abandoned")
	default:
		s.metrics.RecordCall(bg, "failed")
	}

	if clean {
		s.log.Info("call: closed", "reason", reason(cause))
		return nil
	}
	span.RecordError(cause)
	s.log.Warn("call: closed with error", "err", cause)
	return cause
}

func reason(cause error) string {
	switch {
	case errors.Is(cause, errPeerHangup):
		return "peer_hangup"
	case errors.Is(cause, errHangupRequested):
		return "local_hangup"
	case errors.Is(cause, context.Canceled):
		return "shutdown"
	default:
		return "ended"
	}
}

func (s *Session) hangupTelephony(ctx context.Context) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hangupTimeout)
	defer cancel()
	if err := s.tel.Hangup(hctx); err != nil && !errors.Is(err, telephony.ErrCallClosed) {
		s.log.Warn("call: telephony hangup failed", "err", err)
	}
}

func (s *Session) answeredAtTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answeredAt
}

// setState moves to next. Closed is final.
func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next || prev == Closed {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.log.Debug("call: state", "from", prev.String(), "to", next.String())
}

// onTurn mirrors the arbiter's interrupted turn into the Interrupted
// sub-state while the call is up.
func (s *Session) onTurn(t turn.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case t.To == turn.AssistantSpeakingInterrupted && s.state == Active:
		s.state = Interrupted
	case t.From == turn.AssistantSpeakingInterrupted && s.state == Interrupted:
		s.state = Active
	}
}

// flush discards assistant audio that has not been played yet.
func (s *Session) flush() int {
	return s.relay.Clear() + s.framer.Clear()
}

// playing reports whether assistant audio is still queued for the caller.
func (s *Session) playing() bool {
	return s.relay.Len() > 0 || s.framer.Buffered() > 0
}

func (s *Session) sendKeepalive() error {
	if err := s.tel.Write(s.keepFrame); err != nil {
		return err
	}
	s.keepalives.Add(1)
	return nil
}
