// Package keepalive sends filler traffic on an idle path so that NAT
// bindings and idle-timeout proxies keep it open.
package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is shorter than the common 30 s UDP NAT binding timeout.
const DefaultInterval = 10 * time.Second

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLogger sets the logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithName labels log lines, e.g. "rtp" or "ai".
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// Scheduler calls send once per interval unless real traffic was marked
// with [Scheduler.MarkSent] during that interval. Each tick is independent;
// a failed send is logged and not retried.
type Scheduler struct {
	interval time.Duration
	send     func() error
	log      *slog.Logger
	name     string

	lastSent atomic.Int64
	fired    atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped scheduler. A non-positive interval selects
// [DefaultInterval].
func New(interval time.Duration, send func() error, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		interval: interval,
		send:     send,
		log:      slog.Default(),
		name:     "media",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins ticking until ctx is cancelled or Stop is called. Starting a
// running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.MarkSent()
	go s.loop(ctx, s.done)
}

// Stop halts the scheduler and waits for its goroutine to exit. It is safe
// to call more than once and on a scheduler that never started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// MarkSent records that real traffic just went out on the path.
func (s *Scheduler) MarkSent() {
	s.lastSent.Store(time.Now().UnixNano())
}

// Fired returns how many filler sends were attempted.
func (s *Scheduler) Fired() uint64 { return s.fired.Load() }

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	last := time.Unix(0, s.lastSent.Load())
	if now.Sub(last) < s.interval {
		return
	}
	s.fired.Add(1)
	if err := s.send(); err != nil {
		s.log.Warn("keepalive: send failed", "path", s.name, "err", err)
		return
	}
	s.log.Debug("keepalive: sent", "path", s.name)
}
