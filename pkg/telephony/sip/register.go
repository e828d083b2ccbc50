package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Default registration parameters.
const (
	defaultRegisterExpiry = 300 * time.Second
	defaultBackoff        = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second
)

// registerFunc performs one REGISTER exchange. An expiry of zero removes
// the binding.
type registerFunc func(ctx context.Context, expiry time.Duration) error

// Registrar keeps a SIP registration binding alive.
//
// It registers once at start, refreshes the binding before it expires and,
// after a failure, retries with exponential back-off capped at MaxBackoff.
// On shutdown it removes the binding on a best-effort basis.
type Registrar struct {
	register   registerFunc
	target     string
	expiry     time.Duration
	backoff    time.Duration
	maxBackoff time.Duration
	log        *slog.Logger

	mu         sync.Mutex
	registered bool
	lastErr    error
	attempts   int
}

// RegistrarConfig configures a [Registrar].
type RegistrarConfig struct {
	// Registrar is the registrar address, "host" or "host:port".
	Registrar string

	// User and Password are the account credentials. Password may be empty
	// for registrars that do not challenge.
	User     string
	Password string

	// Contact is where the registrar should route calls for User.
	Contact sipmsg.ContactHeader

	// Expiry is the requested binding lifetime. Defaults to 300s if zero.
	Expiry time.Duration

	// Backoff is the initial retry delay. Doubles each attempt up to
	// MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the retry delay cap. Defaults to 60s if zero.
	MaxBackoff time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewRegistrar returns a Registrar sending REGISTER through client.
func NewRegistrar(client *sipgo.Client, cfg RegistrarConfig) (*Registrar, error) {
	var recipient sipmsg.Uri
	if err := sipmsg.ParseUri(fmt.Sprintf("sip:%s@%s", cfg.User, cfg.Registrar), &recipient); err != nil {
		return nil, fmt.Errorf("sip: parse registrar %q: %w", cfg.Registrar, err)
	}
	reg := newRegistrar(nil, cfg)
	reg.register = func(ctx context.Context, expiry time.Duration) error {
		return doRegister(ctx, client, recipient, cfg, expiry)
	}
	return reg, nil
}

func newRegistrar(fn registerFunc, cfg RegistrarConfig) *Registrar {
	r := &Registrar{
		register:   fn,
		target:     cfg.Registrar,
		expiry:     cfg.Expiry,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		log:        cfg.Logger,
	}
	if r.expiry <= 0 {
		r.expiry = defaultRegisterExpiry
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("registrar", r.target)
	return r
}

// Registered reports whether the last REGISTER succeeded.
func (r *Registrar) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// LastError returns the error of the last failed attempt, or nil.
func (r *Registrar) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Attempts returns the number of REGISTER exchanges made so far.
func (r *Registrar) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Run registers and keeps the binding fresh until ctx is cancelled. It
// always returns nil; failures are logged and retried.
func (r *Registrar) Run(ctx context.Context) error {
	currentBackoff := r.backoff
	for {
		err := r.register(ctx, r.expiry)

		r.mu.Lock()
		r.attempts++
		r.registered = err == nil
		r.lastErr = err
		attempt := r.attempts
		r.mu.Unlock()

		var wait time.Duration
		if err == nil {
			r.log.Info("sip registration refreshed", "expiry", r.expiry)
			currentBackoff = r.backoff
			// Refresh at 80% of the lifetime so the binding never lapses.
			wait = r.expiry * 4 / 5
		} else {
			if ctx.Err() != nil {
				break
			}
			r.log.Warn("sip registration failed",
				"attempt", attempt,
				"backoff", currentBackoff,
				"err", err,
			)
			wait = currentBackoff
			currentBackoff *= 2
			if currentBackoff > r.maxBackoff {
				currentBackoff = r.maxBackoff
			}
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			r.unregister()
			return nil
		case <-t.C:
		}
	}
	r.unregister()
	return nil
}

func (r *Registrar) unregister() {
	r.mu.Lock()
	was := r.registered
	r.registered = false
	r.mu.Unlock()
	if !was {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.register(ctx, 0); err != nil {
		r.log.Debug("sip unregister failed", "err", err)
	}
}

func doRegister(ctx context.Context, client *sipgo.Client, recipient sipmsg.Uri, cfg RegistrarConfig, expiry time.Duration) error {
	req := sipmsg.NewRequest(sipmsg.REGISTER, recipient)

	from := sipmsg.FromHeader{
		Address: recipient,
		Params:  sipmsg.NewParams(),
	}
	from.Params.Add("tag", uuid.NewString()[:8])
	req.AppendHeader(&from)
	req.AppendHeader(&sipmsg.ToHeader{Address: recipient})
	contact := cfg.Contact
	req.AppendHeader(&contact)
	req.AppendHeader(sipmsg.NewHeader("Expires", strconv.Itoa(int(expiry/time.Second))))

	res, err := client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("sip: register: %w", err)
	}
	if (res.StatusCode == 401 || res.StatusCode == 407) && cfg.Password != "" {
		res, err = client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: cfg.User,
			Password: cfg.Password,
		})
		if err != nil {
			return fmt.Errorf("sip: register auth: %w", err)
		}
	}
	if res.StatusCode != statusOK {
		return fmt.Errorf("sip: register: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}
