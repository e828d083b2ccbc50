package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio/codec"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

// SIP status codes used by the user agent. Kept untyped so they convert to
// whatever integer type the stack's responders take.
const (
	statusTrying             = 100
	statusRinging            = 180
	statusOK                 = 200
	statusTemporarilyUnavail = 480
	statusNotAcceptableHere  = 488
	statusServerError        = 500
)

// signaling is the per-dialog subset of the SIP stack a call drives. It is
// only ever used from the call's home goroutine.
type signaling interface {
	ringing() error
	accept(sdp []byte) error
	reject(code int, reason string) error
	bye(ctx context.Context) error

	// ended fires when the remote side terminates the dialog (BYE or CANCEL)
	// or the transaction dies.
	ended() <-chan struct{}
}

type command struct {
	run   func(ctx context.Context) error
	ctx   context.Context
	reply chan error
}

// Call is an inbound SIP call. It implements telephony.Call.
//
// Answer and Hangup are marshalled onto the goroutine that the SIP stack
// invoked the INVITE handler on. Write goes straight to the RTP sender queue.
type Call struct {
	id       string
	caller   string
	codecID  codec.ID
	interval time.Duration
	answer   []byte
	log      *slog.Logger

	sig    signaling
	media  *mediaStream
	events chan telephony.Event
	cmds   chan command
	done   chan struct{}

	mu       sync.Mutex
	answered bool
	finished bool
}

var _ telephony.Call = (*Call)(nil)

func newCall(id, caller string, chosen codec.ID, interval time.Duration, answer []byte, sig signaling, media *mediaStream, log *slog.Logger) *Call {
	return &Call{
		id:       id,
		caller:   caller,
		codecID:  chosen,
		interval: interval,
		answer:   answer,
		log:      log,
		sig:      sig,
		media:    media,
		events:   make(chan telephony.Event, 8),
		cmds:     make(chan command),
		done:     make(chan struct{}),
	}
}

func (c *Call) ID() string                     { return c.id }
func (c *Call) Caller() string                 { return c.caller }
func (c *Call) Codec() codec.ID                { return c.codecID }
func (c *Call) FrameDuration() time.Duration   { return c.interval }
func (c *Call) Audio() <-chan []byte           { return c.media.Audio() }
func (c *Call) Events() <-chan telephony.Event { return c.events }

// Stats returns RTP packet counters for the call.
func (c *Call) Stats() MediaStats { return c.media.Stats() }

// Write queues one encoded frame for the RTP sender.
func (c *Call) Write(payload []byte) error { return c.media.Write(payload) }

// Answer sends 200 OK with the negotiated SDP.
func (c *Call) Answer(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if c.answered {
			return nil
		}
		if err := c.sig.accept(c.answer); err != nil {
			return fmt.Errorf("sip: answer %s: %w", c.id, err)
		}
		c.mu.Lock()
		c.answered = true
		c.mu.Unlock()
		c.emit(telephony.Event{Type: telephony.EventAccepted})
		return nil
	})
}

// Hangup sends BYE on an answered call and rejects an unanswered one.
func (c *Call) Hangup(ctx context.Context) error {
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		if c.answered {
			err = c.sig.bye(ctx)
		} else {
			err = c.sig.reject(statusTemporarilyUnavail, "Temporarily Unavailable")
		}
		c.finish(false, "local")
		return err
	})
	if errors.Is(err, telephony.ErrCallClosed) {
		return nil
	}
	return err
}

func (c *Call) do(ctx context.Context, fn func(context.Context) error) error {
	cmd := command{run: fn, ctx: ctx, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return telephony.ErrCallClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve is the call's home loop. It runs on the goroutine the SIP stack
// handed the INVITE to and returns once the call has ended.
func (c *Call) serve(ctx context.Context) {
	defer c.media.close()

	if err := c.sig.ringing(); err != nil {
		c.log.Warn("send 180 ringing", "err", err)
	}
	c.emit(telephony.Event{Type: telephony.EventRinging})

	for {
		select {
		case cmd := <-c.cmds:
			cmd.reply <- cmd.run(cmd.ctx)
			if c.isFinished() {
				return
			}
		case <-c.sig.ended():
			c.finish(true, "bye")
			return
		case <-ctx.Done():
			byeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if c.isAnswered() {
				_ = c.sig.bye(byeCtx)
			} else {
				_ = c.sig.reject(statusTemporarilyUnavail, "Temporarily Unavailable")
			}
			cancel()
			c.finish(false, "shutdown")
			return
		}
	}
}

func (c *Call) emit(evt telephony.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	select {
	case c.events <- evt:
	default:
		c.log.Warn("call event dropped", "event", evt.Type.String())
	}
}

// finish emits the hangup event, closes the event channel and stops
// accepting commands. Media is released when serve returns.
func (c *Call) finish(remote bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	c.events <- telephony.Event{Type: telephony.EventHangup, Remote: remote, Reason: reason}
	close(c.events)
	close(c.done)
	c.log.Info("call ended", "remote", remote, "reason", reason)
}

func (c *Call) isFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *Call) isAnswered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}
