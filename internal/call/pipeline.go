package call

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/callbridge/internal/keepalive"
	"github.com/MrWong99/callbridge/internal/turn"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/codec"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/provider/vad"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

// aiEvent is an endpoint event after resampling. closed marks the end of the
// endpoint's stream.
type aiEvent struct {
	evt     s2s.Event
	samples []int16
	closed  bool
	err     error
}

// sources are the bounded channels feeding the dispatch loop. The telephony
// leg's own event channel is consumed directly.
type sources struct {
	ai        chan aiEvent
	vad       chan vad.EventType
	mediaDone chan struct{}
}

func newSources(buffer int) *sources {
	return &sources{
		ai:        make(chan aiEvent, buffer),
		vad:       make(chan vad.EventType, buffer),
		mediaDone: make(chan struct{}),
	}
}

// dispatch is the only goroutine that drives the arbiter, the framer and the
// relay's producer side. It returns the reason the call must end.
func (s *Session) dispatch(ctx context.Context, arb *turn.Arbiter, src *sources) error {
	tick := time.NewTicker(s.cfg.FrameDuration)
	defer tick.Stop()
	telEvents := s.tel.Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return errHangupRequested
		case now := <-tick.C:
			arb.Tick(now)
		case evt, ok := <-telEvents:
			if !ok {
				return errPeerHangup
			}
			if evt.Type == telephony.EventHangup {
				s.log.Info("call: telephony hangup", "remote", evt.Remote, "reason", evt.Reason)
				return errPeerHangup
			}
			s.log.Debug("call: telephony event", "type", evt.Type.String())
		case <-src.mediaDone:
			return mediaClosed(telEvents)
		case e := <-src.ai:
			if e.closed {
				return &TransportClosedError{Leg: LegAI, Err: e.err}
			}
			s.handleAI(ctx, arb, e)
		case t := <-src.vad:
			switch t {
			case vad.SpeechStart:
				s.bargeIn(ctx, arb)
			case vad.SpeechEnd:
				arb.CallerSpeechStopped()
			}
		}
	}
}

// mediaClosed decides between an orderly hangup whose event is still queued
// and a dead media path.
func mediaClosed(events <-chan telephony.Event) error {
	for {
		select {
		case evt, ok := <-events:
			if !ok || evt.Type == telephony.EventHangup {
				return errPeerHangup
			}
		default:
			return &TransportClosedError{Leg: LegTelephony}
		}
	}
}

func (s *Session) handleAI(ctx context.Context, arb *turn.Arbiter, e aiEvent) {
	switch e.evt.Type {
	case s2s.EventAudioDelta:
		if !arb.AcceptAudio() {
			s.staleDropped.Add(1)
			return
		}
		s.framer.Push(e.samples)
		for {
			f, ok := s.framer.Pull()
			if !ok {
				break
			}
			s.enqueue(ctx, f)
		}

	case s2s.EventUtteranceStarted:
		arb.UtteranceStarted()

	case s2s.EventUtteranceCompleted:
		arb.UtteranceCompleted()
		if f, ok := s.framer.Flush(); ok {
			s.enqueue(ctx, f)
		}

	case s2s.EventUtteranceCancelled:
		arb.UtteranceCancelled()
		s.flush()

	case s2s.EventVoiceActivityStarted:
		s.bargeIn(ctx, arb)

	case s2s.EventVoiceActivityStopped:
		arb.CallerSpeechStopped()

	case s2s.EventTranscript:
		s.transcripts.add(TranscriptLine{
			At:      time.Now(),
			Speaker: e.evt.Transcript.Speaker,
			Text:    e.evt.Transcript.Text,
		})
		s.log.Info("call: transcript",
			"speaker", string(e.evt.Transcript.Speaker),
			"text", e.evt.Transcript.Text,
		)

	case s2s.EventError:
		s.metrics.RecordProviderError(ctx, s.providerName, "event")
		s.log.Warn("call: AI endpoint error", "err", e.evt.Err)
	}
}

func (s *Session) enqueue(ctx context.Context, f audio.AudioFrame) {
	if s.relay.Enqueue(f) {
		s.metrics.RelayEvictions.Add(ctx, 1)
	}
}

func (s *Session) bargeIn(ctx context.Context, arb *turn.Arbiter) {
	if arb.CallerSpeechStarted() {
		s.metrics.BargeIns.Add(ctx, 1)
	}
}

// inbound decodes caller audio and forwards it to the endpoint. An
// undecodable packet becomes one frame of silence.
func (s *Session) inbound(ctx context.Context, h s2s.SessionHandle, vs vad.SessionHandle, src *sources) error {
	media := s.tel.Audio()
	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-media:
			if !ok {
				close(src.mediaDone)
				return nil
			}
			samples, err := s.transcoder.Decode(payload)
			if err != nil {
				s.decodeErrors.Add(1)
				s.metrics.DecodeErrors.Add(ctx, 1)
				s.log.Warn("call: substituting silence for undecodable packet", "bytes", len(payload), "err", err)
				samples = append([]int16(nil), s.silence...)
			}
			s.framesIn.Add(1)
			s.metrics.FramesReceived.Add(ctx, 1)
			s.tap.Publish(audio.NewFrame(samples, codec.ClockRate))

			if vs != nil {
				s.detect(ctx, vs, samples, src)
			}

			if err := h.SendAudio(audio.SamplesToBytes(s.up.Samples(samples))); err != nil {
				if !failing {
					s.log.Warn("call: forwarding caller audio failed", "err", err)
				}
				failing = true
				continue
			}
			failing = false
		}
	}
}

func (s *Session) detect(ctx context.Context, vs vad.SessionHandle, samples []int16, src *sources) {
	ev, err := vs.ProcessFrame(samples)
	if err != nil {
		s.log.Debug("call: VAD frame failed", "err", err)
		return
	}
	if ev.Type != vad.SpeechStart && ev.Type != vad.SpeechEnd {
		return
	}
	select {
	case src.vad <- ev.Type:
	case <-ctx.Done():
	}
}

// pump writes exactly one frame per interval: queued assistant audio, or
// silence when the relay is empty.
func (s *Session) pump(ctx context.Context, keep *keepalive.Scheduler) error {
	tick := time.NewTicker(s.cfg.FrameDuration)
	defer tick.Stop()
	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			frame, queued := s.relay.Dequeue()
			if err := s.tel.Write(s.transcoder.Encode(frame.Samples)); err != nil {
				if errors.Is(err, telephony.ErrCallClosed) {
					return nil
				}
				if !failing {
					s.log.Warn("call: writing to caller failed", "err", err)
				}
				failing = true
				continue
			}
			failing = false
			keep.MarkSent()
			s.framesOut.Add(1)
			if !queued {
				s.silenceOut.Add(1)
			}
			s.metrics.RecordFrameSent(ctx, !queued)
		}
	}
}

// receive converts endpoint events and hands them to the dispatch loop.
// Audio is resampled here so the dispatch loop only frames it.
func (s *Session) receive(ctx context.Context, h s2s.SessionHandle, src *sources) error {
	events := h.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			e := aiEvent{evt: evt}
			if !ok {
				e = aiEvent{closed: true, err: h.Err()}
			} else if evt.Type == s2s.EventAudioDelta {
				e.samples = s.down.PCM16(evt.Audio)
			}
			select {
			case src.ai <- e:
			case <-ctx.Done():
				return nil
			}
			if !ok {
				return nil
			}
		}
	}
}
