package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/callbridge/internal/app"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	geminilive "github.com/MrWong99/callbridge/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/callbridge/pkg/provider/s2s/openai"
	"github.com/MrWong99/callbridge/pkg/provider/vad"
	"github.com/MrWong99/callbridge/pkg/provider/vad/energy"
)

// registerBuiltinProviders wires the built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if n := config.OptInt(entry.Options, "event_buffer", 0); n > 0 {
			opts = append(opts, oais2s.WithEventBuffer(n))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if ms := config.OptInt(entry.Options, "keepalive_ms", 0); ms > 0 {
			opts = append(opts, geminilive.WithKeepaliveInterval(time.Duration(ms)*time.Millisecond))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if v := config.OptFloat(entry.Options, "threshold", 0); v > 0 {
			opts = append(opts, energy.WithThreshold(v))
		}
		if n := config.OptInt(entry.Options, "min_speech_frames", 0); n > 0 {
			opts = append(opts, energy.WithMinSpeechFrames(n))
		}
		if n := config.OptInt(entry.Options, "min_silence_frames", 0); n > 0 {
			opts = append(opts, energy.WithMinSilenceFrames(n))
		}
		return energy.New(opts...), nil
	})

	for _, kind := range []string{"s2s", "vad"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the configured AI endpoint, its fallbacks and
// the optional VAD engine. The endpoints are combined behind per-endpoint
// circuit breakers.
func buildProviders(cfg *config.Config, reg *config.Registry, log *slog.Logger) (*app.Providers, error) {
	primary, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Providers.S2S.Name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", cfg.Providers.S2S.Name)

	endpoint := resilience.NewS2SFallback(primary, cfg.Providers.S2S.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			Logger:       log,
		},
	})
	endpoint.OnConnect = func(name string) {
		if name != cfg.Providers.S2S.Name {
			log.Warn("call served by fallback endpoint", "endpoint", name)
		}
	}
	for _, entry := range cfg.Providers.S2SFallbacks {
		p, err := reg.CreateS2S(entry)
		if err != nil {
			return nil, fmt.Errorf("create s2s fallback %q: %w", entry.Name, err)
		}
		if err := endpoint.AddFallback(entry.Name, p); err != nil {
			return nil, err
		}
		slog.Info("provider created", "kind", "s2s_fallback", "name", entry.Name)
	}

	ps := &app.Providers{S2S: endpoint, S2SName: cfg.Providers.S2S.Name}

	if name := cfg.Providers.VAD.Name; name != "" {
		e, err := reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = e
		slog.Info("provider created", "kind", "vad", "name", name)
	}
	return ps, nil
}
