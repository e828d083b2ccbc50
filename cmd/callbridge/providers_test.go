package main

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/resilience"
)

func testRegistry() *config.Registry {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	return reg
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: config.ProvidersConfig{
		S2S:          config.ProviderEntry{Name: "openai-realtime", APIKey: "sk-test"},
		S2SFallbacks: []config.ProviderEntry{{Name: "openai-realtime", BaseURL: "wss://backup.example.com/v1/realtime"}},
		VAD:          config.ProviderEntry{Name: "energy", Options: map[string]any{"threshold": 900, "min_speech_frames": 2}},
	}}

	ps, err := buildProviders(cfg, testRegistry(), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	fb, ok := ps.S2S.(*resilience.S2SFallback)
	if !ok {
		t.Fatalf("S2S = %T, want *resilience.S2SFallback", ps.S2S)
	}
	if n := len(fb.Breakers()); n != 2 {
		t.Errorf("breakers = %d, want 2", n)
	}
	if ps.VAD == nil {
		t.Error("VAD engine not built")
	}
	if ps.S2SName != "openai-realtime" {
		t.Errorf("S2SName = %q", ps.S2SName)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		provs config.ProvidersConfig
		check func(error) bool
	}{
		{
			name:  "unknown endpoint",
			provs: config.ProvidersConfig{S2S: config.ProviderEntry{Name: "nope"}},
			check: func(err error) bool { return errors.Is(err, config.ErrProviderNotRegistered) },
		},
		{
			name: "unknown vad",
			provs: config.ProvidersConfig{
				S2S: config.ProviderEntry{Name: "gemini-live"},
				VAD: config.ProviderEntry{Name: "silero"},
			},
			check: func(err error) bool { return errors.Is(err, config.ErrProviderNotRegistered) },
		},
		{
			name: "fallback with different sample rates",
			provs: config.ProvidersConfig{
				S2S:          config.ProviderEntry{Name: "openai-realtime"},
				S2SFallbacks: []config.ProviderEntry{{Name: "gemini-live"}},
			},
			check: func(err error) bool {
				var ife *resilience.IncompatibleFallbackError
				return errors.As(err, &ife) && ife.Name == "gemini-live"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := buildProviders(&config.Config{Providers: tt.provs}, testRegistry(), slog.New(slog.DiscardHandler))
			if err == nil || !tt.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestEntryLabel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.ProviderEntry
		want string
	}{
		{config.ProviderEntry{}, "(not configured)"},
		{config.ProviderEntry{Name: "energy"}, "energy"},
		{config.ProviderEntry{Name: "gemini-live", Model: "flash"}, "gemini-live / flash"},
	}
	for _, tt := range tests {
		if got := entryLabel(tt.in); got != tt.want {
			t.Errorf("entryLabel(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
