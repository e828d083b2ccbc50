package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/config"
)

func loadSample(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := loadSample(t)
	d := config.Diff(cfg, loadSample(t))
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not need a restart: %v", d.RestartRequired)
	}
}

func TestDiff_SessionOptions(t *testing.T) {
	t.Parallel()
	old := loadSample(t)
	new := loadSample(t)
	new.Providers.S2S.Options["voice"] = "verse"
	delete(new.Providers.S2S.Options, "greeting")
	new.Providers.S2S.Options["transcription_model"] = "whisper-1"

	d := config.Diff(old, new)
	if !d.SessionChanged {
		t.Fatal("expected SessionChanged=true")
	}
	want := []string{"greeting", "transcription_model", "voice"}
	if !slices.Equal(d.ChangedOptions, want) {
		t.Errorf("ChangedOptions: got %v, want %v", d.ChangedOptions, want)
	}
	if slices.Contains(d.RestartRequired, "providers.s2s") {
		t.Error("option changes should not require a restart")
	}
}

func TestDiff_AnswerPolicy(t *testing.T) {
	t.Parallel()
	old := loadSample(t)
	new := loadSample(t)
	on := true
	new.SIP.AutoAnswer = &on
	new.SIP.AnswerDelay = 3 * time.Second

	d := config.Diff(old, new)
	if !d.AutoAnswerChanged {
		t.Error("expected AutoAnswerChanged=true")
	}
	if !d.AnswerDelayChanged {
		t.Error("expected AnswerDelayChanged=true")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"http listen", func(c *config.Config) { c.Server.ListenAddr = ":1" }, "server.listen_addr"},
		{"sip listen", func(c *config.Config) { c.SIP.ListenAddr = ":5999" }, "sip"},
		{"codecs", func(c *config.Config) { c.SIP.Codecs = []string{"PCMA"} }, "sip"},
		{"frame", func(c *config.Config) { c.Audio.FrameMs = 20 }, "audio"},
		{"s2s provider", func(c *config.Config) { c.Providers.S2S.Name = "gemini-live" }, "providers.s2s"},
		{"s2s key", func(c *config.Config) { c.Providers.S2S.APIKey = "rotated" }, "providers.s2s"},
		{"fallbacks", func(c *config.Config) {
			c.Providers.S2SFallbacks = []config.ProviderEntry{{Name: "gemini-live"}}
		}, "providers.s2s_fallbacks"},
		{"registrar", func(c *config.Config) { c.SIP.Registrar = "other.example.com" }, "sip"},
		{"storage", func(c *config.Config) { c.Storage.PostgresDSN = "postgres://db/calls" }, "storage"},
		{"sampling", func(c *config.Config) { c.Telemetry.TraceSampleRatio = 0.1 }, "telemetry"},
		{"breaker", func(c *config.Config) { c.Resilience.MaxFailures = 9 }, "resilience"},
		{"vad options", func(c *config.Config) { c.Providers.VAD.Options["threshold"] = 1200 }, "providers.vad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := loadSample(t)
			new := loadSample(t)
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired: got %v, want it to contain %q", d.RestartRequired, tt.want)
			}
			if d.Empty() {
				t.Error("diff should not be empty")
			}
		})
	}
}
