package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/callbridge/internal/config"
)

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "callbridge.yaml")
	writeFile(t, path, sampleYAML)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.S2S.Name != "openai-realtime" {
		t.Errorf("providers.s2s.name: got %q", cfg.Providers.S2S.Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want os.ErrNotExist, got %v", err)
	}
}

func TestLoad_ErrorNamesPath(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "broken.yaml")
	writeFile(t, path, "server: [unterminated\n")

	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected parse error, got nil")
	}
	if !strings.Contains(err.Error(), "broken.yaml") {
		t.Errorf("error should name the file, got: %v", err)
	}
}

func TestLoadFromReader_EmptyInputNeedsProvider(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "providers.s2s.name") {
		t.Fatalf("empty config should fail on the missing s2s provider, got %v", err)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Audio.FrameMs = 40
	cfg.SIP.RTPPortMin, cfg.SIP.RTPPortMax = 4000, 4010
	cfg.SIP.Codecs = []string{"L16"}

	config.ApplyDefaults(cfg)

	if cfg.Audio.FrameMs != 40 {
		t.Errorf("frame_ms overwritten: %d", cfg.Audio.FrameMs)
	}
	if cfg.SIP.RTPPortMin != 4000 || cfg.SIP.RTPPortMax != 4010 {
		t.Errorf("rtp range overwritten: %d-%d", cfg.SIP.RTPPortMin, cfg.SIP.RTPPortMax)
	}
	if len(cfg.SIP.Codecs) != 1 || cfg.SIP.Codecs[0] != "L16" {
		t.Errorf("codecs overwritten: %v", cfg.SIP.Codecs)
	}
}

func TestApplyDefaults_CodecsAreCopied(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.SIP.Codecs[0] = "L16"
	if config.DefaultCodecs[0] != "PCMA" {
		t.Fatal("mutating a loaded config changed DefaultCodecs")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace" should be invalid`)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Level(); got != tt.want {
			t.Errorf("%q.Level() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Providers.S2S.Name != "openai-realtime" || !cfg.Providers.S2S.Greeting() {
		t.Errorf("providers.s2s = %+v", cfg.Providers.S2S)
	}
}
