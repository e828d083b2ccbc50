package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callbridge/pkg/audio/codec"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"openai-realtime", "gemini-live"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultHTTPListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.SIP.ListenAddr == "" {
		cfg.SIP.ListenAddr = DefaultSIPListenAddr
	}
	if cfg.SIP.RTPPortMin == 0 && cfg.SIP.RTPPortMax == 0 {
		cfg.SIP.RTPPortMin, cfg.SIP.RTPPortMax = DefaultRTPPortMin, DefaultRTPPortMax
	}
	if len(cfg.SIP.Codecs) == 0 {
		cfg.SIP.Codecs = slices.Clone(DefaultCodecs)
	}
	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = DefaultFrameMs
	}
	if cfg.Audio.RelayCapacity == 0 {
		cfg.Audio.RelayCapacity = DefaultRelayCapacity
	}
	if cfg.Audio.KeepaliveInterval == 0 {
		cfg.Audio.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.Audio.InterruptTimeout == 0 {
		cfg.Audio.InterruptTimeout = DefaultInterruptTimeout
	}
	if cfg.Audio.EventBuffer == 0 {
		cfg.Audio.EventBuffer = DefaultEventBuffer
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// SIP
	if cfg.SIP.PublicIP != "" && net.ParseIP(cfg.SIP.PublicIP) == nil {
		errs = append(errs, fmt.Errorf("sip.public_ip %q is not an IP address", cfg.SIP.PublicIP))
	}
	if cfg.SIP.RTPPortMin < 0 || cfg.SIP.RTPPortMax > 65535 || cfg.SIP.RTPPortMin > cfg.SIP.RTPPortMax {
		errs = append(errs, fmt.Errorf("sip.rtp_port_min/max %d-%d is not a valid port range", cfg.SIP.RTPPortMin, cfg.SIP.RTPPortMax))
	}
	if cfg.SIP.RTPPortMin == cfg.SIP.RTPPortMax && cfg.SIP.RTPPortMin%2 != 0 {
		errs = append(errs, fmt.Errorf("sip.rtp_port_min/max %d-%d contains no even port", cfg.SIP.RTPPortMin, cfg.SIP.RTPPortMax))
	}
	if cfg.SIP.Registrar != "" && cfg.SIP.User == "" {
		errs = append(errs, errors.New("sip.user is required when sip.registrar is set"))
	}
	if cfg.SIP.AnswerDelay < 0 {
		errs = append(errs, fmt.Errorf("sip.answer_delay %s must not be negative", cfg.SIP.AnswerDelay))
	}
	for i, name := range cfg.SIP.Codecs {
		if _, err := codec.Parse(name); err != nil {
			errs = append(errs, fmt.Errorf("sip.codecs[%d]: %w", i, err))
		}
	}

	// Audio
	if cfg.Audio.FrameMs < 10 || cfg.Audio.FrameMs > 60 || cfg.Audio.FrameMs%10 != 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is invalid; valid values: 10, 20, 30, 40, 50, 60", cfg.Audio.FrameMs))
	}
	if cfg.Audio.RelayCapacity < 0 {
		errs = append(errs, fmt.Errorf("audio.relay_capacity %d must not be negative", cfg.Audio.RelayCapacity))
	}
	if cfg.Audio.KeepaliveInterval < 0 || cfg.Audio.InterruptTimeout < 0 {
		errs = append(errs, errors.New("audio.keepalive_interval and audio.interrupt_timeout must not be negative"))
	}
	if cfg.Audio.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.event_buffer %d must not be negative", cfg.Audio.EventBuffer))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 || cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience.max_failures and resilience.reset_timeout must not be negative"))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g must be between 0 and 1", r))
	}

	// Providers
	if cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("providers.s2s.name is required"))
	}
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	for i, fb := range cfg.Providers.S2SFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.s2s_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("s2s", fb.Name)
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", strings.Join(known, ","),
	)
}
