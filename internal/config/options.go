package config

import (
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// Option keys understood in providers.s2s.options.
const (
	OptVoice              = "voice"
	OptInstructions       = "instructions"
	OptVADThreshold       = "vad_threshold"
	OptPrefixPaddingMs    = "prefix_padding_ms"
	OptSilenceDurationMs  = "silence_duration_ms"
	OptTranscriptionModel = "transcription_model"
	OptGreeting           = "greeting"
)

// SessionConfig derives the per-call endpoint session settings from the
// s2s provider entry. Turn detection is only set when at least one of its
// options is present.
func (e ProviderEntry) SessionConfig() s2s.SessionConfig {
	sc := s2s.SessionConfig{
		Voice:              OptString(e.Options, OptVoice),
		Instructions:       OptString(e.Options, OptInstructions),
		TranscriptionModel: OptString(e.Options, OptTranscriptionModel),
	}
	threshold, hasThreshold := optFloat(e.Options, OptVADThreshold)
	padding, hasPadding := optInt(e.Options, OptPrefixPaddingMs)
	silence, hasSilence := optInt(e.Options, OptSilenceDurationMs)
	if hasThreshold || hasPadding || hasSilence {
		sc.TurnDetection = &s2s.TurnDetection{
			Threshold:         threshold,
			PrefixPaddingMs:   padding,
			SilenceDurationMs: silence,
		}
	}
	return sc
}

// Greeting reports whether the assistant should speak first once the call
// is answered.
func (e ProviderEntry) Greeting() bool {
	v, _ := e.Options[OptGreeting].(bool)
	return v
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptFloat extracts a numeric option as float64, falling back to def.
func OptFloat(opts map[string]any, key string, def float64) float64 {
	if v, ok := optFloat(opts, key); ok {
		return v
	}
	return def
}

// OptInt extracts a numeric option as int, falling back to def.
func OptInt(opts map[string]any, key string, def int) int {
	if v, ok := optInt(opts, key); ok {
		return v
	}
	return def
}

// yaml.v3 decodes untyped numbers as int or float64.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
