package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; a call already in
// progress keeps the settings it was answered with.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when providers.s2s.options differ. New calls
	// pick up the change.
	SessionChanged bool
	ChangedOptions []string

	AutoAnswerChanged  bool
	AnswerDelayChanged bool

	// RestartRequired lists sections that changed but only take effect after
	// a restart (listen addresses, provider selection, credentials).
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.AutoAnswerChanged &&
		!d.AnswerDelayChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ChangedOptions = diffOptions(old.Providers.S2S.Options, new.Providers.S2S.Options)
	d.SessionChanged = len(d.ChangedOptions) > 0

	d.AutoAnswerChanged = old.SIP.AutoAnswerEnabled() != new.SIP.AutoAnswerEnabled()
	d.AnswerDelayChanged = old.SIP.AnswerDelay != new.SIP.AnswerDelay

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.SIP.ListenAddr != new.SIP.ListenAddr || old.SIP.PublicIP != new.SIP.PublicIP ||
		old.SIP.RTPPortMin != new.SIP.RTPPortMin || old.SIP.RTPPortMax != new.SIP.RTPPortMax ||
		old.SIP.User != new.SIP.User || old.SIP.Password != new.SIP.Password ||
		old.SIP.Registrar != new.SIP.Registrar || old.SIP.RegisterExpiry != new.SIP.RegisterExpiry ||
		!slices.Equal(old.SIP.Codecs, new.SIP.Codecs) {
		d.RestartRequired = append(d.RestartRequired, "sip")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !sameEntry(old.Providers.S2S, new.Providers.S2S) {
		d.RestartRequired = append(d.RestartRequired, "providers.s2s")
	}
	if !slices.EqualFunc(old.Providers.S2SFallbacks, new.Providers.S2SFallbacks, sameEntry) {
		d.RestartRequired = append(d.RestartRequired, "providers.s2s_fallbacks")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if !sameEntry(old.Providers.VAD, new.Providers.VAD) ||
		!reflect.DeepEqual(old.Providers.VAD.Options, new.Providers.VAD.Options) {
		d.RestartRequired = append(d.RestartRequired, "providers.vad")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

// diffOptions returns the sorted keys whose values differ between a and b.
func diffOptions(a, b map[string]any) []string {
	var changed []string
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			changed = append(changed, k)
		}
	}
	for k := range maps.Keys(b) {
		if _, ok := a[k]; !ok {
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)
	return changed
}
