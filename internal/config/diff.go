package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level and
// the settings applied to sessions created after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AssemblerChanged bool
	CommandsChanged  bool

	// RestartRequired lists sections that changed but only take effect after
	// a restart.
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AssemblerChanged || d.CommandsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !sameAssembler(old.Assembler, new.Assembler) {
		d.AssemblerChanged = true
	}
	if !sameCommands(old.Commands, new.Commands) {
		d.CommandsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameOracle(old.Oracle, new.Oracle) {
		d.RestartRequired = append(d.RestartRequired, "oracle")
	}
	if !sameEntry(old.Speech, new.Speech) {
		d.RestartRequired = append(d.RestartRequired, "speech")
	}
	if !sameStore(old.Store, new.Store) {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	return d
}

func sameAssembler(a, b AssemblerConfig) bool {
	return a.Debounce == b.Debounce &&
		a.ProcessThreshold == b.ProcessThreshold &&
		a.MaxContextChars == b.MaxContextChars &&
		a.IsEnabled() == b.IsEnabled()
}

func sameCommands(a, b CommandsConfig) bool {
	return a.BufferCeiling == b.BufferCeiling &&
		a.TrailingWords() == b.TrailingWords() &&
		a.SnapshotChars == b.SnapshotChars &&
		a.History == b.History &&
		a.MaxTokens == b.MaxTokens
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameEntry ignores Options, which are free-form.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && a.Route == b.Route && a.Referer == b.Referer &&
		a.Title == b.Title && a.Timeout == b.Timeout
}

func sameOracle(a, b OracleConfig) bool {
	if !sameEntry(a.ProviderEntry, b.ProviderEntry) || a.Temperature != b.Temperature ||
		a.MaxTokens != b.MaxTokens || a.Breaker != b.Breaker || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !sameEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

func sameStore(a, b StoreConfig) bool {
	if a.Kind != b.Kind || a.Path != b.Path || a.PostgresDSN != b.PostgresDSN ||
		a.Kafka.Topic != b.Kafka.Topic || a.Kafka.UsageTopic != b.Kafka.UsageTopic ||
		!slices.Equal(a.Kafka.Brokers, b.Kafka.Brokers) {
		return false
	}
	return true
}
