package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultSessionTTL       = 30 * time.Minute
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultDebounce         = 150 * time.Millisecond
	DefaultProcessThreshold = 10
	DefaultKeepWords        = 3
	DefaultOracleMaxTokens  = 1000
	DefaultServiceName      = "voxnote"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
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

// LoadFromReader decodes a YAML config from r, expands secrets from the
// environment, applies defaults and validates the result. Unknown fields are
// rejected. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// expandSecrets resolves ${VAR} references in credential fields.
func expandSecrets(cfg *Config) {
	cfg.Oracle.APIKey = os.ExpandEnv(cfg.Oracle.APIKey)
	for i := range cfg.Oracle.Fallbacks {
		cfg.Oracle.Fallbacks[i].APIKey = os.ExpandEnv(cfg.Oracle.Fallbacks[i].APIKey)
	}
	cfg.Speech.APIKey = os.ExpandEnv(cfg.Speech.APIKey)
	cfg.Store.PostgresDSN = os.ExpandEnv(cfg.Store.PostgresDSN)
}

// ApplyDefaults fills zero-valued fields with their defaults. It is
// idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.SessionTTL == 0 {
		cfg.Server.SessionTTL = DefaultSessionTTL
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Oracle.Name == "openai" && cfg.Oracle.Route == "" {
		cfg.Oracle.Route = RouteDirect
	}
	if cfg.Oracle.MaxTokens == 0 {
		cfg.Oracle.MaxTokens = DefaultOracleMaxTokens
	}
	if cfg.Assembler.Debounce == 0 {
		cfg.Assembler.Debounce = DefaultDebounce
	}
	if cfg.Assembler.ProcessThreshold == 0 {
		cfg.Assembler.ProcessThreshold = DefaultProcessThreshold
	}
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = StoreNone
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
	if cfg.Server.SessionTTL < 0 {
		errs = append(errs, fmt.Errorf("server.session_ttl %s must not be negative", cfg.Server.SessionTTL))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Oracle
	if cfg.Oracle.Name == "" {
		slog.Warn("oracle.name is empty; transcripts will not be corrected")
	}
	errs = append(errs, validateEntry("oracle", "llm", cfg.Oracle.ProviderEntry)...)
	if cfg.Oracle.Temperature < 0 || cfg.Oracle.Temperature > 2 {
		errs = append(errs, fmt.Errorf("oracle.temperature %.2f is out of range [0, 2]", cfg.Oracle.Temperature))
	}
	if cfg.Oracle.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("oracle.max_tokens %d must not be negative", cfg.Oracle.MaxTokens))
	}
	fallbackSeen := make(map[string]int, len(cfg.Oracle.Fallbacks))
	for i, fb := range cfg.Oracle.Fallbacks {
		prefix := fmt.Sprintf("oracle.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		key := fb.Name + "/" + fb.Model
		if prev, ok := fallbackSeen[key]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of oracle.fallbacks[%d]", prefix, key, prev))
		}
		fallbackSeen[key] = i
		errs = append(errs, validateEntry(prefix, "llm", fb)...)
	}
	if cfg.Oracle.Name == "" && len(cfg.Oracle.Fallbacks) > 0 {
		errs = append(errs, errors.New("oracle.fallbacks requires a primary oracle.name"))
	}

	// Assembler
	if cfg.Assembler.Debounce < 0 {
		errs = append(errs, fmt.Errorf("assembler.debounce %s must not be negative", cfg.Assembler.Debounce))
	}
	if cfg.Assembler.ProcessThreshold < 0 {
		errs = append(errs, fmt.Errorf("assembler.process_threshold %d must not be negative", cfg.Assembler.ProcessThreshold))
	}
	if cfg.Assembler.MaxContextChars < 0 {
		errs = append(errs, fmt.Errorf("assembler.max_context_chars %d must not be negative", cfg.Assembler.MaxContextChars))
	}

	// Commands
	for name, v := range map[string]int{
		"buffer_ceiling": cfg.Commands.BufferCeiling,
		"keep_words":     cfg.Commands.TrailingWords(),
		"snapshot_chars": cfg.Commands.SnapshotChars,
		"history":        cfg.Commands.History,
		"max_tokens":     cfg.Commands.MaxTokens,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("commands.%s %d must not be negative", name, v))
		}
	}

	// Speech
	if cfg.Speech.Name != "" {
		validateProviderName("stt", cfg.Speech.Name)
		if cfg.Speech.APIKey == "" {
			slog.Warn("speech.api_key is empty; the audio route will fail to connect", "name", cfg.Speech.Name)
		}
	}

	// Store
	switch cfg.Store.Kind {
	case StoreNone, "":
	case StoreFile:
		if cfg.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required when store.kind is file"))
		}
	case StorePostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required when store.kind is postgres"))
		}
	case StoreKafka:
		if len(cfg.Store.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("store.kafka.brokers is required when store.kind is kafka"))
		}
		if cfg.Store.Kafka.Topic == "" {
			errs = append(errs, errors.New("store.kafka.topic is required when store.kind is kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind %q is invalid; valid values: none, file, postgres, kafka", cfg.Store.Kind))
	}

	return errors.Join(errs...)
}

// validateEntry checks an LLM provider entry. Only the openai provider
// understands routes, and the route is never inferred from the key.
func validateEntry(prefix, kind string, e ProviderEntry) []error {
	if e.Name == "" {
		return nil
	}
	validateProviderName(kind, e.Name)

	var errs []error
	if e.Route != "" {
		if !e.Route.IsValid() {
			errs = append(errs, fmt.Errorf("%s.route %q is invalid; valid values: direct, gateway", prefix, e.Route))
		} else if e.Name != "openai" {
			errs = append(errs, fmt.Errorf("%s.route is only supported by the openai provider, not %q", prefix, e.Name))
		}
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout %s must not be negative", prefix, e.Timeout))
	}
	if e.APIKey == "" && e.Name != "ollama" && e.Name != "llamacpp" && e.Name != "llamafile" {
		slog.Warn("provider api_key is empty; the backend will fall back to its environment variable", "config", prefix, "name", e.Name)
	}
	return errs
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
		"known", known,
	)
}
