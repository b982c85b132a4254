// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for kokoro.
package config

import (
	"time"

	"github.com/MrWong99/kokoro/internal/persona"
	"github.com/MrWong99/kokoro/internal/turntaking"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CredentialMode selects how the client obtains realtime credentials.
type CredentialMode string

const (
	// CredentialMint mints ephemeral keys directly with the provider API key.
	CredentialMint CredentialMode = "mint"

	// CredentialEndpoint fetches ephemeral keys from a kokoro server's
	// /api/session route.
	CredentialEndpoint CredentialMode = "endpoint"

	// CredentialStatic uses the provider API key as is.
	CredentialStatic CredentialMode = "static"
)

// IsValid reports whether m is a recognised credential mode.
func (m CredentialMode) IsValid() bool {
	return m == CredentialMint || m == CredentialEndpoint || m == CredentialStatic
}

// PartnerBackend selects the saved-partner store.
type PartnerBackend string

const (
	PartnersMemory   PartnerBackend = "memory"
	PartnersFile     PartnerBackend = "file"
	PartnersPostgres PartnerBackend = "postgres"
)

// IsValid reports whether b is a recognised backend.
func (b PartnerBackend) IsValid() bool {
	return b == PartnersMemory || b == PartnersFile || b == PartnersPostgres
}

// Config is the root configuration. Load it with [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig        `yaml:"server"`
	Providers  ProvidersConfig     `yaml:"providers"`
	Credential CredentialConfig    `yaml:"credential"`
	TurnTaking TurnTakingConfig    `yaml:"turn_taking"`
	Analysis   AnalysisConfig      `yaml:"analysis"`
	Partners   PartnersConfig      `yaml:"partners"`
	Characters []persona.Archetype `yaml:"characters"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// CORSOrigins lists browser origins allowed to call the API. "*" allows
	// any origin.
	CORSOrigins []string `yaml:"cors_origins"`
}

// TLSConfig holds PEM file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the realtime and scoring backends by registered
// name.
type ProvidersConfig struct {
	Realtime ProviderEntry `yaml:"realtime"`

	// LLM is the primary scoring backend.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when the primary fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the block shared by every provider kind. Name looks up
// the constructor in the [Registry].
type ProviderEntry struct {
	Name string `yaml:"name"`

	// APIKey may reference the environment as ${VAR}; [Load] expands it.
	APIKey string `yaml:"api_key"`

	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific values such as voice or
	// transcription_model.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] as a string, or def.
func (e ProviderEntry) OptionString(key, def string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// CredentialConfig configures ephemeral key acquisition.
type CredentialConfig struct {
	// Mode defaults to mint.
	Mode CredentialMode `yaml:"mode"`

	// Endpoint is the /api/session URL for endpoint mode.
	Endpoint string `yaml:"endpoint"`

	// Model and Voice are sent when minting. They default to the realtime
	// provider's.
	Model string `yaml:"model"`
	Voice string `yaml:"voice"`
}

// TurnTakingConfig is the initial turn-taking discipline.
type TurnTakingConfig struct {
	// Mode is manual (push-to-talk) or automatic (voice activity). Default
	// automatic.
	Mode              string  `yaml:"mode"`
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// ToMode converts the block to a [turntaking.Mode], applying defaults for
// unset values.
func (c TurnTakingConfig) ToMode() (turntaking.Mode, error) {
	kind := turntaking.KindAutomatic
	if c.Mode != "" {
		k, err := turntaking.ParseKind(c.Mode)
		if err != nil {
			return turntaking.Mode{}, err
		}
		kind = k
	}
	if kind == turntaking.KindManual {
		return turntaking.Manual(), nil
	}
	m := turntaking.DefaultAutomatic()
	if c.Threshold != 0 {
		m.Threshold = c.Threshold
	}
	if c.PrefixPaddingMs != 0 {
		m.PrefixPadding = time.Duration(c.PrefixPaddingMs) * time.Millisecond
	}
	if c.SilenceDurationMs != 0 {
		m.Silence = time.Duration(c.SilenceDurationMs) * time.Millisecond
	}
	return m, m.Validate()
}

// AnalysisConfig configures post-session scoring.
type AnalysisConfig struct {
	// MinMessages is the smallest conversation worth scoring. Default 3.
	MinMessages int `yaml:"min_messages"`

	// Timeout bounds one report request. Default 60s.
	Timeout time.Duration `yaml:"timeout"`

	// Endpoint, when set, scores through a remote /api/review route instead
	// of a local LLM.
	Endpoint string `yaml:"endpoint"`

	// Temperature for the scoring LLM. Zero keeps the provider default.
	Temperature float64 `yaml:"temperature"`
}

// PartnersConfig configures the saved-partner store.
type PartnersConfig struct {
	// Backend defaults to memory.
	Backend     PartnerBackend `yaml:"backend"`
	Path        string         `yaml:"path"`
	PostgresDSN string         `yaml:"postgres_dsn"`

	// Limit caps the stored partners. Default 6.
	Limit int `yaml:"limit"`
}
