package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per kind. [Validate] warns
// about names outside this list.
var ValidProviderNames = map[string][]string{
	"realtime": {"openai-realtime", "gemini-live"},
	"llm":      {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// LoadEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load env %q: %w", p, err)
		}
		slog.Debug("environment loaded", "path", p)
	}
	return nil
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, expands ${VAR} references in api keys
// and DSNs, applies defaults and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandEnv(cfg *Config) {
	cfg.Providers.Realtime.APIKey = os.ExpandEnv(cfg.Providers.Realtime.APIKey)
	cfg.Providers.LLM.APIKey = os.ExpandEnv(cfg.Providers.LLM.APIKey)
	for i := range cfg.Providers.LLMFallbacks {
		cfg.Providers.LLMFallbacks[i].APIKey = os.ExpandEnv(cfg.Providers.LLMFallbacks[i].APIKey)
	}
	cfg.Partners.PostgresDSN = os.ExpandEnv(cfg.Partners.PostgresDSN)
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultRealtimeProvider   = "openai-realtime"
	DefaultRealtimeModel      = "gpt-4o-realtime-preview-2025-06-03"
	GeminiRealtimeProvider    = "gemini-live"
	DefaultTranscriptionModel = "gpt-4o-mini-transcribe"
	DefaultLLMProvider        = "openai"
	DefaultLLMModel           = "gpt-4o"
	DefaultPartnersPath       = "partners.json"
)

// ApplyDefaults fills unset fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.Realtime.Name == "" {
		cfg.Providers.Realtime.Name = DefaultRealtimeProvider
	}
	// Other realtime providers pick their own default model.
	if cfg.Providers.Realtime.Model == "" && cfg.Providers.Realtime.Name == DefaultRealtimeProvider {
		cfg.Providers.Realtime.Model = DefaultRealtimeModel
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = DefaultLLMProvider
	}
	if cfg.Providers.LLM.Model == "" && cfg.Providers.LLM.Name == DefaultLLMProvider {
		cfg.Providers.LLM.Model = DefaultLLMModel
	}
	if cfg.Providers.LLM.APIKey == "" && cfg.Providers.LLM.Name == DefaultLLMProvider {
		cfg.Providers.LLM.APIKey = cfg.Providers.Realtime.APIKey
	}
	if cfg.Credential.Mode == "" {
		cfg.Credential.Mode = CredentialMint
		if cfg.Providers.Realtime.Name == GeminiRealtimeProvider {
			cfg.Credential.Mode = CredentialStatic
		}
	}
	if cfg.Partners.Backend == "" {
		cfg.Partners.Backend = PartnersMemory
	}
	if cfg.Partners.Backend == PartnersFile && cfg.Partners.Path == "" {
		cfg.Partners.Path = DefaultPartnersPath
	}
}

// Validate checks cfg for coherent values and returns every problem found,
// joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("realtime", cfg.Providers.Realtime.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}

	if cfg.Credential.Mode != "" && !cfg.Credential.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("credential.mode %q is invalid; valid values: mint, endpoint, static", cfg.Credential.Mode))
	}
	if cfg.Credential.Mode == CredentialMint && cfg.Providers.Realtime.Name == GeminiRealtimeProvider {
		errs = append(errs, errors.New("credential.mode mint mints OpenAI sessions; use static or endpoint with gemini-live"))
	}
	if cfg.Credential.Mode == CredentialEndpoint {
		if err := validateURL("credential.endpoint", cfg.Credential.Endpoint); err != nil {
			errs = append(errs, err)
		}
	}
	if (cfg.Credential.Mode == CredentialMint || cfg.Credential.Mode == CredentialStatic) && cfg.Providers.Realtime.APIKey == "" {
		slog.Warn("providers.realtime.api_key is empty; connecting will fail until it is set", "credential_mode", cfg.Credential.Mode)
	}

	if _, err := cfg.TurnTaking.ToMode(); err != nil {
		errs = append(errs, fmt.Errorf("turn_taking: %w", err))
	}

	if cfg.Analysis.MinMessages < 0 {
		errs = append(errs, fmt.Errorf("analysis.min_messages %d must not be negative", cfg.Analysis.MinMessages))
	}
	if cfg.Analysis.Timeout < 0 {
		errs = append(errs, fmt.Errorf("analysis.timeout %s must not be negative", cfg.Analysis.Timeout))
	}
	if cfg.Analysis.Temperature < 0 || cfg.Analysis.Temperature > 2 {
		errs = append(errs, fmt.Errorf("analysis.temperature %.2f is out of range [0, 2]", cfg.Analysis.Temperature))
	}
	if cfg.Analysis.Endpoint != "" {
		if err := validateURL("analysis.endpoint", cfg.Analysis.Endpoint); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Partners.Backend != "" && !cfg.Partners.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("partners.backend %q is invalid; valid values: memory, file, postgres", cfg.Partners.Backend))
	}
	if cfg.Partners.Backend == PartnersPostgres && cfg.Partners.PostgresDSN == "" {
		errs = append(errs, errors.New("partners.postgres_dsn is required when backend is postgres"))
	}
	if cfg.Partners.Limit < 0 {
		errs = append(errs, fmt.Errorf("partners.limit %d must not be negative", cfg.Partners.Limit))
	}

	seen := make(map[string]int, len(cfg.Characters))
	for i, c := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		id := strings.ToUpper(strings.TrimSpace(c.ID))
		if id == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := seen[id]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of characters[%d]", prefix, c.ID, prev))
		}
		seen[id] = i
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute http(s) URL", field, raw)
	}
	return nil
}

func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
