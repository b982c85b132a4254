package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/kokoro/internal/config"
	"github.com/MrWong99/kokoro/internal/turntaking"
	"github.com/MrWong99/kokoro/pkg/provider/llm"
	llmmock "github.com/MrWong99/kokoro/pkg/provider/llm/mock"
	"github.com/MrWong99/kokoro/pkg/provider/realtime"
	rtmock "github.com/MrWong99/kokoro/pkg/provider/realtime/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  cors_origins: ["http://localhost:5173"]

providers:
  realtime:
    name: openai-realtime
    api_key: ${KOKORO_TEST_KEY}
    options:
      voice: shimmer
  llm:
    name: openai
    model: gpt-4o
  llm_fallbacks:
    - name: anthropic
      api_key: sk-ant
      model: claude-sonnet

credential:
  mode: mint

turn_taking:
  mode: automatic
  threshold: 0.8
  silence_duration_ms: 700

analysis:
  min_messages: 4
  timeout: 30s

partners:
  backend: file
  limit: 10

characters:
  - id: TSUN
    name: ツンデレ
    group: NF
    voice: coral
    instructions: 素直になれない。
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Setenv("KOKORO_TEST_KEY", "sk-from-env")

	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.Realtime.APIKey != "sk-from-env" {
		t.Errorf("realtime api key = %q; want expanded env value", cfg.Providers.Realtime.APIKey)
	}
	if got := cfg.Providers.Realtime.OptionString("voice", "alloy"); got != "shimmer" {
		t.Errorf("voice option = %q; want shimmer", got)
	}
	// The default openai scorer borrows the realtime key.
	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("llm api key = %q; want realtime key", cfg.Providers.LLM.APIKey)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "anthropic" {
		t.Errorf("fallbacks = %+v", cfg.Providers.LLMFallbacks)
	}
	if cfg.Analysis.MinMessages != 4 || cfg.Analysis.Timeout != 30*time.Second {
		t.Errorf("analysis = %+v", cfg.Analysis)
	}
	if cfg.Partners.Backend != config.PartnersFile || cfg.Partners.Path != config.DefaultPartnersPath {
		t.Errorf("partners = %+v", cfg.Partners)
	}
	if len(cfg.Characters) != 1 || cfg.Characters[0].Voice != "coral" {
		t.Errorf("characters = %+v", cfg.Characters)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg := mustLoad(t, "")

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.Realtime.Name != config.DefaultRealtimeProvider || cfg.Providers.Realtime.Model != config.DefaultRealtimeModel {
		t.Errorf("realtime = %+v", cfg.Providers.Realtime)
	}
	if cfg.Credential.Mode != config.CredentialMint {
		t.Errorf("credential mode = %q", cfg.Credential.Mode)
	}
	if cfg.Partners.Backend != config.PartnersMemory {
		t.Errorf("partners backend = %q", cfg.Partners.Backend)
	}
}

func TestLoadFromReader_GeminiDefaults(t *testing.T) {
	t.Parallel()

	cfg := mustLoad(t, "providers:\n  realtime:\n    name: gemini-live\n")

	if cfg.Providers.Realtime.Model != "" {
		t.Errorf("realtime model = %q; want it left to the provider", cfg.Providers.Realtime.Model)
	}
	if cfg.Credential.Mode != config.CredentialStatic {
		t.Errorf("credential mode = %q, want static", cfg.Credential.Mode)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

// ── validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad log level", "server:\n  log_level: bananas\n", "server.log_level"},
		{"tls missing key", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"bad credential mode", "credential:\n  mode: magic\n", "credential.mode"},
		{"endpoint mode without url", "credential:\n  mode: endpoint\n", "credential.endpoint"},
		{"endpoint not absolute", "credential:\n  mode: endpoint\n  endpoint: /api/session\n", "absolute http(s) URL"},
		{"bad turn mode", "turn_taking:\n  mode: telepathy\n", "turn_taking"},
		{"threshold out of range", "turn_taking:\n  threshold: 1.5\n", "threshold"},
		{"negative min messages", "analysis:\n  min_messages: -1\n", "analysis.min_messages"},
		{"temperature out of range", "analysis:\n  temperature: 3\n", "analysis.temperature"},
		{"bad partner backend", "partners:\n  backend: redis\n", "partners.backend"},
		{"postgres without dsn", "partners:\n  backend: postgres\n", "postgres_dsn"},
		{"fallback without name", "providers:\n  llm_fallbacks:\n    - model: x\n", "llm_fallbacks[0].name"},
		{"character without id", "characters:\n  - name: x\n", "characters[0].id"},
		{"duplicate character", "characters:\n  - id: entp\n  - id: ENTP\n", "duplicate"},
		{"mint with gemini", "providers:\n  realtime:\n    name: gemini-live\ncredential:\n  mode: mint\n", "credential.mode mint"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v; want it to contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Server:   config.ServerConfig{LogLevel: "loud"},
		Partners: config.PartnersConfig{Backend: "redis", Limit: -1},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "partners.backend", "partners.limit"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{"realtime", "llm"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known names for %q", kind)
		}
	}
}

// ── turn taking ──────────────────────────────────────────────────────────────

func TestTurnTakingConfig_ToMode(t *testing.T) {
	t.Parallel()

	m, err := config.TurnTakingConfig{}.ToMode()
	if err != nil || m != turntaking.DefaultAutomatic() {
		t.Errorf("empty = %+v, %v; want default automatic", m, err)
	}

	m, err = config.TurnTakingConfig{Mode: "manual", Threshold: 0.3}.ToMode()
	if err != nil || !m.IsManual() {
		t.Errorf("manual = %+v, %v", m, err)
	}

	m, err = config.TurnTakingConfig{Mode: "automatic", Threshold: 0.5, PrefixPaddingMs: 100, SilenceDurationMs: 800}.ToMode()
	if err != nil {
		t.Fatalf("automatic: %v", err)
	}
	if want := turntaking.Automatic(0.5, 100*time.Millisecond, 800*time.Millisecond); m != want {
		t.Errorf("automatic = %+v; want %+v", m, want)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	if _, err := reg.CreateRealtime(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateRealtime err = %v; want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM err = %v; want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var gotEntry config.ProviderEntry
	reg.RegisterRealtime("fake", func(e config.ProviderEntry) (realtime.Provider, error) {
		gotEntry = e
		return &rtmock.Provider{}, nil
	})
	reg.RegisterLLM("fake", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	rt, err := reg.CreateRealtime(config.ProviderEntry{Name: "fake", Model: "m"})
	if err != nil || rt == nil {
		t.Fatalf("CreateRealtime = %v, %v", rt, err)
	}
	if gotEntry.Model != "m" {
		t.Errorf("factory got entry %+v", gotEntry)
	}
	if p, err := reg.CreateLLM(config.ProviderEntry{Name: "fake"}); err != nil || p == nil {
		t.Errorf("CreateLLM = %v, %v", p, err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	reg := config.NewRegistry()
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, boom })

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("err = %v; want boom", err)
	}
}

// ── env ──────────────────────────────────────────────────────────────────────

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/.env"
	writeFile(t, path, "KOKORO_ENV_A=from-file\nKOKORO_ENV_B=file-b\n")
	t.Setenv("KOKORO_ENV_B", "preset")

	if err := config.LoadEnv(dir+"/missing.env", path); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := lookup(t, "KOKORO_ENV_A"); got != "from-file" {
		t.Errorf("KOKORO_ENV_A = %q", got)
	}
	if got := lookup(t, "KOKORO_ENV_B"); got != "preset" {
		t.Errorf("KOKORO_ENV_B = %q; existing variables must win", got)
	}
}
