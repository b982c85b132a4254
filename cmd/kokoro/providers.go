package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/kokoro/internal/analysis"
	"github.com/MrWong99/kokoro/internal/config"
	"github.com/MrWong99/kokoro/internal/credential"
	"github.com/MrWong99/kokoro/internal/observe"
	"github.com/MrWong99/kokoro/internal/partner"
	"github.com/MrWong99/kokoro/internal/persona"
	"github.com/MrWong99/kokoro/internal/resilience"
	"github.com/MrWong99/kokoro/pkg/provider/llm"
	"github.com/MrWong99/kokoro/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/kokoro/pkg/provider/llm/openai"
	"github.com/MrWong99/kokoro/pkg/provider/realtime"
	"github.com/MrWong99/kokoro/pkg/provider/realtime/gemini"
	oairt "github.com/MrWong99/kokoro/pkg/provider/realtime/openai"
)

// registerBuiltinProviders wires every shipped provider into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterRealtime(config.DefaultRealtimeProvider, func(e config.ProviderEntry) (realtime.Provider, error) {
		var opts []oairt.Option
		if e.Model != "" {
			opts = append(opts, oairt.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, oairt.WithBaseURL(e.BaseURL))
		}
		return oairt.New(opts...), nil
	})

	reg.RegisterRealtime(config.GeminiRealtimeProvider, func(e config.ProviderEntry) (realtime.Provider, error) {
		var opts []gemini.Option
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		if v := e.OptionString("voice", ""); slices.Contains(gemini.Voices, v) {
			opts = append(opts, gemini.WithVoice(v))
		}
		if e.OptionString("auth", "") == "ephemeral" {
			opts = append(opts, gemini.WithEphemeralTokens())
		}
		return gemini.New(opts...), nil
	})

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if e.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(e.BaseURL))
		}
		return oaillm.New(e.APIKey, e.Model, opts...)
	})

	// "openai" stays on the native SDK so JSON mode is enforced by the API.
	for _, name := range anyllm.Backends() {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" && name != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}
}

// buildScorer returns the analysis scorer. A configured analysis endpoint
// wins; otherwise the primary LLM and its fallbacks are grouped behind
// circuit breakers. The fallback group is nil for the endpoint case.
func buildScorer(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (analysis.Scorer, *resilience.LLMFallback, error) {
	if cfg.Analysis.Endpoint != "" {
		slog.Info("scoring through remote endpoint", "url", cfg.Analysis.Endpoint)
		return analysis.NewHTTPScorer(cfg.Analysis.Endpoint), nil, nil
	}

	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	fb := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
	fb.SetMetrics(m)
	for i, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("create llm fallback %d (%q): %w", i, entry.Name, err)
		}
		fb.AddFallback(entry.Name, p)
	}
	slog.Info("scorer ready",
		"primary", cfg.Providers.LLM.Name,
		"model", cfg.Providers.LLM.Model,
		"fallbacks", len(cfg.Providers.LLMFallbacks),
	)

	opts := []analysis.LLMOption{
		analysis.WithProviderName(cfg.Providers.LLM.Name),
		analysis.WithScorerMetrics(m),
	}
	if cfg.Analysis.Temperature > 0 {
		opts = append(opts, analysis.WithTemperature(cfg.Analysis.Temperature))
	}
	return analysis.NewLLMScorer(fb, opts...), fb, nil
}

// buildCredentials returns the realtime credential source for cfg.
func buildCredentials(cfg *config.Config, m *observe.Metrics) (credential.Provider, error) {
	rt := cfg.Providers.Realtime
	switch cfg.Credential.Mode {
	case config.CredentialEndpoint:
		p := credential.NewEndpointProvider(cfg.Credential.Endpoint)
		p.Metrics = m
		return p, nil
	case config.CredentialStatic:
		return credential.Static(rt.APIKey), nil
	default:
		model := cfg.Credential.Model
		if model == "" {
			model = rt.Model
		}
		voice := cfg.Credential.Voice
		if voice == "" {
			voice = rt.OptionString("voice", "")
		}
		opts := []credential.MinterOption{credential.WithModel(model), credential.WithMetrics(m)}
		if voice != "" {
			opts = append(opts, credential.WithVoice(voice))
		}
		minter, err := credential.NewOpenAIMinter(rt.APIKey, opts...)
		if errors.Is(err, credential.ErrMissingKey) {
			// Report the missing key per request, the way the web backend does.
			slog.Warn("realtime api key is not set; credential requests will fail")
			return credential.Static(""), nil
		}
		if err != nil {
			return nil, err
		}
		return minter, nil
	}
}

// buildPartners opens the configured partner store. The returned func
// releases it.
func buildPartners(ctx context.Context, cfg *config.Config) (partner.Store, func(), error) {
	var opts []partner.Option
	if cfg.Partners.Limit > 0 {
		opts = append(opts, partner.WithLimit(cfg.Partners.Limit))
	}
	switch cfg.Partners.Backend {
	case config.PartnersFile:
		return partner.NewFileStore(cfg.Partners.Path, opts...), func() {}, nil
	case config.PartnersPostgres:
		st, closeFn, err := partner.OpenPostgres(ctx, cfg.Partners.PostgresDSN, opts...)
		if err != nil {
			return nil, nil, err
		}
		return st, closeFn, nil
	default:
		return partner.NewMemoryStore(opts...), func() {}, nil
	}
}

// buildCatalogue merges configured characters over the built-in set.
func buildCatalogue(cfg *config.Config) *persona.Catalogue {
	return persona.Builtin().With(cfg.Characters)
}
