package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/kokoro/internal/observe"
)

// Minting defaults.
const (
	DefaultMintModel = "gpt-4o-realtime-preview-2024-12-17"
	DefaultMintVoice = "verse"
)

// OpenAIMinter mints ephemeral realtime client secrets with a long-lived API
// key. The key itself never leaves the process.
type OpenAIMinter struct {
	client  oai.Client
	model   string
	voice   string
	metrics *observe.Metrics
}

type minterConfig struct {
	model      string
	voice      string
	baseURL    string
	httpClient *http.Client
	metrics    *observe.Metrics
}

// MinterOption configures an [OpenAIMinter].
type MinterOption func(*minterConfig)

// WithModel sets the realtime model the secret is minted for.
func WithModel(model string) MinterOption {
	return func(c *minterConfig) { c.model = model }
}

// WithVoice sets the voice the secret is minted for.
func WithVoice(voice string) MinterOption {
	return func(c *minterConfig) { c.voice = voice }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) MinterOption {
	return func(c *minterConfig) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for minting.
func WithHTTPClient(hc *http.Client) MinterOption {
	return func(c *minterConfig) { c.httpClient = hc }
}

// WithMetrics records minting latency.
func WithMetrics(m *observe.Metrics) MinterOption {
	return func(c *minterConfig) { c.metrics = m }
}

// NewOpenAIMinter returns a minter using apiKey. An empty key is a
// configuration error reported as [*Error] wrapping [ErrMissingKey].
func NewOpenAIMinter(apiKey string, opts ...MinterOption) (*OpenAIMinter, error) {
	if apiKey == "" {
		return nil, &Error{Op: "mint", Err: ErrMissingKey}
	}
	cfg := minterConfig{model: DefaultMintModel, voice: DefaultMintVoice}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &OpenAIMinter{
		client:  oai.NewClient(reqOpts...),
		model:   cfg.model,
		voice:   cfg.voice,
		metrics: cfg.metrics,
	}, nil
}

type mintRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

type mintResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Token mints one client secret.
func (m *OpenAIMinter) Token(ctx context.Context) (Token, error) {
	ctx, span := observe.StartSpan(ctx, "credential.mint")
	defer span.End()

	start := time.Now()
	var res mintResponse
	err := m.client.Post(ctx, "realtime/sessions", mintRequest{Model: m.model, Voice: m.voice}, &res)
	if err != nil {
		m.metrics.RecordCredential(ctx, "mint", "error", time.Since(start))
		observe.RecordError(ctx, err)
		cerr := &Error{Op: "mint", Err: err}
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			cerr.Status = apiErr.StatusCode
		}
		return Token{}, cerr
	}
	if res.ClientSecret.Value == "" {
		m.metrics.RecordCredential(ctx, "mint", "error", time.Since(start))
		return Token{}, &Error{Op: "decode", Err: fmt.Errorf("response has no client_secret.value")}
	}
	m.metrics.RecordCredential(ctx, "mint", "ok", time.Since(start))

	tok := Token{Value: res.ClientSecret.Value}
	if res.ClientSecret.ExpiresAt > 0 {
		tok.ExpiresAt = time.Unix(res.ClientSecret.ExpiresAt, 0)
	}
	observe.Logger(ctx).Debug("credential minted", "model", m.model, "expires_at", tok.ExpiresAt)
	return tok, nil
}

var _ Provider = (*OpenAIMinter)(nil)
