package credential

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/kokoro/internal/observe"
)

// maxBody bounds the credential reply read into memory.
const maxBody = 64 << 10

// EndpointProvider fetches a token from a backend that mints on the client's
// behalf, such as the kokoro server's /api/session route.
type EndpointProvider struct {
	URL     string
	Client  *http.Client
	Metrics *observe.Metrics
}

// NewEndpointProvider returns an EndpointProvider for url using
// [http.DefaultClient].
func NewEndpointProvider(url string) *EndpointProvider {
	return &EndpointProvider{URL: url}
}

// Token performs one GET and extracts client_secret.value. A bare top-level
// "value" is accepted as well.
func (p *EndpointProvider) Token(ctx context.Context) (Token, error) {
	start := time.Now()
	tok, err := p.fetch(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.Metrics.RecordCredential(ctx, "endpoint", status, time.Since(start))
	return tok, err
}

func (p *EndpointProvider) fetch(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Token{}, &Error{Op: "fetch", Err: err}
	}
	hc := p.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Token{}, &Error{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Token{}, &Error{Op: "fetch", Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Token{}, &Error{Op: "fetch", Status: resp.StatusCode, Err: fmt.Errorf("%s", msg)}
	}
	if !gjson.ValidBytes(body) {
		return Token{}, &Error{Op: "decode", Status: resp.StatusCode, Err: fmt.Errorf("reply is not JSON")}
	}

	value := gjson.GetBytes(body, "client_secret.value")
	expires := gjson.GetBytes(body, "client_secret.expires_at")
	if !value.Exists() {
		value = gjson.GetBytes(body, "value")
		expires = gjson.GetBytes(body, "expires_at")
	}
	if value.Type != gjson.String || value.String() == "" {
		return Token{}, &Error{Op: "decode", Status: resp.StatusCode, Err: fmt.Errorf("reply has no client secret")}
	}

	tok := Token{Value: value.String()}
	if n := expires.Int(); n > 0 {
		tok.ExpiresAt = time.Unix(n, 0)
	}
	return tok, nil
}

var _ Provider = (*EndpointProvider)(nil)
