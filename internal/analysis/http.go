package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// maxReplyBytes bounds the scorer reply read into memory.
const maxReplyBytes = 1 << 20

// HTTPScorer posts a [ReviewRequest] to a remote review endpoint, such as the
// kokoro server's /api/review route.
type HTTPScorer struct {
	URL    string
	Client *http.Client
}

// NewHTTPScorer returns an HTTPScorer for url using [http.DefaultClient].
func NewHTTPScorer(url string) *HTTPScorer {
	return &HTTPScorer{URL: url}
}

// RequestReport implements [Scorer].
func (s *HTTPScorer) RequestReport(ctx context.Context, log string, sc SessionContext) (Report, error) {
	body, err := json.Marshal(ReviewRequest{ConversationLog: log, SessionContext: sc})
	if err != nil {
		return Report{}, &ReportUnavailableError{Err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return Report{}, &ReportUnavailableError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	hc := s.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Report{}, &ReportUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Report{}, &ReportUnavailableError{Err: fmt.Errorf("read reply: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Report{}, &ReportUnavailableError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}
	return ParseReport(raw)
}

var _ Scorer = (*HTTPScorer)(nil)
