// Package analysis turns a finished conversation into a relationship-score
// report.
//
// When a session ends, a [Handoff] serialises the chronological, visible
// messages of the transcript into a role-labelled log ([BuildLog]) and hands
// it, together with a [SessionContext], to a [Scorer]. The reply must be a
// JSON object with all six report fields; [ParseReport] enforces this.
//
// Failures are typed: [*MalformedReportError] when the reply cannot be used,
// [*ReportUnavailableError] when no reply arrived. Neither affects the
// realtime session.
package analysis

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"
)

// Report is the structured feedback for one conversation. It is immutable
// once produced.
type Report struct {
	// Score is the closeness of the partner's feelings, 0 to 100.
	Score int `json:"score"`

	// Insight explains how the partner's personality type tends to react.
	Insight string `json:"mbti_insight"`

	// Comment describes how the user's words moved the partner.
	Comment string `json:"comment"`

	// BestResponse is a line the user could say next.
	BestResponse string `json:"best_response"`

	// NGResponse is a line likely to push the partner away.
	NGResponse string `json:"ng_response"`

	// NGReason explains the reaction NGResponse would cause.
	NGReason string `json:"ng_reason"`
}

// MalformedReportError reports a scorer reply that is not a usable report.
type MalformedReportError struct {
	// Field is the offending field, or empty for whole-document problems.
	Field  string
	Reason string
}

func (e *MalformedReportError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("analysis: malformed report: %s: %s", e.Field, e.Reason)
	}
	return "analysis: malformed report: " + e.Reason
}

// ReportUnavailableError reports a network or provider failure.
type ReportUnavailableError struct {
	Err error
}

func (e *ReportUnavailableError) Error() string {
	return fmt.Sprintf("analysis: report unavailable: %v", e.Err)
}

func (e *ReportUnavailableError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is or wraps a [*MalformedReportError].
func IsMalformed(err error) bool {
	var m *MalformedReportError
	return errors.As(err, &m)
}

// IsUnavailable reports whether err is or wraps a [*ReportUnavailableError].
func IsUnavailable(err error) bool {
	var u *ReportUnavailableError
	return errors.As(err, &u)
}

var textFields = []struct {
	key string
	set func(*Report, string)
}{
	{"mbti_insight", func(r *Report, s string) { r.Insight = s }},
	{"comment", func(r *Report, s string) { r.Comment = s }},
	{"best_response", func(r *Report, s string) { r.BestResponse = s }},
	{"ng_response", func(r *Report, s string) { r.NGResponse = s }},
	{"ng_reason", func(r *Report, s string) { r.NGReason = s }},
}

// ParseReport validates and decodes a scorer reply. A Markdown code fence
// around the object is tolerated. The score must be a JSON number in
// [0, 100] and is rounded to the nearest integer; every text field must be a
// JSON string.
func ParseReport(raw []byte) (Report, error) {
	raw = stripFence(raw)
	if len(raw) == 0 {
		return Report{}, &MalformedReportError{Reason: "empty reply"}
	}
	if !gjson.ValidBytes(raw) {
		return Report{}, &MalformedReportError{Reason: "reply is not valid JSON"}
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Report{}, &MalformedReportError{Reason: "reply is not a JSON object"}
	}

	var r Report
	score := doc.Get("score")
	switch {
	case !score.Exists():
		return Report{}, &MalformedReportError{Field: "score", Reason: "missing"}
	case score.Type != gjson.Number:
		return Report{}, &MalformedReportError{Field: "score", Reason: fmt.Sprintf("not numeric: %s", score.Raw)}
	}
	f := score.Float()
	if math.IsNaN(f) || f < 0 || f > 100 {
		return Report{}, &MalformedReportError{Field: "score", Reason: fmt.Sprintf("%s is outside [0, 100]", score.Raw)}
	}
	r.Score = int(math.Round(f))

	for _, tf := range textFields {
		v := doc.Get(tf.key)
		if !v.Exists() {
			return Report{}, &MalformedReportError{Field: tf.key, Reason: "missing"}
		}
		if v.Type != gjson.String {
			return Report{}, &MalformedReportError{Field: tf.key, Reason: "not a string"}
		}
		tf.set(&r, v.String())
	}
	return r, nil
}

// stripFence removes surrounding whitespace and a ```json fence.
func stripFence(raw []byte) []byte {
	raw = bytes.TrimSpace(raw)
	if !bytes.HasPrefix(raw, []byte("```")) {
		return raw
	}
	raw = raw[3:]
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[i+1:]
	} else {
		return nil
	}
	raw = bytes.TrimSpace(raw)
	raw = bytes.TrimSuffix(raw, []byte("```"))
	return bytes.TrimSpace(raw)
}

// ScoreLabel buckets a score for display.
func ScoreLabel(score int) string {
	switch {
	case score >= 80:
		return "かなり近い"
	case score >= 60:
		return "いい感じ"
	case score >= 40:
		return "まだ手探り"
	case score >= 20:
		return "少し距離がある"
	default:
		return "壁ができている"
	}
}

// Render formats the report for a terminal.
func (r Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "心の距離: %d / 100 (%s)\n\n", r.Score, ScoreLabel(r.Score))
	section := func(title, body string) {
		fmt.Fprintf(&b, "■ %s\n%s\n\n", title, strings.TrimSpace(body))
	}
	section("相手の心の動き", r.Insight)
	section("コメント", r.Comment)
	section("次に言えたら良いセリフ", r.BestResponse)
	section("引っかかりやすい言葉", r.NGResponse)
	section("その理由", r.NGReason)
	return strings.TrimRight(b.String(), "\n")
}
