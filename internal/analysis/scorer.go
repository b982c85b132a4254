package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/MrWong99/kokoro/internal/observe"
	"github.com/MrWong99/kokoro/pkg/provider/llm"
)

// Scorer is the external scoring collaborator. Implementations return a
// [*MalformedReportError] or a [*ReportUnavailableError] on failure.
type Scorer interface {
	RequestReport(ctx context.Context, log string, sc SessionContext) (Report, error)
}

// ScorerFunc adapts a function to [Scorer].
type ScorerFunc func(ctx context.Context, log string, sc SessionContext) (Report, error)

// RequestReport calls f.
func (f ScorerFunc) RequestReport(ctx context.Context, log string, sc SessionContext) (Report, error) {
	return f(ctx, log, sc)
}

var systemPrompt = template.Must(template.New("system").Parse(`あなたは恋愛シミュレーションの「心の動きをそっと言語化する実況者」です。
会話ログには【ユーザー】と【相手】の発言が記録されています。
会話を評価・採点する立場ではなく、相手（{{.PersonalityArchetype}}タイプ）の心の中で
「何が起きたか」を静かに描写してください。

「評価」「正解」「適切」「良かった」など、
上から目線や講評に聞こえる言葉は一切使わないでください。

【対象データ】
相手の名前: {{.DisplayName}}
相手の性格タイプ: {{.PersonalityArchetype}}

[相手の基本性格情報]
{{.PersonalityPrompt}}

［その他の情報］
感情表現: {{.ExpressivenessMode}}
趣味: {{.Interests}}
状況: {{.ScenarioText}}
関係性: {{.RelationshipStage}}

【出力項目ルール（厳守）】

1. score
0〜100の数値で表す「心の距離の近さ（恋愛的な好意の温度）」。
- 冷たい・突き放す・軽視する発言があった場合は、好意が一気に下がってもよい。
- 必ずしも高得点にする必要はない。
- 違和感・引っかかり・壁が生まれた場合は、低めの数値を選ぶ。

2. mbti_insight
この状況での{{.PersonalityArchetype}}タイプ特有の思考回路や心理状態を、
「〜と感じやすい」「〜と考えがち」といった表現で説明する。分析しすぎず、感情寄りで。

3. comment（最重要）
- ユーザーを評価・批評しない。
- 実際のセリフを引用し、その言葉によって相手の心がどう揺れたかを書く。
- 感情を主語にする。
- 第三者が心の中をのぞいて言葉にしているようなトーンにする。

4. best_response
- ユーザーが次に言えたら、相手の心が少し動きやすくなるセリフ。
- 相手の独白や感想にしない。教科書的・万能な言い回しは禁止。
- 相手の名前（{{.DisplayName}}）を自然に呼ぶことで親密度が増すなら、名前を含める。

5. ng_response
この性格・状況で、言われると心に引っかかりやすい言葉。

6. ng_reason
「ダメだから」ではなく、「そう言われると〜と感じてしまい、無意識に距離を取ってしまいそう」
という感情の動きで説明する。

出力形式(JSON):
{"score": number, "mbti_insight": string, "comment": string, "best_response": string, "ng_response": string, "ng_reason": string}`))

// SystemPrompt renders the scoring instructions for sc.
func SystemPrompt(sc SessionContext) (string, error) {
	var b strings.Builder
	if err := systemPrompt.Execute(&b, sc); err != nil {
		return "", fmt.Errorf("analysis: render prompt: %w", err)
	}
	return b.String(), nil
}

// LLMScorer scores conversations with a chat-completion model in JSON mode.
type LLMScorer struct {
	provider    llm.Provider
	name        string
	temperature float64
	metrics     *observe.Metrics
}

// LLMOption configures an [LLMScorer].
type LLMOption func(*LLMScorer)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) LLMOption {
	return func(s *LLMScorer) { s.temperature = t }
}

// WithProviderName labels provider metrics.
func WithProviderName(name string) LLMOption {
	return func(s *LLMScorer) { s.name = name }
}

// WithScorerMetrics records provider requests and errors.
func WithScorerMetrics(m *observe.Metrics) LLMOption {
	return func(s *LLMScorer) { s.metrics = m }
}

// NewLLMScorer returns a scorer backed by p.
func NewLLMScorer(p llm.Provider, opts ...LLMOption) *LLMScorer {
	s := &LLMScorer{provider: p, name: "llm"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RequestReport implements [Scorer].
func (s *LLMScorer) RequestReport(ctx context.Context, log string, sc SessionContext) (Report, error) {
	ctx, span := observe.StartSpan(ctx, "analysis.request_report")
	defer span.End()

	system, err := SystemPrompt(sc)
	if err != nil {
		return Report{}, &ReportUnavailableError{Err: err}
	}
	req := llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "会話ログ:\n" + log}},
		Temperature:  s.temperature,
		JSONMode:     true,
	}
	resp, err := s.provider.Complete(ctx, req)
	if err != nil {
		observe.RecordError(ctx, err)
		s.metrics.RecordProviderRequest(ctx, s.name, "llm", "error")
		s.metrics.RecordProviderError(ctx, s.name, "llm")
		return Report{}, &ReportUnavailableError{Err: err}
	}
	if resp == nil {
		s.metrics.RecordProviderRequest(ctx, s.name, "llm", "error")
		return Report{}, &ReportUnavailableError{Err: errors.New("provider returned no response")}
	}
	s.metrics.RecordProviderRequest(ctx, s.name, "llm", "ok")
	if err := resp.Check(req); err != nil {
		observe.RecordError(ctx, err)
		return Report{}, &MalformedReportError{Reason: err.Error()}
	}

	r, err := ParseReport([]byte(resp.Content))
	if err != nil {
		observe.RecordError(ctx, err)
		return Report{}, err
	}
	return r, nil
}

var (
	_ Scorer = (*LLMScorer)(nil)
	_ Scorer = ScorerFunc(nil)
)
