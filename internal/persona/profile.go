package persona

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/MrWong99/kokoro/internal/analysis"
)

// Profile defaults.
const (
	DefaultArchetypeID = "ENTP"
	DefaultInterests   = "特になし"
)

// Relationship is the stage of the relationship the user wants to practise.
type Relationship string

const (
	RelationshipCrush      Relationship = "crush"
	RelationshipDatingNew  Relationship = "dating_new"
	RelationshipDatingLong Relationship = "dating_long"
)

// Label returns the short description shown to users and scorers.
func (r Relationship) Label() string {
	switch r {
	case RelationshipDatingNew:
		return "付き合い始めたばかり"
	case RelationshipDatingLong:
		return "長く付き合っている"
	default:
		return "気になっている"
	}
}

func (r Relationship) prompt() string {
	switch r {
	case RelationshipDatingNew:
		return "ユーザーとは「付き合いたて」の関係です。お互いにまだ少し恥じらいがあり、全てが新鮮で楽しい時期です。初々しいカップルのような雰囲気で接してください。"
	case RelationshipDatingLong:
		return "ユーザーとは「長く付き合っている」関係です。深い信頼関係があり、言葉が少なくてものんびりできるような、落ち着いた安心感のある雰囲気で接してください。"
	default:
		return "ユーザーとは「片思い（または友達以上恋人未満）」の関係です。まだ付き合っていませんが、お互いに意識しているような、少し緊張感とドキドキ感のある距離感を演出してください。"
	}
}

// Expressiveness is how openly the assistant shows emotion.
type Expressiveness string

const (
	ExpressivenessReserved   Expressiveness = "reserved"
	ExpressivenessExpressive Expressiveness = "expressive"
)

// Label returns the short description shown to users and scorers.
func (e Expressiveness) Label() string {
	if e == ExpressivenessReserved {
		return "あまり表に出さない"
	}
	return "言葉にして伝えることが多い"
}

func (e Expressiveness) prompt() string {
	if e == ExpressivenessReserved {
		return "あなたの感情表現は「控えめ (reserved)」です。感情をストレートに表に出すのが少し苦手か、あるいはクールな性格です。言葉数は少なめで、態度や声のトーンでさりげなく好意や感情を伝えてください。"
	}
	return "あなたの感情表現は「豊か (expressive)」です。嬉しい時は声を弾ませ、悲しい時はシュンとするなど、感情をストレートかつ分かりやすく表現してください。リアクションは大きめでお願いします。"
}

// Profile is everything the user picks before a conversation.
type Profile struct {
	Archetype      string         `json:"archetype" validate:"required,max=16"`
	Scenario       string         `json:"scenario,omitempty" validate:"max=64"`
	Relationship   Relationship   `json:"relationship" validate:"omitempty,oneof=crush dating_new dating_long"`
	Expressiveness Expressiveness `json:"expressiveness" validate:"omitempty,oneof=reserved expressive"`
	Interests      string         `json:"interests,omitempty" validate:"max=500"`
	DisplayName    string         `json:"display_name,omitempty" validate:"max=64"`
	Pronoun        string         `json:"pronoun,omitempty" validate:"max=32"`
}

// WithDefaults fills unset fields.
func (p Profile) WithDefaults() Profile {
	if p.Archetype == "" {
		p.Archetype = DefaultArchetypeID
	}
	if p.Relationship == "" {
		p.Relationship = RelationshipCrush
	}
	if p.Expressiveness == "" {
		p.Expressiveness = ExpressivenessExpressive
	}
	if strings.TrimSpace(p.Interests) == "" {
		p.Interests = DefaultInterests
	}
	return p
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validate checks field formats and lengths.
func (p Profile) Validate() error {
	validateOnce.Do(func() { validate = validator.New(validator.WithRequiredStructEnabled()) })
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("persona: invalid profile: %w", err)
	}
	return nil
}

const (
	defaultScenarioPrompt = "特別なシチュエーションはありません。電話で自然な雑談をしてください。"
	conversationRules     = `あなたは上記のキャラクターになりきり、電話越しに話しているように自然に振る舞ってください。
ユーザーが話し終わるのを待ってから応答してください。
発言の長さは、短く30文字以内で、テンポの良い会話を意識してください。`
)

// BuildInstructions assembles the realtime instructions for archetype a in
// scenario s. A zero Scenario selects free conversation.
func BuildInstructions(a Archetype, s Scenario, p Profile) string {
	p = p.WithDefaults()

	scenario := s.Prompt
	if scenario == "" {
		scenario = s.Label
	}
	if scenario == "" {
		scenario = defaultScenarioPrompt
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(a.Instructions))
	if p.DisplayName != "" {
		fmt.Fprintf(&b, "\nあなたの名前は「%s」です。", p.DisplayName)
	}
	b.WriteString("\n\n--- 現在のシチュエーション ---\n")
	b.WriteString(scenario)
	b.WriteString("\n\n--- ユーザーとの関係性と性格設定 ---\n")
	fmt.Fprintf(&b, "【関係性】: %s\n", p.Relationship.prompt())
	fmt.Fprintf(&b, "【感情表現】: %s\n", p.Expressiveness.prompt())
	fmt.Fprintf(&b, "【ユーザーの趣味・関心】: %s\n", p.Interests)
	b.WriteString("(会話の中で、ユーザーの趣味・関心に関連する話題があれば、自然に触れて話を広げてください)\n")
	b.WriteString("\n--- 会話のルール ---\n")
	b.WriteString(conversationRules)
	return b.String()
}

// Resolved is a profile bound to catalogue entries.
type Resolved struct {
	Profile      Profile
	Archetype    Archetype
	Scenario     Scenario
	Instructions string
}

// Name returns the partner's name for breadcrumbs: the chosen display name,
// or the archetype's.
func (r Resolved) Name() string {
	if r.Profile.DisplayName != "" {
		return r.Profile.DisplayName
	}
	return r.Archetype.DisplayName()
}

// AnalysisContext returns the session context handed to the scorer.
func (r Resolved) AnalysisContext() analysis.SessionContext {
	return analysis.SessionContext{
		PersonalityArchetype: r.Archetype.ID,
		PersonalityPrompt:    strings.TrimSpace(r.Archetype.Instructions),
		ScenarioText:         r.Scenario.Label,
		ExpressivenessMode:   r.Profile.Expressiveness.Label(),
		Interests:            r.Profile.Interests,
		RelationshipStage:    r.Profile.Relationship.Label(),
		DisplayName:          r.Name(),
	}
}

// Resolve binds p to the catalogue. Unknown archetypes fall back to the
// default; unknown scenarios select free conversation.
func (c *Catalogue) Resolve(p Profile) Resolved {
	p = p.WithDefaults()
	a := c.ResolveArchetype(p.Archetype)
	s, _ := c.Scenario(p.Scenario)
	return Resolved{
		Profile:      p,
		Archetype:    a,
		Scenario:     s,
		Instructions: BuildInstructions(a, s, p),
	}
}
