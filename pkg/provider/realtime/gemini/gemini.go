// Package gemini implements the realtime.Provider interface for Google's
// Gemini Live API (BidiGenerateContent over WebSocket).
//
// Gemini Live has no conversation items. The transport assigns an item id per
// user and per assistant turn and maps input transcription to
// realtime.TranscriptionCompleted and output transcription to
// realtime.ResponseDelta / realtime.ResponseDone. Turn detection is fixed for
// the lifetime of a session; a mode switch applies on the next connect.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/MrWong99/kokoro/pkg/provider/realtime"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Transport = (*Transport)(nil)

const (
	DefaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keyMethod       = "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	ephemeralMethod = "google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContentConstrained"

	// inputMIME matches the PCM16 rate the rest of kokoro produces; the
	// service resamples.
	inputMIME = "audio/pcm;rate=24000"

	readLimit         = 4 << 20
	eventBuffer       = 64
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// Voices lists the prebuilt Gemini Live voices.
var Voices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default model for transports that do not name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Tests point it at a local
// fake server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithVoice sets the voice used when the session asks for one Gemini does
// not know (the persona catalogue names OpenAI voices).
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithEphemeralTokens authenticates with short-lived auth tokens on the
// constrained endpoint instead of an API key.
func WithEphemeralTokens() Option {
	return func(p *Provider) { p.ephemeral = true }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for Gemini Live.
type Provider struct {
	model      string
	baseURL    string
	voice      string
	ephemeral  bool
	httpClient *http.Client
}

// New creates a Provider. The credential arrives per connection.
func New(opts ...Option) *Provider {
	p := &Provider{model: DefaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewTransport returns an unconnected Transport bound to sink.
func (p *Provider) NewTransport(sink realtime.AudioSink, opts realtime.SessionOptions) (realtime.Transport, error) {
	if sink == nil {
		sink = realtime.Discard
	}
	if opts.Model == "" {
		opts.Model = p.model
	}
	if opts.Model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}
	if !slices.Contains(Voices, opts.Voice) {
		if opts.Voice != "" {
			slog.Debug("gemini: unknown voice, using default", "voice", opts.Voice, "default", p.voice)
		}
		opts.Voice = p.voice
	}

	method, param := keyMethod, "key"
	if p.ephemeral {
		method, param = ephemeralMethod, "access_token"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		endpoint:   p.baseURL + "/" + method,
		authParam:  param,
		httpClient: p.httpClient,
		sink:       sink,
		opts:       opts,
		manual:     opts.TurnDetection == nil,
		events:     make(chan realtime.Event, eventBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model                    string              `json:"model"`
	GenerationConfig         generationConfig    `json:"generationConfig"`
	SystemInstruction        *content            `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      realtimeInputConfig `json:"realtimeInputConfig"`
	InputAudioTranscription  *struct{}           `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}           `json:"outputAudioTranscription"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection activityDetection `json:"automaticActivityDetection"`
}

type activityDetection struct {
	Disabled                 bool   `json:"disabled"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio         *blob     `json:"audio,omitempty"`
	ActivityStart *struct{} `json:"activityStart,omitempty"`
	ActivityEnd   *struct{} `json:"activityEnd,omitempty"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *serverError     `json:"error,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── Transport ─────────────────────────────────────────────────────────────────

// Transport is a single Gemini Live conversation.
type Transport struct {
	endpoint   string
	authParam  string
	httpClient *http.Client
	sink       realtime.AudioSink
	opts       realtime.SessionOptions
	manual     bool
	events     chan realtime.Event

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	muted   bool
	errVal  error

	// Turn bookkeeping. seq numbers synthesised item ids; userItem and
	// modelItem are the open turns. dropping discards the rest of a model
	// turn the caller interrupted.
	seq       int
	userItem  string
	userText  string
	modelItem string
	modelText string
	replying  bool
	dropping  bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Connect dials Gemini Live with token as API key (or ephemeral token), sends
// the setup message and waits for setupComplete.
func (t *Transport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return realtime.ErrClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		return errors.New("gemini: already connected")
	}
	t.mu.Unlock()

	u := t.endpoint + "?" + url.Values{t.authParam: {token}}.Encode()
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: t.httpClient})
	if err != nil {
		return &realtime.TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(readLimit)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "transport closed")
		return realtime.ErrClosed
	}
	t.conn = conn
	t.started = true
	t.mu.Unlock()

	if err := t.handshake(ctx, conn); err != nil {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.cancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		t.closeEvents()
		return &realtime.TransportError{Op: "setup", Err: err}
	}

	go t.receiveLoop(conn)
	go t.keepalive(conn)
	return nil
}

func (t *Transport) handshake(ctx context.Context, conn *websocket.Conn) error {
	if err := t.writeJSON(ctx, setupMessage{Setup: t.buildSetup()}); err != nil {
		return err
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return errors.New(msg.Error.Message)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func (t *Transport) buildSetup() setup {
	s := setup{
		Model:                    "models/" + t.opts.Model,
		GenerationConfig:         generationConfig{ResponseModalities: []string{"AUDIO"}},
		OutputAudioTranscription: &struct{}{},
	}
	if t.opts.Instructions != "" {
		s.SystemInstruction = &content{Parts: []part{{Text: t.opts.Instructions}}}
	}
	if t.opts.Voice != "" {
		sc := &speechConfig{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = t.opts.Voice
		s.GenerationConfig.SpeechConfig = sc
	}
	if t.opts.TranscriptionModel != "" {
		// Gemini has no model choice; asking for transcription enables it.
		s.InputAudioTranscription = &struct{}{}
	}
	s.RealtimeInputConfig.AutomaticActivityDetection = detection(t.opts.TurnDetection)
	return s
}

// detection maps server VAD settings onto Gemini's activity detection. A
// high threshold means speech must be clear before it counts.
func detection(td *realtime.TurnDetection) activityDetection {
	if td == nil {
		return activityDetection{Disabled: true}
	}
	sens := "START_SENSITIVITY_HIGH"
	if td.Threshold >= 0.5 {
		sens = "START_SENSITIVITY_LOW"
	}
	return activityDetection{
		StartOfSpeechSensitivity: sens,
		PrefixPaddingMs:          td.PrefixPaddingMs,
		SilenceDurationMs:        td.SilenceDurationMs,
	}
}

// SendEvent translates ev into Gemini Live input. Push-to-talk clear and
// commit become activity start and end in manual sessions. ResponseCreate is
// implicit in Gemini and sends nothing.
func (t *Transport) SendEvent(ctx context.Context, ev realtime.ClientEvent) error {
	switch e := ev.(type) {
	case realtime.SessionUpdate:
		if (e.TurnDetection == nil) == t.manual {
			return nil
		}
		return fmt.Errorf("gemini: switch turn detection mid-session: %w", realtime.ErrUnsupported)
	case realtime.InputAudioClear:
		if !t.manual {
			return nil
		}
		return t.writeJSON(ctx, realtimeInputMessage{RealtimeInput: realtimeInput{ActivityStart: &struct{}{}}})
	case realtime.InputAudioCommit:
		if !t.manual {
			return nil
		}
		return t.writeJSON(ctx, realtimeInputMessage{RealtimeInput: realtimeInput{ActivityEnd: &struct{}{}}})
	case realtime.ResponseCreate:
		return nil
	case realtime.ResponseCancel:
		return t.Interrupt(ctx)
	case realtime.UserMessage:
		t.mu.Lock()
		t.userItem, t.userText = "", ""
		t.mu.Unlock()
		return t.writeJSON(ctx, clientContentMessage{ClientContent: clientContent{
			Turns:        []content{{Role: "user", Parts: []part{{Text: e.Text}}}},
			TurnComplete: true,
		}})
	case nil:
		return errors.New("gemini: nil client event")
	default:
		return fmt.Errorf("gemini: unsupported client event %T", ev)
	}
}

// SendAudio streams a PCM16 chunk as realtime input.
func (t *Transport) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return t.writeJSON(ctx, realtimeInputMessage{RealtimeInput: realtimeInput{
		Audio: &blob{MIMEType: inputMIME, Data: base64.StdEncoding.EncodeToString(pcm)},
	}})
}

// Mute gates synthesised audio delivery to the sink.
func (t *Transport) Mute(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

// Interrupt silences the current model turn. Gemini Live has no cancel
// message, so the rest of the turn's audio and transcription is dropped
// locally until the service reports the turn complete.
func (t *Transport) Interrupt(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return realtime.ErrClosed
	}
	if t.replying {
		t.dropping = true
	}
	return nil
}

// Events returns the decoded event stream.
func (t *Transport) Events() <-chan realtime.Event { return t.events }

// Err returns the error that terminated the receive loop, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errVal
}

// Close terminates the connection. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn, started := t.conn, t.started
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if !started {
		t.closeEvents()
	}
	return nil
}

func (t *Transport) writeJSON(ctx context.Context, v any) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return realtime.ErrClosed
	}
	if conn == nil {
		return realtime.ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &realtime.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *Transport) receiveLoop(conn *websocket.Conn) {
	defer t.closeEvents()

	for {
		_, data, err := conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.setErr(&realtime.TransportError{Op: "read", Err: err})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: dropping undecodable message", "err", err)
			continue
		}
		for _, ev := range t.translate(&msg, data) {
			select {
			case t.events <- ev:
			case <-t.ctx.Done():
				return
			}
		}
	}
}

// translate updates turn bookkeeping, routes audio and returns the events to
// publish for one server message.
func (t *Transport) translate(msg *serverMessage, raw []byte) []realtime.Event {
	var out []realtime.Event
	if msg.Error != nil {
		e := realtime.ErrorEvent{Code: msg.Error.Status, Message: msg.Error.Message}
		if e.Message == "" {
			e.Message = "unknown error"
		}
		out = append(out, e)
	}
	sc := msg.ServerContent
	if sc == nil {
		if msg.Error == nil && msg.SetupComplete == nil {
			out = append(out, realtime.Unknown{Type: messageKind(raw), Raw: raw})
		}
		return out
	}

	if tr := sc.InputTranscription; tr != nil && tr.Text != "" {
		out = append(out, t.userFragment(tr.Text)...)
	}
	if sc.ModelTurn != nil {
		// Text parts of an audio turn are model thoughts; the spoken text
		// arrives as output transcription.
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				t.routeAudio(p.InlineData.Data)
			}
		}
	}
	if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
		out = append(out, t.modelFragment(tr.Text)...)
	}
	if sc.TurnComplete || sc.Interrupted {
		out = append(out, t.finishTurn()...)
	}
	return out
}

func (t *Transport) nextID(role string) string {
	t.seq++
	return fmt.Sprintf("gemini-%s-%d", role, t.seq)
}

// userFragment grows the open user turn. Gemini streams input transcription
// in pieces, so each fragment republishes the full text so far.
func (t *Transport) userFragment(text string) []realtime.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []realtime.Event
	if t.userItem == "" {
		t.userItem, t.userText = t.nextID("user"), ""
		out = append(out, realtime.ItemCreated{ItemID: t.userItem, ItemType: "message", Role: "user"})
	}
	t.userText += text
	return append(out, realtime.TranscriptionCompleted{ItemID: t.userItem, Transcript: t.userText})
}

func (t *Transport) modelFragment(text string) []realtime.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replying = true
	if t.dropping {
		return nil
	}
	var out []realtime.Event
	if t.modelItem == "" {
		t.modelItem, t.modelText = t.nextID("model"), ""
		t.userItem, t.userText = "", ""
		out = append(out, realtime.ItemCreated{ItemID: t.modelItem, ItemType: "message", Role: "assistant"})
	}
	t.modelText += text
	return append(out, realtime.ResponseDelta{ItemID: t.modelItem, Delta: text})
}

// finishTurn closes the model turn with the text published so far.
func (t *Transport) finishTurn() []realtime.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []realtime.Event
	if t.modelItem != "" {
		out = append(out, realtime.ResponseDone{ItemID: t.modelItem, Text: t.modelText})
	}
	t.modelItem, t.modelText = "", ""
	t.userItem, t.userText = "", ""
	t.replying, t.dropping = false, false
	return out
}

func (t *Transport) routeAudio(data string) {
	t.mu.Lock()
	t.replying = true
	drop := t.muted || t.dropping
	t.mu.Unlock()
	if drop || data == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(pcm) == 0 {
		return
	}
	if err := t.sink.WriteAudio(pcm); err != nil {
		slog.Debug("gemini: audio sink rejected chunk", "err", err)
	}
}

// messageKind names a message by its top-level key, e.g. "goAway".
func messageKind(raw []byte) string {
	kind := "unknown"
	gjson.ParseBytes(raw).ForEach(func(key, _ gjson.Result) bool {
		kind = key.String()
		return false
	})
	return kind
}

func (t *Transport) keepalive(conn *websocket.Conn) {
	tick := time.NewTicker(keepaliveInterval)
	defer tick.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(t.ctx, keepaliveTimeout)
			_ = conn.Ping(ctx)
			cancel()
		}
	}
}

func (t *Transport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.errVal == nil {
		t.errVal = err
	}
}

func (t *Transport) closeEvents() {
	t.closeOnce.Do(func() { close(t.events) })
}
