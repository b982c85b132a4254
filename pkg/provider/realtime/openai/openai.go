// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// Each transport opens a WebSocket to the Realtime endpoint authenticated with
// a short-lived client secret, then exchanges JSON events according to the
// Realtime protocol. Audio travels as base64-encoded PCM16 in both directions.
// Provider events are decoded into the closed realtime.Event set; everything
// else is surfaced as realtime.Unknown.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/kokoro/pkg/provider/realtime"
)

// Compile-time assertions that Provider and Transport satisfy the realtime interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Transport = (*Transport)(nil)

const (
	// DefaultModel is the realtime model used when neither the provider nor the
	// session options name one.
	DefaultModel   = "gpt-4o-realtime-preview-2025-06-03"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// readLimit bounds a single inbound frame. Audio deltas routinely exceed the
	// websocket library's 32 KiB default.
	readLimit = 4 << 20

	eventBuffer = 64
)

// Voices lists the voice identifiers accepted by the Realtime API.
var Voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default model for transports that do not name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local fake server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Provider. Credentials are supplied per connection, so no API
// key is held here.
func New(opts ...Option) *Provider {
	p := &Provider{
		model:   DefaultModel,
		baseURL: defaultBaseURL,
	}
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
	model := opts.Model
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		url:        fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(model)),
		httpClient: p.httpClient,
		sink:       sink,
		opts:       opts,
		events:     make(chan realtime.Event, eventBuffer),
		cancelled:  make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string `json:"type"`
	Session any    `json:"session"`
}

type sessionParams struct {
	Modalities              []string                `json:"modalities"`
	Voice                   string                  `json:"voice,omitempty"`
	Instructions            string                  `json:"instructions,omitempty"`
	InputAudioFormat        string                  `json:"input_audio_format"`
	OutputAudioFormat       string                  `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams    `json:"input_audio_transcription,omitempty"`
	TurnDetection           *realtime.TurnDetection `json:"turn_detection"`
}

// turnDetectionParams is the partial session used for live turn-taking
// updates. TurnDetection is deliberately not omitempty: null selects manual.
type turnDetectionParams struct {
	TurnDetection *realtime.TurnDetection `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	ID      string             `json:"id,omitempty"`
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	ItemID     string `json:"item_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`

	// response.audio.delta, response.audio_transcript.delta, response.text.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed, response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.text.done
	Text string `json:"text,omitempty"`

	// conversation.item.created
	Item *conversationItem `json:"item,omitempty"`

	// response.created
	Response *struct {
		ID string `json:"id"`
	} `json:"response,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail is the nested object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Transport ─────────────────────────────────────────────────────────────────

// Transport is a single OpenAI Realtime conversation.
type Transport struct {
	url        string
	httpClient *http.Client
	sink       realtime.AudioSink
	opts       realtime.SessionOptions
	events     chan realtime.Event

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	muted   bool
	errVal  error

	// currentResponse is the id of the response whose audio is streaming.
	// cancelled holds ids whose remaining audio must be dropped.
	currentResponse string
	cancelled       map[string]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Connect dials the Realtime endpoint with token as bearer credential and sends
// the initial session.update.
func (t *Transport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return realtime.ErrClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		return fmt.Errorf("openai: already connected")
	}
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
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

	if err := t.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: t.sessionParams()}); err != nil {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		t.closeEvents()
		return &realtime.TransportError{Op: "session update", Err: err}
	}

	go t.receiveLoop(conn)
	return nil
}

func (t *Transport) sessionParams() sessionParams {
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Voice:             t.opts.Voice,
		Instructions:      t.opts.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     t.opts.TurnDetection,
	}
	if t.opts.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: t.opts.TranscriptionModel}
	}
	return params
}

// SendEvent encodes ev in the Realtime wire format and writes it.
func (t *Transport) SendEvent(ctx context.Context, ev realtime.ClientEvent) error {
	msg, err := encodeClientEvent(ev)
	if err != nil {
		return err
	}
	return t.writeJSON(ctx, msg)
}

func encodeClientEvent(ev realtime.ClientEvent) (any, error) {
	switch e := ev.(type) {
	case realtime.SessionUpdate:
		return sessionUpdateMessage{
			Type:    e.ClientEventType(),
			Session: turnDetectionParams{TurnDetection: e.TurnDetection},
		}, nil
	case realtime.InputAudioClear, realtime.InputAudioCommit, realtime.ResponseCreate, realtime.ResponseCancel:
		return typeOnlyMessage{Type: e.ClientEventType()}, nil
	case realtime.UserMessage:
		return createConversationItemMessage{
			Type: e.ClientEventType(),
			Item: conversationItem{
				ID:      e.ItemID,
				Type:    "message",
				Role:    "user",
				Content: []conversationPart{{Type: "input_text", Text: e.Text}},
			},
		}, nil
	case nil:
		return nil, fmt.Errorf("openai: nil client event")
	default:
		return nil, fmt.Errorf("openai: unsupported client event %T", ev)
	}
}

// SendAudio appends a PCM16 chunk to the input audio buffer.
func (t *Transport) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return t.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Mute gates synthesised audio delivery to the sink.
func (t *Transport) Mute(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

// Interrupt cancels the in-progress response. Audio deltas still in flight for
// that response are discarded.
func (t *Transport) Interrupt(ctx context.Context) error {
	t.mu.Lock()
	if t.currentResponse != "" {
		t.cancelled[t.currentResponse] = struct{}{}
		t.currentResponse = ""
	}
	t.mu.Unlock()
	return t.writeJSON(ctx, typeOnlyMessage{Type: "response.cancel"})
}

// Events returns the decoded event stream.
func (t *Transport) Events() <-chan realtime.Event { return t.events }

// Err returns the error that terminated the receive loop, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errVal
}

// Close terminates the connection and releases all resources. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	started := t.started
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	// Without a receive loop nobody else will close the channel.
	if !started {
		t.closeEvents()
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
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
		return fmt.Errorf("openai: marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &realtime.TransportError{Op: "write", Err: err}
	}
	return nil
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns the
// events channel and closes it when it exits.
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

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: dropping undecodable event", "err", err)
			continue
		}

		ev, ok := t.handleServerEvent(&evt, data)
		if !ok {
			continue
		}
		select {
		case t.events <- ev:
		case <-t.ctx.Done():
			return
		}
	}
}

// handleServerEvent performs transport-internal bookkeeping (audio routing,
// response tracking) and returns the event to publish, if any.
func (t *Transport) handleServerEvent(evt *serverEvent, raw []byte) (realtime.Event, bool) {
	switch evt.Type {
	case "response.created":
		if evt.Response != nil {
			t.mu.Lock()
			t.currentResponse = evt.Response.ID
			t.mu.Unlock()
		}
		return nil, false

	case "response.audio.delta":
		t.routeAudio(evt.ResponseID, evt.Delta)
		return nil, false

	case "response.done":
		t.mu.Lock()
		if evt.Response != nil {
			delete(t.cancelled, evt.Response.ID)
			if t.currentResponse == evt.Response.ID {
				t.currentResponse = ""
			}
		}
		t.mu.Unlock()
		return realtime.Unknown{Type: evt.Type, Raw: raw}, true

	case "conversation.item.created":
		if evt.Item == nil {
			return realtime.Unknown{Type: evt.Type, Raw: raw}, true
		}
		return realtime.ItemCreated{
			ItemID:   evt.Item.ID,
			ItemType: evt.Item.Type,
			Role:     evt.Item.Role,
			Text:     firstText(evt.Item.Content),
		}, true

	case "conversation.item.input_audio_transcription.completed":
		return realtime.TranscriptionCompleted{ItemID: evt.ItemID, Transcript: evt.Transcript}, true

	case "response.audio_transcript.delta", "response.text.delta":
		return realtime.ResponseDelta{ItemID: evt.ItemID, Delta: evt.Delta}, true

	case "response.audio_transcript.done":
		return realtime.ResponseDone{ItemID: evt.ItemID, Text: evt.Transcript}, true

	case "response.text.done":
		return realtime.ResponseDone{ItemID: evt.ItemID, Text: evt.Text}, true

	case "error":
		out := realtime.ErrorEvent{Message: "unknown error"}
		if evt.Error != nil {
			out.Code = evt.Error.Code
			if evt.Error.Message != "" {
				out.Message = evt.Error.Message
			}
		}
		return out, true

	default:
		return realtime.Unknown{Type: evt.Type, Raw: raw}, true
	}
}

// routeAudio decodes an audio delta and hands it to the sink unless the
// transport is muted or the response was interrupted.
func (t *Transport) routeAudio(responseID, delta string) {
	if delta == "" {
		return
	}
	t.mu.Lock()
	_, dropped := t.cancelled[responseID]
	muted := t.muted
	t.mu.Unlock()
	if muted || dropped {
		return
	}

	pcm, err := base64.StdEncoding.DecodeString(delta)
	if err != nil || len(pcm) == 0 {
		return
	}
	if err := t.sink.WriteAudio(pcm); err != nil {
		slog.Debug("openai: audio sink rejected chunk", "err", err)
	}
}

func firstText(parts []conversationPart) string {
	for _, p := range parts {
		if p.Text != "" {
			return p.Text
		}
		if p.Transcript != "" {
			return p.Transcript
		}
	}
	return ""
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
