package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/MrWong99/kokoro/pkg/provider/realtime"
	"github.com/MrWong99/kokoro/pkg/provider/realtime/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a fake Live endpoint. The handler receives the
// accepted conn after the setup exchange; setup holds the raw setup frame.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request, setup []byte)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		setup := readFrame(t, conn)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		handler(conn, r, setup)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readFrame: %v", err)
	}
	return data
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func waitClosed(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

func content(sc map[string]any) map[string]any {
	return map[string]any{"serverContent": sc}
}

func connect(t *testing.T, srv *httptest.Server, sink realtime.AudioSink, opts realtime.SessionOptions, popts ...gemini.Option) realtime.Transport {
	t.Helper()
	p := gemini.New(append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, popts...)...)
	tr, err := p.NewTransport(sink, opts)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tr.Connect(ctx, "AIza-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return tr
}

func nextEvent(t *testing.T, tr realtime.Transport) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-tr.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *recordingSink) WriteAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, pcm)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// ── Handshake ─────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type handshake struct {
		path, key string
		setup     []byte
	}
	got := make(chan handshake, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request, setup []byte) {
		got <- handshake{path: r.URL.Path, key: r.URL.Query().Get("key"), setup: setup}
		waitClosed(conn)
	})

	connect(t, srv, nil, realtime.SessionOptions{
		Voice:              "Kore",
		Instructions:       "You are Mara.",
		TranscriptionModel: "whisper-1",
		TurnDetection:      &realtime.TurnDetection{Type: "server_vad", Threshold: 0.6, PrefixPaddingMs: 300, SilenceDurationMs: 500},
	})

	h := <-got
	if !strings.HasSuffix(h.path, "GenerativeService.BidiGenerateContent") {
		t.Errorf("path = %q", h.path)
	}
	if h.key != "AIza-test" {
		t.Errorf("key = %q, want AIza-test", h.key)
	}
	s := gjson.ParseBytes(h.setup).Get("setup")
	for _, c := range []struct{ path, want string }{
		{"model", "models/" + gemini.DefaultModel},
		{"generationConfig.responseModalities.0", "AUDIO"},
		{"generationConfig.speechConfig.voiceConfig.prebuiltVoiceConfig.voiceName", "Kore"},
		{"systemInstruction.parts.0.text", "You are Mara."},
		{"realtimeInputConfig.automaticActivityDetection.startOfSpeechSensitivity", "START_SENSITIVITY_LOW"},
		{"realtimeInputConfig.automaticActivityDetection.silenceDurationMs", "500"},
	} {
		if v := s.Get(c.path).String(); v != c.want {
			t.Errorf("setup.%s = %q, want %q", c.path, v, c.want)
		}
	}
	if s.Get("realtimeInputConfig.automaticActivityDetection.disabled").Bool() {
		t.Error("activity detection disabled in server VAD mode")
	}
	if !s.Get("inputAudioTranscription").Exists() || !s.Get("outputAudioTranscription").Exists() {
		t.Error("transcription not requested")
	}
}

func TestConnect_ManualDisablesDetectionAndForeignVoiceFallsBack(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request, setup []byte) {
		got <- setup
		waitClosed(conn)
	})

	connect(t, srv, nil, realtime.SessionOptions{Voice: "alloy"}, gemini.WithVoice("Puck"), gemini.WithModel("gemini-live-test"))

	s := gjson.ParseBytes(<-got).Get("setup")
	if v := s.Get("model").String(); v != "models/gemini-live-test" {
		t.Errorf("model = %q", v)
	}
	if v := s.Get("generationConfig.speechConfig.voiceConfig.prebuiltVoiceConfig.voiceName").String(); v != "Puck" {
		t.Errorf("voice = %q, want Puck", v)
	}
	if !s.Get("realtimeInputConfig.automaticActivityDetection.disabled").Bool() {
		t.Error("manual session should disable activity detection")
	}
	if s.Get("inputAudioTranscription").Exists() {
		t.Error("input transcription requested without a transcription model")
	}
}

func TestConnect_EphemeralTokenUsesConstrainedEndpoint(t *testing.T) {
	t.Parallel()

	got := make(chan *http.Request, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request, _ []byte) {
		got <- r
		waitClosed(conn)
	})

	connect(t, srv, nil, realtime.SessionOptions{}, gemini.WithEphemeralTokens())

	r := <-got
	if !strings.HasSuffix(r.URL.Path, "BidiGenerateContentConstrained") {
		t.Errorf("path = %q", r.URL.Path)
	}
	if tok := r.URL.Query().Get("access_token"); tok != "AIza-test" {
		t.Errorf("access_token = %q", tok)
	}
}

func TestConnect_SetupErrorFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		readFrame(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 400, "message": "model not found"}})
		waitClosed(conn)
	}))
	t.Cleanup(srv.Close)

	tr, err := gemini.New(gemini.WithBaseURL(wsURL(srv))).NewTransport(nil, realtime.SessionOptions{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = tr.Connect(ctx, "AIza-test")
	var te *realtime.TransportError
	if !errors.As(err, &te) || te.Op != "setup" {
		t.Fatalf("Connect error = %v, want setup TransportError", err)
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("error = %v", err)
	}
}

// ── Transcription ─────────────────────────────────────────────────────────────

func TestTranscription_MapsTurnsToItems(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ []byte) {
		writeJSON(t, conn, content(map[string]any{"inputTranscription": map[string]any{"text": "Hello "}}))
		writeJSON(t, conn, content(map[string]any{"inputTranscription": map[string]any{"text": "there."}}))
		writeJSON(t, conn, content(map[string]any{"outputTranscription": map[string]any{"text": "Hi, "}}))
		writeJSON(t, conn, content(map[string]any{"outputTranscription": map[string]any{"text": "traveller."}}))
		writeJSON(t, conn, content(map[string]any{"turnComplete": true}))
		writeJSON(t, conn, content(map[string]any{"inputTranscription": map[string]any{"text": "Bye."}}))
		waitClosed(conn)
	})

	tr := connect(t, srv, nil, realtime.SessionOptions{TranscriptionModel: "default"})

	var userID, modelID string
	if ev, ok := nextEvent(t, tr).(realtime.ItemCreated); !ok || ev.Role != "user" || ev.ItemType != "message" {
		t.Fatalf("want user ItemCreated, got %#v", ev)
	} else {
		userID = ev.ItemID
	}
	if ev := nextEvent(t, tr); ev != (realtime.TranscriptionCompleted{ItemID: userID, Transcript: "Hello "}) {
		t.Errorf("first fragment = %#v", ev)
	}
	if ev := nextEvent(t, tr); ev != (realtime.TranscriptionCompleted{ItemID: userID, Transcript: "Hello there."}) {
		t.Errorf("accumulated transcript = %#v", ev)
	}
	if ev, ok := nextEvent(t, tr).(realtime.ItemCreated); !ok || ev.Role != "assistant" {
		t.Fatalf("want assistant ItemCreated, got %#v", ev)
	} else {
		modelID = ev.ItemID
	}
	if modelID == userID {
		t.Fatalf("user and model share item id %q", modelID)
	}
	if ev := nextEvent(t, tr); ev != (realtime.ResponseDelta{ItemID: modelID, Delta: "Hi, "}) {
		t.Errorf("delta = %#v", ev)
	}
	if ev := nextEvent(t, tr); ev != (realtime.ResponseDelta{ItemID: modelID, Delta: "traveller."}) {
		t.Errorf("delta = %#v", ev)
	}
	if ev := nextEvent(t, tr); ev != (realtime.ResponseDone{ItemID: modelID, Text: "Hi, traveller."}) {
		t.Errorf("done = %#v", ev)
	}
	ev, ok := nextEvent(t, tr).(realtime.ItemCreated)
	if !ok || ev.Role != "user" {
		t.Fatalf("want new user ItemCreated, got %#v", ev)
	}
	if ev.ItemID == userID {
		t.Errorf("second user turn reused id %q", userID)
	}
}

func TestUnknownMessage(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ []byte) {
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "10s"}})
		waitClosed(conn)
	})

	tr := connect(t, srv, nil, realtime.SessionOptions{})
	ev, ok := nextEvent(t, tr).(realtime.Unknown)
	if !ok || ev.Type != "goAway" {
		t.Errorf("got %#v, want Unknown goAway", ev)
	}
}

// ── Audio ─────────────────────────────────────────────────────────────────────

func audioTurn(pcm []byte) map[string]any {
	return content(map[string]any{"modelTurn": map[string]any{"parts": []any{
		map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(pcm)}},
	}}})
}

func TestAudio_RoutedToSinkUnlessMuted(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ []byte) {
		writeJSON(t, conn, audioTurn([]byte{1, 2}))
		writeJSON(t, conn, content(map[string]any{"outputTranscription": map[string]any{"text": "a"}}))
		readFrame(t, conn) // muted marker from the client
		writeJSON(t, conn, audioTurn([]byte{3, 4}))
		writeJSON(t, conn, content(map[string]any{"turnComplete": true}))
		waitClosed(conn)
	})

	sink := &recordingSink{}
	tr := connect(t, srv, sink, realtime.SessionOptions{})

	nextEvent(t, tr) // ItemCreated
	nextEvent(t, tr) // ResponseDelta
	tr.Mute(true)
	if err := tr.SendAudio(context.Background(), []byte{0}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if _, ok := nextEvent(t, tr).(realtime.ResponseDone); !ok {
		t.Fatal("want ResponseDone")
	}
	if n := sink.count(); n != 1 {
		t.Errorf("sink chunks = %d, want 1", n)
	}
}

func TestInterrupt_DropsRestOfTurn(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ []byte) {
		writeJSON(t, conn, content(map[string]any{"outputTranscription": map[string]any{"text": "Once upon "}}))
		readFrame(t, conn) // client signals it interrupted
		writeJSON(t, conn, audioTurn([]byte{9, 9}))
		writeJSON(t, conn, content(map[string]any{"outputTranscription": map[string]any{"text": "a time"}}))
		writeJSON(t, conn, content(map[string]any{"interrupted": true}))
		writeJSON(t, conn, content(map[string]any{"outputTranscription": map[string]any{"text": "Yes?"}}))
		waitClosed(conn)
	})

	sink := &recordingSink{}
	tr := connect(t, srv, sink, realtime.SessionOptions{})

	nextEvent(t, tr) // ItemCreated
	nextEvent(t, tr) // ResponseDelta "Once upon "
	if err := tr.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if err := tr.SendAudio(context.Background(), []byte{0}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	if ev := nextEvent(t, tr).(realtime.ResponseDone); ev.Text != "Once upon " {
		t.Errorf("done text = %q, want only the spoken part", ev.Text)
	}
	if ev, ok := nextEvent(t, tr).(realtime.ItemCreated); !ok || ev.Role != "assistant" {
		t.Errorf("next turn not delivered: %#v", ev)
	}
	if n := sink.count(); n != 0 {
		t.Errorf("sink received %d chunks after interrupt", n)
	}
}

// ── Client events ─────────────────────────────────────────────────────────────

func TestSendEvent_ManualActivityAndText(t *testing.T) {
	t.Parallel()

	frames := make(chan []byte, 8)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ []byte) {
		for range 4 {
			frames <- readFrame(t, conn)
		}
		waitClosed(conn)
	})

	tr := connect(t, srv, nil, realtime.SessionOptions{})
	ctx := context.Background()
	for _, ev := range []realtime.ClientEvent{
		realtime.InputAudioClear{},
		realtime.InputAudioCommit{},
		realtime.ResponseCreate{},
		realtime.UserMessage{ItemID: "abc", Text: "Where is the inn?"},
	} {
		if err := tr.SendEvent(ctx, ev); err != nil {
			t.Fatalf("SendEvent(%T): %v", ev, err)
		}
	}
	if err := tr.SendAudio(ctx, []byte{1, 0}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	want := []string{"realtimeInput.activityStart", "realtimeInput.activityEnd", "clientContent", "realtimeInput.audio"}
	for _, path := range want {
		got := gjson.ParseBytes(<-frames)
		if !got.Get(path).Exists() {
			t.Errorf("frame %s missing %s", got.Raw, path)
		}
		if path == "clientContent" {
			if v := got.Get("clientContent.turns.0.parts.0.text").String(); v != "Where is the inn?" {
				t.Errorf("text = %q", v)
			}
			if !got.Get("clientContent.turnComplete").Bool() {
				t.Error("turnComplete not set")
			}
		}
		if path == "realtimeInput.audio" {
			if m := got.Get("realtimeInput.audio.mimeType").String(); m != "audio/pcm;rate=24000" {
				t.Errorf("mimeType = %q", m)
			}
		}
	}
}

func TestSendEvent_ModeSwitchUnsupported(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ []byte) {
		waitClosed(conn)
	})

	tr := connect(t, srv, nil, realtime.SessionOptions{})
	ctx := context.Background()

	if err := tr.SendEvent(ctx, realtime.SessionUpdate{}); err != nil {
		t.Errorf("same mode: %v", err)
	}
	err := tr.SendEvent(ctx, realtime.SessionUpdate{TurnDetection: &realtime.TurnDetection{Type: "server_vad"}})
	if !errors.Is(err, realtime.ErrUnsupported) {
		t.Errorf("switch error = %v, want ErrUnsupported", err)
	}
}

func TestSendEvent_BeforeConnect(t *testing.T) {
	t.Parallel()

	tr, err := gemini.New().NewTransport(nil, realtime.SessionOptions{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()
	if err := tr.SendAudio(context.Background(), []byte{1}); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("SendAudio = %v, want ErrNotConnected", err)
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestReadError_SurfacesTransportError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ []byte) {
		conn.Close(websocket.StatusPolicyViolation, "quota exceeded")
	})

	tr := connect(t, srv, nil, realtime.SessionOptions{})
	for range tr.Events() {
	}
	var te *realtime.TransportError
	if !errors.As(tr.Err(), &te) || te.Op != "read" {
		t.Errorf("Err = %v, want read TransportError", tr.Err())
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ []byte) {
		waitClosed(conn)
	})

	tr := connect(t, srv, nil, realtime.SessionOptions{})
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := tr.SendAudio(context.Background(), []byte{1}); !errors.Is(err, realtime.ErrClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
	if tr.Err() != nil {
		t.Errorf("Err after clean Close = %v", tr.Err())
	}
}
