package realtime

// Event is a decoded provider event. The set of implementations is closed:
// [ItemCreated], [TranscriptionCompleted], [ResponseDelta], [ResponseDone],
// [ErrorEvent] and [Unknown].
type Event interface {
	// EventType returns a stable, provider-neutral name usable as a metric label.
	EventType() string
	isEvent()
}

// ItemCreated reports that a new conversation item exists. Only items with
// ItemType "message" represent spoken or typed turns.
type ItemCreated struct {
	ItemID   string
	ItemType string
	Role     string
	// Text is the initial content, often empty for audio turns.
	Text string
}

// TranscriptionCompleted carries the final transcript of the user's audio for
// an item.
type TranscriptionCompleted struct {
	ItemID     string
	Transcript string
}

// ResponseDelta is an incremental fragment of assistant output text.
type ResponseDelta struct {
	ItemID string
	Delta  string
}

// ResponseDone carries the terminal assistant text for an item.
type ResponseDone struct {
	ItemID string
	Text   string
}

// ErrorEvent is a non-fatal error reported in-band by the provider.
type ErrorEvent struct {
	Code    string
	Message string
}

// Unknown is any event the decoder does not model.
type Unknown struct {
	Type string
	Raw  []byte
}

func (ItemCreated) EventType() string            { return "item.created" }
func (TranscriptionCompleted) EventType() string { return "transcription.completed" }
func (ResponseDelta) EventType() string          { return "response.delta" }
func (ResponseDone) EventType() string           { return "response.done" }
func (ErrorEvent) EventType() string             { return "error" }
func (Unknown) EventType() string                { return "unknown" }

func (ItemCreated) isEvent()            {}
func (TranscriptionCompleted) isEvent() {}
func (ResponseDelta) isEvent()          {}
func (ResponseDone) isEvent()           {}
func (ErrorEvent) isEvent()             {}
func (Unknown) isEvent()                {}

// ClientEvent is a control message sent to the provider.
type ClientEvent interface {
	ClientEventType() string
	isClientEvent()
}

// SessionUpdate pushes a turn-taking configuration to the live session. A nil
// TurnDetection selects manual turn-taking.
type SessionUpdate struct {
	TurnDetection *TurnDetection
}

// InputAudioClear discards any uncommitted microphone audio.
type InputAudioClear struct{}

// InputAudioCommit finalises the buffered microphone audio as a user turn.
type InputAudioCommit struct{}

// ResponseCreate asks the model to produce a response.
type ResponseCreate struct{}

// ResponseCancel stops the in-progress response.
type ResponseCancel struct{}

// UserMessage adds a typed user turn to the conversation. ItemID may be empty,
// in which case the provider assigns one.
type UserMessage struct {
	ItemID string
	Text   string
}

func (SessionUpdate) ClientEventType() string    { return "session.update" }
func (InputAudioClear) ClientEventType() string  { return "input_audio_buffer.clear" }
func (InputAudioCommit) ClientEventType() string { return "input_audio_buffer.commit" }
func (ResponseCreate) ClientEventType() string   { return "response.create" }
func (ResponseCancel) ClientEventType() string   { return "response.cancel" }
func (UserMessage) ClientEventType() string      { return "conversation.item.create" }

func (SessionUpdate) isClientEvent()    {}
func (InputAudioClear) isClientEvent()  {}
func (InputAudioCommit) isClientEvent() {}
func (ResponseCreate) isClientEvent()   {}
func (ResponseCancel) isClientEvent()   {}
func (UserMessage) isClientEvent()      {}
