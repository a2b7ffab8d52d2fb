package protocol

import "time"

// SessionState is the presentation view of the dictation session.
type SessionState struct {
	SessionID      string    `json:"session_id,omitempty"`
	State          string    `json:"state"`
	Listening      bool      `json:"listening"`
	Active         bool      `json:"is_active"`
	RestartMode    string    `json:"restart_mode"`
	Text           string    `json:"current_text"`
	Empty          bool      `json:"empty"`
	Words          int       `json:"words"`
	Chars          int       `json:"chars"`
	Status         string    `json:"status_message"`
	Permission     string    `json:"permission"`
	Error          string    `json:"error,omitempty"`
	PendingRestart bool      `json:"pending_restart"`
	Restarts       int       `json:"restarts"`
	Timestamp      time.Time `json:"timestamp"`
}

// Transcript carries recognized text broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SessionError reports a capability or permission failure.
type SessionError struct {
	SessionID string    `json:"session_id,omitempty"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Fatal     bool      `json:"fatal"`
	Timestamp time.Time `json:"timestamp"`
}

// Intent is a user command received over the bus.
type Intent struct {
	Name     string `json:"name,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type IntentReply struct {
	OK    bool          `json:"ok"`
	Error string        `json:"error,omitempty"`
	Path  string        `json:"path,omitempty"`
	State *SessionState `json:"state,omitempty"`
}

// Event is the websocket envelope pushed to connected clients.
type Event struct {
	Type       string        `json:"type"`
	State      *SessionState `json:"state,omitempty"`
	Transcript *Transcript   `json:"transcript,omitempty"`
	Error      *SessionError `json:"error,omitempty"`
	Reply      *IntentReply  `json:"reply,omitempty"`
}

const (
	EventState      = "state"
	EventTranscript = "transcript"
	EventError      = "error"
	EventReply      = "reply"
	EventPong       = "pong"
)

// IntentPing is answered with EventPong on the websocket only.
const IntentPing = "ping"

const (
	IntentStart          = "start"
	IntentStop           = "stop"
	IntentToggle         = "toggle"
	IntentClear          = "clear"
	IntentCopy           = "copy"
	IntentCopyAndRestart = "copy-and-restart"
	IntentSave           = "save"
)

const (
	SubjectSessionState      = "scribe.session.state"
	SubjectSessionError      = "scribe.session.error"
	SubjectTranscriptInterim = "scribe.transcript.interim"
	SubjectTranscriptFinal   = "scribe.transcript.final"
	SubjectIntentPrefix      = "scribe.intent"
)
