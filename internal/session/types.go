package session

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/permission"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

type State string

const (
	StateIdle                State = "idle"
	StateStarting            State = "starting"
	StateActive              State = "active"
	StateStoppingIntentional State = "stopping"
	StateRecovering          State = "recovering"
)

// RestartMode selects what happens after a final fragment.
type RestartMode string

const (
	// RestartContinuous keeps one stream open and restarts only when the
	// capability ends on its own.
	RestartContinuous RestartMode = "continuous"
	// RestartBurst stops after each final fragment and restarts shortly after.
	RestartBurst RestartMode = "burst"
)

var (
	ErrNoText = errors.New("no text")
	ErrClosed = errors.New("session controller closed")
)

// Gate is the microphone permission check consulted before a start.
type Gate interface {
	Granted() bool
	State() permission.State
	EnsureAccess(ctx context.Context) error
	Invalidate()
}

type Clipboard interface {
	Write(text string) error
}

type Exporter interface {
	Save(text, filename string) (string, error)
}

type Feedback interface {
	StopTone()
}

// Sink receives session notifications on the controller goroutine.
// Implementations must not block.
type Sink interface {
	StateChanged(s Snapshot)
	PartialTranscript(sessionID, text string)
	FinalTranscript(sessionID, text string)
	SessionError(sessionID string, err error, fatal bool)
	TranscriptSaved(sessionID, path, text string)
}

// Snapshot is a copy of the session as the presentation layer sees it.
type Snapshot struct {
	SessionID      string
	State          State
	Listening      bool
	Mode           RestartMode
	Text           string
	Empty          bool
	Stats          transcript.Stats
	Status         string
	Permission     permission.State
	Error          string
	PendingRestart bool
	Restarts       int
	Generation     uint64
	At             time.Time
}

// IsActive reports whether dictation is on from the user's point of view,
// including the short gaps while the capability restarts.
func (s Snapshot) IsActive() bool {
	return s.Listening
}

func (s Snapshot) Message() protocol.SessionState {
	return protocol.SessionState{
		SessionID:      s.SessionID,
		State:          string(s.State),
		Listening:      s.Listening,
		Active:         s.IsActive(),
		RestartMode:    string(s.Mode),
		Text:           s.Text,
		Empty:          s.Empty,
		Words:          s.Stats.Words,
		Chars:          s.Stats.Chars,
		Status:         s.Status,
		Permission:     string(s.Permission),
		Error:          s.Error,
		PendingRestart: s.PendingRestart,
		Restarts:       s.Restarts,
		Timestamp:      s.At.UTC(),
	}
}

// Timing holds the controller's delays.
type Timing struct {
	Mode              RestartMode
	RestartDelay      time.Duration
	BurstRestartDelay time.Duration
	CopyRestartDelay  time.Duration
	StatusRevert      time.Duration
	StopTimeout       time.Duration
}

func TimingFromConfig(cfg config.SessionConfig) Timing {
	mode := RestartContinuous
	if cfg.RestartMode == string(RestartBurst) {
		mode = RestartBurst
	}
	return Timing{
		Mode:              mode,
		RestartDelay:      time.Duration(cfg.RestartDelayMS) * time.Millisecond,
		BurstRestartDelay: time.Duration(cfg.BurstRestartDelayMS) * time.Millisecond,
		CopyRestartDelay:  time.Duration(cfg.CopyRestartDelayMS) * time.Millisecond,
		StatusRevert:      time.Duration(cfg.StatusRevertMS) * time.Millisecond,
		StopTimeout:       time.Duration(cfg.StopTimeoutMS) * time.Millisecond,
	}
}

// ErrorMessage converts a session error into its wire form.
func ErrorMessage(sessionID string, err error, fatal bool, at time.Time) protocol.SessionError {
	return protocol.SessionError{
		SessionID: sessionID,
		Code:      ErrorCode(err),
		Message:   err.Error(),
		Fatal:     fatal,
		Timestamp: at.UTC(),
	}
}

// ErrorCode maps typed session errors to a short code.
func ErrorCode(err error) string {
	var transient *stt.TransientRecognitionError
	var start *stt.CapabilityStartError
	switch {
	case permission.IsPermissionError(err):
		return string(stt.ErrorNotAllowed)
	case stt.IsUnsupported(err):
		return "unsupported"
	case errors.As(err, &transient):
		return string(transient.Code)
	case errors.As(err, &start):
		return "start-failed"
	}
	return string(stt.ErrorOther)
}
