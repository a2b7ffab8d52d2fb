package stt

import (
	"context"
	"errors"
	"fmt"
)

// Result is one recognized fragment as delivered by a backend.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// ErrorCode classifies capability errors the way browsers report them.
type ErrorCode string

const (
	ErrorNotAllowed          ErrorCode = "not-allowed"
	ErrorServiceNotAllowed   ErrorCode = "service-not-allowed"
	ErrorNoSpeech            ErrorCode = "no-speech"
	ErrorAudioCapture        ErrorCode = "audio-capture"
	ErrorNetwork             ErrorCode = "network"
	ErrorAborted             ErrorCode = "aborted"
	ErrorLanguageUnsupported ErrorCode = "language-not-supported"
	ErrorOther               ErrorCode = "other"
)

// Fatal reports whether the code ends the session without a restart.
func (c ErrorCode) Fatal() bool {
	switch c {
	case ErrorNotAllowed, ErrorServiceNotAllowed, ErrorLanguageUnsupported:
		return true
	}
	return false
}

// StreamConfig carries per-start recognizer settings.
type StreamConfig struct {
	Language       string
	Continuous     bool
	InterimResults bool
	SampleRate     int
	Channels       int
}

// Listener receives lifecycle callbacks from a running stream. Callbacks may
// arrive on any goroutine and must not block.
type Listener interface {
	OnStart()
	// OnResult delivers the backend's result list; entries before startIndex
	// were already reported.
	OnResult(results []Result, startIndex int)
	OnError(code ErrorCode, err error)
	OnEnd()
}

// Stream is a handle to one running recognition session.
type Stream interface {
	// Stop asks the backend to finish. OnEnd follows asynchronously.
	Stop()
}

// Recognizer starts streaming recognition sessions. Start must not block on
// network or device I/O beyond validating that a stream can be created.
type Recognizer interface {
	Name() string
	Start(ctx context.Context, cfg StreamConfig, l Listener) (Stream, error)
}

// CapabilityStartError is returned by Start when a stream cannot be created.
type CapabilityStartError struct {
	Backend string
	Err     error
}

func (e *CapabilityStartError) Error() string {
	return fmt.Sprintf("start %s recognizer: %v", e.Backend, e.Err)
}

func (e *CapabilityStartError) Unwrap() error {
	return e.Err
}

// UnsupportedCapabilityError reports that no recognizer is available.
type UnsupportedCapabilityError struct {
	Mode string
	Err  error
}

func (e *UnsupportedCapabilityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("speech recognition capability %q is not available: %v", e.Mode, e.Err)
	}
	return fmt.Sprintf("speech recognition capability %q is not available", e.Mode)
}

func (e *UnsupportedCapabilityError) Unwrap() error {
	return e.Err
}

// TransientRecognitionError wraps a recoverable error reported by a stream.
type TransientRecognitionError struct {
	Code ErrorCode
	Err  error
}

func (e *TransientRecognitionError) Error() string {
	if e.Err == nil {
		return "recognition error: " + string(e.Code)
	}
	return fmt.Sprintf("recognition error %s: %v", e.Code, e.Err)
}

func (e *TransientRecognitionError) Unwrap() error {
	return e.Err
}

func IsUnsupported(err error) bool {
	var ue *UnsupportedCapabilityError
	return errors.As(err, &ue)
}
