package session

import (
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// event is anything the controller loop reacts to.
type event interface{}

type intentKind int

const (
	intentStart intentKind = iota
	intentStop
	intentToggle
	intentClear
	intentCopy
	intentCopyAndRestart
	intentSave
	intentSnapshot
)

func (k intentKind) String() string {
	switch k {
	case intentStart:
		return "start"
	case intentStop:
		return "stop"
	case intentToggle:
		return "toggle"
	case intentClear:
		return "clear"
	case intentCopy:
		return "copy"
	case intentCopyAndRestart:
		return "copy-and-restart"
	case intentSave:
		return "save"
	case intentSnapshot:
		return "snapshot"
	}
	return "unknown"
}

type intent struct {
	kind     intentKind
	filename string
	reply    chan intentResult
}

type intentResult struct {
	snapshot Snapshot
	path     string
	err      error
}

// Capability callbacks carry the generation of the stream that produced
// them; anything not matching the live handle is stale.
type capStarted struct {
	gen uint64
}

type capResult struct {
	gen       uint64
	fragments []transcript.Fragment
}

type capError struct {
	gen  uint64
	code stt.ErrorCode
	err  error
}

type capEnded struct {
	gen uint64
}

type permissionResolved struct {
	attempt uint64
	err     error
}

type restartDue struct {
	token uint64
}

type statusExpired struct {
	seq uint64
}

type stopTimedOut struct {
	token uint64
}
