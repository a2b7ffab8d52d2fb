package session

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

type UnknownIntentError struct {
	Name string
}

func (e *UnknownIntentError) Error() string {
	return fmt.Sprintf("unknown intent %q", e.Name)
}

// Dispatch applies a named intent received from a transport. The returned
// path is only set for save.
func (c *Controller) Dispatch(ctx context.Context, in protocol.Intent) (Snapshot, string, error) {
	var (
		snap Snapshot
		path string
		err  error
	)
	switch in.Name {
	case protocol.IntentStart:
		snap, err = c.Start(ctx)
	case protocol.IntentStop:
		snap, err = c.Stop(ctx)
	case protocol.IntentToggle:
		snap, err = c.Toggle(ctx)
	case protocol.IntentClear:
		snap, err = c.Clear(ctx)
	case protocol.IntentCopy:
		snap, err = c.Copy(ctx)
	case protocol.IntentCopyAndRestart:
		snap, err = c.CopyAndRestart(ctx)
	case protocol.IntentSave:
		path, snap, err = c.Save(ctx, in.Filename)
	default:
		return Snapshot{}, "", &UnknownIntentError{Name: in.Name}
	}
	return snap, path, err
}

// Reply builds the wire answer to a dispatched intent.
func Reply(snap Snapshot, path string, err error) protocol.IntentReply {
	reply := protocol.IntentReply{OK: err == nil, Path: path}
	if err != nil {
		reply.Error = err.Error()
	}
	if snap.State != "" {
		state := snap.Message()
		reply.State = &state
	}
	return reply
}
