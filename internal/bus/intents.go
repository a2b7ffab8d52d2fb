package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/nats-io/nats.go"
)

// Dispatcher applies named intents to the session.
type Dispatcher interface {
	Dispatch(ctx context.Context, in protocol.Intent) (session.Snapshot, string, error)
}

const intentTimeout = 5 * time.Second

// ServeIntents subscribes to scribe.intent.<name> and forwards each request
// to d. Requests that carry a reply subject get a protocol.IntentReply.
func ServeIntents(ctx context.Context, client *Client, d Dispatcher) (*nats.Subscription, error) {
	log := client.Logger().With(slog.String("component", "bus-intents"))
	sub, err := client.Conn().Subscribe(protocol.SubjectIntentPrefix+".*", func(msg *nats.Msg) {
		in := protocol.Intent{}
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &in); err != nil {
				log.Warn("invalid intent payload", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
				respond(log, msg, protocol.IntentReply{Error: "invalid payload"})
				return
			}
		}
		in.Name = strings.TrimPrefix(msg.Subject, protocol.SubjectIntentPrefix+".")

		reqCtx, cancel := context.WithTimeout(ctx, intentTimeout)
		defer cancel()
		snap, path, err := d.Dispatch(reqCtx, in)
		if err != nil {
			log.Debug("intent failed", slog.String("intent", in.Name), slog.String("error", err.Error()))
		}
		respond(log, msg, session.Reply(snap, path, err))
	})
	if err != nil {
		return nil, err
	}
	log.Info("listening for intents", slog.String("subject", sub.Subject))
	return sub, nil
}

func respond(log *slog.Logger, msg *nats.Msg, reply protocol.IntentReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn("failed to respond to intent", slog.String("error", err.Error()))
	}
}
