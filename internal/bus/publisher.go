package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

// Publisher mirrors session notifications onto NATS subjects. Publishing is
// buffered by the NATS client and never blocks the session loop.
type Publisher struct {
	client         *Client
	log            *slog.Logger
	publishInterim bool
	now            func() time.Time
}

func NewPublisher(client *Client, publishInterim bool) *Publisher {
	return &Publisher{
		client:         client,
		log:            client.Logger().With(slog.String("component", "bus-publisher")),
		publishInterim: publishInterim,
		now:            time.Now,
	}
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Warn("failed to encode bus message", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.log.Warn("failed to publish", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (p *Publisher) StateChanged(s session.Snapshot) {
	p.publish(protocol.SubjectSessionState, s.Message())
}

func (p *Publisher) PartialTranscript(sessionID, text string) {
	if !p.publishInterim {
		return
	}
	p.publish(protocol.SubjectTranscriptInterim, protocol.Transcript{
		SessionID: sessionID,
		Text:      text,
		Partial:   true,
		Timestamp: p.now().UTC(),
	})
}

func (p *Publisher) FinalTranscript(sessionID, text string) {
	p.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID: sessionID,
		Text:      text,
		Timestamp: p.now().UTC(),
	})
}

func (p *Publisher) SessionError(sessionID string, err error, fatal bool) {
	if err == nil {
		return
	}
	p.publish(protocol.SubjectSessionError, session.ErrorMessage(sessionID, err, fatal, p.now()))
}

func (p *Publisher) TranscriptSaved(string, string, string) {}
