package display

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sign/internal/protocol"
)

// Bus is satisfied by *nats.Conn.
type Bus interface {
	Publish(subject string, data []byte) error
}

// Publisher mirrors display updates onto the bus. Publish failures are
// logged and otherwise ignored so a flaky bus never stalls recognition.
type Publisher struct {
	bus    Bus
	target string
	logger *slog.Logger
}

func NewPublisher(bus Bus, target string, logger *slog.Logger) *Publisher {
	return &Publisher{bus: bus, target: target, logger: logger.With(slog.String("component", "display-publisher"))}
}

func (p *Publisher) ShowLabel(_ context.Context, text string, percent int) {
	p.publish(protocol.SubjectDisplayLabel, protocol.LabelUpdate{
		Target:    p.target,
		Text:      text,
		Percent:   percent,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) ShowTranscription(_ context.Context, text string) {
	p.publish(protocol.SubjectDisplayTranscript, protocol.TranscriptUpdate{
		Target:    p.target,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) ShowStatus(_ context.Context, source, text string) {
	p.publish(protocol.SubjectStatus, protocol.StatusUpdate{
		Target:    p.target,
		Source:    source,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) publish(subject string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("failed to marshal display update", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish display update", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
