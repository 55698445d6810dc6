package webhook

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/nats-io/nats.go"
)

var subjectKinds = map[string]protocol.EventKind{
	protocol.SubjectTranscriptPartial: protocol.EventPartial,
	protocol.SubjectTranscriptFinal:   protocol.EventFinal,
	protocol.SubjectCallStart:         protocol.EventCallStart,
	protocol.SubjectCallEnd:           protocol.EventCallEnd,
}

// BusIntake feeds transcript events published on the stt.* subjects into a
// Processor.
type BusIntake struct {
	bus       *bus.Client
	processor *Processor
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	subs      []*nats.Subscription
}

func NewBusIntake(parent context.Context, busClient *bus.Client, processor *Processor, logger *slog.Logger) *BusIntake {
	ctx, cancel := context.WithCancel(parent)
	return &BusIntake{
		bus:       busClient,
		processor: processor,
		logger:    logger.With(slog.String("component", "webhook-bus")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (b *BusIntake) Start() error {
	for subject, kind := range subjectKinds {
		sub, err := b.bus.Conn().Subscribe(subject, b.handler(kind))
		if err != nil {
			b.drain()
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

func (b *BusIntake) Close() {
	b.cancel()
	b.drain()
}

func (b *BusIntake) Healthy() bool {
	return len(b.subs) == len(subjectKinds)
}

func (b *BusIntake) drain() {
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
}

func (b *BusIntake) handler(kind protocol.EventKind) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var evt protocol.TranscriptEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.logger.Warn("failed to decode transcript event", slog.String("subject", msg.Subject), slogError(err))
			return
		}
		if evt.Kind == "" {
			evt.Kind = kind
		}
		// Handle logs and counts drops itself.
		_ = b.processor.Handle(b.ctx, evt)
	}
}
