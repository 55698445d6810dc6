// Package webhook ingests transcript events from the speech transcription
// provider, over HTTP or the bus, and routes them to their rooms.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/conversation"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrMalformed marks events that can never be routed.
	ErrMalformed = errors.New("malformed transcript event")
	// ErrDropped marks well-formed events discarded because their room or
	// speaker is gone.
	ErrDropped = errors.New("transcript event dropped")
)

// Dispatcher routes an event to its room. conversation.Registry implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt protocol.TranscriptEvent) error
}

// Processor validates transcript events and hands them to the dispatcher.
type Processor struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	dropped    metric.Int64Counter
}

func NewProcessor(dispatcher Dispatcher, logger *slog.Logger) *Processor {
	p := &Processor{
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "webhook")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-interpreter/webhook")
	counter, err := meter.Int64Counter("interpreter.events.dropped",
		metric.WithDescription("Transcript events discarded before reaching a room"))
	if err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	} else {
		p.dropped = counter
	}
	return p
}

// Handle routes one event. Errors wrap ErrMalformed or ErrDropped.
func (p *Processor) Handle(ctx context.Context, evt protocol.TranscriptEvent) error {
	if err := validate(evt); err != nil {
		p.drop(ctx, "malformed", evt, err)
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	err := p.dispatcher.Dispatch(ctx, evt)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, conversation.ErrUnknownRoom):
		p.drop(ctx, "unknown_room", evt, err)
	case errors.Is(err, conversation.ErrRoomEnded):
		p.drop(ctx, "room_ended", evt, err)
	case errors.Is(err, conversation.ErrUnknownSpeaker):
		p.drop(ctx, "unknown_speaker", evt, err)
	default:
		p.drop(ctx, "dispatch_failed", evt, err)
	}
	return fmt.Errorf("%w: %w", ErrDropped, err)
}

func (p *Processor) drop(ctx context.Context, reason string, evt protocol.TranscriptEvent, err error) {
	level := slog.LevelInfo
	if reason == "dispatch_failed" {
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "transcript event dropped",
		slog.String("reason", reason),
		slog.String("kind", string(evt.Kind)),
		slog.String("room_id", evt.RoomID),
		slogError(err))
	if p.dropped != nil {
		p.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func validate(evt protocol.TranscriptEvent) error {
	if !evt.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", evt.Kind)
	}
	if strings.TrimSpace(evt.RoomID) == "" {
		return errors.New("room_id required")
	}
	if (evt.Kind == protocol.EventPartial || evt.Kind == protocol.EventFinal) && strings.TrimSpace(evt.SpeakerID) == "" {
		return errors.New("speaker_id required")
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
