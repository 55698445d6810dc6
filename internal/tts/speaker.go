package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

// BusSpeaker delivers speak commands over the bus: the command itself on
// interpreter.speak.<room> for subscribers that render text, and a
// tts.request for the synthesis service.
type BusSpeaker struct {
	bus *bus.Client
}

func NewBusSpeaker(busClient *bus.Client) *BusSpeaker {
	return &BusSpeaker{bus: busClient}
}

func (s *BusSpeaker) Speak(ctx context.Context, cmd protocol.SpeakCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.bus.PublishJSON(protocol.SpeakSubject(cmd.RoomID), cmd); err != nil {
		return fmt.Errorf("publish speak command: %w", err)
	}
	req := protocol.TTSRequest{
		SessionID: cmd.RoomID,
		Target:    cmd.ParticipantID,
		Text:      cmd.Text,
		Voice:     cmd.Voice,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
		return fmt.Errorf("publish tts request: %w", err)
	}
	return nil
}
