package conversation

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/translate"
)

// NoticeTranslationUnavailable tags degraded speak commands that carry the
// untranslated original.
const NoticeTranslationUnavailable = "translation unavailable"

// Translator is the preserving translation step of the hot path.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (translate.Result, error)
}

// Speaker hands a speak command to the voice synthesis side.
type Speaker interface {
	Speak(ctx context.Context, cmd protocol.SpeakCommand) error
}

// Delivery is a Speaker that owns per-room transport legs. Open runs when a
// room starts and Close when it ends.
type Delivery interface {
	Speaker
	Open(roomID string, participants [2]Participant) error
	Close(roomID string)
}

// SpeakerFunc adapts a function to Speaker.
type SpeakerFunc func(ctx context.Context, cmd protocol.SpeakCommand) error

func (f SpeakerFunc) Speak(ctx context.Context, cmd protocol.SpeakCommand) error {
	return f(ctx, cmd)
}

type fanout []Speaker

// Fanout delivers every command to each speaker in turn. Open and Close are
// forwarded to the speakers that implement Delivery.
func Fanout(speakers ...Speaker) Delivery {
	var out fanout
	for _, s := range speakers {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f fanout) Speak(ctx context.Context, cmd protocol.SpeakCommand) error {
	var errs []error
	for _, s := range f {
		if err := s.Speak(ctx, cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) Open(roomID string, participants [2]Participant) error {
	for i, s := range f {
		if d, ok := s.(Delivery); ok {
			if err := d.Open(roomID, participants); err != nil {
				for _, prev := range f[:i] {
					if pd, ok := prev.(Delivery); ok {
						pd.Close(roomID)
					}
				}
				return err
			}
		}
	}
	return nil
}

func (f fanout) Close(roomID string) {
	for _, s := range f {
		if d, ok := s.(Delivery); ok {
			d.Close(roomID)
		}
	}
}
