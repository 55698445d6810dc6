// Package tts hosts the voice synthesis backends and the bus-facing
// synthesis service.
package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-interpreter/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	RoomID        string
	ParticipantID string
	Text          string
	Voice         string
}

// SynthChunk contains PCM data (16-bit little endian).
type SynthChunk struct {
	RoomID     string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Audio is a fully collected utterance.
type Audio struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// Collect drains a synthesis stream into one buffer.
func Collect(ctx context.Context, synth Synthesizer, req SynthRequest) (Audio, error) {
	chunks, errs := synth.Synthesize(ctx, req)
	var audio Audio
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if audio.SampleRate == 0 {
				audio.SampleRate = chunk.SampleRate
				audio.Channels = chunk.Channels
			}
			audio.PCM = append(audio.PCM, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return audio, fmt.Errorf("synthesize: %w", err)
			}
		case <-ctx.Done():
			return audio, ctx.Err()
		}
	}
	return audio, nil
}
