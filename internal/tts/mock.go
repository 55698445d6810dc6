package tts

import (
	"context"
	"strings"
	"time"
)

// Silence emitted per spoken word by the mock backend.
const mockWordDuration = 20 * time.Millisecond

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a backend that produces silence sized to the text.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(5 * time.Millisecond):
		}
		words := len(strings.Fields(req.Text))
		samples := int(mockWordDuration.Seconds()*float64(m.sampleRate)) * words
		chunks <- SynthChunk{
			RoomID:     req.RoomID,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        make([]byte, samples*m.channels*2),
			Final:      true,
		}
	}()
	return chunks, errs
}
