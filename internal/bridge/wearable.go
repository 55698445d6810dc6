package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
)

// DeviceSink pushes a frame to a wearable and waits for its acknowledgement.
type DeviceSink interface {
	Push(ctx context.Context, frame protocol.WearableFrame) error
}

// BusSink delivers frames as bus requests on device.audio.<device>. A device
// with no subscriber fails fast with nats.ErrNoResponders.
type BusSink struct {
	bus *bus.Client
}

func NewBusSink(busClient *bus.Client) *BusSink {
	return &BusSink{bus: busClient}
}

func (s *BusSink) Push(ctx context.Context, frame protocol.WearableFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode wearable frame: %w", err)
	}
	if _, err := s.bus.Conn().RequestWithContext(ctx, protocol.DeviceAudioSubject(frame.DeviceID), data); err != nil {
		return fmt.Errorf("push to %s: %w", frame.DeviceID, err)
	}
	return nil
}

// WearableOptions controls WAV framing and the delivery retry budget.
type WearableOptions struct {
	SampleRate int
	Retries    int
	Backoff    time.Duration
}

func WearableOptionsFromConfig(cfg config.BridgeConfig) WearableOptions {
	return WearableOptions{
		SampleRate: cfg.WearableRate,
		Retries:    cfg.DeliveryRetries,
		Backoff:    time.Duration(cfg.DeliveryBackoffMS) * time.Millisecond,
	}
}

// WearableTarget synthesizes speech, frames it as WAV and pushes it to the
// participant's device.
type WearableTarget struct {
	synth    tts.Synthesizer
	sink     DeviceSink
	presence *Presence
	opts     WearableOptions
	log      *slog.Logger
}

func NewWearableTarget(synth tts.Synthesizer, sink DeviceSink, presence *Presence, opts WearableOptions, log *slog.Logger) *WearableTarget {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	return &WearableTarget{
		synth:    synth,
		sink:     sink,
		presence: presence,
		opts:     opts,
		log:      log.With(slog.String("component", "wearable-leg")),
	}
}

// Deliver pushes cmd to deviceID. A device that stays unreachable after the
// retry budget is marked disconnected and the command is dropped; the room
// keeps running.
func (w *WearableTarget) Deliver(ctx context.Context, cmd protocol.SpeakCommand, deviceID string) error {
	clip, err := tts.Collect(ctx, w.synth, tts.SynthRequest{
		RoomID:        cmd.RoomID,
		ParticipantID: cmd.ParticipantID,
		Text:          cmd.Text,
		Voice:         cmd.Voice,
	})
	if err != nil {
		return fmt.Errorf("synthesize for wearable: %w", err)
	}
	data, err := encodeWAV(clip, w.opts.SampleRate)
	if err != nil {
		return err
	}
	frame := protocol.WearableFrame{
		RoomID:        cmd.RoomID,
		ParticipantID: cmd.ParticipantID,
		DeviceID:      deviceID,
		Sequence:      cmd.Sequence,
		Text:          cmd.Text,
		Voice:         cmd.Voice,
		Degraded:      cmd.Degraded,
		WAV:           data,
	}

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, w.sink.Push(ctx, frame)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(w.opts.Backoff)),
		backoff.WithMaxTries(uint(w.opts.Retries+1)),
	)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	w.presence.MarkUnreachable(deviceID)
	w.log.Warn("wearable delivery abandoned",
		slog.String("room_id", cmd.RoomID),
		slog.String("device_id", deviceID),
		slog.Uint64("sequence", cmd.Sequence),
		slog.Int("attempts", attempts),
		slogError(fmt.Errorf("%w: %w", ErrDeviceUnreachable, err)))
	return nil
}

// encodeWAV frames 16-bit PCM as a WAV file, resampling to rate when set.
// The encoder needs a seekable writer, so the file is staged on disk.
func encodeWAV(clip tts.Audio, rate int) ([]byte, error) {
	if len(clip.PCM)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	channels := clip.Channels
	if channels <= 0 {
		channels = 1
	}
	samples := make([]int, len(clip.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(clip.PCM[i*2:])))
	}
	srcRate := clip.SampleRate
	if rate <= 0 {
		rate = srcRate
	}
	if srcRate > 0 && rate != srcRate {
		samples = resample(samples, channels, srcRate, rate)
	}

	file, err := os.CreateTemp("", "interpreter_wearable_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, rate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(file)
}

// resample converts interleaved samples between rates by nearest frame.
func resample(samples []int, channels, from, to int) []int {
	frames := len(samples) / channels
	outFrames := frames * to / from
	out := make([]int, outFrames*channels)
	for i := 0; i < outFrames; i++ {
		src := i * from / to
		copy(out[i*channels:(i+1)*channels], samples[src*channels:(src+1)*channels])
	}
	return out
}
