package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-interpreter/internal/conversation"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
)

// Bridge routes each speak command to the target participant's transport.
// It implements conversation.Delivery.
type Bridge struct {
	presence *Presence
	wearable *WearableTarget
	browser  *BrowserHub
	synth    tts.Synthesizer
	log      *slog.Logger

	mu    sync.RWMutex
	rooms map[string][2]conversation.Participant
}

// New wires the two legs. synth renders audio for browser legs; nil sends
// text only.
func New(presence *Presence, wearable *WearableTarget, browser *BrowserHub, synth tts.Synthesizer, log *slog.Logger) *Bridge {
	return &Bridge{
		presence: presence,
		wearable: wearable,
		browser:  browser,
		synth:    synth,
		log:      log.With(slog.String("component", "bridge")),
		rooms:    make(map[string][2]conversation.Participant),
	}
}

func (b *Bridge) Open(roomID string, participants [2]conversation.Participant) error {
	for _, p := range participants {
		if p.Transport == conversation.TransportWearable && b.wearable == nil {
			return fmt.Errorf("participant %s: wearable leg not configured", p.ID)
		}
	}
	b.mu.Lock()
	b.rooms[roomID] = participants
	b.mu.Unlock()

	var browserIDs []string
	for _, p := range participants {
		if p.Transport != conversation.TransportWearable {
			browserIDs = append(browserIDs, p.ID)
		}
	}
	b.browser.openRoom(roomID, browserIDs...)
	return nil
}

func (b *Bridge) Close(roomID string) {
	b.mu.Lock()
	delete(b.rooms, roomID)
	b.mu.Unlock()
	b.browser.closeRoom(roomID)
}

func (b *Bridge) Speak(ctx context.Context, cmd protocol.SpeakCommand) error {
	b.mu.RLock()
	participants, ok := b.rooms[cmd.RoomID]
	b.mu.RUnlock()
	if !ok {
		return conversation.ErrUnknownRoom
	}
	var target *conversation.Participant
	for i := range participants {
		if participants[i].ID == cmd.ParticipantID {
			target = &participants[i]
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %q", conversation.ErrUnknownSpeaker, cmd.ParticipantID)
	}

	if target.Transport == conversation.TransportWearable {
		return b.wearable.Deliver(ctx, cmd, target.DeviceID)
	}
	return b.speakBrowser(ctx, cmd)
}

func (b *Bridge) speakBrowser(ctx context.Context, cmd protocol.SpeakCommand) error {
	if !b.browser.Attached(cmd.RoomID, cmd.ParticipantID) {
		// The participant may be following over the bus instead.
		b.log.Debug("browser leg not attached, skipping",
			slog.String("room_id", cmd.RoomID),
			slog.String("participant_id", cmd.ParticipantID))
		return nil
	}
	msg := BrowserMessage{
		Type:          "speak",
		RoomID:        cmd.RoomID,
		ParticipantID: cmd.ParticipantID,
		Sequence:      cmd.Sequence,
		Text:          cmd.Text,
		Voice:         cmd.Voice,
		Degraded:      cmd.Degraded,
		Notice:        cmd.Notice,
	}
	if b.synth != nil {
		clip, err := tts.Collect(ctx, b.synth, tts.SynthRequest{
			RoomID:        cmd.RoomID,
			ParticipantID: cmd.ParticipantID,
			Text:          cmd.Text,
			Voice:         cmd.Voice,
		})
		if err != nil {
			b.log.Warn("browser audio unavailable, sending text only",
				slog.String("room_id", cmd.RoomID), slogError(err))
		} else {
			msg.SampleRate = clip.SampleRate
			msg.AudioBase64 = base64.StdEncoding.EncodeToString(clip.PCM)
		}
	}
	if err := b.browser.Send(cmd.RoomID, cmd.ParticipantID, msg); err != nil {
		return fmt.Errorf("browser leg %s: %w", cmd.ParticipantID, err)
	}
	return nil
}

// Mount registers the device telemetry and browser websocket routes.
func (b *Bridge) Mount(r chi.Router) {
	r.Post("/v1/devices/{deviceID}/presence", b.servePresenceReport)
	r.Get("/v1/devices/{deviceID}", b.servePresence)
	r.Get("/v1/stream/{roomID}/{participantID}", b.browser.ServeHTTP)
}

func (b *Bridge) servePresenceReport(w http.ResponseWriter, r *http.Request) {
	var report protocol.DevicePresence
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&report); err != nil {
		http.Error(w, "invalid presence payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	report.DeviceID = chi.URLParam(r, "deviceID")
	if err := b.presence.Report(report); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) servePresence(w http.ResponseWriter, r *http.Request) {
	presence, err := b.presence.Get(chi.URLParam(r, "deviceID"))
	if errors.Is(err, ErrUnknownDevice) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(presence)
}
