package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/conversation"
	"github.com/loqalabs/loqa-interpreter/internal/natsserver"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", within)
}

func newPresence(t *testing.T, timeout time.Duration) *Presence {
	t.Helper()
	p := NewPresence(context.Background(), timeout, testLogger())
	t.Cleanup(p.Close)
	return p
}

type fakeSink struct {
	mu     sync.Mutex
	frames []protocol.WearableFrame
	calls  int
	err    error
}

func (f *fakeSink) Push(_ context.Context, frame protocol.WearableFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSink) snapshot() (int, []protocol.WearableFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]protocol.WearableFrame(nil), f.frames...)
}

func TestPresenceReportAndExpiry(t *testing.T) {
	p := newPresence(t, 40*time.Millisecond)
	if _, err := p.Get("pin-1"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	if err := p.Report(protocol.DevicePresence{DeviceID: "pin-1", Connected: true, Location: "Belgrade", BatteryLevel: 0.8}); err != nil {
		t.Fatal(err)
	}
	got, err := p.Get("pin-1")
	if err != nil || !got.Connected || got.Location != "Belgrade" || got.Timestamp.IsZero() {
		t.Fatalf("unexpected presence %+v, %v", got, err)
	}
	eventually(t, time.Second, func() bool {
		got, _ := p.Get("pin-1")
		return !got.Connected
	})
	if err := p.Report(protocol.DevicePresence{}); err == nil {
		t.Fatal("expected error for missing device id")
	}
}

func TestMarkUnreachable(t *testing.T) {
	p := newPresence(t, 0)
	_ = p.Report(protocol.DevicePresence{DeviceID: "pin-1", Connected: true})
	p.MarkUnreachable("pin-1")
	if got, _ := p.Get("pin-1"); got.Connected {
		t.Fatal("device should be disconnected")
	}
	if p.connectedCount() != 0 {
		t.Fatalf("expected no connected devices, got %d", p.connectedCount())
	}
}

func TestEncodeWAVResamples(t *testing.T) {
	clip := tts.Audio{SampleRate: 16000, Channels: 1, PCM: make([]byte, 320*2)}
	data, err := encodeWAV(clip, 8000)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatal("missing RIFF header")
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatal("invalid wav")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatal(err)
	}
	if dec.SampleRate != 8000 || dec.NumChans != 1 || len(buf.Data) != 160 {
		t.Fatalf("unexpected wav: rate=%d chans=%d samples=%d", dec.SampleRate, dec.NumChans, len(buf.Data))
	}

	if _, err := encodeWAV(tts.Audio{SampleRate: 16000, Channels: 1, PCM: []byte{1}}, 0); err == nil {
		t.Fatal("expected error for odd pcm length")
	}
}

func speakCmd(participantID string) protocol.SpeakCommand {
	return protocol.SpeakCommand{
		RoomID:        "room-1",
		ParticipantID: participantID,
		Sequence:      1,
		Text:          "Možete li 120 komada po $4.50?",
		Voice:         "sr-RS-neutral",
	}
}

func TestWearableDeliversWAVFrame(t *testing.T) {
	sink := &fakeSink{}
	w := NewWearableTarget(tts.NewMockSynth(22050, 1), sink, newPresence(t, 0),
		WearableOptions{SampleRate: 16000, Retries: 2, Backoff: time.Millisecond}, testLogger())
	if err := w.Deliver(context.Background(), speakCmd("seller"), "pin-7"); err != nil {
		t.Fatal(err)
	}
	calls, frames := sink.snapshot()
	if calls != 1 || len(frames) != 1 {
		t.Fatalf("expected one push, got %d", calls)
	}
	if frames[0].DeviceID != "pin-7" || frames[0].Sequence != 1 || !bytes.HasPrefix(frames[0].WAV, []byte("RIFF")) {
		t.Fatalf("unexpected frame %+v", frames[0])
	}
}

func TestWearableRetryBudgetMarksUnreachable(t *testing.T) {
	sink := &fakeSink{err: errors.New("no route to device")}
	presence := newPresence(t, 0)
	_ = presence.Report(protocol.DevicePresence{DeviceID: "pin-7", Connected: true})
	w := NewWearableTarget(tts.NewMockSynth(16000, 1), sink, presence,
		WearableOptions{Retries: 2, Backoff: time.Millisecond}, testLogger())

	if err := w.Deliver(context.Background(), speakCmd("seller"), "pin-7"); err != nil {
		t.Fatalf("unreachable device must not fail the room, got %v", err)
	}
	if calls, _ := sink.snapshot(); calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if got, _ := presence.Get("pin-7"); got.Connected {
		t.Fatal("device should be marked unreachable")
	}
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := testLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "bridge-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusSinkAndPresenceSubscription(t *testing.T) {
	client := startBus(t)

	received := make(chan protocol.WearableFrame, 1)
	sub, err := client.Conn().Subscribe(protocol.DeviceAudioSubject("pin-7"), func(msg *nats.Msg) {
		var frame protocol.WearableFrame
		if err := json.Unmarshal(msg.Data, &frame); err == nil {
			received <- frame
		}
		_ = msg.Respond([]byte("ok"))
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	sink := NewBusSink(client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sink.Push(ctx, protocol.WearableFrame{DeviceID: "pin-7", RoomID: "room-1", WAV: []byte("RIFF")}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if frame := <-received; frame.RoomID != "room-1" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	if err := sink.Push(ctx, protocol.WearableFrame{DeviceID: "offline"}); err == nil {
		t.Fatal("expected error pushing to a device nobody serves")
	}

	presence := newPresence(t, 0)
	if err := presence.Subscribe(client); err != nil {
		t.Fatal(err)
	}
	if err := client.PublishJSON(protocol.SubjectDevicePresence, protocol.DevicePresence{DeviceID: "pin-9", Connected: true}); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		got, err := presence.Get("pin-9")
		return err == nil && got.Connected
	})
}

var (
	browserBuyer   = conversation.Participant{ID: "buyer", Language: "en", Role: conversation.RoleBuyer, Transport: conversation.TransportBrowser}
	wearableSeller = conversation.Participant{ID: "seller", Language: "sr", Role: conversation.RoleSeller, Transport: conversation.TransportWearable, DeviceID: "pin-7"}
)

func newTestBridge(t *testing.T, sink DeviceSink) (*Bridge, *Presence, *httptest.Server) {
	t.Helper()
	presence := newPresence(t, 0)
	synth := tts.NewMockSynth(16000, 1)
	wearable := NewWearableTarget(synth, sink, presence, WearableOptions{Retries: 1, Backoff: time.Millisecond}, testLogger())
	b := New(presence, wearable, NewBrowserHub(testLogger()), synth, testLogger())
	r := chi.NewRouter()
	b.Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return b, presence, srv
}

func TestBridgeRoutesByTransport(t *testing.T) {
	sink := &fakeSink{}
	b, _, srv := newTestBridge(t, sink)
	if err := b.Open("room-1", [2]conversation.Participant{browserBuyer, wearableSeller}); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream/room-1/buyer"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	eventually(t, time.Second, func() bool { return b.browser.Attached("room-1", "buyer") })

	ctx := context.Background()
	if err := b.Speak(ctx, speakCmd("seller")); err != nil {
		t.Fatalf("speak to wearable: %v", err)
	}
	if _, frames := sink.snapshot(); len(frames) != 1 || frames[0].DeviceID != "pin-7" {
		t.Fatalf("wearable frame not pushed: %+v", frames)
	}

	cmd := protocol.SpeakCommand{RoomID: "room-1", ParticipantID: "buyer", Sequence: 2, Text: "I can do 100 pieces at 4,20 EUR", Voice: "en-US-neutral"}
	if err := b.Speak(ctx, cmd); err != nil {
		t.Fatalf("speak to browser: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg BrowserMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "speak" || msg.Text != cmd.Text || msg.Sequence != 2 || msg.AudioBase64 == "" {
		t.Fatalf("unexpected browser message %+v", msg)
	}

	if err := b.Speak(ctx, protocol.SpeakCommand{RoomID: "room-1", ParticipantID: "stranger"}); !errors.Is(err, conversation.ErrUnknownSpeaker) {
		t.Fatalf("expected ErrUnknownSpeaker, got %v", err)
	}

	b.Close("room-1")
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "ended" {
		t.Fatalf("expected ended notice, got %+v, %v", msg, err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected socket closed after room end")
	}
	if err := b.Speak(ctx, cmd); !errors.Is(err, conversation.ErrUnknownRoom) {
		t.Fatalf("expected ErrUnknownRoom after close, got %v", err)
	}
}

func TestBrowserLegRejectsUnknownRoom(t *testing.T) {
	_, _, srv := newTestBridge(t, &fakeSink{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream/nope/buyer"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}

func TestPresenceHTTP(t *testing.T) {
	_, _, srv := newTestBridge(t, &fakeSink{})

	resp, err := http.Get(srv.URL + "/v1/devices/pin-7")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown device, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/devices/pin-7/presence", "application/json",
		strings.NewReader(`{"connected":true,"location":"Novi Sad","battery_level":0.55}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/devices/pin-7")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got protocol.DevicePresence
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.DeviceID != "pin-7" || !got.Connected || got.Location != "Novi Sad" {
		t.Fatalf("unexpected presence %+v", got)
	}

	resp, err = http.Post(srv.URL+"/v1/devices/pin-7/presence", "application/json", strings.NewReader(`{`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed report, got %d", resp.StatusCode)
	}
}

func TestOpenRequiresWearableLeg(t *testing.T) {
	b := New(newPresence(t, 0), nil, NewBrowserHub(testLogger()), nil, testLogger())
	if err := b.Open("room-1", [2]conversation.Participant{browserBuyer, wearableSeller}); err == nil {
		t.Fatal("expected error when no wearable leg is configured")
	}
}
