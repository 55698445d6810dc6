package webhook

import (
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

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/conversation"
	"github.com/loqalabs/loqa-interpreter/internal/natsserver"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDispatcher knows a single room "room-1" and records what it receives.
type fakeDispatcher struct {
	mu     sync.Mutex
	events []protocol.TranscriptEvent
	got    chan protocol.TranscriptEvent
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{got: make(chan protocol.TranscriptEvent, 16)}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, evt protocol.TranscriptEvent) error {
	switch {
	case evt.RoomID == "ended":
		return conversation.ErrRoomEnded
	case evt.RoomID != "room-1":
		return conversation.ErrUnknownRoom
	case evt.SpeakerID == "intruder":
		return conversation.ErrUnknownSpeaker
	}
	f.mu.Lock()
	f.events = append(f.events, evt)
	f.mu.Unlock()
	f.got <- evt
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestHandleClassifiesOutcomes(t *testing.T) {
	p := NewProcessor(newFakeDispatcher(), testLogger())
	ctx := context.Background()
	cases := []struct {
		name string
		evt  protocol.TranscriptEvent
		want error
	}{
		{"accepted", protocol.TranscriptEvent{Kind: protocol.EventFinal, RoomID: "room-1", SpeakerID: "buyer", Text: "hi"}, nil},
		{"call start", protocol.TranscriptEvent{Kind: protocol.EventCallStart, RoomID: "room-1"}, nil},
		{"unknown room", protocol.TranscriptEvent{Kind: protocol.EventFinal, RoomID: "nope", SpeakerID: "buyer"}, ErrDropped},
		{"ended room", protocol.TranscriptEvent{Kind: protocol.EventPartial, RoomID: "ended", SpeakerID: "buyer"}, ErrDropped},
		{"unknown speaker", protocol.TranscriptEvent{Kind: protocol.EventFinal, RoomID: "room-1", SpeakerID: "intruder"}, ErrDropped},
		{"bad kind", protocol.TranscriptEvent{Kind: "hangup", RoomID: "room-1"}, ErrMalformed},
		{"missing room", protocol.TranscriptEvent{Kind: protocol.EventCallEnd}, ErrMalformed},
		{"missing speaker", protocol.TranscriptEvent{Kind: protocol.EventFinal, RoomID: "room-1"}, ErrMalformed},
	}
	for _, tc := range cases {
		err := p.Handle(ctx, tc.evt)
		if tc.want == nil && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestHandleStampsMissingTimestamp(t *testing.T) {
	d := newFakeDispatcher()
	p := NewProcessor(d, testLogger())
	if err := p.Handle(context.Background(), protocol.TranscriptEvent{Kind: protocol.EventCallStart, RoomID: "room-1"}); err != nil {
		t.Fatal(err)
	}
	if evt := <-d.got; evt.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be filled")
	}
}

func newServer(t *testing.T, d Dispatcher) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewProcessor(d, testLogger()).Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPIntake(t *testing.T) {
	d := newFakeDispatcher()
	srv := newServer(t, d)

	cases := []struct {
		name     string
		body     string
		status   int
		accepted int
		dropped  int
	}{
		{"single", `{"kind":"final","room_id":"room-1","speaker_id":"buyer","text":"Can you do 120 units at $4.50 each?"}`, http.StatusAccepted, 1, 0},
		{"batch", `[{"kind":"call-start","room_id":"room-1"},{"kind":"partial","room_id":"room-1","speaker_id":"buyer","text":"Can"},{"kind":"final","room_id":"gone","speaker_id":"buyer","text":"x"}]`, http.StatusAccepted, 2, 1},
		{"not json", `kind=final`, http.StatusBadRequest, 0, 0},
		{"empty", ``, http.StatusBadRequest, 0, 0},
		{"empty batch", `[]`, http.StatusBadRequest, 0, 0},
		{"bad kind", `{"kind":"bogus","room_id":"room-1"}`, http.StatusBadRequest, 0, 0},
		{"batch with malformed", `[{"kind":"call-start","room_id":"room-1"},{"kind":"final","room_id":"room-1"}]`, http.StatusBadRequest, 0, 0},
	}
	for _, tc := range cases {
		before := d.count()
		resp, err := http.Post(srv.URL+"/v1/webhooks/transcripts", "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: status %d, want %d", tc.name, resp.StatusCode, tc.status)
		}
		if tc.status == http.StatusAccepted {
			var out intakeResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("%s: decode: %v", tc.name, err)
			}
			if out.Accepted != tc.accepted || out.Dropped != tc.dropped {
				t.Fatalf("%s: got %+v", tc.name, out)
			}
		} else if d.count() != before {
			t.Fatalf("%s: rejected payload reached a room", tc.name)
		}
		resp.Body.Close()
	}
}

func TestBusIntake(t *testing.T) {
	log := testLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "webhook-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	d := newFakeDispatcher()
	intake := NewBusIntake(context.Background(), client, NewProcessor(d, log), log)
	if err := intake.Start(); err != nil {
		t.Fatalf("start intake: %v", err)
	}
	t.Cleanup(intake.Close)
	if !intake.Healthy() {
		t.Fatal("intake should be healthy after start")
	}

	// Kind is inferred from the subject when omitted.
	if err := client.PublishJSON(protocol.SubjectTranscriptFinal, map[string]string{
		"room_id": "room-1", "speaker_id": "seller", "text": "Mogu 100 komada po 4,20 evra",
	}); err != nil {
		t.Fatal(err)
	}
	if err := client.Conn().Publish(protocol.SubjectTranscriptFinal, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-d.got:
		if evt.Kind != protocol.EventFinal || evt.SpeakerID != "seller" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bus event never reached the dispatcher")
	}
}
