// Package conversation runs one actor per negotiation room: it ingests
// transcript events, extracts trade terms, translates with numeric fidelity
// and emits speak commands to the other participant in finalization order.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/eventstore"
	"github.com/loqalabs/loqa-interpreter/internal/langdetect"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/trade"
	"github.com/loqalabs/loqa-interpreter/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Options bounds per-room queues and timeouts.
type Options struct {
	InboxSize         int
	MaxInflight       int
	DeliveryTimeout   time.Duration
	ConnectingTimeout time.Duration
}

// OptionsFromConfig converts the interpreter section to Options.
func OptionsFromConfig(cfg config.InterpreterConfig) Options {
	return Options{
		InboxSize:         cfg.InboxSize,
		MaxInflight:       cfg.MaxInflight,
		DeliveryTimeout:   time.Duration(cfg.DeliveryTimeoutMS) * time.Millisecond,
		ConnectingTimeout: time.Duration(cfg.ConnectingTimeoutMS) * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	if o.InboxSize <= 0 {
		o.InboxSize = 64
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = 8
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 2 * time.Second
	}
	return o
}

// Deps are the pipeline stages shared by every room. Store is optional.
type Deps struct {
	Detector   *langdetect.Detector
	Extractor  *trade.Extractor
	Translator Translator
	Voices     *voice.Router
	Speaker    Speaker
	Store      *eventstore.Store
}

func (d Deps) validate() error {
	switch {
	case d.Detector == nil:
		return errors.New("language detector required")
	case d.Extractor == nil:
		return errors.New("trade extractor required")
	case d.Translator == nil:
		return errors.New("translator required")
	case d.Voices == nil:
		return errors.New("voice router required")
	case d.Speaker == nil:
		return errors.New("speaker required")
	}
	return nil
}

// Registry is the active-room table. Lookups on the event hot path are
// lock-free; the mutex only serializes insertion and removal.
type Registry struct {
	opts   Options
	deps   *Deps
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  sync.Map // room id → *room
	active atomic.Int64
	closed atomic.Bool
	newID  func() string

	activeGauge metric.Int64ObservableGauge
}

func NewRegistry(parent context.Context, opts Options, deps Deps, logger *slog.Logger) (*Registry, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		opts:   opts.withDefaults(),
		deps:   &deps,
		logger: logger.With(slog.String("component", "conversation-registry")),
		ctx:    ctx,
		cancel: cancel,
		newID:  uuid.NewString,
	}
	if err := r.initMetrics(); err != nil {
		r.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return r, nil
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-interpreter/conversation")
	gauge, err := meter.Int64ObservableGauge("interpreter.rooms.active",
		metric.WithDescription("Rooms currently registered"))
	if err != nil {
		return err
	}
	r.activeGauge = gauge
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(r.activeGauge, r.active.Load())
		return nil
	}, gauge)
	return err
}

// StartRoom registers a room for two participants and returns its id. The
// room is left in connecting until the transcription provider confirms both
// legs.
func (r *Registry) StartRoom(ctx context.Context, a, b Participant) (string, error) {
	if r.closed.Load() {
		return "", ErrRegistryClosed
	}
	if err := validatePair(a, b); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := r.newID()
	participants := [2]Participant{a, b}
	rm := newRoom(r.ctx, id, participants, r.deps, r.opts, r.logger)
	rm.abandon = func() {
		go func() { _ = r.EndRoom(context.Background(), id) }()
	}

	if d, ok := r.deps.Speaker.(Delivery); ok {
		if err := d.Open(id, participants); err != nil {
			rm.cancel()
			return "", fmt.Errorf("open delivery legs: %w", err)
		}
	}
	if err := r.deps.Store.OpenRoom(ctx, id, a.ID, b.ID); err != nil {
		r.logger.Warn("failed to record room", slog.String("room_id", id), slogError(err))
	}
	if err := rm.setState(StateConnecting); err != nil {
		rm.cancel()
		return "", err
	}

	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		rm.cancel()
		if d, ok := r.deps.Speaker.(Delivery); ok {
			d.Close(id)
		}
		_ = r.deps.Store.DeleteRoom(context.WithoutCancel(ctx), id)
		return "", ErrRegistryClosed
	}
	r.rooms.Store(id, rm)
	r.active.Add(1)
	r.mu.Unlock()
	rm.start()

	r.logger.Info("room started",
		slog.String("room_id", id),
		slog.String("participant_a", a.ID),
		slog.String("language_a", a.Language),
		slog.String("participant_b", b.ID),
		slog.String("language_b", b.Language))
	return id, nil
}

// Activate confirms both transport legs: connecting → active.
func (r *Registry) Activate(ctx context.Context, roomID string) error {
	return r.Dispatch(ctx, protocol.TranscriptEvent{Kind: protocol.EventCallStart, RoomID: roomID, Timestamp: time.Now().UTC()})
}

// EndRoom cancels in-flight work, tears down delivery legs and evicts the
// room. Ending an unknown or already ended room is a no-op.
func (r *Registry) EndRoom(ctx context.Context, roomID string) error {
	r.mu.Lock()
	v, ok := r.rooms.LoadAndDelete(roomID)
	if ok {
		r.active.Add(-1)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	rm := v.(*room)
	rm.cancel()

	stopped := make(chan struct{})
	go func() {
		rm.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		r.logger.Warn("room workers still draining", slog.String("room_id", roomID))
	}

	rm.mu.Lock()
	from := rm.state
	rm.state = StateEnded
	rm.mu.Unlock()

	if d, ok := r.deps.Speaker.(Delivery); ok {
		d.Close(roomID)
	}
	if err := r.deps.Store.DeleteRoom(context.WithoutCancel(ctx), roomID); err != nil {
		r.logger.Warn("failed to delete room timeline", slog.String("room_id", roomID), slogError(err))
	}
	r.logger.Info("room ended", slog.String("room_id", roomID), slog.String("from", from.String()))
	return nil
}

// GetConversation returns a snapshot of a live room.
func (r *Registry) GetConversation(roomID string) (Snapshot, error) {
	rm, ok := r.lookup(roomID)
	if !ok {
		return Snapshot{}, ErrUnknownRoom
	}
	return rm.snapshot(), nil
}

// List returns snapshots of every live room ordered by creation time.
func (r *Registry) List() []Snapshot {
	var out []Snapshot
	r.rooms.Range(func(_, v any) bool {
		out = append(out, v.(*room).snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len reports the number of live rooms.
func (r *Registry) Len() int {
	return int(r.active.Load())
}

// Dispatch routes a transcript event to its room. It returns ErrUnknownRoom
// or ErrRoomEnded for events that arrive after the room is gone.
func (r *Registry) Dispatch(ctx context.Context, evt protocol.TranscriptEvent) error {
	if !evt.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", evt.Kind)
	}
	rm, ok := r.lookup(evt.RoomID)
	if !ok {
		return ErrUnknownRoom
	}
	if evt.Kind == protocol.EventCallEnd {
		return r.EndRoom(ctx, evt.RoomID)
	}
	if rm.ctx.Err() != nil {
		return ErrRoomEnded
	}
	if evt.Kind == protocol.EventPartial || evt.Kind == protocol.EventFinal {
		if _, _, ok := rm.resolve(evt.SpeakerID); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownSpeaker, evt.SpeakerID)
		}
	}
	select {
	case rm.inbox <- evt:
		return nil
	case <-rm.ctx.Done():
		return ErrRoomEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends every room. Further StartRoom calls fail.
func (r *Registry) Close(ctx context.Context) {
	// Rooms are stored under mu after a closed check, so none can appear
	// once the flag is set here.
	r.mu.Lock()
	r.closed.Store(true)
	r.mu.Unlock()
	var ids []string
	r.rooms.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	for _, id := range ids {
		_ = r.EndRoom(ctx, id)
	}
	r.cancel()
}

func (r *Registry) lookup(roomID string) (*room, bool) {
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return nil, false
	}
	return v.(*room), true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
