package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/eventstore"
	"github.com/loqalabs/loqa-interpreter/internal/langdetect"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/trade"
	"github.com/loqalabs/loqa-interpreter/internal/voice"
)

// Snapshot is a point-in-time copy of a room.
type Snapshot struct {
	RoomID           string         `json:"room_id"`
	State            State          `json:"state"`
	Participants     [2]Participant `json:"participants"`
	ActiveTranscript string         `json:"active_transcript"`
	LastTranslation  string         `json:"last_translation"`
	LivePreview      string         `json:"live_preview,omitempty"`
	Terms            []trade.Term   `json:"terms"`
	Delivered        uint64         `json:"delivered"`
	Degraded         uint64         `json:"degraded"`
	CreatedAt        time.Time      `json:"created_at"`
}

// utterance is one admitted final transcript moving through translation.
type utterance struct {
	seq     uint64
	speaker Participant
	target  Participant
	text    string
	source  string
	cmd     protocol.SpeakCommand
	done    chan struct{}
	dropped bool
}

// room is the per-conversation actor. Events enter through inbox and are
// handled by run in arrival order; translations run concurrently and
// deliverLoop re-sequences them through the pending FIFO.
type room struct {
	id           string
	participants [2]Participant
	createdAt    time.Time
	deps         *Deps
	opts         Options
	logger       *slog.Logger
	abandon      func()

	inbox   chan protocol.TranscriptEvent
	pending chan *utterance
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu               sync.RWMutex
	state            State
	activeTranscript string
	lastTranslation  string
	livePreview      string
	terms            []trade.Term
	delivered        uint64
	degraded         uint64

	// owned by run
	nextSeq uint64
}

func newRoom(parent context.Context, id string, participants [2]Participant, deps *Deps, opts Options, logger *slog.Logger) *room {
	ctx, cancel := context.WithCancel(parent)
	return &room{
		id:           id,
		participants: participants,
		createdAt:    time.Now().UTC(),
		deps:         deps,
		opts:         opts,
		logger:       logger.With(slog.String("room_id", id)),
		inbox:        make(chan protocol.TranscriptEvent, opts.InboxSize),
		pending:      make(chan *utterance, opts.MaxInflight),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateCreated,
	}
}

func (r *room) start() {
	r.wg.Add(2)
	go r.run()
	go r.deliverLoop()
}

func (r *room) currentState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *room) setState(to State) error {
	r.mu.Lock()
	from := r.state
	if err := transition(from, to); err != nil {
		r.mu.Unlock()
		return err
	}
	r.state = to
	r.mu.Unlock()
	if from != to {
		r.logger.Info("room state changed", slog.String("from", from.String()), slog.String("to", to.String()))
		r.record("", eventstore.KindState, map[string]string{"from": from.String(), "to": to.String()})
	}
	return nil
}

// resolve returns the speaker and the other participant.
func (r *room) resolve(speakerID string) (Participant, Participant, bool) {
	switch speakerID {
	case r.participants[0].ID:
		return r.participants[0], r.participants[1], true
	case r.participants[1].ID:
		return r.participants[1], r.participants[0], true
	}
	return Participant{}, Participant{}, false
}

func (r *room) run() {
	defer r.wg.Done()

	var connecting <-chan time.Time
	if r.opts.ConnectingTimeout > 0 {
		timer := time.NewTimer(r.opts.ConnectingTimeout)
		defer timer.Stop()
		connecting = timer.C
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-connecting:
			connecting = nil
			if r.currentState() == StateConnecting && r.abandon != nil {
				r.logger.Warn("transport legs never confirmed, ending room",
					slog.Duration("timeout", r.opts.ConnectingTimeout))
				r.abandon()
			}
		case evt := <-r.inbox:
			r.handle(evt)
		}
	}
}

func (r *room) handle(evt protocol.TranscriptEvent) {
	switch evt.Kind {
	case protocol.EventCallStart:
		if err := r.setState(StateActive); err != nil {
			r.logger.Debug("call-start ignored", slogError(err))
		}
	case protocol.EventPartial:
		r.mu.Lock()
		r.livePreview = evt.Text
		r.mu.Unlock()
	case protocol.EventFinal:
		r.handleFinal(evt)
	}
}

func (r *room) handleFinal(evt protocol.TranscriptEvent) {
	if strings.TrimSpace(evt.Text) == "" {
		return
	}
	// A final transcript means the provider has both legs streaming.
	if r.currentState() == StateConnecting {
		if err := r.setState(StateActive); err != nil {
			r.logger.Debug("implicit activation failed", slogError(err))
			return
		}
	}

	speaker, target, ok := r.resolve(evt.SpeakerID)
	if !ok {
		r.logger.Info("final from unknown speaker dropped", slog.String("speaker_id", evt.SpeakerID))
		return
	}
	source := r.sourceLanguage(evt, speaker)

	term, found := r.deps.Extractor.Extract(evt.Text)
	r.mu.Lock()
	r.activeTranscript = evt.Text
	r.livePreview = ""
	if found {
		r.terms = append(r.terms, term)
	}
	r.mu.Unlock()

	r.record(speaker.ID, eventstore.KindUtterance, map[string]string{"text": evt.Text, "language": source})
	if found {
		r.logger.Debug("trade term extracted",
			slog.Float64("quantity", term.Quantity),
			slog.String("unit", term.Unit),
			slog.Float64("unit_price", term.UnitPrice),
			slog.String("currency", term.Currency))
		r.record(speaker.ID, eventstore.KindTradeTerm, term)
	}

	r.nextSeq++
	u := &utterance{
		seq:     r.nextSeq,
		speaker: speaker,
		target:  target,
		text:    evt.Text,
		source:  source,
		done:    make(chan struct{}),
	}
	select {
	case r.pending <- u:
	case <-r.ctx.Done():
		return
	}
	r.wg.Add(1)
	go r.translate(u)
}

// sourceLanguage classifies the utterance. Ambiguous detections fall back to
// the provider's hint, then to the speaker's declared language. A stop-word
// match that contradicts the declared language counts as ambiguous.
func (r *room) sourceLanguage(evt protocol.TranscriptEvent, speaker Participant) string {
	res := r.deps.Detector.Classify(evt.Text)
	if !res.Ambiguous && !(res.Lexical && !langdetect.Same(res.Tag, speaker.Language)) {
		return res.Tag
	}
	if hint := strings.TrimSpace(evt.LanguageHint); hint != "" {
		return hint
	}
	return speaker.Language
}

func (r *room) translate(u *utterance) {
	defer r.wg.Done()
	defer close(u.done)

	cmd := protocol.SpeakCommand{
		RoomID:        r.id,
		ParticipantID: u.target.ID,
		Sequence:      u.seq,
		SourceText:    u.text,
		SourceLang:    u.source,
		TargetLang:    u.target.Language,
		Voice:         r.deps.Voices.VoiceFor(u.target.Language, voice.ParseGender(u.speaker.Gender)),
	}

	if langdetect.Same(u.source, u.target.Language) {
		cmd.Text = u.text
	} else {
		res, err := r.deps.Translator.Translate(r.ctx, u.text, u.source, u.target.Language)
		switch {
		case err != nil && r.ctx.Err() != nil:
			u.dropped = true
			return
		case err != nil:
			r.logger.Warn("delivering untranslated text",
				slog.Uint64("sequence", u.seq),
				slogError(err))
			cmd.Text = u.text
			cmd.Degraded = true
			cmd.Notice = NoticeTranslationUnavailable
		default:
			cmd.Text = res.Text
		}
	}
	cmd.Timestamp = time.Now().UTC()
	u.cmd = cmd
}

func (r *room) deliverLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case u := <-r.pending:
			select {
			case <-u.done:
			case <-r.ctx.Done():
				return
			}
			if u.dropped {
				continue
			}
			r.deliver(u.cmd)
		}
	}
}

func (r *room) deliver(cmd protocol.SpeakCommand) {
	r.mu.Lock()
	r.lastTranslation = cmd.Text
	r.delivered++
	if cmd.Degraded {
		r.degraded++
	}
	r.mu.Unlock()

	if cmd.Degraded {
		r.record(cmd.ParticipantID, eventstore.KindDegraded, map[string]any{"sequence": cmd.Sequence, "notice": cmd.Notice})
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.opts.DeliveryTimeout)
	defer cancel()
	if err := r.deps.Speaker.Speak(ctx, cmd); err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.logger.Warn("speak command delivery failed",
			slog.String("participant_id", cmd.ParticipantID),
			slog.Uint64("sequence", cmd.Sequence),
			slogError(err))
	}
}

func (r *room) record(participantID, kind string, payload any) {
	if !r.deps.Store.Enabled() {
		return
	}
	if err := r.deps.Store.AppendJSON(context.WithoutCancel(r.ctx), r.id, participantID, kind, payload); err != nil {
		r.logger.Warn("failed to append timeline event", slog.String("kind", kind), slogError(err))
	}
}

func (r *room) snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		RoomID:           r.id,
		State:            r.state,
		Participants:     r.participants,
		ActiveTranscript: r.activeTranscript,
		LastTranslation:  r.lastTranslation,
		LivePreview:      r.livePreview,
		Terms:            append([]trade.Term{}, r.terms...),
		Delivered:        r.delivered,
		Degraded:         r.degraded,
		CreatedAt:        r.createdAt,
	}
}
