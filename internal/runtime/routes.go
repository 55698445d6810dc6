package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-interpreter/internal/conversation"
)

func (r *Runtime) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		router.Handle("/metrics", r.metricsHandler)
	}

	newRoomsHandler(r.registry, r.logger).mount(router)
	r.processor.Mount(router)
	if r.bridge != nil {
		r.bridge.Mount(router)
	}
	return router
}

// roomRegistry is the room lifecycle surface the HTTP API needs.
type roomRegistry interface {
	StartRoom(ctx context.Context, a, b conversation.Participant) (string, error)
	Activate(ctx context.Context, roomID string) error
	EndRoom(ctx context.Context, roomID string) error
	GetConversation(roomID string) (conversation.Snapshot, error)
	List() []conversation.Snapshot
}

type roomsHandler struct {
	registry roomRegistry
	logger   *slog.Logger
}

func newRoomsHandler(registry roomRegistry, logger *slog.Logger) *roomsHandler {
	return &roomsHandler{registry: registry, logger: logger.With(slog.String("component", "rooms-api"))}
}

func (h *roomsHandler) mount(r chi.Router) {
	r.Route("/v1/rooms", func(r chi.Router) {
		r.Post("/", h.start)
		r.Get("/", h.list)
		r.Get("/{roomID}", h.get)
		r.Post("/{roomID}/activate", h.activate)
		r.Delete("/{roomID}", h.end)
	})
}

type startRoomRequest struct {
	Participants []conversation.Participant `json:"participants"`
}

type startRoomResponse struct {
	RoomID string `json:"room_id"`
}

func (h *roomsHandler) start(w http.ResponseWriter, req *http.Request) {
	var body startRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid room request: "+err.Error())
		return
	}
	if len(body.Participants) != 2 {
		writeError(w, http.StatusBadRequest, conversation.ErrInvalidParticipants.Error())
		return
	}
	roomID, err := h.registry.StartRoom(req.Context(), body.Participants[0], body.Participants[1])
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, startRoomResponse{RoomID: roomID})
}

func (h *roomsHandler) list(w http.ResponseWriter, _ *http.Request) {
	rooms := h.registry.List()
	if rooms == nil {
		rooms = []conversation.Snapshot{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *roomsHandler) get(w http.ResponseWriter, req *http.Request) {
	snap, err := h.registry.GetConversation(chi.URLParam(req, "roomID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *roomsHandler) activate(w http.ResponseWriter, req *http.Request) {
	err := h.registry.Activate(req.Context(), chi.URLParam(req, "roomID"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, conversation.ErrUnknownRoom), errors.Is(err, conversation.ErrRoomEnded):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// end is idempotent: ending an unknown or ended room still returns 204.
func (h *roomsHandler) end(w http.ResponseWriter, req *http.Request) {
	roomID := chi.URLParam(req, "roomID")
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()
	if err := h.registry.EndRoom(ctx, roomID); err != nil {
		h.logger.Warn("end room failed", slog.String("room_id", roomID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
