package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

const maxBodyBytes = 1 << 20

type intakeResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// Mount registers the transcript intake route.
func (p *Processor) Mount(r chi.Router) {
	r.Post("/v1/webhooks/transcripts", p.serveTranscripts)
}

// serveTranscripts accepts a single event object or an array of events.
// Events for unknown rooms are dropped but still acknowledged so the
// provider does not redeliver them.
func (p *Processor) serveTranscripts(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	events, err := decodeEvents(body)
	if err != nil {
		http.Error(w, "invalid transcript payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	for _, evt := range events {
		if err := validate(evt); err != nil {
			http.Error(w, "invalid transcript event: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	var resp intakeResponse
	for _, evt := range events {
		if err := p.Handle(r.Context(), evt); err != nil {
			if errors.Is(err, ErrMalformed) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			resp.Dropped++
			continue
		}
		resp.Accepted++
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func decodeEvents(body []byte) ([]protocol.TranscriptEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var events []protocol.TranscriptEvent
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, errors.New("empty event batch")
		}
		return events, nil
	}
	var evt protocol.TranscriptEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, err
	}
	return []protocol.TranscriptEvent{evt}, nil
}
