package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// BrowserMessage is the JSON frame sent to a participant's browser.
type BrowserMessage struct {
	Type          string `json:"type"`
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
	Sequence      uint64 `json:"sequence,omitempty"`
	Text          string `json:"text,omitempty"`
	Voice         string `json:"voice,omitempty"`
	Degraded      bool   `json:"degraded,omitempty"`
	Notice        string `json:"notice,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	AudioBase64   string `json:"audio_base64,omitempty"`
}

type browserClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *browserClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// BrowserHub holds one websocket per (room, participant). Legs exist from
// room start; a browser attaches to its leg by dialing the ws route.
type BrowserHub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu    sync.Mutex
	rooms map[string]map[string]*browserClient
}

func NewBrowserHub(log *slog.Logger) *BrowserHub {
	return &BrowserHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:   log.With(slog.String("component", "browser-leg")),
		rooms: make(map[string]map[string]*browserClient),
	}
}

func (h *BrowserHub) openRoom(roomID string, participantIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	legs := make(map[string]*browserClient, len(participantIDs))
	for _, id := range participantIDs {
		legs[id] = nil
	}
	h.rooms[roomID] = legs
}

// closeRoom tells attached browsers the room ended and closes their sockets.
func (h *BrowserHub) closeRoom(roomID string) {
	h.mu.Lock()
	legs := h.rooms[roomID]
	delete(h.rooms, roomID)
	h.mu.Unlock()

	for pid, c := range legs {
		if c == nil {
			continue
		}
		if data, err := json.Marshal(BrowserMessage{Type: "ended", RoomID: roomID, ParticipantID: pid}); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
		c.close()
	}
}

// Attached reports whether a browser is connected for the leg.
func (h *BrowserHub) Attached(roomID, participantID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID][participantID] != nil
}

// Send queues msg on the participant's socket.
func (h *BrowserHub) Send(roomID, participantID string, msg BrowserMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	c := h.rooms[roomID][participantID]
	h.mu.Unlock()
	if c == nil {
		return ErrBrowserNotAttached
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrBrowserNotAttached
	default:
		return errors.New("browser leg backlog full")
	}
}

// ServeHTTP upgrades GET /v1/stream/{roomID}/{participantID}.
func (h *BrowserHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	participantID := chi.URLParam(r, "participantID")

	h.mu.Lock()
	legs, ok := h.rooms[roomID]
	_, known := legs[participantID]
	h.mu.Unlock()
	if !ok || !known {
		http.Error(w, "unknown room or participant", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := &browserClient{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	legs, ok = h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	if prev := legs[participantID]; prev != nil {
		prev.close()
	}
	legs[participantID] = c
	h.mu.Unlock()

	h.log.Info("browser attached", slog.String("room_id", roomID), slog.String("participant_id", participantID))
	go h.writePump(c)
	go h.readPump(roomID, participantID, c)
}

func (h *BrowserHub) detach(roomID, participantID string, c *browserClient) {
	h.mu.Lock()
	if legs, ok := h.rooms[roomID]; ok && legs[participantID] == c {
		legs[participantID] = nil
	}
	h.mu.Unlock()
	c.close()
}

// readPump only watches for the peer going away; browsers do not send
// anything the interpreter acts on.
func (h *BrowserHub) readPump(roomID, participantID string, c *browserClient) {
	defer h.detach(roomID, participantID, c)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("browser read failed", slog.String("room_id", roomID), slogError(err))
			}
			return
		}
	}
}

func (h *BrowserHub) writePump(c *browserClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			// Flush what is already queued, such as the ended notice.
			for {
				select {
				case data := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.TextMessage, data)
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room ended"),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}
