package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

const (
	clientSendBuffer = 64
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
	writeWait        = 10 * time.Second
	wsIntentTimeout  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the API binds to loopback by default
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub pushes session events to websocket clients and accepts intents from
// them. It implements session.Sink.
type Hub struct {
	log        *slog.Logger
	dispatcher bus.Dispatcher
	now        func() time.Time

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	last    []byte
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(d bus.Dispatcher, log *slog.Logger) *Hub {
	return &Hub{
		log:        log.With(slog.String("component", "ws-hub")),
		dispatcher: d,
		now:        time.Now,
		clients:    make(map[*wsClient]struct{}),
	}
}

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) StateChanged(s session.Snapshot) {
	state := s.Message()
	data, ok := h.encode(protocol.Event{Type: protocol.EventState, State: &state})
	if !ok {
		return
	}
	h.mu.Lock()
	h.last = data
	h.mu.Unlock()
	h.broadcast(data)
}

func (h *Hub) PartialTranscript(sessionID, text string) {
	h.transcript(sessionID, text, true)
}

func (h *Hub) FinalTranscript(sessionID, text string) {
	h.transcript(sessionID, text, false)
}

func (h *Hub) transcript(sessionID, text string, partial bool) {
	data, ok := h.encode(protocol.Event{
		Type: protocol.EventTranscript,
		Transcript: &protocol.Transcript{
			SessionID: sessionID,
			Text:      text,
			Partial:   partial,
			Timestamp: h.now().UTC(),
		},
	})
	if ok {
		h.broadcast(data)
	}
}

func (h *Hub) SessionError(sessionID string, err error, fatal bool) {
	if err == nil {
		return
	}
	msg := session.ErrorMessage(sessionID, err, fatal, h.now())
	if data, ok := h.encode(protocol.Event{Type: protocol.EventError, Error: &msg}); ok {
		h.broadcast(data)
	}
}

func (h *Hub) TranscriptSaved(string, string, string) {}

func (h *Hub) encode(evt protocol.Event) ([]byte, bool) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Warn("failed to encode event", slog.String("type", evt.Type), slog.String("error", err.Error()))
		return nil, false
	}
	return data, true
}

// broadcast never blocks; a client that cannot keep up is disconnected.
func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping slow websocket client", slog.String("remote", c.conn.RemoteAddr().String()))
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.register(c)
	h.log.Debug("websocket client connected", slog.String("remote", conn.RemoteAddr().String()))

	go h.writeLoop(c)
	h.readLoop(r.Context(), c)
}

func (h *Hub) readLoop(ctx context.Context, c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in protocol.Intent
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
		if in.Name == protocol.IntentPing {
			h.reply(c, protocol.Event{Type: protocol.EventPong})
			continue
		}
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wsIntentTimeout)
		snap, path, err := h.dispatcher.Dispatch(reqCtx, in)
		cancel()
		reply := session.Reply(snap, path, err)
		h.reply(c, protocol.Event{Type: protocol.EventReply, Reply: &reply})
	}
}

func (h *Hub) reply(c *wsClient, evt protocol.Event) {
	data, ok := h.encode(evt)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, live := h.clients[c]; !live {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
