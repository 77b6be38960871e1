// Package gateway exposes the session manager over HTTP: a REST API for
// lifecycle and broadcast operations plus a per-session websocket event feed.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/session"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsEvent is the frame pushed to websocket subscribers.
type wsEvent struct {
	Event   string `json:"event"`
	Session string `json:"session"`
	Payload any    `json:"payload,omitempty"`
}

type qrPayload struct {
	Code    string `json:"code"`
	DataURL string `json:"dataUrl,omitempty"`
}

type messagePayload struct {
	GroupID   string `json:"groupId"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"messageId"`
	IsReply   bool   `json:"isReply,omitempty"`
}

// Hub fans session events out to websocket subscribers. Subscriptions are
// scoped to one session id; a subscriber never sees another session's
// events. Implements session.Notifier.
type Hub struct {
	qrSize   int
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*wsClient]struct{}
}

// NewHub creates a Hub rendering pairing challenges at qrSize pixels.
func NewHub(qrSize int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		qrSize: qrSize,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		subs: make(map[string]map[*wsClient]struct{}),
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// ServeHTTP upgrades the connection and subscribes it to the session named
// by the "session" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.subscribe(sessionID, client)
	h.logger.Debug("subscriber connected", "session", sessionID)

	go client.writeLoop()
	client.readLoop()

	h.unsubscribe(sessionID, client)
	close(client.send)
	_ = conn.Close()
	h.logger.Debug("subscriber disconnected", "session", sessionID)
}

func (h *Hub) subscribe(sessionID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.subs[sessionID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unsubscribe(sessionID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sessionID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

// Subscribers returns the current subscriber count for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Notify implements session.Notifier: the event is serialized once and
// delivered to every subscriber of that session. Slow subscribers are
// skipped rather than blocking the session layer.
func (h *Hub) Notify(sessionID string, evt session.Event) {
	frame := wsEvent{Event: string(evt.Kind), Session: sessionID}

	switch evt.Kind {
	case session.EventChallenge:
		payload := qrPayload{Code: evt.Challenge}
		if dataURL, err := qrDataURL(evt.Challenge, h.qrSize); err == nil {
			payload.DataURL = dataURL
		} else {
			h.logger.Warn("render pairing challenge", "session", sessionID, "error", err)
		}
		frame.Payload = payload
	case session.EventMessageObserved, session.EventMessageSent:
		frame.Payload = messagePayload{
			GroupID:   evt.ConversationID,
			From:      evt.Sender,
			Text:      evt.Text,
			Timestamp: evt.Timestamp,
			MessageID: evt.MessageID,
			IsReply:   evt.WasReply,
		}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshal event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subs[sessionID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("subscriber buffer full, event dropped", "session", sessionID)
		}
	}
}

func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// The feed is one-way; inbound frames only refresh liveness.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
