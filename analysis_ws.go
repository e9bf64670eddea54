package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// analysisEvent is one step of a live investigation, streamed to observers.
type analysisEvent struct {
	Event           string `json:"event"`
	InvestigationID string `json:"investigation_id,omitempty"`
	FEN             string `json:"fen,omitempty"`
	Move            string `json:"move,omitempty"`
	ScoreCP         *int   `json:"score_cp,omitempty"`
	Overestimated   *bool  `json:"overestimated,omitempty"`
	Ply             int    `json:"ply,omitempty"`
	Beam            int    `json:"beam,omitempty"`
	UpdatedAt       int64  `json:"updated_at_ms,omitempty"`
}

type AnalysisClient struct {
	hub  *AnalysisHub
	conn *websocket.Conn
	send chan []byte
}

// AnalysisHub fans analysis events out to connected websocket clients.
// Publish never blocks: a full broadcast buffer drops the event rather than
// stalling a scan.
type AnalysisHub struct {
	mu        sync.Mutex
	clients   map[*AnalysisClient]struct{}
	broadcast chan analysisEvent
}

func NewAnalysisHub() *AnalysisHub {
	return &AnalysisHub{
		clients:   make(map[*AnalysisClient]struct{}),
		broadcast: make(chan analysisEvent, 64),
	}
}

func (h *AnalysisHub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event := <-h.broadcast:
			h.mu.Lock()
			if len(h.clients) == 0 {
				h.mu.Unlock()
				continue
			}
			for client := range h.clients {
				client.sendJSON(wsMessage{Type: "analysis", Payload: mustMarshal(event)})
			}
			h.mu.Unlock()
		}
	}
}

func (h *AnalysisHub) Publish(event analysisEvent) {
	if event.UpdatedAt == 0 {
		event.UpdatedAt = time.Now().UnixMilli()
	}
	select {
	case h.broadcast <- event:
	default:
	}
}

func (h *AnalysisHub) Register(c *AnalysisClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *AnalysisHub) Unregister(c *AnalysisClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *AnalysisHub) HasClients() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients) > 0
}

func (c *AnalysisClient) sendJSON(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

const wsIdlePingInterval = 30 * time.Second

// writePump drains the send channel and pings idle connections so proxies do
// not drop them between scans.
func (c *AnalysisClient) writePump() {
	defer c.conn.Close()
	ticker := time.NewTicker(wsIdlePingInterval)
	defer ticker.Stop()
	lastWrite := time.Now()
	pingPayload, _ := json.Marshal(wsMessage{Type: "ping"})

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			lastWrite = time.Now()
		case <-ticker.C:
			if time.Since(lastWrite) < wsIdlePingInterval {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, pingPayload); err != nil {
				return
			}
			lastWrite = time.Now()
		}
	}
}

func serveAnalysisWS(hub *AnalysisHub, w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &AnalysisClient{hub: hub, conn: conn, send: make(chan []byte, 32)}
	hub.Register(client)
	go client.writePump()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			hub.Unregister(client)
			return
		}
	}
}
