package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/organoidlab/pipewatch/internal/api"
	"github.com/organoidlab/pipewatch/internal/pipeline"
)

const (
	writeWait       = 10 * time.Second
	maxInboundFrame = 64 * 1024
)

// StatusFrame is a pipeline_status, pipeline_progress or pipeline_log message
// pushed to websocket clients. An empty Type means pipeline_status.
type StatusFrame struct {
	Type         string `json:"type"`
	RunID        string `json:"run_id"`
	ScanID       string `json:"scan_id,omitempty"`
	OrganoidName string `json:"organoid_name,omitempty"`
	Stage        string `json:"stage,omitempty"`
	Status       string `json:"status,omitempty"`
	Progress     int    `json:"progress"`
	Message      string `json:"message,omitempty"`
	Timestamp    string `json:"timestamp"`
}

type inboundFrame struct {
	Action string `json:"action"`
	RunID  api.ID `json:"run_id"`
}

type controlFrame struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Message string `json:"message,omitempty"`
}

type hubClient struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	runs map[string]struct{}
}

func (c *hubClient) write(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *hubClient) send(frame controlFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	return c.write(raw)
}

func (c *hubClient) follows(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.runs[runID]

	return ok
}

func (c *hubClient) subscribe(runID string) {
	c.mu.Lock()
	if c.runs == nil {
		c.runs = make(map[string]struct{})
	}
	c.runs[runID] = struct{}{}
	c.mu.Unlock()
}

func (c *hubClient) unsubscribe(runID string) {
	c.mu.Lock()
	delete(c.runs, runID)
	c.mu.Unlock()
}

// Hub tracks connected status clients and fans frames out to them.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*hubClient
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default().With("component", "devserver.hub")
	}

	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*hubClient),
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)

		return
	}
	conn.SetReadLimit(maxInboundFrame)

	client := &hubClient{id: uuid.NewString(), conn: conn}
	h.register(client)
	defer h.unregister(client)

	logger := h.logger.With("client", client.id)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", "error", err)
			}

			return
		}
		h.handleFrame(client, payload, logger)
	}
}

func (h *Hub) handleFrame(client *hubClient, payload []byte, logger *slog.Logger) {
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		logger.Warn("invalid client frame", "len", len(payload), "error", err)
		if err := client.send(controlFrame{Type: pipeline.MessageTypeError, Message: "Invalid JSON"}); err != nil {
			logger.Warn("write error frame failed", "error", err)
		}

		return
	}

	runID := string(frame.RunID)
	var reply *controlFrame
	switch frame.Action {
	case pipeline.ActionPing:
		reply = &controlFrame{Type: pipeline.MessageTypePong}
	case pipeline.ActionSubscribe:
		if runID == "" {
			reply = &controlFrame{Type: pipeline.MessageTypeError, Message: "run_id is required"}

			break
		}
		client.subscribe(runID)
		logger.Info("client subscribed", "run_id", runID)
		reply = &controlFrame{Type: pipeline.MessageTypeSubscriptionConfirmed, RunID: runID}
	case pipeline.ActionUnsubscribe:
		client.unsubscribe(runID)
		logger.Info("client unsubscribed", "run_id", runID)
	default:
		logger.Debug("ignore client frame", "action", frame.Action)
	}
	if reply == nil {
		return
	}
	if err := client.send(*reply); err != nil {
		logger.Warn("write reply failed", "type", reply.Type, "error", err)
	}
}

// Broadcast sends frame to its audience and returns how many clients received
// it. Status frames reach every client; progress and log frames only reach
// clients subscribed to the run.
func (h *Hub) Broadcast(frame StatusFrame) int {
	if frame.Type == "" {
		frame.Type = pipeline.MessageTypeStatus
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("encode status frame failed", "run_id", frame.RunID, "error", err)

		return 0
	}
	everyone := frame.Type == pipeline.MessageTypeStatus

	h.mu.RLock()
	targets := make([]*hubClient, 0, len(h.clients))
	for _, client := range h.clients {
		if everyone || client.follows(frame.RunID) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range targets {
		if err := client.write(raw); err != nil {
			h.logger.Warn("broadcast write failed", "client", client.id, "error", err)
			h.unregister(client)

			continue
		}
		delivered++
	}
	h.logger.Debug("broadcast frame", "type", frame.Type, "run_id", frame.RunID, "clients", delivered)

	return delivered
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*hubClient)
	h.mu.Unlock()

	for _, client := range clients {
		client.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
		_ = client.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		client.writeMu.Unlock()
		_ = client.conn.Close()
	}
}

func (h *Hub) register(client *hubClient) {
	h.mu.Lock()
	h.clients[client.id] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client connected", "client", client.id, "clients", count)
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[client.id]
	delete(h.clients, client.id)
	count := len(h.clients)
	h.mu.Unlock()

	_ = client.conn.Close()
	if ok {
		h.logger.Info("client disconnected", "client", client.id, "clients", count)
	}
}
