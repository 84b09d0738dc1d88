package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tracelab/backend/internal/agent"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsClient serializes writes to one socket through a buffered send channel;
// notifications produced concurrently never interleave on the wire.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{conn: conn, send: make(chan []byte, 256)}
	go c.writePump()
	return c
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// push queues one JSON message; a full send buffer drops the message rather
// than blocking the producer.
func (c *wsClient) push(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode websocket message", "error", err)
		return
	}
	select {
	case c.send <- raw:
	default:
		slog.Warn("websocket send buffer full, dropping message")
	}
}

func (c *wsClient) close() {
	close(c.send)
}

type wsEnvelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// handleDetectionSocket speaks the auto-detection protocol: the client sends
// {command} messages, the server streams {type, data} notifications for the
// run. Disconnecting cancels a run in flight.
func (s *Server) handleDetectionSocket(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "fileId", fileID, "error", err)
		return
	}
	client := newWSClient(conn)
	slog.Info("auto-detection socket connected", "fileId", fileID)

	defer func() {
		s.cancelDetection(fileID)
		client.close()
		slog.Info("auto-detection socket disconnected", "fileId", fileID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(raw, &cmd); err != nil {
			client.push(wsEnvelope{Type: "error", Data: map[string]any{"message": "invalid command payload"}})
			continue
		}
		switch cmd.Command {
		case "start_auto_detection":
			s.startDetection(fileID, client)
		case "cancel_auto_detection":
			s.cancelDetection(fileID)
		default:
			client.push(wsEnvelope{Type: "error", Data: map[string]any{
				"message": "unknown command: " + cmd.Command,
			}})
		}
	}
}

// startDetection launches one runner per file; a second start while a run is
// active is rejected.
func (s *Server) startDetection(fileID string, client *wsClient) {
	s.mu.Lock()
	if _, running := s.detections[fileID]; running {
		s.mu.Unlock()
		client.push(wsEnvelope{Type: "error", Data: map[string]any{
			"message": "Auto-detection is already running for this file.",
		}})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.detections[fileID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.detections, fileID)
			s.mu.Unlock()
			cancel()
		}()
		err := s.runner.Run(ctx, fileID, func(n agent.Notification) {
			client.push(wsEnvelope{Type: n.Type, Data: n.Data})
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("auto-detection run failed", "fileId", fileID, "error", err)
		}
	}()
}

func (s *Server) cancelDetection(fileID string) {
	s.mu.Lock()
	cancel, ok := s.detections[fileID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}
