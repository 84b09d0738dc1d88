package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tracelab/backend/internal/agent"
	"github.com/tracelab/backend/internal/llm"
	"github.com/tracelab/backend/internal/store"
)

// handleChatSocket speaks the chat protocol: one set-context action, then
// one {message} per turn. Replies and tool side effects (event_added,
// guideline_added) stream back as typed messages; the transcript is
// persisted in the file's chat conversation.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "fileId", fileID, "error", err)
		return
	}
	client := newWSClient(conn)
	defer client.close()
	slog.Info("chat socket connected", "fileId", fileID)

	ctx := r.Context()
	var userName string
	var history []llm.Message

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			slog.Info("chat socket disconnected", "fileId", fileID)
			return
		}
		var msg struct {
			Action  string `json:"action"`
			Context struct {
				UserName string `json:"userName"`
			} `json:"context"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			client.push(wsEnvelope{Type: "error", Data: map[string]any{"message": "invalid message payload"}})
			continue
		}

		if msg.Action == "set-context" {
			userName = msg.Context.UserName
			client.push(wsEnvelope{Type: "context_set", Data: map[string]any{"userName": userName}})
			continue
		}
		if msg.Message == "" {
			continue
		}

		s.appendChatMessage(ctx, fileID, store.ConversationMessage{
			Role:      "user",
			Content:   msg.Message,
			Timestamp: time.Now().UTC(),
		})
		client.push(wsEnvelope{Type: "user_message_received", Data: map[string]any{"message": msg.Message}})

		cc := agent.ChatContext{FileID: fileID, UserName: userName}
		reply, updated, err := s.chat.Respond(ctx, cc, history, msg.Message, func(n agent.Notification) {
			client.push(wsEnvelope{Type: n.Type, Data: n.Data})
		})
		if err != nil {
			slog.Error("chat turn failed", "fileId", fileID, "error", err)
			client.push(wsEnvelope{Type: "error", Data: map[string]any{
				"message": "The assistant could not process your message. Please try again.",
			}})
			continue
		}
		history = updated

		s.appendChatMessage(ctx, fileID, store.ConversationMessage{
			Role:      "assistant",
			Content:   reply,
			Timestamp: time.Now().UTC(),
		})
		client.push(wsEnvelope{Type: "ai_response", Data: map[string]any{"message": reply}})
	}
}

func (s *Server) appendChatMessage(ctx context.Context, fileID string, msg store.ConversationMessage) {
	if _, err := s.store.EnsureConversation(ctx, fileID, store.ConversationChat); err != nil {
		slog.Error("failed to ensure chat conversation", "fileId", fileID, "error", err)
		return
	}
	if err := s.store.AppendConversationMessage(ctx, fileID, store.ConversationChat, msg); err != nil {
		slog.Error("failed to persist chat message", "fileId", fileID, "error", err)
	}
}
