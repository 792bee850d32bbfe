package dashboard

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/neuralcollective/borg/internal/chat"
)

// handleChatMessages implements GET /api/chat/messages?chat_key= (thread
// history) and POST /api/chat/messages (inject a message into the
// dispatcher exactly as any transport adapter would, under a
// "dashboard:" conversation key reserved for operator-authored turns).
func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		chatKey := r.URL.Query().Get("chat_key")
		if chatKey == "" {
			writeJSONError(w, http.StatusBadRequest, "chat_key required")
			return
		}
		messages, err := s.cfg.Store.ListChatMessages(r.Context(), chatKey, 200)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "list chat messages: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, messages)

	case http.MethodPost:
		if s.cfg.Dispatcher == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "chat dispatcher not configured")
			return
		}
		var body struct {
			ChatKey    string `json:"chat_key"`
			SenderID   string `json:"sender_id"`
			SenderName string `json:"sender_name"`
			Text       string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if body.ChatKey == "" || body.Text == "" {
			writeJSONError(w, http.StatusBadRequest, "chat_key and text required")
			return
		}
		err := s.cfg.Dispatcher.HandleInbound(r.Context(), chat.InboundMessage{
			ChatKey:    body.ChatKey,
			MessageID:  uuid.NewString(),
			SenderID:   body.SenderID,
			SenderName: body.SenderName,
			Text:       body.Text,
		})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "handle inbound: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
