package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"conduit/internal/auth"
	"conduit/internal/observability"
	"conduit/internal/runtime"
	"conduit/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin is enforced by the CORS layer for browser clients; the WS
	// endpoint itself is token-gated.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsInbound covers both the optional auth handshake and chat frames.
type wsInbound struct {
	Type    string `json:"type,omitempty"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleChatWS speaks the bidirectional protocol: optional
// {"type":"auth","token":...} handshake, then {"message": "..."} in,
// content/done/error frames out.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	threadID := r.PathValue("thread_id")
	log := observability.LoggerWithTrace(r.Context())

	if !s.acquireStream() {
		respondError(w, http.StatusServiceUnavailable, errors.New("too many concurrent streams"))
		return
	}
	defer s.releaseStream()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws_upgrade_failed")
		return
	}
	defer func() { _ = conn.Close() }()

	writeJSON := func(v any) error { return conn.WriteJSON(v) }

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Client disconnect ends the session at the next boundary.
			return
		}
		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			_ = writeJSON(stream.ErrorFrame(err))
			continue
		}

		if in.Type == "auth" {
			// Token already validated by middleware (query param); the
			// in-band handshake just acknowledges.
			_ = writeJSON(map[string]string{"type": "auth_success"})
			continue
		}
		if strings.TrimSpace(in.Message) == "" {
			_ = writeJSON(stream.Frame{Type: "error", Error: "message required"})
			continue
		}

		_, chatErr := s.rt.ChatStream(r.Context(), u, threadID, runtime.ChatRequest{
			Message:  in.Message,
			CallType: "chat_ws",
		}, func(chunk string) error {
			return writeJSON(stream.ContentFrame(chunk))
		})
		if chatErr != nil {
			_ = writeJSON(stream.ErrorFrame(chatErr))
			continue
		}
		_ = writeJSON(stream.DoneFrame())
	}
}
