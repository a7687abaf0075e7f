package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"conduit/internal/auth"
	"conduit/internal/runtime"
	"conduit/internal/stream"
)

// ChatBody is the request body for chat endpoints.
type ChatBody struct {
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
}

func asyncRequested(r *http.Request) bool {
	v := strings.ToLower(r.URL.Query().Get("async_processing"))
	return v == "true" || v == "1" || v == "yes"
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	threadID := r.PathValue("thread_id")

	var body ChatBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		respondError(w, http.StatusBadRequest, errors.New("message required"))
		return
	}

	if asyncRequested(r) {
		accepted, err := s.rt.EnqueueChat(r.Context(), u, threadID, runtime.ChatRequest{
			Message:     body.Message,
			Attachments: body.Attachments,
		})
		if err != nil {
			fail(w, err)
			return
		}
		respondJSON(w, http.StatusOK, accepted)
		return
	}

	result, err := s.rt.Chat(r.Context(), u, threadID, runtime.ChatRequest{
		Message:     body.Message,
		Attachments: body.Attachments,
		CallType:    "chat",
	})
	if err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	threadID := r.PathValue("thread_id")

	var body ChatBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		respondError(w, http.StatusBadRequest, errors.New("message required"))
		return
	}

	// Async opt-in returns the job handle immediately; the caller follows up
	// on the subscribe endpoint.
	if asyncRequested(r) {
		accepted, err := s.rt.EnqueueChat(r.Context(), u, threadID, runtime.ChatRequest{
			Message:     body.Message,
			Attachments: body.Attachments,
		})
		if err != nil {
			fail(w, err)
			return
		}
		respondJSON(w, http.StatusOK, accepted)
		return
	}

	if !s.acquireStream() {
		respondError(w, http.StatusServiceUnavailable, errors.New("too many concurrent streams"))
		return
	}
	defer s.releaseStream()

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	_, chatErr := s.rt.ChatStream(r.Context(), u, threadID, runtime.ChatRequest{
		Message:     body.Message,
		Attachments: body.Attachments,
		CallType:    "chat_stream",
	}, func(chunk string) error {
		return sse.Send(stream.ContentFrame(chunk))
	})
	if chatErr != nil {
		_ = sse.Send(stream.ErrorFrame(chatErr))
		return
	}
	_ = sse.Send(stream.DoneFrame())
}

// handleSubscribe relays async chat frames from the pub/sub channel to the
// client as SSE. Idle timeout and terminal-frame close are handled by the
// relay.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	channelID := r.PathValue("channel")
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("async streaming is not configured"))
		return
	}

	u, _ := auth.UserFrom(r.Context())
	// The channel embeds the thread id; verify the caller can see the thread.
	t, err := s.threads.Get(r.Context(), threadID, u)
	if err != nil {
		fail(w, err)
		return
	}
	if t == nil {
		respondError(w, http.StatusNotFound, errors.New("not found"))
		return
	}

	if !s.acquireStream() {
		respondError(w, http.StatusServiceUnavailable, errors.New("too many concurrent streams"))
		return
	}
	defer s.releaseStream()

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	channel := stream.ChannelFor(threadID, channelID)
	if err := s.relay.Subscribe(r.Context(), channel, s.cfg.StreamLeaseTTL, sse.Send); err != nil && r.Context().Err() == nil {
		_ = sse.Send(stream.ErrorFrame(err))
	}
}
