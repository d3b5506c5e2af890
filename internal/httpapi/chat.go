package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/jobs"
	"github.com/forPelevin/vidsum/internal/llm"
	"github.com/forPelevin/vidsum/internal/types"
	"github.com/forPelevin/vidsum/internal/usecase"
)

const wsWriteTimeout = 10 * time.Second

type startChatRequest struct {
	usecase.TranscriptRef
	llm.Selection
}

type messageRequest struct {
	Message string `json:"message"`
}

type historyResponse struct {
	SessionID   string              `json:"session_id"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	Selection   llm.Selection       `json:"selection"`
	Messages    []types.ChatMessage `json:"messages"`
}

// wsEvent is one frame sent to websocket clients.
type wsEvent struct {
	Type  string      `json:"type"`
	Text  string      `json:"text,omitempty"`
	Error *jobs.Error `json:"error,omitempty"`
}

func (s *Server) startChat(w http.ResponseWriter, r *http.Request) {
	var req startChatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	tr, fp, err := s.transcripts.Transcript(r.Context(), req.TranscriptRef)
	if err != nil {
		s.respondError(w, err)
		return
	}
	id, err := s.chat.Start(r.Context(), tr, fp, req.Selection)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) chatHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.chat.Get(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	msgs, err := s.chat.History(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, historyResponse{
		SessionID:   sess.ID,
		Fingerprint: sess.Fingerprint,
		Selection:   sess.Selection,
		Messages:    msgs,
	})
}

func (s *Server) endChat(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.End(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// chatSSE streams one assistant reply as server-sent events. Fragments go
// out as data lines; the stream closes with an end or error event.
func (s *Server) chatSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, faults.New(faults.Internal, "chat", "streaming unsupported"))
		return
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	events, err := s.chat.Send(r.Context(), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		s.respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		switch {
		case ev.Err != nil:
			b, _ := json.Marshal(errorEvent(ev.Err).Error)
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", b)
		case ev.Done:
			fmt.Fprint(w, "event: end\ndata: {}\n\n")
		default:
			writeSSEData(w, ev.Text)
		}
		flusher.Flush()
	}
}

func writeSSEData(w http.ResponseWriter, text string) {
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

// chatWS serves a session over a websocket. Each client frame is a
// messageRequest; each reply is streamed as chunk frames closed by an end or
// error frame.
func (s *Server) chatWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.chat.Get(id); err != nil {
		s.respondError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var req messageRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read ended", "session_id", id, "error", err)
			}
			return
		}
		if err := s.relay(ctx, conn, id, req.Message); err != nil {
			s.log.Warn("websocket write failed", "session_id", id, "error", err)
			return
		}
	}
}

func (s *Server) relay(ctx context.Context, conn *websocket.Conn, id, message string) error {
	events, err := s.chat.Send(ctx, id, message)
	if err != nil {
		return writeWS(conn, errorEvent(err))
	}
	for ev := range events {
		var frame wsEvent
		switch {
		case ev.Err != nil:
			frame = errorEvent(ev.Err)
		case ev.Done:
			frame = wsEvent{Type: "end"}
		default:
			frame = wsEvent{Type: "chunk", Text: ev.Text}
		}
		if err := writeWS(conn, frame); err != nil {
			return err
		}
	}
	return nil
}

func errorEvent(err error) wsEvent {
	_, kind := statusFor(err)
	return wsEvent{Type: "error", Error: &jobs.Error{Kind: kind, Message: err.Error()}}
}

func writeWS(conn *websocket.Conn, v wsEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
