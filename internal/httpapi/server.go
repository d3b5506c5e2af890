// Package httpapi exposes jobs and chat sessions over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/forPelevin/vidsum/internal/chat"
	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/jobs"
	"github.com/forPelevin/vidsum/internal/types"
	"github.com/forPelevin/vidsum/internal/usecase"
)

const defaultMaxUploadBytes = 2 << 30

// Jobs is the orchestrator surface the server needs.
type Jobs interface {
	Submit(ctx context.Context, kind jobs.Kind, input any) (jobs.Handle, error)
	Poll(id string) (jobs.Job, error)
	Cancel(id string) error
}

// Transcripts resolves a fingerprint or inline transcript for chat sessions.
type Transcripts interface {
	Transcript(ctx context.Context, ref usecase.TranscriptRef) (types.Transcript, string, error)
}

type Deps struct {
	Jobs        Jobs
	Chat        *chat.Store
	Transcripts Transcripts
	Log         *slog.Logger

	MaxUploadBytes int64
}

type Server struct {
	log         *slog.Logger
	router      *chi.Mux
	jobs        Jobs
	chat        *chat.Store
	transcripts Transcripts
	upgrader    websocket.Upgrader

	maxUploadBytes int64
}

func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		log:            d.Log,
		router:         chi.NewRouter(),
		jobs:           d.Jobs,
		chat:           d.Chat,
		transcripts:    d.Transcripts,
		maxUploadBytes: d.MaxUploadBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware)

	s.router.Get("/healthz", s.health)

	s.router.Route("/api/jobs", func(r chi.Router) {
		r.Post("/transcribe", s.transcribe)
		r.Post("/summarize", s.summarize)
		r.Post("/clips", s.clips)
		r.Get("/{id}", s.getJob)
		r.Delete("/{id}", s.cancelJob)
	})

	s.router.Route("/api/chat", func(r chi.Router) {
		r.Post("/", s.startChat)
		r.Get("/{id}", s.chatHistory)
		r.Delete("/{id}", s.endChat)
		r.Post("/{id}/messages", s.chatSSE)
		r.Get("/{id}/ws", s.chatWS)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().Format(time.RFC3339)})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error jobs.Error `json:"error"`
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("failed to encode json", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	code, kind := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	s.respondJSON(w, code, errorBody{Error: jobs.Error{Kind: kind, Message: err.Error()}})
}

// statusFor maps an error to an HTTP status and the kind reported to clients.
func statusFor(err error) (int, faults.Kind) {
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, jobs.ErrNotCancellable):
		return http.StatusConflict, "not_cancellable"
	case errors.Is(err, chat.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, jobs.ErrShutdown):
		return http.StatusServiceUnavailable, "shutting_down"
	}
	kind := faults.KindOf(err)
	switch kind {
	case faults.InvalidInput:
		return http.StatusBadRequest, kind
	case faults.Cancelled:
		return 499, kind
	case faults.LLMTransient:
		return http.StatusServiceUnavailable, kind
	case faults.LLMFatal, faults.LLMResponseInvalid:
		return http.StatusBadGateway, kind
	default:
		return http.StatusInternalServerError, kind
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return faults.Wrap(faults.InvalidInput, "decode request", err)
	}
	return nil
}
