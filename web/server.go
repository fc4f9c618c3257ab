// Package web exposes the orchestrator over HTTP: a small JSON API for
// driving and inspecting dialogues plus the Prometheus metrics endpoint.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m4xw311/parley/dialogue"
	"github.com/m4xw311/parley/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dialogue is the slice of the orchestrator the server consumes.
type Dialogue interface {
	HandleMessage(ctx context.Context, chatID, text string) (<-chan dialogue.Response, error)
	ResetConversation(chatID string) (string, error)
	GetStatus() dialogue.Status
}

// Server serves the admin API.
type Server struct {
	core   Dialogue
	logger *slog.Logger
	srv    *http.Server
}

// NewServer builds the router and the underlying http.Server.
func NewServer(addr string, core Dialogue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{core: core, logger: logger.With("adapter", "web")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/status", s.handleStatus)
	r.Post("/api/chats/{chatID}/reset", s.handleReset)
	r.Post("/api/chats/{chatID}/message", s.handleMessage)
	r.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return errors.Wrapf(err, "web server failed")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.GetStatus())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	status, err := s.core.ResetConversation(chatID)
	if err != nil {
		s.logger.Error("reset failed", "chat", chatID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reset failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type messageRequest struct {
	Text string `json:"text"`
}

// streamedResponse is one line of the NDJSON response stream.
type streamedResponse struct {
	Role        string `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
	Text        string `json:"text"`
	IsError     bool   `json:"is_error,omitempty"`
}

// handleMessage runs one dialogue cycle and streams each agent response as
// a newline-delimited JSON object.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	stream, err := s.core.HandleMessage(r.Context(), chatID, req.Text)
	if err != nil {
		if errors.IsKind(err, errors.KindValidation) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error("dialogue failed", "chat", chatID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dialogue failed"})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for resp := range stream {
		_ = enc.Encode(streamedResponse{
			Role:        resp.RoleName,
			DisplayName: resp.DisplayName,
			Text:        resp.Text,
			IsError:     resp.IsError,
		})
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
