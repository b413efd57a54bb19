// Package server exposes the pipeline over HTTP: job control endpoints for
// the dashboard, read endpoints for polling, and the watchdog trigger.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/config"
	"github.com/bizzybee90/bizzybee/internal/pipeline"
	"github.com/bizzybee90/bizzybee/internal/store"
)

// dispatchTimeout bounds a phase re-entry dispatched from an HTTP request.
const dispatchTimeout = 10 * time.Minute

type ctxKey int

const workspaceKey ctxKey = 0

// Server wires the HTTP API to the pipeline and store.
type Server struct {
	cfg   *config.Config
	store store.Store
	pipe  *pipeline.Pipeline
}

// New creates a Server.
func New(cfg *config.Config, st store.Store, pipe *pipeline.Pipeline) *Server {
	return &Server{cfg: cfg, store: st, pipe: pipe}
}

// Handler builds the full route tree. /health is open; everything under /api
// requires a bearer token when auth tokens are configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)

		r.Post("/import/start", s.handleImportStart)
		r.Post("/import/scan", s.handleDispatch)
		r.Post("/import/hydrate", s.handleDispatch)
		r.Post("/import/classify", s.handleDispatch)

		r.Post("/voice/learn", s.handleVoiceLearn)
		r.Post("/voice/drift", s.handleVoiceDrift)
		r.Get("/voice/profile", s.handleVoiceProfile)

		r.Post("/rules/bootstrap", s.handleRulesBootstrap)
		r.Post("/rules/teach", s.handleRulesTeach)

		r.Post("/research/start", s.handleResearchStart)
		r.Post("/watchdog/run", s.handleWatchdogRun)
		r.Post("/messages/clean", s.handleMessagesClean)

		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/conversations", s.handleListConversations)
	})

	return r
}

// auth validates the bearer token against the configured token map and
// stashes the resolved workspace in the request context. No configured
// tokens means auth is disabled.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.Server.AuthTokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		workspaceID, ok := s.cfg.Server.AuthTokens[token]
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), workspaceKey, workspaceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveWorkspace reconciles the workspace claimed by the request with the
// one the bearer token is bound to. The token wins; a conflicting explicit
// workspace is rejected.
func resolveWorkspace(r *http.Request, requested string) (string, bool) {
	bound, _ := r.Context().Value(workspaceKey).(string)
	if bound == "" {
		return requested, requested != ""
	}
	if requested != "" && requested != bound {
		return "", false
	}
	return bound, true
}

// jobVisible reports whether the request's bearer token may act on a job
// belonging to jobWorkspace. Tokens without a workspace binding (auth
// disabled) may act on any job.
func jobVisible(r *http.Request, jobWorkspace string) bool {
	bound, _ := r.Context().Value(workspaceKey).(string)
	return bound == "" || bound == jobWorkspace
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func decodeJSON(r *http.Request, value any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(value)
}
