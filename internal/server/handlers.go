package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
	"github.com/bizzybee90/bizzybee/internal/store"
)

type importStartRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Cap         int    `json:"cap,omitempty"`
	Folder      string `json:"folder,omitempty"`
	SentOnly    bool   `json:"sent_only,omitempty"`
}

func (s *Server) handleImportStart(w http.ResponseWriter, r *http.Request) {
	var req importStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	workspaceID, ok := resolveWorkspace(r, req.WorkspaceID)
	if !ok {
		writeError(w, http.StatusForbidden, "workspace not permitted for this token")
		return
	}

	job, err := s.pipe.StartJob(r.Context(), workspaceID, model.JobKindEmailImport, model.JobParams{
		Import: &model.ImportParams{Cap: req.Cap, Folder: req.Folder, SentOnly: req.SentOnly},
	})
	if err != nil {
		s.writeStartError(w, err, workspaceID, "email_import")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job_id": job.ID, "status": job.Status})
}

type jobRequest struct {
	JobID string `json:"job_id"`
}

// handleDispatch re-enters a job in its current phase. The dashboard uses it
// to nudge a job whose chained invocation was lost; the handler itself is
// phase-agnostic since the job row knows where it is.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(r, &req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	job, err := s.store.GetJob(r.Context(), req.JobID)
	if err != nil {
		s.writeJobError(w, err, req.JobID)
		return
	}
	if !jobVisible(r, job.WorkspaceID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := s.pipe.Dispatch(ctx, job.ID); err != nil {
			zap.L().Error("server: dispatch failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job_id": job.ID, "status": job.Status})
}

type workspaceRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

func (s *Server) handleVoiceLearn(w http.ResponseWriter, r *http.Request) {
	s.startSimpleJob(w, r, model.JobKindVoiceLearning, model.JobParams{Voice: &model.VoiceParams{}})
}

func (s *Server) handleVoiceDrift(w http.ResponseWriter, r *http.Request) {
	s.startSimpleJob(w, r, model.JobKindDriftCheck, model.JobParams{Drift: &model.DriftParams{}})
}

func (s *Server) startSimpleJob(w http.ResponseWriter, r *http.Request, kind model.JobKind, params model.JobParams) {
	var req workspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	workspaceID, ok := resolveWorkspace(r, req.WorkspaceID)
	if !ok {
		writeError(w, http.StatusForbidden, "workspace not permitted for this token")
		return
	}

	job, err := s.pipe.StartJob(r.Context(), workspaceID, kind, params)
	if err != nil {
		s.writeStartError(w, err, workspaceID, string(kind))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job_id": job.ID, "status": job.Status})
}

func (s *Server) handleVoiceProfile(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := resolveWorkspace(r, r.URL.Query().Get("workspace_id"))
	if !ok {
		writeError(w, http.StatusForbidden, "workspace not permitted for this token")
		return
	}

	profile, err := s.store.GetVoiceProfile(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load voice profile")
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "no voice profile for workspace")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "profile": profile})
}

type bootstrapRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Apply       bool   `json:"apply,omitempty"`
}

func (s *Server) handleRulesBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	workspaceID, ok := resolveWorkspace(r, req.WorkspaceID)
	if !ok {
		writeError(w, http.StatusForbidden, "workspace not permitted for this token")
		return
	}

	result, err := s.pipe.BootstrapRules(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bootstrap rules")
		return
	}

	applied := 0
	if req.Apply {
		for _, sug := range result.Suggestions {
			_, err := s.pipe.TeachRule(r.Context(), model.SenderRule{
				WorkspaceID:     workspaceID,
				SenderPattern:   sug.SenderPattern,
				Classification:  sug.Classification,
				DecisionBucket:  sug.DecisionBucket,
				RequiresReply:   sug.RequiresReply,
				ConfidenceScore: sug.Confidence,
				EmailCount:      sug.EmailCount,
			})
			if err != nil {
				writeError(w, http.StatusInternalServerError, "apply suggestion")
				return
			}
			applied++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"domains_seen":    result.DomainsSeen,
		"domains_skipped": result.DomainsSkip,
		"auto_created":    result.AutoCreated,
		"applied":         applied,
		"suggestions":     result.Suggestions,
	})
}

type teachRequest struct {
	WorkspaceID    string `json:"workspace_id"`
	SenderPattern  string `json:"sender_pattern"`
	Classification string `json:"classification,omitempty"`
	Bucket         string `json:"bucket"`
	RequiresReply  bool   `json:"requires_reply"`
}

func (s *Server) handleRulesTeach(w http.ResponseWriter, r *http.Request) {
	var req teachRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SenderPattern == "" || req.Bucket == "" {
		writeError(w, http.StatusBadRequest, "sender_pattern and bucket are required")
		return
	}
	workspaceID, ok := resolveWorkspace(r, req.WorkspaceID)
	if !ok {
		writeError(w, http.StatusForbidden, "workspace not permitted for this token")
		return
	}

	classification := model.EmailClassification(req.Classification)
	if classification == "" {
		classification = model.ClassCustomerInquiry
	}

	rule, err := s.pipe.TeachRule(r.Context(), model.SenderRule{
		WorkspaceID:    workspaceID,
		SenderPattern:  req.SenderPattern,
		Classification: classification,
		DecisionBucket: model.DecisionBucket(req.Bucket),
		RequiresReply:  req.RequiresReply,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "teach rule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "rule": rule})
}

type researchStartRequest struct {
	WorkspaceID string  `json:"workspace_id"`
	Query       string  `json:"query,omitempty"`
	Address     string  `json:"address,omitempty"`
	RadiusKm    float64 `json:"radius_km,omitempty"`
	MaxSites    int     `json:"max_sites,omitempty"`
}

func (s *Server) handleResearchStart(w http.ResponseWriter, r *http.Request) {
	var req researchStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	workspaceID, ok := resolveWorkspace(r, req.WorkspaceID)
	if !ok {
		writeError(w, http.StatusForbidden, "workspace not permitted for this token")
		return
	}

	job, err := s.pipe.StartJob(r.Context(), workspaceID, model.JobKindCompetitorResearch, model.JobParams{
		Research: &model.ResearchParams{
			Query:    req.Query,
			Address:  req.Address,
			RadiusKm: req.RadiusKm,
			MaxSites: req.MaxSites,
		},
	})
	if err != nil {
		s.writeStartError(w, err, workspaceID, "competitor_research")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job_id": job.ID, "status": job.Status})
}

func (s *Server) handleWatchdogRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.pipe.RunWatchdog(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "watchdog run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"checked": report.Scanned,
		"retried": report.Retried,
		"failed":  report.Failed,
	})
}

type cleanRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Limit       int    `json:"limit,omitempty"`
}

func (s *Server) handleMessagesClean(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	workspaceID, ok := resolveWorkspace(r, req.WorkspaceID)
	if !ok {
		writeError(w, http.StatusForbidden, "workspace not permitted for this token")
		return
	}

	updated, err := s.pipe.CleanBackfill(r.Context(), workspaceID, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "clean backfill")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated": updated})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeJobError(w, err, jobID)
		return
	}
	if !jobVisible(r, job.WorkspaceID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeJobError(w, err, jobID)
		return
	}
	if !jobVisible(r, job.WorkspaceID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err := s.store.CancelJob(r.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrStaleUpdate) {
			writeError(w, http.StatusConflict, "job is already terminal or does not exist")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": jobID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workspaceID, ok := resolveWorkspace(r, q.Get("workspace_id"))
	if !ok {
		writeError(w, http.StatusForbidden, "workspace not permitted for this token")
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), store.JobFilter{
		WorkspaceID: workspaceID,
		Kind:        model.JobKind(q.Get("kind")),
		Status:      model.JobStatus(q.Get("status")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": jobs})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workspaceID, ok := resolveWorkspace(r, q.Get("workspace_id"))
	if !ok {
		writeError(w, http.StatusForbidden, "workspace not permitted for this token")
		return
	}

	convs, err := s.store.ListConversations(r.Context(), store.ConversationFilter{
		WorkspaceID: workspaceID,
		Bucket:      model.DecisionBucket(q.Get("bucket")),
		Status:      model.ConversationStatus(q.Get("status")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversations": convs})
}

func (s *Server) writeStartError(w http.ResponseWriter, err error, workspaceID, kind string) {
	if errors.Is(err, store.ErrJobActive) {
		writeError(w, http.StatusConflict, "an active job already exists for this workspace and kind")
		return
	}
	zap.L().Error("server: start job failed",
		zap.String("workspace_id", workspaceID),
		zap.String("kind", kind),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "start job")
}

func (s *Server) writeJobError(w http.ResponseWriter, err error, jobID string) {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	zap.L().Error("server: load job failed", zap.String("job_id", jobID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "load job")
}
