package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
)

// handleHealth reports process and dependency health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	health := map[string]interface{}{
		"status":  "ok",
		"version": common.GetVersion(),
	}

	if err := s.storage.Operational().Ping(r.Context()); err != nil {
		health["status"] = "degraded"
		health["operational_store"] = err.Error()
	}
	if err := s.storage.Research().Ping(r.Context()); err != nil {
		health["status"] = "degraded"
		health["research_store"] = err.Error()
	}

	if hb, err := s.storage.Operational().LatestHeartbeat(r.Context()); err == nil && hb != nil {
		health["scheduler_heartbeat_age_seconds"] = int(time.Since(hb.LastHeartbeatAt).Seconds())
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, health)
}

// handleListJobs returns the registered job names.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": s.scheduler.Registered(),
	})
}

// handleListExecutions returns execution history, optionally filtered by
// job name and status.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit := queryInt(r, "limit", 50)
	executions, err := s.storage.Operational().ListExecutions(
		r.Context(), r.URL.Query().Get("job"), r.URL.Query().Get("status"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list executions")
		WriteError(w, http.StatusInternalServerError, "Failed to list executions")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"count":      len(executions),
	})
}

// handleListRetries returns retry queue entries plus the pending depth.
func (s *Server) handleListRetries(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit := queryInt(r, "limit", 50)
	entries, err := s.storage.Operational().ListEntries(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list retry entries")
		WriteError(w, http.StatusInternalServerError, "Failed to list retry entries")
		return
	}
	pending, err := s.storage.Operational().PendingCount(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to count pending retries")
		WriteError(w, http.StatusInternalServerError, "Failed to count pending retries")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries":       entries,
		"count":         len(entries),
		"pending_depth": pending,
	})
}

// triggerRequest is the manual trigger payload.
type triggerRequest struct {
	JobName    string `json:"job_name"`
	TargetDate string `json:"target_date,omitempty"`
}

// handleTrigger starts a job out of band, subject to rate limiting and the
// duplicate-run guard.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if allowed, reset := s.limiter.Allow(clientKey(r), "trigger"); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(reset.Seconds())+1))
		WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	var req triggerRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.JobName == "" {
		WriteError(w, http.StatusBadRequest, "job_name is required")
		return
	}

	id, err := s.scheduler.TriggerNow(r.Context(), req.JobName, req.TargetDate)
	if err != nil {
		if errors.Is(err, interfaces.ErrDuplicateRun) {
			WriteError(w, http.StatusConflict, err.Error())
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": id,
		"job_name":     req.JobName,
	})
}

// handleWatchdogRun executes one watchdog pass and returns the report.
func (s *Server) handleWatchdogRun(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	report, err := s.watchdog.RunOnce(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Manual watchdog pass failed")
		WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// handleWatchlist returns the derived watchlist.
func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	activeOnly := r.URL.Query().Get("all") == ""
	watched, err := s.storage.Research().ListWatchedTickers(r.Context(), activeOnly)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list watchlist")
		WriteError(w, http.StatusInternalServerError, "Failed to list watchlist")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tickers": watched,
		"count":   len(watched),
	})
}

// handleListModels enumerates available model backends.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.llm == nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{"models": []string{}})
		return
	}

	includeHidden := r.URL.Query().Get("hidden") != ""
	list, err := s.llm.ListModels(r.Context(), includeHidden)
	if err != nil {
		WriteError(w, http.StatusBadGateway, fmt.Sprintf("Model backends unavailable: %v", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"models": list})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
