package api

import (
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/collection-scanner/internal/errors"
)

// healthResponse is the payload for the health endpoint.
type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// countsResponse summarizes a snapshot without the per-token map.
type countsResponse struct {
	TotalCount  int       `json:"totalCount"`
	LiveCount   int       `json:"liveCount"`
	SoldCount   int       `json:"soldCount"`
	CapturedAt  time.Time `json:"capturedAt"`
	ServedStale bool      `json:"servedStale,omitempty"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleGetStatus handles GET /api/collection/status.
// Pass ?refresh=true to force a recompute regardless of cache freshness.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	forceRefresh, err := parseRefreshParam(r)
	if err != nil {
		respondError(w, err)
		return
	}

	snapshot, err := s.status.GetStatus(r.Context(), forceRefresh)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

// handleGetCounts handles GET /api/collection/counts.
func (s *Server) handleGetCounts(w http.ResponseWriter, r *http.Request) {
	forceRefresh, err := parseRefreshParam(r)
	if err != nil {
		respondError(w, err)
		return
	}

	snapshot, err := s.status.GetStatus(r.Context(), forceRefresh)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, countsResponse{
		TotalCount:  snapshot.TotalCount,
		LiveCount:   snapshot.LiveCount,
		SoldCount:   snapshot.SoldCount,
		CapturedAt:  snapshot.CapturedAt,
		ServedStale: snapshot.ServedStale,
	})
}

func parseRefreshParam(r *http.Request) (bool, error) {
	raw := r.URL.Query().Get("refresh")
	if raw == "" {
		return false, nil
	}
	forceRefresh, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperrors.NewInvalidParameterError("refresh", "must be a boolean")
	}
	return forceRefresh, nil
}
