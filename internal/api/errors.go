package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/collection-scanner/internal/errors"
	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/types"
)

// ErrorResponse is the envelope for all error payloads.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.GetGlobalLogger().WithError(err).Error("failed to encode response")
	}
}

// respondError maps an error to its HTTP status and writes the envelope.
func respondError(w http.ResponseWriter, err error) {
	var categorized *apperrors.CategorizedError
	if !errors.As(err, &categorized) {
		categorized = apperrors.Categorize(err)
	}

	logger := logging.GetGlobalLogger().WithFields(map[string]interface{}{
		"error_code": categorized.Code,
		"category":   string(categorized.Category),
	})
	if apperrors.IsSystemError(err) {
		logger.WithError(err).Error("request failed")
	} else {
		logger.Warn("request rejected")
	}

	respondJSON(w, categorized.StatusCode, ErrorResponse{Error: *categorized.ToServiceError()})
}
