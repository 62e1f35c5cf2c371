package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/services"
	"github.com/Lllllllleong/credentialvault/internal/session"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	FailedStep string `json:"failedStep,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	ae := classify(err)
	body := errorBody{Error: ae.Code, Message: err.Error()}
	if ae.Status == http.StatusInternalServerError {
		body.Message = "internal server error"
	}

	var se *services.StepError
	if errors.As(err, &se) {
		body.FailedStep = string(se.Step)
		body.DocumentID = se.DocumentID
	}

	if ae.Status >= 500 {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", ae.Status, "error", err)
	} else {
		slog.Warn("Request rejected", "method", r.Method, "path", r.URL.Path, "status", ae.Status, "error", err)
	}
	respondJSON(w, ae.Status, body)
}

// classify extends apperr.Classify with the errors owned by other packages.
func classify(err error) *apperr.Error {
	var de *services.DeleteError
	switch {
	case errors.Is(err, session.ErrInvalidToken), errors.Is(err, session.ErrRevoked):
		return apperr.New(http.StatusUnauthorized, "unauthenticated", err)
	case errors.As(err, &de):
		return apperr.New(http.StatusBadGateway, "delete_"+string(de.Stage)+"_failed", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.New(http.StatusGatewayTimeout, "timeout", err)
	}
	return apperr.Classify(err)
}
