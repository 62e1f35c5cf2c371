package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/models"
	"github.com/Lllllllleong/credentialvault/internal/services"
)

var (
	resumerInstance *services.IngestionResumerFunction
	once            sync.Once
	initErr         error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: services.LogLevel()}))
	slog.SetDefault(logger)

	functions.HTTP("HandleResumeIngestion", handleResumeIngestion)
	functions.CloudEvent("ResumeIngestion", resumeIngestion)
}

func main() {}

func setup() error {
	once.Do(func() {
		resumerInstance, initErr = services.NewIngestionResumer(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Ingestion resumer initialization failed", "error", initErr)
	}
	return initErr
}

// handleResumeIngestion is called by the retry workflow.
func handleResumeIngestion(w http.ResponseWriter, r *http.Request) {
	if err := setup(); err != nil {
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.ResumeIngestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocumentID == "" {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: documentId is required", http.StatusBadRequest)
		return
	}

	res, err := resumerInstance.Process(r.Context(), &req)
	if err != nil {
		// Error is already logged with context in the pipeline.
		ae := apperr.Classify(err)
		http.Error(w, fmt.Sprintf("%s: %v", ae.Code, err), ae.Status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err, "documentId", req.DocumentID)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}

// resumeIngestion accepts the same request as a CloudEvent payload.
func resumeIngestion(ctx context.Context, e cloudevents.Event) error {
	if err := setup(); err != nil {
		return err
	}

	var req models.ResumeIngestionRequest
	if err := json.Unmarshal(e.Data(), &req); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	if req.DocumentID == "" {
		slog.Error("Event carries no documentId", "eventId", e.ID())
		return nil
	}

	if _, err := resumerInstance.Process(ctx, &req); err != nil {
		// Records that can no longer be resumed are acknowledged so the event is not redelivered.
		if errors.Is(err, apperr.ErrNotFound) || apperr.Classify(err).Status == http.StatusConflict {
			slog.Warn("Dropping resume event", "documentId", req.DocumentID, "error", err)
			return nil
		}
		return err
	}
	return nil
}
