package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/credentialvault/internal/models"
	"github.com/Lllllllleong/credentialvault/internal/services"
)

var (
	migratorInstance *services.LegacyOwnerMigratorFunction
	once             sync.Once
	initErr          error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: services.LogLevel()}))
	slog.SetDefault(logger)

	functions.HTTP("HandleMigrateLegacyOwners", handleMigrateLegacyOwners)
}

func main() {}

// handleMigrateLegacyOwners copies ownerUid into owner_uid for every record
// that still lacks it.
func handleMigrateLegacyOwners(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		migratorInstance, initErr = services.NewLegacyOwnerMigrator(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Migrator initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	res, err := migratorInstance.Process(r.Context())
	writeMigrationResult(w, res, err)
}

// writeMigrationResult answers a partial migration with 500 so the caller
// retries; the body still reports how far it got.
func writeMigrationResult(w http.ResponseWriter, res *models.MigrationResponse, err error) {
	if res == nil {
		slog.Error("Legacy owner migration failed", "error", err)
		http.Error(w, "Internal Server Error: migration failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if err != nil || res.Status != "success" {
		slog.Error("Legacy owner migration incomplete", "scanned", res.Scanned, "migrated", res.Migrated, "error", err)
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
