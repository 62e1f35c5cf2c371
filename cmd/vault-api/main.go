package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/credentialvault/internal/handlers"
	"github.com/Lllllllleong/credentialvault/internal/services"
)

var (
	router  http.Handler
	once    sync.Once
	initErr error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: services.LogLevel()}))
	slog.SetDefault(logger)

	functions.HTTP("HandleVault", handleVault)
}

func main() {}

// handleVault serves the document and profile endpoints.
func handleVault(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		var f *services.VaultFunction
		f, initErr = services.NewVaultFunction(context.Background())
		if initErr != nil {
			return
		}
		h := handlers.NewVaultHandler(f.Pipeline, f.Vault, f.Identity)
		router = handlers.NewVaultRouter(h, f.Sessions)
	})
	if initErr != nil {
		slog.Error("Critical: Vault initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	router.ServeHTTP(w, r)
}
