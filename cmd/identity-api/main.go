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

	functions.HTTP("HandleIdentity", handleIdentity)
}

func main() {}

// handleIdentity serves the OTP, face-match and logout endpoints.
func handleIdentity(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		var f *services.IdentityFunction
		f, initErr = services.NewIdentityFunction(context.Background())
		if initErr != nil {
			return
		}
		router = handlers.NewIdentityRouter(handlers.NewIdentityHandler(f.Identity), f.Sessions)
	})
	if initErr != nil {
		slog.Error("Critical: Identity initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	router.ServeHTTP(w, r)
}
