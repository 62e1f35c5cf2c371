package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/metrics"
	"github.com/Lllllllleong/credentialvault/internal/models"
	"github.com/Lllllllleong/credentialvault/internal/services"
	"github.com/Lllllllleong/credentialvault/internal/session"
)

// maxFormBytes leaves room for multipart framing around the largest file.
const maxFormBytes = services.MaxUploadBytes + 1<<20

type DocumentIngester interface {
	Ingest(ctx context.Context, sess *session.Session, req services.IngestRequest) (*models.Document, error)
}

type DocumentVault interface {
	ListDocuments(ctx context.Context, sess *session.Session) (map[string][]models.Document, error)
	RecentDocuments(ctx context.Context, sess *session.Session, limit int) ([]models.Document, error)
	GetDocument(ctx context.Context, sess *session.Session, id string) (*models.Document, error)
	DeleteDocument(ctx context.Context, sess *session.Session, id string) error
}

type ProfileReader interface {
	GetProfile(ctx context.Context, sess *session.Session) (*models.UserProfile, error)
}

// VaultHandler serves the document endpoints of the mobile app.
type VaultHandler struct {
	ingester DocumentIngester
	vault    DocumentVault
	profiles ProfileReader
}

func NewVaultHandler(ingester DocumentIngester, vault DocumentVault, profiles ProfileReader) *VaultHandler {
	return &VaultHandler{ingester: ingester, vault: vault, profiles: profiles}
}

// NewVaultRouter mounts the vault endpoints. Everything except /metrics
// requires a session.
func NewVaultRouter(h *VaultHandler, auth Authenticator) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(RequireSession(auth))
	api.HandleFunc("/documents", h.UploadDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents", h.ListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents/recent", h.RecentDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", h.GetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", h.DeleteDocument).Methods(http.MethodDelete)
	api.HandleFunc("/profile", h.GetProfile).Methods(http.MethodGet)
	return r
}

func (h *VaultHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseMultipartForm(maxFormBytes); err != nil {
		respondError(w, r, apperr.Invalid("file", "invalid or oversized multipart form"))
		return
	}

	req := services.IngestRequest{DocumentID: r.FormValue("document_id")}
	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, services.MaxUploadBytes+1))
		if err != nil {
			respondError(w, r, fmt.Errorf("failed to read upload: %w", err))
			return
		}
		req.FileName = header.Filename
		req.Content = data
	case req.DocumentID == "":
		respondError(w, r, apperr.Invalid("file", "no file provided"))
		return
	}

	doc, err := h.ingester.Ingest(r.Context(), SessionFrom(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if req.DocumentID != "" {
		status = http.StatusOK
	}
	respondJSON(w, status, models.DocumentResponse{Document: *doc, Status: services.ProcessingStatus(doc)})
}

func (h *VaultHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	groups, err := h.vault.ListDocuments(r.Context(), SessionFrom(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, services.NewVaultResponse(groups))
}

func (h *VaultHandler) RecentDocuments(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			respondError(w, r, apperr.Invalid("limit", "must be between 1 and 100"))
			return
		}
		limit = n
	}
	docs, err := h.vault.RecentDocuments(r.Context(), SessionFrom(r.Context()), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

func (h *VaultHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.vault.GetDocument(r.Context(), SessionFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.DocumentResponse{Document: *doc, Status: services.ProcessingStatus(doc)})
}

func (h *VaultHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.DeleteDocument(r.Context(), SessionFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *VaultHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.profiles.GetProfile(r.Context(), SessionFrom(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"profile":     profile,
		"displayName": profile.DisplayName(),
	})
}
