package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/models"
	"github.com/Lllllllleong/credentialvault/internal/services"
	"github.com/Lllllllleong/credentialvault/internal/session"
)

type IdentityFlows interface {
	RequestOTP(ctx context.Context, phone string) (*models.OTPRequestResponse, error)
	VerifyOTP(ctx context.Context, verificationID, code string) (*services.AuthResult, error)
	VerifyFace(ctx context.Context, icNumber string, icImage, selfie []byte) (*services.AuthResult, error)
	Logout(ctx context.Context, sess *session.Session) error
}

// IdentityHandler serves the sign-in endpoints.
type IdentityHandler struct {
	flows IdentityFlows
}

func NewIdentityHandler(flows IdentityFlows) *IdentityHandler {
	return &IdentityHandler{flows: flows}
}

func NewIdentityRouter(h *IdentityHandler, auth Authenticator) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/otp/request", h.RequestOTP).Methods(http.MethodPost)
	r.HandleFunc("/otp/verify", h.VerifyOTP).Methods(http.MethodPost)
	r.HandleFunc("/ekyc", h.VerifyFace).Methods(http.MethodPost)
	r.Handle("/logout", RequireSession(auth)(http.HandlerFunc(h.Logout))).Methods(http.MethodPost)
	return r
}

func (h *IdentityHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req models.OTPRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := h.flows.RequestOTP(r.Context(), req.Phone)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *IdentityHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req models.OTPVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := h.flows.VerifyOTP(r.Context(), req.VerificationID, req.Code)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondAuth(w, res)
}

func (h *IdentityHandler) VerifyFace(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 2*maxFormBytes)
	if err := r.ParseMultipartForm(2 * maxFormBytes); err != nil {
		respondError(w, r, apperr.Invalid("form", "invalid or oversized multipart form"))
		return
	}
	icImage, err := readFormFile(r.MultipartForm, "ic_image")
	if err != nil {
		respondError(w, r, err)
		return
	}
	selfie, err := readFormFile(r.MultipartForm, "selfie")
	if err != nil {
		respondError(w, r, err)
		return
	}

	res, err := h.flows.VerifyFace(r.Context(), r.FormValue("ic_number"), icImage, selfie)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondAuth(w, res)
}

func (h *IdentityHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.flows.Logout(r.Context(), SessionFrom(r.Context())); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondAuth answers a rejection with 403 and the reason; it carries no
// token.
func respondAuth(w http.ResponseWriter, res *services.AuthResult) {
	if !res.Verified() {
		respondJSON(w, http.StatusForbidden, models.AuthResponse{
			Status: string(services.OutcomeRejected),
			Reason: res.Reason,
		})
		return
	}
	resp := models.AuthResponse{
		Status: string(services.OutcomeVerified),
		UID:    res.Session.UID,
		Token:  res.Token,
	}
	expires := res.Session.ExpiresAt
	resp.ExpiresAt = &expires
	if res.Profile != nil {
		resp.FullName = res.Profile.DisplayName()
	}
	respondJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(out); err != nil {
		return apperr.Invalid("body", "could not parse JSON: %v", err)
	}
	return nil
}

func readFormFile(form *multipart.Form, field string) ([]byte, error) {
	if form == nil || len(form.File[field]) == 0 {
		return nil, apperr.Invalid(field, "no file provided")
	}
	f, err := form.File[field][0].Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", field, err)
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, services.MaxUploadBytes+1))
}
