package models

import "time"

// These structs define the JSON bodies exchanged with the external AI server
// and the request/response payloads of the HTTP functions.

// ClassificationResult is the response of POST /classify. Only Label is
// expected; absent fields keep their zero value.
type ClassificationResult struct {
	Label       string   `json:"label,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
	ICNumber    string   `json:"ic,omitempty"`
	TextSnippet string   `json:"text_snippet,omitempty"`
}

// VerificationResult is the response of POST /ekyc.
type VerificationResult struct {
	Match  bool   `json:"match"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ResumeIngestionRequest is the input of the ingestion-resumer function,
// sent by the retry workflow or carried in a CloudEvent.
type ResumeIngestionRequest struct {
	DocumentID string `json:"documentId"`
}

// ResumeIngestionResponse is the output of the ingestion-resumer function.
type ResumeIngestionResponse struct {
	Status     string      `json:"status"`
	DocumentID string      `json:"documentId"`
	State      IngestState `json:"state"`
}

// OTPRequest starts a phone verification.
type OTPRequest struct {
	Phone string `json:"phone"`
}

// OTPRequestResponse carries the id the client must echo back with the code.
type OTPRequestResponse struct {
	VerificationID string    `json:"verificationId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// OTPVerifyRequest completes a phone verification.
type OTPVerifyRequest struct {
	VerificationID string `json:"verificationId"`
	Code           string `json:"code"`
}

// AuthResponse is returned by both verification paths. Status is "verified"
// or "rejected"; the token fields are only set when verified.
type AuthResponse struct {
	Status    string     `json:"status"`
	UID       string     `json:"uid,omitempty"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	FullName  string     `json:"fullName,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// VaultResponse is the grouped listing returned by GET /documents.
type VaultResponse struct {
	Categories []string              `json:"categories"`
	Groups     map[string][]Document `json:"groups"`
	Total      int                   `json:"total"`
}

// DocumentResponse wraps a single record with its reader-facing status.
type DocumentResponse struct {
	Document Document `json:"document"`
	Status   string   `json:"status"`
}

// MigrationResponse is the output of the legacy-owner-migrator function.
type MigrationResponse struct {
	Status   string `json:"status"`
	Scanned  int    `json:"scanned"`
	Migrated int    `json:"migrated"`
}
