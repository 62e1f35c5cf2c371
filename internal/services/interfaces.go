package services

import (
	"context"
	"time"

	"github.com/Lllllllleong/credentialvault/internal/models"
	"github.com/Lllllllleong/credentialvault/internal/session"
)

// DocumentRepository is the documents collection. gcp.DocumentStore is the
// production implementation.
type DocumentRepository interface {
	Create(ctx context.Context, doc *models.Document) (string, error)
	Get(ctx context.Context, id string) (*models.Document, error)
	BeginAttempt(ctx context.Context, id string) error
	MarkUploaded(ctx context.Context, id, fileURL, storagePath string) error
	Finalize(ctx context.Context, id string, f models.Finalization) error
	RecordFailure(ctx context.Context, id string, step models.Step, details string) error
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerField, uid string, limit int) ([]models.Document, error)
	FindByHash(ctx context.Context, uid, fileHash string) (*models.Document, error)
	ListLegacy(ctx context.Context) ([]models.Document, error)
	MigrateLegacy(ctx context.Context, doc *models.Document) error
}

// ObjectStore holds the file bytes. Read and Delete return an error wrapping
// apperr.ErrNotFound for a missing object.
type ObjectStore interface {
	Write(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

type Classifier interface {
	Classify(ctx context.Context, fileName, contentType string, data []byte) (*models.ClassificationResult, error)
}

type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, icNumber string, icImage, selfie []byte) (*models.VerificationResult, error)
}

type ProfileRepository interface {
	Ensure(ctx context.Context, profile *models.UserProfile) (bool, error)
	Get(ctx context.Context, uid string) (*models.UserProfile, error)
}

// ChallengeStore keeps pending OTP challenges. cache.Client implements it.
type ChallengeStore interface {
	SaveChallenge(ctx context.Context, ch *models.OTPChallenge) error
	GetChallenge(ctx context.Context, id string) (*models.OTPChallenge, error)
	IncrementAttempts(ctx context.Context, id string, ttl time.Duration) (int64, error)
	DeleteChallenge(ctx context.Context, id string) error
}

// CodeSender delivers a one-time code to a phone number.
type CodeSender interface {
	SendCode(ctx context.Context, phone, code string) error
}

// ResumeScheduler arranges for an interrupted ingestion to be continued
// later without the user.
type ResumeScheduler interface {
	ScheduleResume(ctx context.Context, documentID string) error
}

// SessionIssuer mints and revokes sessions. session.Manager implements it.
type SessionIssuer interface {
	Issue(uid string, provider session.Provider) (string, *session.Session, error)
	Revoke(ctx context.Context, sess *session.Session) error
}
