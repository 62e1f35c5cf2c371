package services

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/credentialvault/internal/aiserver"
	"github.com/Lllllllleong/credentialvault/internal/cache"
	"github.com/Lllllllleong/credentialvault/internal/gcp"
	"github.com/Lllllllleong/credentialvault/internal/models"
	"github.com/Lllllllleong/credentialvault/internal/s3compat"
	"github.com/Lllllllleong/credentialvault/internal/session"
)

// VaultFunction holds the dependencies of the vault HTTP function.
type VaultFunction struct {
	Pipeline *IngestionPipeline
	Vault    *VaultService
	Identity *IdentityService
	Sessions *session.Manager
}

// NewVaultFunction builds the vault function from the environment.
func NewVaultFunction(ctx context.Context) (*VaultFunction, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	docs := gcp.NewDocumentStore(firestoreClient, cfg.DocumentsCollection)

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	classifier, err := newClassifier(ctx, cfg)
	if err != nil {
		return nil, err
	}
	scheduler, err := newResumeScheduler(ctx, cfg)
	if err != nil {
		return nil, err
	}
	identity, sessions, err := newIdentity(ctx, cfg, firestoreClient)
	if err != nil {
		return nil, err
	}

	f := &VaultFunction{
		Pipeline: NewIngestionPipeline(docs, objects, classifier, scheduler, cfg.ingestionConfig()),
		Vault:    NewVaultService(docs, objects, cfg.vaultConfig()),
		Identity: identity,
		Sessions: sessions,
	}
	slog.Info("Vault logic initialized.", "objectStore", cfg.ObjectStoreBackend, "classifier", cfg.ClassifierBackend, "legacyOwnerFallback", cfg.LegacyOwnerFallback)
	return f, nil
}

// IdentityFunction holds the dependencies of the identity HTTP function.
type IdentityFunction struct {
	Identity *IdentityService
	Sessions *session.Manager
}

// NewIdentityFunction builds the identity function from the environment.
func NewIdentityFunction(ctx context.Context) (*IdentityFunction, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	identity, sessions, err := newIdentity(ctx, cfg, firestoreClient)
	if err != nil {
		return nil, err
	}
	slog.Info("Identity logic initialized.", "smsGateway", cfg.SMSGatewayURL != "")
	return &IdentityFunction{Identity: identity, Sessions: sessions}, nil
}

// IngestionResumerFunction continues uploaded records on behalf of the retry
// workflow.
type IngestionResumerFunction struct {
	pipeline *IngestionPipeline
}

func NewIngestionResumer(ctx context.Context) (*IngestionResumerFunction, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	classifier, err := newClassifier(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// No scheduler: the workflow that called us owns the retry loop.
	pipeline := NewIngestionPipeline(gcp.NewDocumentStore(firestoreClient, cfg.DocumentsCollection), objects, classifier, nil, cfg.ingestionConfig())
	slog.Info("Ingestion resumer logic initialized.")
	return &IngestionResumerFunction{pipeline: pipeline}, nil
}

// NewIngestionResumerWith builds the resumer around an existing pipeline.
func NewIngestionResumerWith(pipeline *IngestionPipeline) *IngestionResumerFunction {
	return &IngestionResumerFunction{pipeline: pipeline}
}

// Process resumes one record.
func (f *IngestionResumerFunction) Process(ctx context.Context, req *models.ResumeIngestionRequest) (*models.ResumeIngestionResponse, error) {
	doc, err := f.pipeline.Resume(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	return &models.ResumeIngestionResponse{
		Status:     "success",
		DocumentID: doc.ID,
		State:      doc.State(),
	}, nil
}

// LegacyOwnerMigratorFunction runs the one-time owner field migration.
type LegacyOwnerMigratorFunction struct {
	vault *VaultService
}

func NewLegacyOwnerMigrator(ctx context.Context) (*LegacyOwnerMigratorFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	docs := gcp.NewDocumentStore(firestoreClient, gcp.GetEnv("DOCUMENTS_COLLECTION", "documents"))
	slog.Info("Legacy owner migrator logic initialized.")
	return &LegacyOwnerMigratorFunction{vault: NewVaultService(docs, nil, VaultConfig{})}, nil
}

func (f *LegacyOwnerMigratorFunction) Process(ctx context.Context) (*models.MigrationResponse, error) {
	return f.vault.MigrateLegacyOwners(ctx)
}

func newObjectStore(ctx context.Context, cfg Config) (ObjectStore, error) {
	if cfg.ObjectStoreBackend == BackendS3 {
		store, err := s3compat.NewObjectStore(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 object store: %w", err)
		}
		return store, nil
	}
	store, err := gcp.NewObjectStore(ctx, cfg.DocumentsBucket, cfg.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS object store: %w", err)
	}
	return store, nil
}

func newClassifier(ctx context.Context, cfg Config) (Classifier, error) {
	if cfg.ClassifierBackend == BackendVertex {
		client, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexRegion, gcp.DefaultClassifierLabels)
		if err != nil {
			return nil, fmt.Errorf("failed to create Vertex AI classifier: %w", err)
		}
		return client, nil
	}
	return aiserver.NewClient(cfg.ClassifierURL, cfg.EKYCURL, cfg.StepTimeout), nil
}

// newResumeScheduler returns nil when no retry workflow is configured.
func newResumeScheduler(ctx context.Context, cfg Config) (ResumeScheduler, error) {
	if cfg.RetryWorkflowID == "" {
		return nil, nil
	}
	scheduler, err := gcp.NewWorkflowResumeScheduler(ctx, cfg.ProjectID, cfg.WorkflowLocation, cfg.RetryWorkflowID)
	if err != nil {
		return nil, err
	}
	return scheduler, nil
}

func newIdentity(ctx context.Context, cfg Config, firestoreClient *firestore.Client) (*IdentityService, *session.Manager, error) {
	redisClient, err := cache.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	sessions, err := session.NewManager(cfg.SessionSigningKey, cfg.SessionTTL, redisClient)
	if err != nil {
		return nil, nil, fmt.Errorf("SESSION_SIGNING_KEY: %w", err)
	}

	var sender CodeSender = LogCodeSender{}
	if cfg.SMSGatewayURL != "" {
		sender = NewSMSGateway(cfg.SMSGatewayURL, cfg.StepTimeout)
	}

	identity := NewIdentityService(
		gcp.NewProfileStore(firestoreClient, cfg.UsersCollection),
		redisClient,
		sender,
		aiserver.NewClient(cfg.ClassifierURL, cfg.EKYCURL, cfg.StepTimeout),
		sessions,
		cfg.identityConfig(),
	)
	return identity, sessions, nil
}
