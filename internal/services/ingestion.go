package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/metrics"
	"github.com/Lllllllleong/credentialvault/internal/models"
	"github.com/Lllllllleong/credentialvault/internal/retry"
	"github.com/Lllllllleong/credentialvault/internal/session"
)

// IngestionConfig bounds the remote calls made by the pipeline.
type IngestionConfig struct {
	StepTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration

	// AcceptPDF is set only when the classifier reads PDF documents. The
	// image classifier service cannot.
	AcceptPDF bool

	// FailureTimeout bounds recording a failure and scheduling its resume.
	FailureTimeout time.Duration
}

// IngestionPipeline moves a file through provisional record, upload,
// classification and finalization. Progress is persisted on the record so an
// interrupted run continues where it stopped.
type IngestionPipeline struct {
	docs       DocumentRepository
	objects    ObjectStore
	classifier Classifier
	scheduler  ResumeScheduler
	config     IngestionConfig
}

// NewIngestionPipeline wires the pipeline. scheduler may be nil.
func NewIngestionPipeline(docs DocumentRepository, objects ObjectStore, classifier Classifier, scheduler ResumeScheduler, config IngestionConfig) *IngestionPipeline {
	if config.StepTimeout <= 0 {
		config.StepTimeout = 45 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.FailureTimeout <= 0 {
		config.FailureTimeout = 10 * time.Second
	}
	return &IngestionPipeline{
		docs:       docs,
		objects:    objects,
		classifier: classifier,
		scheduler:  scheduler,
		config:     config,
	}
}

// IngestRequest is one file to ingest. DocumentID continues an existing record
// instead of creating one; Content may then be omitted once the file has been
// uploaded.
type IngestRequest struct {
	DocumentID string
	FileName   string
	Content    []byte
}

// StoragePath is where the bytes of a record live in the object store.
func StoragePath(ownerUID, documentID, fileName string) string {
	return fmt.Sprintf("documents/%s/%s_%s", ownerUID, documentID, fileName)
}

// Ingest runs the pipeline for the session owner and returns the finalized
// record. On a step failure the returned error is a *StepError and the record
// keeps what the completed steps wrote.
func (p *IngestionPipeline) Ingest(ctx context.Context, sess *session.Session, req IngestRequest) (*models.Document, error) {
	if sess == nil || sess.UID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	logCtx := slog.With("ownerUid", sess.UID)

	if req.DocumentID != "" {
		return p.continueExisting(ctx, logCtx.With("documentId", req.DocumentID), sess, req)
	}

	upload, err := p.validate(req.FileName, req.Content)
	if err != nil {
		logCtx.Warn("Rejected upload.", "fileName", req.FileName, "error", err)
		return nil, err
	}
	logCtx = logCtx.With("fileName", upload.FileName, "fileHash", upload.Hash)

	existing, err := p.docs.FindByHash(ctx, sess.UID, upload.Hash)
	if err != nil {
		logCtx.Error("Failed to check for duplicate", "error", err)
		return nil, err
	}
	if existing != nil {
		logCtx = logCtx.With("documentId", existing.ID)
		if existing.State() == models.StateFinalized {
			logCtx.Info("Duplicate file detected. Returning existing record.")
			return existing, nil
		}
		logCtx.Info("Duplicate file detected. Continuing unfinished record.", "state", existing.State())
		return p.run(ctx, logCtx, existing, upload)
	}

	doc, err := p.createProvisional(ctx, sess.UID, upload)
	if err != nil {
		logCtx.Error("Failed to create provisional record", "error", err)
		return nil, err
	}
	logCtx = logCtx.With("documentId", doc.ID)
	logCtx.Info("Created provisional record.")

	return p.run(ctx, logCtx, doc, upload)
}

// Resume continues an uploaded record without a user session, reading the
// bytes back from the object store.
func (p *IngestionPipeline) Resume(ctx context.Context, documentID string) (*models.Document, error) {
	if documentID == "" {
		return nil, apperr.Invalid("documentId", "must not be empty")
	}
	logCtx := slog.With("documentId", documentID)

	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		logCtx.Error("Failed to load record for resume", "error", err)
		return nil, err
	}
	logCtx = logCtx.With("ownerUid", doc.Owner())

	switch doc.State() {
	case models.StateFinalized:
		logCtx.Info("Record already finalized. Nothing to resume.")
		return doc, nil
	case models.StateUploaded:
		logCtx.Info("Resuming ingestion.", "failedStep", doc.FailedStep, "attempts", doc.Attempts)
		return p.run(ctx, logCtx, doc, nil)
	default:
		return nil, apperr.New(http.StatusConflict, "not_resumable",
			fmt.Errorf("document %s has no uploaded file; the owner must upload it again", documentID))
	}
}

func (p *IngestionPipeline) continueExisting(ctx context.Context, logCtx *slog.Logger, sess *session.Session, req IngestRequest) (*models.Document, error) {
	doc, err := p.docs.Get(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.Owner() != sess.UID {
		logCtx.Warn("Refused to continue a record owned by another user.")
		return nil, fmt.Errorf("document %s: %w", req.DocumentID, apperr.ErrNotFound)
	}
	if doc.State() == models.StateFinalized {
		logCtx.Info("Record already finalized.")
		return doc, nil
	}

	var upload *Upload
	if len(req.Content) > 0 {
		name := req.FileName
		if name == "" {
			name = doc.FileName
		}
		upload, err = p.validate(name, req.Content)
		if err != nil {
			return nil, err
		}
		if doc.FileHash != "" && doc.FileHash != upload.Hash {
			return nil, apperr.Invalid("file", "content does not match document %s", doc.ID)
		}
	}
	return p.run(ctx, logCtx, doc, upload)
}

// validate applies ValidateUpload and refuses files the classifier cannot read.
func (p *IngestionPipeline) validate(fileName string, content []byte) (*Upload, error) {
	upload, err := ValidateUpload(fileName, content)
	if err != nil {
		return nil, err
	}
	if upload.ContentType == contentTypePDF && !p.config.AcceptPDF {
		return nil, apperr.Invalid("file", "PDF documents are not supported; upload a JPEG or PNG image")
	}
	return upload, nil
}

func (p *IngestionPipeline) createProvisional(ctx context.Context, ownerUID string, upload *Upload) (*models.Document, error) {
	doc := &models.Document{
		OwnerUID:      ownerUID,
		FileName:      upload.FileName,
		Category:      models.CategoryUnsorted,
		AITag:         models.AITagPending,
		SchemaVersion: models.CurrentSchemaVersion,
		IngestState:   models.StateCreated,
		FileHash:      upload.Hash,
		ContentType:   upload.ContentType,
		PageCount:     upload.PageCount,
	}
	id, err := p.docs.Create(ctx, doc)
	if err != nil {
		return nil, err
	}
	doc.ID = id
	return doc, nil
}

// run continues doc from its persisted state. upload is nil when the bytes
// must come from the object store.
func (p *IngestionPipeline) run(ctx context.Context, logCtx *slog.Logger, doc *models.Document, upload *Upload) (*models.Document, error) {
	if doc.State() == models.StateCreated && upload == nil {
		return nil, apperr.Invalid("file", "content is required until the upload has completed")
	}
	if err := p.docs.BeginAttempt(ctx, doc.ID); err != nil {
		logCtx.Error("Failed to start ingestion attempt", "error", err)
		return nil, err
	}

	fileURL, storagePath := doc.FileURL, doc.StoragePath
	if doc.State() == models.StateCreated {
		storagePath = StoragePath(doc.Owner(), doc.ID, doc.FileName)
		url, err := p.upload(ctx, logCtx, storagePath, upload)
		if err != nil {
			return nil, p.handleError(ctx, logCtx, doc.ID, models.StepUpload, err)
		}
		// url and path are persisted now so a later classification failure
		// leaves them populated.
		if err := p.docs.MarkUploaded(ctx, doc.ID, url, storagePath); err != nil {
			return nil, p.handleError(ctx, logCtx, doc.ID, models.StepUpload, err)
		}
		fileURL = url
		logCtx.Info("File uploaded.", "storagePath", storagePath)
	}

	var (
		content     []byte
		contentType = doc.ContentType
	)
	if upload != nil {
		content, contentType = upload.Content, upload.ContentType
	} else {
		data, err := p.readBack(ctx, logCtx, storagePath)
		if err != nil {
			return nil, p.handleError(ctx, logCtx, doc.ID, models.StepClassify, err)
		}
		content = data
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
	}

	result, err := p.classify(ctx, logCtx, doc.FileName, contentType, content)
	if err != nil {
		return nil, p.handleError(ctx, logCtx, doc.ID, models.StepClassify, err)
	}
	logCtx.Info("File classified.", "label", result.Label)

	fin := models.NewFinalization(fileURL, storagePath, result)
	started := time.Now()
	err = p.docs.Finalize(ctx, doc.ID, fin)
	metrics.ObserveStep(string(models.StepFinalize), err, started)
	if err != nil {
		return nil, p.handleError(ctx, logCtx, doc.ID, models.StepFinalize, err)
	}
	logCtx.Info("Record finalized.", "category", fin.Category)

	final, err := p.docs.Get(ctx, doc.ID)
	if err != nil {
		logCtx.Warn("Failed to re-read finalized record; returning local copy", "error", err)
		return applyFinalization(doc, fin), nil
	}
	return final, nil
}

func (p *IngestionPipeline) upload(ctx context.Context, logCtx *slog.Logger, storagePath string, upload *Upload) (string, error) {
	started := time.Now()
	fileURL, err := retry.DoWithResult(ctx, p.retryConfig(logCtx), func(ctx context.Context) (string, error) {
		return p.objects.Write(ctx, storagePath, upload.Content, upload.ContentType)
	})
	metrics.ObserveStep(string(models.StepUpload), err, started)
	if err != nil {
		return "", err
	}
	return fileURL, nil
}

func (p *IngestionPipeline) readBack(ctx context.Context, logCtx *slog.Logger, storagePath string) ([]byte, error) {
	if storagePath == "" {
		return nil, fmt.Errorf("record has no storage path")
	}
	return retry.DoWithResult(ctx, p.retryConfig(logCtx), func(ctx context.Context) ([]byte, error) {
		return p.objects.Read(ctx, storagePath)
	})
}

func (p *IngestionPipeline) classify(ctx context.Context, logCtx *slog.Logger, fileName, contentType string, content []byte) (*models.ClassificationResult, error) {
	started := time.Now()
	result, err := retry.DoWithResult(ctx, p.retryConfig(logCtx), func(ctx context.Context) (*models.ClassificationResult, error) {
		return p.classifier.Classify(ctx, fileName, contentType, content)
	})
	metrics.ObserveStep(string(models.StepClassify), err, started)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &models.ClassificationResult{}
	}
	return result, nil
}

func (p *IngestionPipeline) retryConfig(logCtx *slog.Logger) retry.Config {
	return retry.Config{
		MaxAttempts:    p.config.MaxAttempts,
		InitialDelay:   p.config.InitialBackoff,
		MaxDelay:       16 * p.config.InitialBackoff,
		AttemptTimeout: p.config.StepTimeout,
		Retryable: func(err error) bool {
			return !apperr.IsValidation(err) && !errors.Is(err, apperr.ErrNotFound)
		},
		Logger: logCtx,
	}
}

// handleError records the failed step on the record, schedules a resume when
// the file is already stored, and returns the StepError for the caller. Both
// writes outlive a cancelled request.
func (p *IngestionPipeline) handleError(ctx context.Context, logCtx *slog.Logger, docID string, step models.Step, err error) error {
	logCtx.Error("Ingestion step failed", "step", step, "error", err)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.FailureTimeout)
	defer cancel()

	if recErr := p.docs.RecordFailure(ctx, docID, step, err.Error()); recErr != nil {
		logCtx.Error("Failed to record step failure on document", "step", step, "error", recErr)
	}

	// A rejected input fails the same way on every resume.
	if step != models.StepUpload && p.scheduler != nil && !apperr.IsValidation(err) {
		if schedErr := p.scheduler.ScheduleResume(ctx, docID); schedErr != nil {
			logCtx.Error("Failed to schedule ingestion resume", "error", schedErr)
		} else {
			logCtx.Info("Scheduled ingestion resume.")
		}
	}

	return &StepError{DocumentID: docID, Step: step, Err: err}
}

func applyFinalization(doc *models.Document, fin models.Finalization) *models.Document {
	out := *doc
	now := time.Now()
	out.FileURL = fin.FileURL
	out.StoragePath = fin.StoragePath
	out.Category = fin.Category
	out.AITag = fin.AITag
	out.ICNumber = fin.ICNumber
	out.AIConfidence = fin.AIConfidence
	out.AITextSnippet = fin.AITextSnippet
	out.ProcessedAt = &now
	out.IngestState = models.StateFinalized
	out.FailedStep = ""
	out.ErrorDetails = ""
	return &out
}
