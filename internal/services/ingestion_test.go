package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/models"
)

func TestIngestClassifiedPassport(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	p := NewIngestionPipeline(docs, objects, labelled("identification", 0.92), nil, fastIngestionConfig())

	doc, err := p.Ingest(context.Background(), userSession("u1"), IngestRequest{FileName: "passport.jpg", Content: jpegBytes})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if doc.Category != "identification" || doc.AITag != "identification" {
		t.Fatalf("category/ai_tag: want identification got=%q/%q", doc.Category, doc.AITag)
	}
	if doc.FileURL == "" {
		t.Fatalf("file_url: want non-empty")
	}
	wantPath := "documents/u1/" + doc.ID + "_passport.jpg"
	if doc.StoragePath != wantPath {
		t.Fatalf("storage_path: want=%s got=%s", wantPath, doc.StoragePath)
	}
	if doc.AIConfidence == nil || *doc.AIConfidence != 0.92 {
		t.Fatalf("ai_confidence: want 0.92 got=%v", doc.AIConfidence)
	}
	if doc.OwnerUID != "u1" || doc.SchemaVersion != models.CurrentSchemaVersion {
		t.Fatalf("owner/schema: got=%q/%d", doc.OwnerUID, doc.SchemaVersion)
	}
	if doc.ProcessedAt == nil || doc.State() != models.StateFinalized {
		t.Fatalf("record not finalized: %+v", doc)
	}
	if !objects.has(doc.StoragePath) {
		t.Fatalf("blob missing at %s", doc.StoragePath)
	}
}

func TestIngestWithoutLabelStaysUnsorted(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	classifier := &stubClassifier{fn: func(ctx context.Context, call int) (*models.ClassificationResult, error) {
		return &models.ClassificationResult{TextSnippet: "unreadable"}, nil
	}}
	p := NewIngestionPipeline(docs, objects, classifier, nil, fastIngestionConfig())

	doc, err := p.Ingest(context.Background(), userSession("u1"), IngestRequest{FileName: "receipt.jpg", Content: jpegBytes})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if doc.Category != models.CategoryUnsorted || doc.AITag != models.AITagUnknown {
		t.Fatalf("category/ai_tag: want Unsorted/Unknown got=%q/%q", doc.Category, doc.AITag)
	}
	if doc.FileURL == "" || doc.StoragePath == "" {
		t.Fatalf("url/path: want populated got=%q/%q", doc.FileURL, doc.StoragePath)
	}
	if doc.AIConfidence != nil {
		t.Fatalf("ai_confidence: want nil got=%v", *doc.AIConfidence)
	}
}

func TestIngestUploadFailureKeepsProvisionalRecord(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	objects.writeErr = errors.New("bucket unavailable")
	classifier := labelled("identification", 0.9)
	scheduler := &recordingScheduler{}
	p := NewIngestionPipeline(docs, objects, classifier, scheduler, fastIngestionConfig())

	_, err := p.Ingest(context.Background(), userSession("u1"), IngestRequest{FileName: "passport.jpg", Content: jpegBytes})
	if FailedStep(err) != models.StepUpload {
		t.Fatalf("err: want upload StepError got=%v", err)
	}
	var se *StepError
	errors.As(err, &se)

	doc, getErr := docs.Get(context.Background(), se.DocumentID)
	if getErr != nil {
		t.Fatalf("provisional record should still exist: %v", getErr)
	}
	if doc.FileURL != "" || doc.StoragePath != "" {
		t.Fatalf("url/path: want empty got=%q/%q", doc.FileURL, doc.StoragePath)
	}
	if doc.Category != models.CategoryUnsorted || doc.AITag != models.AITagPending {
		t.Fatalf("category/ai_tag: want Unsorted/Pending got=%q/%q", doc.Category, doc.AITag)
	}
	if doc.FailedStep != models.StepUpload || doc.ErrorDetails == "" {
		t.Fatalf("failure not recorded: %+v", doc)
	}
	if objects.writes != 2 {
		t.Fatalf("writes: want 2 attempts got=%d", objects.writes)
	}
	if classifier.calls != 0 {
		t.Fatalf("classifier must not be called after upload failure")
	}
	if len(scheduler.ids) != 0 {
		t.Fatalf("upload failures are not scheduled for resume")
	}

	listed, err := NewVaultService(docs, objects, VaultConfig{}).RecentDocuments(context.Background(), userSession("u1"), 0)
	if err != nil || len(listed) != 1 {
		t.Fatalf("provisional record should be queryable: docs=%v err=%v", listed, err)
	}
	if ProcessingStatus(&listed[0]) != StatusProcessing {
		t.Fatalf("status: want processing")
	}
}

func TestIngestClassificationFailureKeepsUploadedFile(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	classifier := &stubClassifier{fn: func(ctx context.Context, call int) (*models.ClassificationResult, error) {
		return nil, &apperr.RemoteError{Service: "classifier", StatusCode: http.StatusServiceUnavailable, Err: errors.New("down")}
	}}
	scheduler := &recordingScheduler{}
	p := NewIngestionPipeline(docs, objects, classifier, scheduler, fastIngestionConfig())

	_, err := p.Ingest(context.Background(), userSession("u1"), IngestRequest{FileName: "passport.jpg", Content: jpegBytes})
	if FailedStep(err) != models.StepClassify {
		t.Fatalf("err: want classify StepError got=%v", err)
	}
	var re *apperr.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("err should wrap the remote failure: %v", err)
	}

	doc, _ := docs.Get(context.Background(), "doc-1")
	if doc.FileURL == "" || doc.StoragePath == "" {
		t.Fatalf("url/path: want populated got=%q/%q", doc.FileURL, doc.StoragePath)
	}
	if doc.Category != models.CategoryUnsorted || doc.AITag != models.AITagPending {
		t.Fatalf("category/ai_tag: want Unsorted/Pending got=%q/%q", doc.Category, doc.AITag)
	}
	if doc.State() != models.StateUploaded || doc.FailedStep != models.StepClassify {
		t.Fatalf("state: want uploaded/classify got=%s/%s", doc.State(), doc.FailedStep)
	}
	if classifier.calls != 2 {
		t.Fatalf("classifier calls: want 2 got=%d", classifier.calls)
	}
	if len(scheduler.ids) != 1 || scheduler.ids[0] != "doc-1" {
		t.Fatalf("scheduler: want [doc-1] got=%v", scheduler.ids)
	}
}

func TestIngestClassifierTimeout(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	classifier := &stubClassifier{fn: func(ctx context.Context, call int) (*models.ClassificationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := fastIngestionConfig()
	cfg.StepTimeout = 20 * time.Millisecond
	p := NewIngestionPipeline(docs, objects, classifier, nil, cfg)

	_, err := p.Ingest(context.Background(), userSession("u1"), IngestRequest{FileName: "passport.jpg", Content: jpegBytes})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err: want deadline exceeded got=%v", err)
	}

	doc, _ := docs.Get(context.Background(), "doc-1")
	if doc.FileURL == "" {
		t.Fatalf("file_url: want non-empty")
	}
	if doc.Category != models.CategoryUnsorted || doc.AITag != models.AITagPending {
		t.Fatalf("category/ai_tag: want Unsorted/Pending got=%q/%q", doc.Category, doc.AITag)
	}
}

func TestIngestRetriesTransientUpload(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	objects.writeFailures = 1
	p := NewIngestionPipeline(docs, objects, labelled("financial", 0.7), nil, fastIngestionConfig())

	doc, err := p.Ingest(context.Background(), userSession("u1"), IngestRequest{FileName: "statement.jpg", Content: jpegBytes})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if objects.writes != 2 || doc.Category != "financial" {
		t.Fatalf("writes=%d category=%q", objects.writes, doc.Category)
	}
}

func TestIngestRejectsInvalidInputBeforeRemoteCalls(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		content  []byte
	}{
		{"unsupported extension", "notes.txt", []byte("hello")},
		{"empty content", "passport.jpg", nil},
		{"content does not match extension", "passport.png", jpegBytes},
		{"path separator", "../passport.jpg", jpegBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, objects := newMemoryDocs(), newMemoryObjects()
			classifier := labelled("identification", 1)
			p := NewIngestionPipeline(docs, objects, classifier, nil, fastIngestionConfig())

			_, err := p.Ingest(context.Background(), userSession("u1"), IngestRequest{FileName: tt.fileName, Content: tt.content})
			if !apperr.IsValidation(err) {
				t.Fatalf("err: want validation error got=%v", err)
			}
			if docs.count() != 0 || objects.writes != 0 || classifier.calls != 0 {
				t.Fatalf("no state may be written: records=%d writes=%d classify=%d", docs.count(), objects.writes, classifier.calls)
			}
		})
	}
}

func TestIngestRequiresSession(t *testing.T) {
	p := NewIngestionPipeline(newMemoryDocs(), newMemoryObjects(), labelled("x", 1), nil, fastIngestionConfig())
	if _, err := p.Ingest(context.Background(), nil, IngestRequest{FileName: "a.jpg", Content: jpegBytes}); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("err: want ErrUnauthenticated got=%v", err)
	}
}

func TestIngestSameContentContinuesUnfinishedRecord(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	classifier := &stubClassifier{fn: func(ctx context.Context, call int) (*models.ClassificationResult, error) {
		if call <= 2 {
			return nil, errors.New("classifier overloaded")
		}
		return &models.ClassificationResult{Label: "medical"}, nil
	}}
	p := NewIngestionPipeline(docs, objects, classifier, nil, fastIngestionConfig())
	sess := userSession("u1")

	if _, err := p.Ingest(context.Background(), sess, IngestRequest{FileName: "xray.jpg", Content: jpegBytes}); err == nil {
		t.Fatalf("first Ingest: expected classify failure")
	}
	doc, err := p.Ingest(context.Background(), sess, IngestRequest{FileName: "xray.jpg", Content: jpegBytes})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}

	if docs.count() != 1 {
		t.Fatalf("records: want 1 got=%d", docs.count())
	}
	if doc.ID != "doc-1" || doc.Category != "medical" {
		t.Fatalf("doc: want doc-1/medical got=%s/%s", doc.ID, doc.Category)
	}
	if doc.Attempts != 2 || doc.FailedStep != "" || doc.ErrorDetails != "" {
		t.Fatalf("attempts/failure: got=%d/%q/%q", doc.Attempts, doc.FailedStep, doc.ErrorDetails)
	}
	if objects.writes != 1 {
		t.Fatalf("the file must be uploaded once, writes=%d", objects.writes)
	}
}

func TestIngestDuplicateOfFinalizedRecord(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	classifier := labelled("identification", 0.9)
	p := NewIngestionPipeline(docs, objects, classifier, nil, fastIngestionConfig())
	sess := userSession("u1")

	first, err := p.Ingest(context.Background(), sess, IngestRequest{FileName: "ic.jpg", Content: jpegBytes})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	second, err := p.Ingest(context.Background(), sess, IngestRequest{FileName: "ic-copy.jpg", Content: jpegBytes})
	if err != nil {
		t.Fatalf("Ingest duplicate: %v", err)
	}
	if second.ID != first.ID || docs.count() != 1 || classifier.calls != 1 {
		t.Fatalf("duplicate should return the existing record: first=%s second=%s records=%d calls=%d", first.ID, second.ID, docs.count(), classifier.calls)
	}

	// Another owner uploading the same bytes gets their own record.
	other, err := p.Ingest(context.Background(), userSession("u2"), IngestRequest{FileName: "ic.jpg", Content: jpegBytes})
	if err != nil {
		t.Fatalf("Ingest other owner: %v", err)
	}
	if other.ID == first.ID || other.OwnerUID != "u2" {
		t.Fatalf("other owner: got id=%s owner=%s", other.ID, other.OwnerUID)
	}
}

func TestIngestByDocumentID(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	objects.writeErr = errors.New("offline")
	p := NewIngestionPipeline(docs, objects, labelled("education", 0.8), nil, fastIngestionConfig())
	sess := userSession("u1")

	if _, err := p.Ingest(context.Background(), sess, IngestRequest{FileName: "degree.jpg", Content: jpegBytes}); FailedStep(err) != models.StepUpload {
		t.Fatalf("first Ingest: want upload failure got=%v", err)
	}

	t.Run("content required before upload", func(t *testing.T) {
		_, err := p.Ingest(context.Background(), sess, IngestRequest{DocumentID: "doc-1"})
		if !apperr.IsValidation(err) {
			t.Fatalf("err: want validation error got=%v", err)
		}
	})

	t.Run("mismatched content", func(t *testing.T) {
		_, err := p.Ingest(context.Background(), sess, IngestRequest{DocumentID: "doc-1", Content: jpegWith("something else")})
		if !apperr.IsValidation(err) {
			t.Fatalf("err: want validation error got=%v", err)
		}
	})

	t.Run("foreign owner", func(t *testing.T) {
		_, err := p.Ingest(context.Background(), userSession("intruder"), IngestRequest{DocumentID: "doc-1", Content: jpegBytes})
		if !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("err: want ErrNotFound got=%v", err)
		}
	})

	t.Run("continues to finalized", func(t *testing.T) {
		objects.writeErr = nil
		doc, err := p.Ingest(context.Background(), sess, IngestRequest{DocumentID: "doc-1", Content: jpegBytes})
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if doc.ID != "doc-1" || doc.Category != "education" || docs.count() != 1 {
			t.Fatalf("doc: got id=%s category=%s records=%d", doc.ID, doc.Category, docs.count())
		}
		if doc.StoragePath != "documents/u1/doc-1_degree.jpg" {
			t.Fatalf("storage_path: got=%s", doc.StoragePath)
		}
	})

	t.Run("finalized is idempotent", func(t *testing.T) {
		doc, err := p.Ingest(context.Background(), sess, IngestRequest{DocumentID: "doc-1"})
		if err != nil || doc.State() != models.StateFinalized {
			t.Fatalf("Ingest: doc=%v err=%v", doc, err)
		}
	})
}

func TestResumeReadsFileBackFromStore(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	classifier := &stubClassifier{fn: func(ctx context.Context, call int) (*models.ClassificationResult, error) {
		if call <= 2 {
			return nil, errors.New("unavailable")
		}
		return &models.ClassificationResult{Label: "property", ICNumber: "900101145678"}, nil
	}}
	p := NewIngestionPipeline(docs, objects, classifier, nil, fastIngestionConfig())

	content := jpegWith("land title")
	if _, err := p.Ingest(context.Background(), userSession("u1"), IngestRequest{FileName: "title.jpg", Content: content}); err == nil {
		t.Fatalf("Ingest: expected classify failure")
	}

	doc, err := p.Resume(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if doc.Category != "property" || doc.ICNumber != "900101145678" {
		t.Fatalf("doc: got category=%q ic=%q", doc.Category, doc.ICNumber)
	}
	if !bytes.Equal(classifier.seen[2], content) {
		t.Fatalf("resume should classify the stored bytes")
	}

	again, err := p.Resume(context.Background(), "doc-1")
	if err != nil || again.State() != models.StateFinalized {
		t.Fatalf("Resume finalized: doc=%v err=%v", again, err)
	}
	if classifier.calls != 3 {
		t.Fatalf("finalized record must not be classified again, calls=%d", classifier.calls)
	}
}

func TestResumeRejectsRecordWithoutUpload(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	objects.writeErr = errors.New("offline")
	p := NewIngestionPipeline(docs, objects, labelled("x", 1), nil, fastIngestionConfig())

	if _, err := p.Ingest(context.Background(), userSession("u1"), IngestRequest{FileName: "a.jpg", Content: jpegBytes}); err == nil {
		t.Fatalf("Ingest: expected upload failure")
	}

	_, err := p.Resume(context.Background(), "doc-1")
	if ae := apperr.Classify(err); ae.Code != "not_resumable" || ae.Status != http.StatusConflict {
		t.Fatalf("err: want not_resumable 409 got=%v", err)
	}
	if _, err := p.Resume(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err: want ErrNotFound got=%v", err)
	}
}

func TestIngestFinalizeFailure(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	docs.finalizeErr = fmt.Errorf("deadline exceeded writing record")
	p := NewIngestionPipeline(docs, objects, labelled("identification", 1), nil, fastIngestionConfig())

	_, err := p.Ingest(context.Background(), userSession("u1"), IngestRequest{FileName: "a.jpg", Content: jpegBytes})
	if FailedStep(err) != models.StepFinalize {
		t.Fatalf("err: want finalize StepError got=%v", err)
	}
	doc, _ := docs.Get(context.Background(), "doc-1")
	if doc.Category != models.CategoryUnsorted || doc.FailedStep != models.StepFinalize {
		t.Fatalf("doc: got category=%q failed=%q", doc.Category, doc.FailedStep)
	}
}

func TestIngestPDFNeedsPDFClassifier(t *testing.T) {
	pdf := onePagePDF(t)

	t.Run("image classifier", func(t *testing.T) {
		docs, objects := newMemoryDocs(), newMemoryObjects()
		classifier := labelled("identification", 1)
		p := NewIngestionPipeline(docs, objects, classifier, nil, fastIngestionConfig())

		_, err := p.Ingest(context.Background(), userSession("u1"), IngestRequest{FileName: "scan.pdf", Content: pdf})
		if !apperr.IsValidation(err) {
			t.Fatalf("err: want validation error got=%v", err)
		}
		if docs.count() != 0 || objects.writes != 0 || classifier.calls != 0 {
			t.Fatalf("nothing should be written: docs=%d writes=%d calls=%d", docs.count(), objects.writes, classifier.calls)
		}
	})

	t.Run("pdf classifier", func(t *testing.T) {
		docs, objects := newMemoryDocs(), newMemoryObjects()
		cfg := fastIngestionConfig()
		cfg.AcceptPDF = true
		p := NewIngestionPipeline(docs, objects, labelled("education", 0.8), nil, cfg)

		doc, err := p.Ingest(context.Background(), userSession("u1"), IngestRequest{FileName: "scan.pdf", Content: pdf})
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if doc.State() != models.StateFinalized || doc.PageCount != 1 {
			t.Fatalf("doc: state=%s pages=%d", doc.State(), doc.PageCount)
		}
	})
}

func TestIngestRecordsFailureAfterCancellation(t *testing.T) {
	docs, objects := newMemoryDocs(), newMemoryObjects()
	scheduler := &recordingScheduler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	classifier := &stubClassifier{fn: func(callCtx context.Context, call int) (*models.ClassificationResult, error) {
		cancel()
		return nil, callCtx.Err()
	}}
	p := NewIngestionPipeline(docs, objects, classifier, scheduler, fastIngestionConfig())

	_, err := p.Ingest(ctx, userSession("u1"), IngestRequest{FileName: "passport.jpg", Content: jpegBytes})
	if FailedStep(err) != models.StepClassify {
		t.Fatalf("err: want classify StepError got=%v", err)
	}

	doc, _ := docs.Get(context.Background(), "doc-1")
	if doc.FailedStep != models.StepClassify || doc.ErrorDetails == "" {
		t.Fatalf("failure not recorded: step=%q details=%q", doc.FailedStep, doc.ErrorDetails)
	}
	if len(scheduler.ids) != 1 || scheduler.ids[0] != "doc-1" {
		t.Fatalf("scheduler: want [doc-1] got=%v", scheduler.ids)
	}
}
