package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/metrics"
	"github.com/Lllllllleong/credentialvault/internal/models"
	"github.com/Lllllllleong/credentialvault/internal/session"
)

const (
	DefaultRecentLimit = 3

	StatusComplete   = "complete"
	StatusProcessing = "processing"
)

// VaultConfig controls how the owner's documents are looked up.
type VaultConfig struct {
	// LegacyOwnerFallback also queries the ownerUid field when nothing is
	// found under owner_uid. Turn it off once MigrateLegacyOwners has run.
	LegacyOwnerFallback  bool
	MigrationParallelism int
}

// VaultService answers read and delete requests against an owner's records.
type VaultService struct {
	docs    DocumentRepository
	objects ObjectStore
	config  VaultConfig
}

func NewVaultService(docs DocumentRepository, objects ObjectStore, config VaultConfig) *VaultService {
	if config.MigrationParallelism <= 0 {
		config.MigrationParallelism = 10
	}
	return &VaultService{docs: docs, objects: objects, config: config}
}

// ListDocuments returns the owner's records grouped by lowercased category,
// newest first within each group.
func (v *VaultService) ListDocuments(ctx context.Context, sess *session.Session) (map[string][]models.Document, error) {
	docs, err := v.listOwned(ctx, sess, 0)
	if err != nil {
		return nil, err
	}
	return GroupByCategory(docs), nil
}

// RecentDocuments returns the owner's newest records.
func (v *VaultService) RecentDocuments(ctx context.Context, sess *session.Session, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return v.listOwned(ctx, sess, limit)
}

// GetDocument returns one of the owner's records. Another owner's record is
// reported as not found.
func (v *VaultService) GetDocument(ctx context.Context, sess *session.Session, id string) (*models.Document, error) {
	if sess == nil || sess.UID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	doc, err := v.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Owner() != sess.UID {
		return nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	return doc, nil
}

// DeleteDocument removes the blob, then the record. A missing blob counts as
// removed. Failures are reported as *DeleteError naming the stage.
func (v *VaultService) DeleteDocument(ctx context.Context, sess *session.Session, id string) error {
	doc, err := v.GetDocument(ctx, sess, id)
	if err != nil {
		return err
	}
	logCtx := slog.With("documentId", id, "ownerUid", sess.UID)

	if doc.StoragePath != "" {
		if err := v.objects.Delete(ctx, doc.StoragePath); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			logCtx.Error("Failed to delete file; record kept", "storagePath", doc.StoragePath, "error", err)
			metrics.DocumentDeletes.WithLabelValues(string(DeleteStageBlob) + "_failed").Inc()
			return &DeleteError{DocumentID: id, Stage: DeleteStageBlob, Err: err}
		}
	}

	if err := v.docs.Delete(ctx, id); err != nil {
		logCtx.Error("Failed to delete record after its file was removed", "error", err)
		metrics.DocumentDeletes.WithLabelValues(string(DeleteStageMetadata) + "_failed").Inc()
		return &DeleteError{DocumentID: id, Stage: DeleteStageMetadata, Err: err}
	}

	metrics.DocumentDeletes.WithLabelValues("success").Inc()
	logCtx.Info("Document deleted.")
	return nil
}

// MigrateLegacyOwners rewrites every record still carrying the ownerUid field
// onto the current schema.
func (v *VaultService) MigrateLegacyOwners(ctx context.Context) (*models.MigrationResponse, error) {
	legacy, err := v.docs.ListLegacy(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("Starting legacy owner migration.", "records", len(legacy))

	var migrated atomic.Int64
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(v.config.MigrationParallelism)
	for i := range legacy {
		doc := &legacy[i]
		eg.Go(func() error {
			if err := v.docs.MigrateLegacy(gctx, doc); err != nil {
				slog.Error("Failed to migrate record", "documentId", doc.ID, "error", err)
				return fmt.Errorf("failed to migrate %s: %w", doc.ID, err)
			}
			migrated.Add(1)
			return nil
		})
	}
	err = eg.Wait()

	resp := &models.MigrationResponse{
		Status:   "success",
		Scanned:  len(legacy),
		Migrated: int(migrated.Load()),
	}
	if err != nil {
		resp.Status = "partial"
		return resp, err
	}
	slog.Info("Legacy owner migration complete.", "migrated", resp.Migrated)
	return resp, nil
}

// listOwned queries owner_uid and, when enabled, the legacy ownerUid field in
// parallel. The legacy result is used only when owner_uid matched nothing.
func (v *VaultService) listOwned(ctx context.Context, sess *session.Session, limit int) ([]models.Document, error) {
	if sess == nil || sess.UID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if !v.config.LegacyOwnerFallback {
		return v.docs.ListByOwner(ctx, models.FieldOwnerUID, sess.UID, limit)
	}

	var current, legacy []models.Document
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		current, err = v.docs.ListByOwner(gctx, models.FieldOwnerUID, sess.UID, limit)
		return err
	})
	eg.Go(func() error {
		var err error
		legacy, err = v.docs.ListByOwner(gctx, models.FieldLegacyOwnerUID, sess.UID, limit)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if len(current) > 0 {
		return current, nil
	}
	if len(legacy) > 0 {
		slog.Debug("Serving documents from legacy owner field.", "ownerUid", sess.UID, "count", len(legacy))
	}
	return legacy, nil
}

// GroupKey is the vault group a record belongs to.
func GroupKey(doc *models.Document) string {
	return strings.ToLower(doc.DisplayCategory())
}

// GroupByCategory buckets docs by GroupKey, keeping their order. It depends
// only on its input.
func GroupByCategory(docs []models.Document) map[string][]models.Document {
	groups := make(map[string][]models.Document)
	for i := range docs {
		key := GroupKey(&docs[i])
		groups[key] = append(groups[key], docs[i])
	}
	return groups
}

// NewVaultResponse orders the group names for display.
func NewVaultResponse(groups map[string][]models.Document) models.VaultResponse {
	resp := models.VaultResponse{
		Categories: make([]string, 0, len(groups)),
		Groups:     groups,
	}
	for name, docs := range groups {
		resp.Categories = append(resp.Categories, name)
		resp.Total += len(docs)
	}
	sort.Strings(resp.Categories)
	return resp
}

// ProcessingStatus is what a reader shows for a record. A record without a
// file URL is still being processed, never broken.
func ProcessingStatus(doc *models.Document) string {
	if doc.IsProcessed() {
		return StatusComplete
	}
	return StatusProcessing
}
