package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// DocumentStore persists DocumentRecords in a Firestore collection.
type DocumentStore struct {
	client     *firestore.Client
	collection string
}

func NewDocumentStore(client *firestore.Client, collection string) *DocumentStore {
	return &DocumentStore{client: client, collection: collection}
}

// Create writes a provisional record and returns the Firestore-assigned id.
// uploaded_at is filled with the server timestamp.
func (s *DocumentStore) Create(ctx context.Context, doc *models.Document) (string, error) {
	docRef, _, err := s.client.Collection(s.collection).Add(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to create document record: %w", err)
	}
	return docRef.ID, nil
}

func (s *DocumentStore) Get(ctx context.Context, id string) (*models.Document, error) {
	snap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	return decodeDocument(snap)
}

// BeginAttempt counts a pipeline run against the record and clears the
// failure left by the previous run.
func (s *DocumentStore) BeginAttempt(ctx context.Context, id string) error {
	return s.update(ctx, id, []firestore.Update{
		{Path: models.FieldAttempts, Value: firestore.Increment(1)},
		{Path: models.FieldFailedStep, Value: firestore.Delete},
		{Path: models.FieldErrorDetails, Value: firestore.Delete},
	})
}

// MarkUploaded persists the blob location once the upload has completed.
func (s *DocumentStore) MarkUploaded(ctx context.Context, id, fileURL, storagePath string) error {
	return s.update(ctx, id, []firestore.Update{
		{Path: models.FieldFileURL, Value: fileURL},
		{Path: models.FieldStoragePath, Value: storagePath},
		{Path: models.FieldIngestState, Value: string(models.StateUploaded)},
	})
}

// Finalize writes every classification-derived field in one update so that a
// reader never observes a partially finalized record.
func (s *DocumentStore) Finalize(ctx context.Context, id string, f models.Finalization) error {
	var confidence interface{}
	if f.AIConfidence != nil {
		confidence = *f.AIConfidence
	}
	return s.update(ctx, id, []firestore.Update{
		{Path: models.FieldFileURL, Value: f.FileURL},
		{Path: models.FieldStoragePath, Value: f.StoragePath},
		{Path: models.FieldCategory, Value: f.Category},
		{Path: models.FieldAITag, Value: f.AITag},
		{Path: models.FieldICNumber, Value: f.ICNumber},
		{Path: models.FieldAIConfidence, Value: confidence},
		{Path: models.FieldAITextSnippet, Value: f.AITextSnippet},
		{Path: models.FieldProcessedAt, Value: firestore.ServerTimestamp},
		{Path: models.FieldIngestState, Value: string(models.StateFinalized)},
		{Path: models.FieldFailedStep, Value: firestore.Delete},
		{Path: models.FieldErrorDetails, Value: firestore.Delete},
	})
}

// RecordFailure marks the step a pipeline run stopped at.
func (s *DocumentStore) RecordFailure(ctx context.Context, id string, step models.Step, details string) error {
	return s.update(ctx, id, []firestore.Update{
		{Path: models.FieldFailedStep, Value: string(step)},
		{Path: models.FieldErrorDetails, Value: details},
	})
}

func (s *DocumentStore) Delete(ctx context.Context, id string) error {
	if _, err := s.client.Collection(s.collection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

// ListByOwner returns the records whose ownerField equals uid, newest first.
// A limit of zero means no limit.
func (s *DocumentStore) ListByOwner(ctx context.Context, ownerField, uid string, limit int) ([]models.Document, error) {
	q := s.client.Collection(s.collection).
		Where(ownerField, "==", uid).
		OrderBy(models.FieldUploadedAt, firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query documents by %s: %w", ownerField, err)
	}
	return decodeDocuments(snaps)
}

// FindByHash returns the owner's record for identical content, or nil.
func (s *DocumentStore) FindByHash(ctx context.Context, uid, fileHash string) (*models.Document, error) {
	snaps, err := s.client.Collection(s.collection).
		Where(models.FieldOwnerUID, "==", uid).
		Where(models.FieldFileHash, "==", fileHash).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query for duplicates: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return decodeDocument(snaps[0])
}

// ListLegacy returns records still written with the ownerUid field name.
func (s *DocumentStore) ListLegacy(ctx context.Context) ([]models.Document, error) {
	snaps, err := s.client.Collection(s.collection).
		Where(models.FieldLegacyOwnerUID, "!=", "").
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query legacy documents: %w", err)
	}
	return decodeDocuments(snaps)
}

// MigrateLegacy moves a legacy record onto the current schema in one update.
func (s *DocumentStore) MigrateLegacy(ctx context.Context, doc *models.Document) error {
	updates := []firestore.Update{
		{Path: models.FieldOwnerUID, Value: doc.Owner()},
		{Path: models.FieldLegacyOwnerUID, Value: firestore.Delete},
		{Path: models.FieldSchemaVersion, Value: models.CurrentSchemaVersion},
		{Path: models.FieldIngestState, Value: string(doc.State())},
	}
	if doc.Category == "" {
		updates = append(updates, firestore.Update{Path: models.FieldCategory, Value: doc.DisplayCategory()})
	}
	if doc.AITag == "" {
		updates = append(updates, firestore.Update{Path: models.FieldAITag, Value: models.AITagUnknown})
	}
	return s.update(ctx, doc.ID, updates)
}

func (s *DocumentStore) update(ctx context.Context, id string, updates []firestore.Update) error {
	if _, err := s.client.Collection(s.collection).Doc(id).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
		}
		return fmt.Errorf("failed to update document %s: %w", id, err)
	}
	return nil
}

func decodeDocument(snap *firestore.DocumentSnapshot) (*models.Document, error) {
	var doc models.Document
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", snap.Ref.ID, err)
	}
	doc.ID = snap.Ref.ID
	return &doc, nil
}

func decodeDocuments(snaps []*firestore.DocumentSnapshot) ([]models.Document, error) {
	docs := make([]models.Document, 0, len(snaps))
	for _, snap := range snaps {
		doc, err := decodeDocument(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

// ProfileStore persists UserProfiles keyed by session identity.
type ProfileStore struct {
	client     *firestore.Client
	collection string
}

func NewProfileStore(client *firestore.Client, collection string) *ProfileStore {
	return &ProfileStore{client: client, collection: collection}
}

// Ensure creates users/{uid} unless it already exists. It reports whether a
// new profile was written; an existing profile is never overwritten.
func (s *ProfileStore) Ensure(ctx context.Context, profile *models.UserProfile) (bool, error) {
	_, err := s.client.Collection(s.collection).Doc(profile.UID).Create(ctx, profile)
	if err == nil {
		return true, nil
	}
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	return false, fmt.Errorf("failed to create profile %s: %w", profile.UID, err)
}

func (s *ProfileStore) Get(ctx context.Context, uid string) (*models.UserProfile, error) {
	snap, err := s.client.Collection(s.collection).Doc(uid).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("profile %s: %w", uid, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read profile %s: %w", uid, err)
	}
	var profile models.UserProfile
	if err := snap.DataTo(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile %s: %w", uid, err)
	}
	profile.UID = uid
	return &profile, nil
}
