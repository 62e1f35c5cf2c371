package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/models"
	"github.com/Lllllllleong/credentialvault/internal/session"
)

var jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00passport scan")

// onePagePDF renders a small PNG onto a single PDF page.
func onePagePDF(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.Black)
	}
	var pic bytes.Buffer
	if err := png.Encode(&pic, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	var out bytes.Buffer
	if err := api.ImportImages(nil, &out, []io.Reader{&pic}, nil, nil); err != nil {
		t.Fatalf("ImportImages: %v", err)
	}
	return out.Bytes()
}

func jpegWith(body string) []byte {
	return append([]byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), body...)
}

// memoryDocs mimics gcp.DocumentStore, including server timestamps.
type memoryDocs struct {
	mu      sync.Mutex
	docs    map[string]*models.Document
	nextID  int
	clock   time.Time
	listErr error

	finalizeErr error
	deleteErr   error
	migrateErr  map[string]error
}

func newMemoryDocs() *memoryDocs {
	return &memoryDocs{
		docs:  map[string]*models.Document{},
		clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memoryDocs) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memoryDocs) put(doc models.Document) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == "" {
		m.nextID++
		doc.ID = fmt.Sprintf("doc-%d", m.nextID)
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = m.tick()
	}
	m.docs[doc.ID] = &doc
	return doc.ID
}

func (m *memoryDocs) Create(ctx context.Context, doc *models.Document) (string, error) {
	c := *doc
	c.ID = ""
	c.UploadedAt = time.Time{}
	return m.put(c), nil
}

func (m *memoryDocs) Get(ctx context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	c := *doc
	return &c, nil
}

func (m *memoryDocs) mutate(id string, fn func(d *models.Document)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	fn(doc)
	return nil
}

func (m *memoryDocs) BeginAttempt(ctx context.Context, id string) error {
	return m.mutate(id, func(d *models.Document) {
		d.Attempts++
		d.FailedStep = ""
		d.ErrorDetails = ""
	})
}

func (m *memoryDocs) MarkUploaded(ctx context.Context, id, fileURL, storagePath string) error {
	return m.mutate(id, func(d *models.Document) {
		d.FileURL = fileURL
		d.StoragePath = storagePath
		d.IngestState = models.StateUploaded
	})
}

func (m *memoryDocs) Finalize(ctx context.Context, id string, f models.Finalization) error {
	if m.finalizeErr != nil {
		return m.finalizeErr
	}
	return m.mutate(id, func(d *models.Document) {
		now := m.tick()
		d.FileURL = f.FileURL
		d.StoragePath = f.StoragePath
		d.Category = f.Category
		d.AITag = f.AITag
		d.ICNumber = f.ICNumber
		d.AIConfidence = f.AIConfidence
		d.AITextSnippet = f.AITextSnippet
		d.ProcessedAt = &now
		d.IngestState = models.StateFinalized
		d.FailedStep = ""
		d.ErrorDetails = ""
	})
}

func (m *memoryDocs) RecordFailure(ctx context.Context, id string, step models.Step, details string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.mutate(id, func(d *models.Document) {
		d.FailedStep = step
		d.ErrorDetails = details
	})
}

func (m *memoryDocs) Delete(ctx context.Context, id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *memoryDocs) ListByOwner(ctx context.Context, ownerField, uid string, limit int) ([]models.Document, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Document
	for _, d := range m.docs {
		owner := d.OwnerUID
		if ownerField == models.FieldLegacyOwnerUID {
			owner = d.LegacyOwnerUID
		}
		if owner == uid {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryDocs) FindByHash(ctx context.Context, uid, fileHash string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.OwnerUID == uid && d.FileHash == fileHash {
			c := *d
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memoryDocs) ListLegacy(ctx context.Context) ([]models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Document
	for _, d := range m.docs {
		if d.LegacyOwnerUID != "" {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memoryDocs) MigrateLegacy(ctx context.Context, doc *models.Document) error {
	if err := m.migrateErr[doc.ID]; err != nil {
		return err
	}
	return m.mutate(doc.ID, func(d *models.Document) {
		d.OwnerUID = doc.Owner()
		d.LegacyOwnerUID = ""
		d.SchemaVersion = models.CurrentSchemaVersion
		d.IngestState = doc.State()
		if d.Category == "" {
			d.Category = doc.DisplayCategory()
		}
		if d.AITag == "" {
			d.AITag = models.AITagUnknown
		}
	})
}

func (m *memoryDocs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// memoryObjects mimics an object store. writeFailures makes the first n
// writes fail.
type memoryObjects struct {
	mu            sync.Mutex
	blobs         map[string][]byte
	writes        int
	writeFailures int
	writeErr      error
	deleteErr     error
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{blobs: map[string][]byte{}}
}

func (m *memoryObjects) Write(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writeErr != nil {
		return "", m.writeErr
	}
	if m.writeFailures > 0 {
		m.writeFailures--
		return "", fmt.Errorf("transient write failure")
	}
	if _, exists := m.blobs[path]; !exists {
		m.blobs[path] = append([]byte(nil), data...)
	}
	return "https://storage.test/" + path, nil
}

func (m *memoryObjects) Read(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[path]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", path, apperr.ErrNotFound)
	}
	return data, nil
}

func (m *memoryObjects) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.blobs[path]; !ok {
		return fmt.Errorf("object %s: %w", path, apperr.ErrNotFound)
	}
	delete(m.blobs, path)
	return nil
}

func (m *memoryObjects) has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[path]
	return ok
}

type stubClassifier struct {
	mu    sync.Mutex
	calls int
	seen  [][]byte
	fn    func(ctx context.Context, call int) (*models.ClassificationResult, error)
}

func (s *stubClassifier) Classify(ctx context.Context, fileName, contentType string, data []byte) (*models.ClassificationResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.seen = append(s.seen, data)
	s.mu.Unlock()
	return s.fn(ctx, call)
}

func labelled(label string, confidence float64) *stubClassifier {
	return &stubClassifier{fn: func(ctx context.Context, call int) (*models.ClassificationResult, error) {
		return &models.ClassificationResult{Label: label, Confidence: &confidence}, nil
	}}
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingScheduler) ScheduleResume(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, documentID)
	return nil
}

type memoryProfiles struct {
	mu       sync.Mutex
	profiles map[string]models.UserProfile
	err      error
}

func newMemoryProfiles() *memoryProfiles {
	return &memoryProfiles{profiles: map[string]models.UserProfile{}}
}

func (m *memoryProfiles) Ensure(ctx context.Context, p *models.UserProfile) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.UID]; ok {
		return false, nil
	}
	m.profiles[p.UID] = *p
	return true, nil
}

func (m *memoryProfiles) Get(ctx context.Context, uid string) (*models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[uid]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", uid, apperr.ErrNotFound)
	}
	return &p, nil
}

type memoryChallenges struct {
	mu         sync.Mutex
	challenges map[string]models.OTPChallenge
	attempts   map[string]int64
}

func newMemoryChallenges() *memoryChallenges {
	return &memoryChallenges{challenges: map[string]models.OTPChallenge{}, attempts: map[string]int64{}}
}

func (m *memoryChallenges) SaveChallenge(ctx context.Context, ch *models.OTPChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[ch.VerificationID] = *ch
	return nil
}

func (m *memoryChallenges) GetChallenge(ctx context.Context, id string) (*models.OTPChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	if !ok {
		return nil, fmt.Errorf("challenge %s: %w", id, apperr.ErrNotFound)
	}
	return &ch, nil
}

func (m *memoryChallenges) IncrementAttempts(ctx context.Context, id string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[id]++
	return m.attempts[id], nil
}

func (m *memoryChallenges) DeleteChallenge(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.challenges, id)
	delete(m.attempts, id)
	return nil
}

type capturingSender struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (c *capturingSender) SendCode(ctx context.Context, phone, code string) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codes == nil {
		c.codes = map[string]string{}
	}
	c.codes[phone] = code
	return nil
}

type stubVerifier struct {
	calls  int
	result *models.VerificationResult
	err    error
}

func (s *stubVerifier) VerifyIdentity(ctx context.Context, icNumber string, icImage, selfie []byte) (*models.VerificationResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type memoryRevocations struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (m *memoryRevocations) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids == nil {
		m.ids = map[string]bool{}
	}
	m.ids[tokenID] = true
	return nil
}

func (m *memoryRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[tokenID], nil
}

func userSession(uid string) *session.Session {
	return &session.Session{ID: "sess-" + uid, UID: uid, Provider: session.ProviderPhone}
}

func fastIngestionConfig() IngestionConfig {
	return IngestionConfig{
		StepTimeout:    time.Second,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	}
}
