package models

import "time"

// Defaults written on every provisional record.
const (
	CategoryUnsorted = "Unsorted"
	AITagPending     = "Pending"
	AITagUnknown     = "Unknown"

	// CurrentSchemaVersion is stamped on every record written by this codebase.
	// Records without it predate the owner_uid rename.
	CurrentSchemaVersion = 1
)

// Firestore field paths of the documents collection. These names are the
// persisted contract read by exports and backups.
const (
	FieldOwnerUID       = "owner_uid"
	FieldLegacyOwnerUID = "ownerUid"
	FieldFileName       = "file_name"
	FieldCategory       = "category"
	FieldAITag          = "ai_tag"
	FieldICNumber       = "ic_number"
	FieldFileURL        = "file_url"
	FieldStoragePath    = "storage_path"
	FieldAIConfidence   = "ai_confidence"
	FieldAITextSnippet  = "ai_text_snippet"
	FieldUploadedAt     = "uploaded_at"
	FieldProcessedAt    = "processed_at"
	FieldSchemaVersion  = "schema_version"
	FieldIngestState    = "ingest_state"
	FieldFailedStep     = "failed_step"
	FieldErrorDetails   = "error_details"
	FieldFileHash       = "file_hash"
	FieldAttempts       = "attempts"
)

// IngestState is the last pipeline step a record completed.
type IngestState string

const (
	StateCreated   IngestState = "created"
	StateUploaded  IngestState = "uploaded"
	StateFinalized IngestState = "finalized"
)

// Step names a pipeline step that can fail.
type Step string

const (
	StepUpload   Step = "upload"
	StepClassify Step = "classify"
	StepFinalize Step = "finalize"
)

// Document is one entry of the documents collection, one per uploaded file.
// A record is visible from the moment it is created; an empty FileURL means
// the upload or classification has not completed yet.
type Document struct {
	ID             string     `firestore:"-" json:"id"`
	OwnerUID       string     `firestore:"owner_uid,omitempty" json:"owner_uid"`
	LegacyOwnerUID string     `firestore:"ownerUid,omitempty" json:"-"`
	FileName       string     `firestore:"file_name" json:"file_name"`
	Category       string     `firestore:"category" json:"category"`
	AITag          string     `firestore:"ai_tag" json:"ai_tag"`
	ICNumber       string     `firestore:"ic_number" json:"ic_number"`
	FileURL        string     `firestore:"file_url" json:"file_url"`
	StoragePath    string     `firestore:"storage_path" json:"storage_path"`
	AIConfidence   *float64   `firestore:"ai_confidence" json:"ai_confidence"`
	AITextSnippet  string     `firestore:"ai_text_snippet" json:"ai_text_snippet"`
	UploadedAt     time.Time  `firestore:"uploaded_at,serverTimestamp" json:"uploaded_at"`
	ProcessedAt    *time.Time `firestore:"processed_at,omitempty" json:"processed_at,omitempty"`

	SchemaVersion int         `firestore:"schema_version,omitempty" json:"schema_version,omitempty"`
	IngestState   IngestState `firestore:"ingest_state,omitempty" json:"ingest_state,omitempty"`
	FailedStep    Step        `firestore:"failed_step,omitempty" json:"failed_step,omitempty"`
	ErrorDetails  string      `firestore:"error_details,omitempty" json:"error_details,omitempty"`
	FileHash      string      `firestore:"file_hash,omitempty" json:"-"`
	ContentType   string      `firestore:"content_type,omitempty" json:"content_type,omitempty"`
	PageCount     int         `firestore:"page_count,omitempty" json:"page_count,omitempty"`
	Attempts      int         `firestore:"attempts,omitempty" json:"-"`
}

// Owner returns the owner identity regardless of which field name the record
// was written with.
func (d *Document) Owner() string {
	if d.OwnerUID != "" {
		return d.OwnerUID
	}
	return d.LegacyOwnerUID
}

// State derives the pipeline state, including for records written before
// ingest_state existed.
func (d *Document) State() IngestState {
	if d.IngestState != "" {
		return d.IngestState
	}
	switch {
	case d.ProcessedAt != nil && !d.ProcessedAt.IsZero():
		return StateFinalized
	case d.FileURL != "":
		return StateUploaded
	default:
		return StateCreated
	}
}

// IsProcessed reports whether the record has a fetchable file. Readers must
// treat an unprocessed record as in progress, never as corrupt.
func (d *Document) IsProcessed() bool {
	return d.FileURL != ""
}

// DisplayCategory is the category a reader should show: category, then
// ai_tag, then Unsorted.
func (d *Document) DisplayCategory() string {
	switch {
	case d.Category != "":
		return d.Category
	case d.AITag != "":
		return d.AITag
	default:
		return CategoryUnsorted
	}
}

// Finalization carries the fields written by the single finalizing update.
type Finalization struct {
	FileURL       string
	StoragePath   string
	Category      string
	AITag         string
	ICNumber      string
	AIConfidence  *float64
	AITextSnippet string
}

// NewFinalization maps a classification result onto record fields, applying
// the defaults for an absent label.
func NewFinalization(fileURL, storagePath string, res *ClassificationResult) Finalization {
	f := Finalization{
		FileURL:     fileURL,
		StoragePath: storagePath,
		Category:    CategoryUnsorted,
		AITag:       AITagUnknown,
	}
	if res == nil {
		return f
	}
	if res.Label != "" {
		f.Category = res.Label
		f.AITag = res.Label
	}
	f.ICNumber = res.ICNumber
	f.AIConfidence = res.Confidence
	f.AITextSnippet = res.TextSnippet
	return f
}
