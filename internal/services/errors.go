package services

import (
	"errors"
	"fmt"

	"github.com/Lllllllleong/credentialvault/internal/models"
)

// StepError reports which pipeline step failed. The record keeps whatever
// the earlier steps wrote.
type StepError struct {
	DocumentID string
	Step       models.Step
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("ingestion of %s failed at %s: %v", e.DocumentID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the step err failed at, or "" if err is not a StepError.
func FailedStep(err error) models.Step {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

// DeleteStage is the part of a deletion that failed.
type DeleteStage string

const (
	DeleteStageBlob     DeleteStage = "blob"
	DeleteStageMetadata DeleteStage = "metadata"
)

// DeleteError is returned by DeleteDocument. A blob failure leaves the record
// untouched; a metadata failure happens after the blob is already gone.
type DeleteError struct {
	DocumentID string
	Stage      DeleteStage
	Err        error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("delete of %s failed at %s stage: %v", e.DocumentID, e.Stage, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }
