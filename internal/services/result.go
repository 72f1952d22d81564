package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Lllllllleong/docingest/internal/models"
)

// RecordResult is the outcome of one record. Status is the last status
// successfully written, empty if no record was ever created.
type RecordResult struct {
	DocumentID string
	Bucket     string
	ObjectKey  string
	Status     models.Status
	Err        error
}

// BatchResult holds one RecordResult per input record, in input order.
type BatchResult struct {
	Records []RecordResult
}

// Failed returns the records that ended with an error.
func (b BatchResult) Failed() []RecordResult {
	var failed []RecordResult
	for _, r := range b.Records {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Err joins every record error, or returns nil when all succeeded.
func (b BatchResult) Err() error {
	var errs []error
	for _, r := range b.Failed() {
		errs = append(errs, fmt.Errorf("%s/%s: %w", r.Bucket, r.ObjectKey, r.Err))
	}
	return errors.Join(errs...)
}

// Invocation reports 200 only when every record reached PROCESSED.
func (b BatchResult) Invocation() models.InvocationResult {
	failed := b.Failed()
	if len(failed) == 0 {
		return models.InvocationResult{
			StatusCode: http.StatusOK,
			Body:       models.InvocationBody{Status: "success"},
		}
	}
	parts := make([]string, 0, len(failed))
	for _, r := range failed {
		parts = append(parts, fmt.Sprintf("%s/%s: %v", r.Bucket, r.ObjectKey, r.Err))
	}
	return models.InvocationResult{
		StatusCode: http.StatusInternalServerError,
		Body: models.InvocationBody{
			Status:  "error",
			Message: fmt.Sprintf("%d of %d records failed: %s", len(failed), len(b.Records), strings.Join(parts, "; ")),
		},
	}
}

// FailedInvocation reports an invocation that could not process any record.
func FailedInvocation(err error) models.InvocationResult {
	return models.InvocationResult{
		StatusCode: http.StatusInternalServerError,
		Body:       models.InvocationBody{Status: "error", Message: err.Error()},
	}
}
