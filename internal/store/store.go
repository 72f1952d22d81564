// Package store persists DocumentRecords. Every backend offers the same two
// write primitives: a full overwrite keyed by document ID and partial updates
// of an existing record. Nothing in the ingestion path reads records back.
package store

import (
	"errors"
	"fmt"

	"github.com/Lllllllleong/docingest/internal/apperrors"
)

// ErrRecordNotFound is wrapped when a partial update targets a missing record.
var ErrRecordNotFound = errors.New("record not found")

// Backend names accepted by METADATA_BACKEND.
const (
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
)

func writeErr(op, documentID string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", apperrors.ErrStoreWrite, op, documentID, err)
}
