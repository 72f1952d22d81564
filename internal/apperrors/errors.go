// Package apperrors defines the error kinds shared by the ingestion pipeline.
// Callers wrap a kind together with the underlying cause, e.g.
//
//	fmt.Errorf("%w: creating record %s: %w", apperrors.ErrStoreWrite, id, err)
//
// so that both the kind and the cause match with errors.Is.
package apperrors

import (
	"errors"
)

var (
	// Startup errors. Nothing can be ingested while one of these is outstanding.
	ErrConfiguration   = errors.New("configuration error")
	ErrSecretRetrieval = errors.New("secret retrieval error")

	// Per-record errors.
	ErrMalformedEvent = errors.New("malformed event")
	ErrStoreWrite     = errors.New("metadata store write failed")
	ErrSigning        = errors.New("url signing failed")
	ErrDispatch       = errors.New("callback dispatch failed")
)

var kinds = []struct {
	err   error
	label string
}{
	{ErrConfiguration, "configuration"},
	{ErrSecretRetrieval, "secret_retrieval"},
	{ErrMalformedEvent, "malformed_event"},
	{ErrStoreWrite, "store_write"},
	{ErrSigning, "signing"},
	{ErrDispatch, "dispatch"},
}

// KindOf returns a short label for the first known kind err matches,
// "none" for a nil error and "internal" otherwise.
func KindOf(err error) string {
	if err == nil {
		return "none"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "internal"
}

// IsStartup reports whether err should abort the process rather than a single record.
func IsStartup(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrSecretRetrieval)
}
