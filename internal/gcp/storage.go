package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// maxSecretSize guards against reading an unexpectedly large object into memory.
const maxSecretSize = 64 << 10

// ErrSecretNotFound is returned when the named secret object does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// SecretStore reads secrets stored as objects in a dedicated Cloud Storage bucket.
type SecretStore struct {
	bucket *storage.BucketHandle
	name   string
}

// NewSecretStore returns a store reading from bucketName with the given client.
func NewSecretStore(client *storage.Client, bucketName string) *SecretStore {
	return &SecretStore{bucket: client.Bucket(bucketName), name: bucketName}
}

// GetSecret returns the raw bytes of the named secret.
func (s *SecretStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	reader, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", s.name, name, ErrSecretNotFound)
		}
		return nil, fmt.Errorf("failed to open secret gs://%s/%s: %w", s.name, name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, maxSecretSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read secret gs://%s/%s: %w", s.name, name, err)
	}
	if len(data) > maxSecretSize {
		return nil, fmt.Errorf("secret gs://%s/%s exceeds %d bytes", s.name, name, maxSecretSize)
	}
	slog.Info("Loaded secret from Cloud Storage.", "secretBucket", s.name, "secretName", name, "size", len(data))
	return data, nil
}

// IsPermanent reports whether retrying a secret read cannot help:
// missing objects and authorization failures.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrSecretNotFound) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound, http.StatusForbidden, http.StatusUnauthorized:
			return true
		}
	}
	return false
}
