package services

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/Lllllllleong/docingest/internal/apperrors"
	"github.com/Lllllllleong/docingest/internal/models"
)

// Identity is everything derived from an event record before any state is written.
type Identity struct {
	DocumentID string
	Bucket     string
	ObjectKey  string
	StorageURI string
	CDNURL     string
}

// Identify derives the document identity from an event record. It is a pure
// function of the record and the CDN domain.
//
// S3-style keys arrive query-escaped ("%20" or "+" for a space) and are decoded;
// Cloud Storage object events carry the raw object name.
func Identify(rec models.EventRecord, cdnDomain string) (Identity, error) {
	if rec.Container == "" || rec.ObjectKey == "" {
		return Identity{}, fmt.Errorf("%w: event record is missing the bucket name or object key", apperrors.ErrMalformedEvent)
	}

	scheme := rec.Scheme
	if scheme == "" {
		scheme = models.SchemeS3
	}
	key := rec.ObjectKey
	if scheme == models.SchemeS3 {
		decoded, err := url.QueryUnescape(key)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: object key %q cannot be decoded: %w", apperrors.ErrMalformedEvent, key, err)
		}
		key = decoded
	}

	documentID, err := documentIDFromKey(key)
	if err != nil {
		return Identity{}, err
	}

	cdn := url.URL{Scheme: "https", Host: cdnDomain, Path: "/" + key}
	return Identity{
		DocumentID: documentID,
		Bucket:     rec.Container,
		ObjectKey:  key,
		StorageURI: fmt.Sprintf("%s://%s/%s", scheme, rec.Container, key),
		CDNURL:     cdn.String(),
	}, nil
}

// documentIDFromKey returns the trailing path segment without its final extension.
func documentIDFromKey(key string) (string, error) {
	if strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("%w: object key %q names a folder, not a file", apperrors.ErrMalformedEvent, key)
	}
	base := path.Base(key)
	id := strings.TrimSuffix(base, path.Ext(base))
	if id == "" || id == "." {
		return "", fmt.Errorf("%w: object key %q yields an empty document id", apperrors.ErrMalformedEvent, key)
	}
	return id, nil
}

// triggerEnvelope accepts both supported trigger layouts.
type triggerEnvelope struct {
	models.S3Event
	models.GCSEvent
}

// DecodeEvent turns a trigger payload into event records. It accepts an
// S3-notification batch ({"Records":[...]}) or a single Cloud Storage object
// event ({"bucket":..., "name":...}).
func DecodeEvent(data []byte) ([]models.EventRecord, error) {
	var env triggerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid event JSON: %w", apperrors.ErrMalformedEvent, err)
	}

	if len(env.Records) > 0 {
		records := make([]models.EventRecord, 0, len(env.Records))
		for _, r := range env.Records {
			records = append(records, models.EventRecord{
				Container: r.S3.Bucket.Name,
				ObjectKey: r.S3.Object.Key,
				Scheme:    models.SchemeS3,
			})
		}
		return records, nil
	}
	if env.Bucket != "" || env.Name != "" {
		return []models.EventRecord{{
			Container: env.Bucket,
			ObjectKey: env.Name,
			Scheme:    models.SchemeGCS,
		}}, nil
	}
	return nil, fmt.Errorf("%w: event contains no records", apperrors.ErrMalformedEvent)
}
