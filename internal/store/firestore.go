package store

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/docingest/internal/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore keeps one document per record in a collection named after the metadata table.
type Firestore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

func NewFirestore(client *firestore.Client, collection string) *Firestore {
	return &Firestore{client: client, collection: collection, now: time.Now}
}

func (s *Firestore) doc(documentID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(documentID)
}

// Create overwrites the document with rec.
func (s *Firestore) Create(ctx context.Context, rec models.DocumentRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if _, err := s.doc(rec.DocumentID).Set(ctx, rec); err != nil {
		return writeErr("creating record", rec.DocumentID, err)
	}
	return nil
}

// SetStatus updates status, errorDetails and updatedAt of an existing document.
// Empty details remove any previous error text.
func (s *Firestore) SetStatus(ctx context.Context, documentID string, st models.Status, details string) error {
	updates := []firestore.Update{
		{Path: "status", Value: string(st)},
		{Path: "updatedAt", Value: s.now()},
	}
	if details != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: details})
	} else {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: firestore.Delete})
	}
	return s.update(ctx, "setting status on", documentID, updates)
}

// SetSignedURL records the signed URL issued for the current attempt.
func (s *Firestore) SetSignedURL(ctx context.Context, documentID, signedURL string) error {
	updates := []firestore.Update{
		{Path: "signedUrl", Value: signedURL},
		{Path: "updatedAt", Value: s.now()},
	}
	return s.update(ctx, "setting signed url on", documentID, updates)
}

func (s *Firestore) update(ctx context.Context, op, documentID string, updates []firestore.Update) error {
	if _, err := s.doc(documentID).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return writeErr(op, documentID, ErrRecordNotFound)
		}
		return writeErr(op, documentID, err)
	}
	return nil
}
