package models

import "time"

// Status is the processing state of a DocumentRecord.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusError      Status = "ERROR"
)

// DocumentRecord is the metadata record kept for every ingested object.
// It is keyed by DocumentID and overwritten on every new upload of the same key.
type DocumentRecord struct {
	DocumentID   string    `firestore:"documentId" json:"documentId"`
	Bucket       string    `firestore:"bucket" json:"bucket"`
	ObjectKey    string    `firestore:"objectKey" json:"objectKey"`
	StorageURI   string    `firestore:"storageUri" json:"storageUri"`
	CDNURL       string    `firestore:"cdnUrl" json:"cdnUrl"`
	SignedURL    string    `firestore:"signedUrl" json:"signedUrl"`
	Status       Status    `firestore:"status" json:"status"`
	ErrorDetails string    `firestore:"errorDetails,omitempty" json:"errorDetails,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt" json:"updatedAt"`
}
