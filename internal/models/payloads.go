package models

// These structs define the JSON payloads exchanged with the trigger source
// and the downstream callback service.

// Storage URI schemes attached to incoming records.
const (
	SchemeS3  = "s3"
	SchemeGCS = "gs"
)

// EventRecord describes one stored object taken from a trigger batch.
// ObjectKey is kept exactly as delivered and may still be percent-escaped.
type EventRecord struct {
	Container string
	ObjectKey string
	Scheme    string
}

// S3Event is a storage notification batch in the S3 "Records" layout.
type S3Event struct {
	Records []S3EventRecord `json:"Records"`
}

// S3EventRecord is one entry of an S3Event.
type S3EventRecord struct {
	EventName string   `json:"eventName,omitempty"`
	S3        S3Entity `json:"s3"`
}

type S3Entity struct {
	Bucket struct {
		Name string `json:"name"`
	} `json:"bucket"`
	Object struct {
		Key  string `json:"key"`
		Size int64  `json:"size,omitempty"`
	} `json:"object"`
}

// GCSEvent is the data payload of a Cloud Storage object CloudEvent.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// CallbackPayload is the body POSTed to the downstream callback endpoint.
type CallbackPayload struct {
	DocumentID string `json:"file_hash"`
	StorageURI string `json:"s3_uri"`
	SignedURL  string `json:"cdn_url"`
}

// NotificationMessage is the value published to the notification topic.
type NotificationMessage struct {
	Subject     string `json:"subject"`
	Message     string `json:"message"`
	PublishedAt string `json:"publishedAt"`
}

// InvocationResult is what one invocation reports back to its trigger.
type InvocationResult struct {
	StatusCode int            `json:"statusCode"`
	Body       InvocationBody `json:"body"`
}

type InvocationBody struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
