package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/docingest/internal/apperrors"
	"github.com/Lllllllleong/docingest/internal/callback"
	"github.com/Lllllllleong/docingest/internal/metrics"
	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/signer"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Notification text published for every signed upload.
const (
	NotificationSubject = "New Document Uploaded"

	// terminalWriteTimeout bounds the final status write, which runs even if
	// the invocation context is cancelled after dispatch.
	terminalWriteTimeout = 10 * time.Second

	metricsPushTimeout = 5 * time.Second
)

// MetadataStore is the write-only view of the record store used by the workflow.
type MetadataStore interface {
	Create(ctx context.Context, rec models.DocumentRecord) error
	SetStatus(ctx context.Context, documentID string, status models.Status, details string) error
	SetSignedURL(ctx context.Context, documentID, signedURL string) error
}

// Notifier publishes ingestion events. Failures are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, subject, message string) error
}

// Dispatcher delivers results to the downstream callback service.
type Dispatcher interface {
	Dispatch(ctx context.Context, endpoint string, payload models.CallbackPayload, timeout time.Duration) (int, error)
}

// SecretStore reads the signing key at startup.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) ([]byte, error)
}

// MetricsPusher ships the collected metrics after every invocation.
type MetricsPusher interface {
	Push(ctx context.Context) error
}

type urlSigner interface {
	Sign(rawURL string, ttl time.Duration) (string, error)
}

// Dependencies are the collaborators built once per process.
type Dependencies struct {
	Store      MetadataStore
	Notifier   Notifier
	Dispatcher Dispatcher
	Secrets    SecretStore
	Metrics    *metrics.Metrics
	// Pusher is optional; nil leaves metrics to the scrape endpoint.
	Pusher MetricsPusher
}

// IngestFunction coordinates the per-record ingestion workflow.
type IngestFunction struct {
	deps   Dependencies
	signer urlSigner
	config IngestConfig
	logger *slog.Logger
	now    func() time.Time
}

// New validates deps, loads the signing key and returns a ready function.
// Any error here is fatal: no event can be ingested without the key.
func New(ctx context.Context, cfg IngestConfig, deps Dependencies) (*IngestFunction, error) {
	if deps.Store == nil || deps.Notifier == nil || deps.Dispatcher == nil || deps.Secrets == nil {
		return nil, fmt.Errorf("%w: store, notifier, dispatcher and secret store are all required", apperrors.ErrConfiguration)
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}

	pemKey, err := loadSigningKey(ctx, deps.Secrets, cfg.SigningKeySecretName)
	if err != nil {
		return nil, err
	}
	s, err := signer.New(cfg.SigningKeyID, pemKey)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing signing key %s: %w", apperrors.ErrConfiguration, cfg.SigningKeySecretName, err)
	}

	f := &IngestFunction{
		deps:   deps,
		signer: s,
		config: cfg,
		logger: slog.Default().With("component", "ingest"),
		now:    time.Now,
	}
	f.logger.Info("Ingest logic initialized.", "callbackUrl", cfg.CallbackURL, "maxConcurrency", cfg.MaxConcurrency)
	return f, nil
}

// Handle decodes a trigger payload and processes every record in it.
func (f *IngestFunction) Handle(ctx context.Context, data []byte) models.InvocationResult {
	defer f.pushMetrics(ctx)

	records, err := DecodeEvent(data)
	if err != nil {
		f.logger.Error("Failed to decode event.", "error", err, "data", truncate(string(data), 1024))
		f.deps.Metrics.BatchesTotal.WithLabelValues("error").Inc()
		return FailedInvocation(err)
	}
	return f.ProcessBatch(ctx, records).Invocation()
}

// ProcessBatch runs every record independently, bounded by MaxConcurrency.
// A failing record never prevents the others from being processed.
func (f *IngestFunction) ProcessBatch(ctx context.Context, records []models.EventRecord) BatchResult {
	f.logger.Info("Processing batch.", "recordCount", len(records))
	results := make([]RecordResult, len(records))

	var g errgroup.Group
	g.SetLimit(f.config.MaxConcurrency)
	for i, rec := range records {
		g.Go(func() error {
			results[i] = f.ProcessRecord(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	batch := BatchResult{Records: results}
	failed := len(batch.Failed())
	status := "success"
	if failed > 0 {
		status = "error"
	}
	f.deps.Metrics.BatchesTotal.WithLabelValues(status).Inc()
	f.logger.Info("Batch complete.", "recordCount", len(records), "failedCount", failed)
	return batch
}

// ProcessRecord drives one record through
// RECEIVED → IDENTIFIED → RECORDED → SIGNED → NOTIFIED → DISPATCHED → PROCESSED|ERROR.
func (f *IngestFunction) ProcessRecord(ctx context.Context, rec models.EventRecord) (res RecordResult) {
	res = RecordResult{Bucket: rec.Container, ObjectKey: rec.ObjectKey}
	defer func() {
		outcome := "success"
		if res.Err != nil {
			outcome = apperrors.KindOf(res.Err)
		}
		f.deps.Metrics.RecordsTotal.WithLabelValues(outcome).Inc()
	}()
	logCtx := f.logger.With("bucket", rec.Container, "objectKey", rec.ObjectKey)

	id, err := Identify(rec, f.config.CDNDomain)
	if err != nil {
		logCtx.Warn("Abandoning malformed event record.", "error", err)
		res.Err = err
		return res
	}
	res.DocumentID, res.ObjectKey = id.DocumentID, id.ObjectKey
	logCtx = f.logger.With("bucket", id.Bucket, "objectKey", id.ObjectKey, "documentId", id.DocumentID)

	now := f.now()
	record := models.DocumentRecord{
		DocumentID: id.DocumentID,
		Bucket:     id.Bucket,
		ObjectKey:  id.ObjectKey,
		StorageURI: id.StorageURI,
		CDNURL:     id.CDNURL,
		Status:     models.StatusProcessing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := f.deps.Store.Create(ctx, record); err != nil {
		logCtx.Error("Failed to create metadata record.", "error", err)
		res.Err = err
		return res
	}
	res.Status = models.StatusProcessing
	logCtx.Info("Created metadata record.", "storageUri", id.StorageURI)

	signedURL, err := f.signer.Sign(id.CDNURL, f.config.SignedURLTTL)
	if err != nil {
		res.Status, res.Err = f.handleError(ctx, logCtx, id.DocumentID, "failed to sign url", err)
		return res
	}
	if err := f.deps.Store.SetSignedURL(ctx, id.DocumentID, signedURL); err != nil {
		res.Status, res.Err = f.handleError(ctx, logCtx, id.DocumentID, "failed to record signed url", err)
		return res
	}

	f.notify(ctx, logCtx, id)

	payload := models.CallbackPayload{
		DocumentID: id.DocumentID,
		StorageURI: id.StorageURI,
		SignedURL:  signedURL,
	}
	start := time.Now()
	code, err := f.deps.Dispatcher.Dispatch(ctx, f.config.CallbackURL, payload, f.config.CallbackTimeout)
	dispatchResult := "ok"
	var dispatchErr *callback.DispatchError
	if errors.As(err, &dispatchErr) {
		dispatchResult = dispatchErr.Kind.String()
	} else if err != nil {
		dispatchResult = "error"
	}
	f.deps.Metrics.DispatchDuration.WithLabelValues(dispatchResult).Observe(time.Since(start).Seconds())
	if err != nil {
		res.Status, res.Err = f.handleError(ctx, logCtx, id.DocumentID, "callback dispatch failed", err)
		return res
	}

	if err := f.setStatus(ctx, id.DocumentID, models.StatusProcessed, ""); err != nil {
		logCtx.Error("Callback succeeded but the PROCESSED status could not be written.", "statusCode", code, "error", err)
		res.Err = err
		return res
	}
	res.Status = models.StatusProcessed
	logCtx.Info("Document processed.", "statusCode", code)
	return res
}

// notify is best-effort: its outcome never alters the record.
func (f *IngestFunction) notify(ctx context.Context, logCtx *slog.Logger, id Identity) {
	message := fmt.Sprintf("Document uploaded: %s in bucket %s", id.ObjectKey, id.Bucket)
	if err := f.deps.Notifier.Notify(ctx, NotificationSubject, message); err != nil {
		f.deps.Metrics.NotificationFailures.Inc()
		logCtx.Warn("Notification failed; continuing.", "error", err)
		return
	}
	logCtx.Info("Notification published.")
}

// handleError moves the record to ERROR and returns the error to report.
// The status write keeps its own deadline even if ctx is already cancelled.
func (f *IngestFunction) handleError(ctx context.Context, logCtx *slog.Logger, documentID, message string, cause error) (models.Status, error) {
	fullErr := fmt.Errorf("%s: %w", message, cause)
	logCtx.Error(message, "error", cause)
	if err := f.setStatus(ctx, documentID, models.StatusError, fullErr.Error()); err != nil {
		logCtx.Error("CRITICAL: Failed to update status to ERROR after a processing error.", "updateError", err)
		return models.StatusProcessing, errors.Join(fullErr, err)
	}
	return models.StatusError, fullErr
}

func (f *IngestFunction) setStatus(ctx context.Context, documentID string, status models.Status, details string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	err := f.deps.Store.SetStatus(ctx, documentID, status, details)
	result := "ok"
	if err != nil {
		result = "error"
	}
	f.deps.Metrics.StatusTransitionsTotal.WithLabelValues(string(status), result).Inc()
	return err
}

func (f *IngestFunction) pushMetrics(ctx context.Context) {
	if f.deps.Pusher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsPushTimeout)
	defer cancel()
	if err := f.deps.Pusher.Push(ctx); err != nil {
		f.logger.Warn("Failed to push metrics.", "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
