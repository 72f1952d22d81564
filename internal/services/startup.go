package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/docingest/internal/apperrors"
	"github.com/Lllllllleong/docingest/internal/callback"
	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/metrics"
	"github.com/Lllllllleong/docingest/internal/notify"
	"github.com/Lllllllleong/docingest/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Overridden in tests.
var (
	keyLoadAttempts = 3
	keyLoadBackoff  = 500 * time.Millisecond
)

// NewFromEnv builds every client from the environment and returns a ready
// IngestFunction. It is called once per process.
func NewFromEnv(ctx context.Context) (*IngestFunction, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}

	metadataStore, err := newMetadataStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	notifier, err := notify.NewKafka(cfg.KafkaBrokers, cfg.NotificationTopic)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfiguration, err)
	}

	deps := Dependencies{
		Store:      metadataStore,
		Notifier:   notifier,
		Dispatcher: callback.New(nil),
		Secrets:    gcp.NewSecretStore(storageClient, cfg.SecretsBucket),
		Metrics:    metrics.New(prometheus.DefaultRegisterer),
	}
	if cfg.PushgatewayURL != "" {
		instance, err := os.Hostname()
		if err != nil || instance == "" {
			instance = "unknown"
		}
		deps.Pusher = metrics.NewPusher(cfg.PushgatewayURL, instance, prometheus.DefaultGatherer)
	}

	f, err := New(ctx, *cfg, deps)
	if err != nil {
		if cerr := notifier.Close(); cerr != nil {
			slog.Warn("Failed to close notifier after startup failure.", "error", cerr)
		}
		return nil, err
	}
	return f, nil
}

func newMetadataStore(ctx context.Context, cfg *IngestConfig) (MetadataStore, error) {
	switch cfg.MetadataBackend {
	case store.BackendRedis:
		rdb, err := store.NewRedisClient(ctx, store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		return store.NewRedis(rdb, cfg.MetadataTable), nil

	case store.BackendPostgres:
		db, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgres(db, cfg.MetadataTable)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return pg, nil

	default:
		client, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		return store.NewFirestore(client, cfg.MetadataTable), nil
	}
}

// loadSigningKey reads the PEM key, retrying transient failures with a
// doubling backoff. Missing or forbidden secrets fail immediately.
func loadSigningKey(ctx context.Context, secrets SecretStore, name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: signing key secret name is empty", apperrors.ErrConfiguration)
	}

	backoff := keyLoadBackoff
	var lastErr error
	for attempt := 1; attempt <= keyLoadAttempts; attempt++ {
		key, err := secrets.GetSecret(ctx, name)
		if err == nil {
			if len(key) == 0 {
				return nil, fmt.Errorf("%w: secret %s is empty", apperrors.ErrSecretRetrieval, name)
			}
			return key, nil
		}
		lastErr = err
		if gcp.IsPermanent(err) || attempt == keyLoadAttempts {
			break
		}
		slog.Warn("Signing key load failed, retrying.", "secretName", name, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: loading %s: %w", apperrors.ErrSecretRetrieval, name, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: loading %s: %w", apperrors.ErrSecretRetrieval, name, lastErr)
}
