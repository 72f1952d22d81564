package services

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Lllllllleong/docingest/internal/apperrors"
	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/store"
)

// IngestConfig holds all configuration for the ingestion function.
type IngestConfig struct {
	SigningKeyID         string
	CDNDomain            string
	CallbackURL          string
	MetadataTable        string
	NotificationTopic    string
	SigningKeySecretName string
	SecretsBucket        string
	KafkaBrokers         []string

	MetadataBackend string
	ProjectID       string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	PostgresDSN     string

	PushgatewayURL string

	SignedURLTTL    time.Duration
	CallbackTimeout time.Duration
	MaxConcurrency  int
}

// requiredEnv lists settings without which no record can be ingested.
var requiredEnv = []string{
	"SIGNING_KEY_ID",
	"CDN_DOMAIN",
	"CALLBACK_URL",
	"METADATA_TABLE_NAME",
	"NOTIFICATION_TOPIC",
	"SIGNING_KEY_SECRET_NAME",
	"SECRETS_BUCKET",
	"KAFKA_BROKERS",
}

// LoadConfig loads and validates the environment. Every missing required
// variable is reported in a single ErrConfiguration.
func LoadConfig() (*IngestConfig, error) {
	var missing []string
	for _, key := range requiredEnv {
		if strings.TrimSpace(gcp.GetEnv(key, "")) == "" {
			missing = append(missing, key)
		}
	}

	cfg := &IngestConfig{
		SigningKeyID:         gcp.GetEnv("SIGNING_KEY_ID", ""),
		CDNDomain:            normalizeDomain(gcp.GetEnv("CDN_DOMAIN", "")),
		CallbackURL:          gcp.GetEnv("CALLBACK_URL", ""),
		MetadataTable:        gcp.GetEnv("METADATA_TABLE_NAME", ""),
		NotificationTopic:    gcp.GetEnv("NOTIFICATION_TOPIC", ""),
		SigningKeySecretName: gcp.GetEnv("SIGNING_KEY_SECRET_NAME", ""),
		SecretsBucket:        gcp.GetEnv("SECRETS_BUCKET", ""),
		KafkaBrokers:         splitList(gcp.GetEnv("KAFKA_BROKERS", "")),
		MetadataBackend:      strings.ToLower(gcp.GetEnv("METADATA_BACKEND", store.BackendFirestore)),
		ProjectID:            gcp.GetEnv("PROJECT_ID", ""),
		RedisAddr:            gcp.GetEnv("REDIS_ADDR", ""),
		RedisPassword:        gcp.GetEnv("REDIS_PASSWORD", ""),
		PostgresDSN:          gcp.GetEnv("POSTGRES_DSN", ""),
		PushgatewayURL:       gcp.GetEnv("PUSHGATEWAY_URL", ""),
	}

	switch cfg.MetadataBackend {
	case store.BackendFirestore:
		if cfg.ProjectID == "" {
			missing = append(missing, "PROJECT_ID")
		}
	case store.BackendRedis:
		if cfg.RedisAddr == "" {
			missing = append(missing, "REDIS_ADDR")
		}
	case store.BackendPostgres:
		if cfg.PostgresDSN == "" {
			missing = append(missing, "POSTGRES_DSN")
		}
	default:
		return nil, fmt.Errorf("%w: unknown METADATA_BACKEND %q", apperrors.ErrConfiguration, cfg.MetadataBackend)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required environment variables: %s", apperrors.ErrConfiguration, strings.Join(missing, ", "))
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	ttlMinutes, err := intEnv("SIGNED_URL_TTL_MINUTES", 60)
	if err != nil {
		return nil, err
	}
	if ttlMinutes <= 0 {
		return nil, fmt.Errorf("%w: SIGNED_URL_TTL_MINUTES must be positive", apperrors.ErrConfiguration)
	}
	cfg.SignedURLTTL = time.Duration(ttlMinutes) * time.Minute

	if cfg.CallbackTimeout, err = durationEnv("CALLBACK_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrency, err = intEnv("MAX_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("%w: MAX_CONCURRENCY must be positive", apperrors.ErrConfiguration)
	}

	for key, raw := range map[string]string{"CALLBACK_URL": cfg.CallbackURL, "PUSHGATEWAY_URL": cfg.PushgatewayURL} {
		if key == "PUSHGATEWAY_URL" && raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: %s must be an absolute http(s) URL, got %q", apperrors.ErrConfiguration, key, raw)
		}
	}
	if !isBareHost(cfg.CDNDomain) {
		return nil, fmt.Errorf("%w: CDN_DOMAIN must be a host name without path, query or credentials, got %q", apperrors.ErrConfiguration, gcp.GetEnv("CDN_DOMAIN", ""))
	}
	return cfg, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", apperrors.ErrConfiguration, key, raw)
	}
	return v, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive duration, got %q", apperrors.ErrConfiguration, key, raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// isBareHost reports whether d is a host, optionally with a port, and nothing else.
func isBareHost(d string) bool {
	u, err := url.Parse("https://" + d)
	return err == nil && u.Host == d && u.Path == "" && u.RawQuery == "" && u.Fragment == "" && u.User == nil
}

// normalizeDomain accepts "cdn.example.com", "https://cdn.example.com/" and similar.
func normalizeDomain(raw string) string {
	d := strings.TrimSpace(raw)
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	return strings.TrimRight(d, "/")
}
