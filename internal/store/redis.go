package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/redis/go-redis/v9"
)

// updateExisting applies HSET only when the hash already exists, atomically.
var updateExisting = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// Redis keeps one hash per record at "<prefix>:<document id>".
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisConfig holds connection settings for NewRedisClient.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and verifies the connection with a PING.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *Redis) key(documentID string) string {
	return s.prefix + ":" + documentID
}

// Create replaces the whole hash in one transaction.
func (s *Redis) Create(ctx context.Context, rec models.DocumentRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	key := s.key(rec.DocumentID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, recordFields(rec))
		return nil
	})
	if err != nil {
		return writeErr("creating record", rec.DocumentID, err)
	}
	return nil
}

func (s *Redis) SetStatus(ctx context.Context, documentID string, st models.Status, details string) error {
	return s.update(ctx, "setting status on", documentID,
		"status", string(st),
		"errorDetails", details,
		"updatedAt", formatTime(s.now()),
	)
}

func (s *Redis) SetSignedURL(ctx context.Context, documentID, signedURL string) error {
	return s.update(ctx, "setting signed url on", documentID,
		"signedUrl", signedURL,
		"updatedAt", formatTime(s.now()),
	)
}

func (s *Redis) update(ctx context.Context, op, documentID string, fieldValues ...any) error {
	applied, err := updateExisting.Run(ctx, s.rdb, []string{s.key(documentID)}, fieldValues...).Int()
	if err != nil {
		return writeErr(op, documentID, err)
	}
	if applied == 0 {
		return writeErr(op, documentID, ErrRecordNotFound)
	}
	return nil
}

func recordFields(rec models.DocumentRecord) map[string]any {
	return map[string]any{
		"documentId":   rec.DocumentID,
		"bucket":       rec.Bucket,
		"objectKey":    rec.ObjectKey,
		"storageUri":   rec.StorageURI,
		"cdnUrl":       rec.CDNURL,
		"signedUrl":    rec.SignedURL,
		"status":       string(rec.Status),
		"errorDetails": rec.ErrorDetails,
		"createdAt":    formatTime(rec.CreatedAt),
		"updatedAt":    formatTime(rec.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
