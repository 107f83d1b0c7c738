package uploads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stevedoreapi "spyglass/pkg/api/stevedore"
	"spyglass/pkg/logging"
	pkgredis "spyglass/pkg/redis"

	goredis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "stevedore:upload:"
	statusChannel = "stevedore:status"
)

// RedisStore keeps upload records as JSON values with a TTL and
// broadcasts every status transition on a pubsub channel so peer
// replicas can drop their cached views.
type RedisStore struct {
	client goredis.UniversalClient
	pubsub *pkgredis.TypedPubSub[stevedoreapi.StatusEvent]
	ttl    time.Duration
	logger logging.Logger
}

func NewRedisStore(client goredis.UniversalClient, ttl time.Duration, logger logging.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RedisStore{
		client: client,
		pubsub: pkgredis.NewTypedPubSub[stevedoreapi.StatusEvent](client, logger),
		ttl:    ttl,
		logger: logger,
	}
}

func (s *RedisStore) key(uploadID string) string {
	return keyPrefix + uploadID
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal upload record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.UploadID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("store upload record: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, uploadID string) (Record, error) {
	data, err := s.client.Get(ctx, s.key(uploadID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load upload record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode upload record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, uploadID string, status stevedoreapi.UploadStatus, errMsg string) (Record, error) {
	rec, err := s.Get(ctx, uploadID)
	if err != nil {
		return Record{}, err
	}
	rec.Status = status
	rec.Error = errMsg
	rec.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal upload record: %w", err)
	}
	// KeepTTL: a status change must not stretch the record's lifetime.
	if err := s.client.Set(ctx, s.key(uploadID), payload, goredis.KeepTTL).Err(); err != nil {
		return Record{}, fmt.Errorf("store upload record: %w", err)
	}

	event := stevedoreapi.StatusEvent{UploadID: uploadID, Status: status, At: rec.UpdatedAt}
	if err := s.pubsub.Publish(ctx, statusChannel, event); err != nil {
		s.logger.WithError(err).WithField("upload_id", uploadID).Warn("Failed to broadcast status event")
	}
	return rec, nil
}

// SubscribeStatus delivers peer status transitions to handler until ctx
// ends. Events published by this replica are delivered too; handlers
// must tolerate their own echoes.
func (s *RedisStore) SubscribeStatus(ctx context.Context, handler func(stevedoreapi.StatusEvent)) error {
	return s.pubsub.Subscribe(ctx, statusChannel, handler)
}
