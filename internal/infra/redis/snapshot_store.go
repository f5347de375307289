package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"quizlive/internal/domain"
)

const snapshotPrefix = "quiz:room:"

// SnapshotStore keeps session snapshots in Redis, one string key per room.
// A TTL, when set, bounds how long an abandoned snapshot can outlive its room
// if the process never gets to delete it.
type SnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSnapshotStore(client *redis.Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{client: client, ttl: ttl}
}

func (s *SnapshotStore) Put(ctx context.Context, code string, blob []byte) error {
	return s.client.Set(ctx, s.key(code), blob, s.ttl).Err()
}

func (s *SnapshotStore) Get(ctx context.Context, code string) ([]byte, error) {
	blob, err := s.client.Get(ctx, s.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSnapshotNotFound
	}
	return blob, err
}

func (s *SnapshotStore) Delete(ctx context.Context, code string) error {
	return s.client.Del(ctx, s.key(code)).Err()
}

func (s *SnapshotStore) Keys(ctx context.Context) ([]string, error) {
	var codes []string
	iter := s.client.Scan(ctx, 0, snapshotPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		codes = append(codes, strings.TrimPrefix(iter.Val(), snapshotPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *SnapshotStore) key(code string) string {
	return snapshotPrefix + code
}
