package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const draftKeyPrefix = "intake:draft:" // intake:draft:{draft_id}

// DraftStore persists drafts so a page reload or server restart does
// not lose intake progress. Drafts expire after the TTL; an expired
// draft reads as not found.
type DraftStore interface {
	Save(ctx context.Context, d *Draft) error
	Get(ctx context.Context, id uuid.UUID) (*Draft, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type redisDraftStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDraftStore creates a redis-backed draft store.
func NewRedisDraftStore(client *redis.Client, ttl time.Duration) DraftStore {
	return &redisDraftStore{client: client, ttl: ttl}
}

func draftKey(id uuid.UUID) string {
	return draftKeyPrefix + id.String()
}

func (s *redisDraftStore) Save(ctx context.Context, d *Draft) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	if err := s.client.Set(ctx, draftKey(d.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *redisDraftStore) Get(ctx context.Context, id uuid.UUID) (*Draft, error) {
	data, err := s.client.Get(ctx, draftKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get draft: %w", err)
	}
	var d Draft
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("unmarshal draft: %w", err)
	}
	return &d, nil
}

func (s *redisDraftStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.client.Del(ctx, draftKey(id)).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}
