package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const caseKeyPrefix = "presence:case:" // hash per case: field user_id -> ActiveUser JSON

// Store persists presence entries. The redis implementation is the real
// one; tests may substitute their own.
type Store interface {
	Upsert(ctx context.Context, caseID string, u ActiveUser) error
	Remove(ctx context.Context, caseID, userID string) (bool, error)
	List(ctx context.Context, caseID string) ([]ActiveUser, error)
	Cases(ctx context.Context) ([]string, error)
}

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a redis-backed presence store. The hash for a
// case expires at 2x the presence TTL so abandoned cases clean up even
// if the sweep never runs.
func NewRedisStore(client *redis.Client, ttl time.Duration) Store {
	return &redisStore{client: client, ttl: ttl}
}

func caseKey(caseID string) string {
	return caseKeyPrefix + caseID
}

func (s *redisStore) Upsert(ctx context.Context, caseID string, u ActiveUser) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}

	key := caseKey(caseID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, u.UserID, data)
	pipe.Expire(ctx, key, 2*s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert presence entry: %w", err)
	}
	return nil
}

func (s *redisStore) Remove(ctx context.Context, caseID, userID string) (bool, error) {
	n, err := s.client.HDel(ctx, caseKey(caseID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("remove presence entry: %w", err)
	}
	return n > 0, nil
}

func (s *redisStore) List(ctx context.Context, caseID string) ([]ActiveUser, error) {
	fields, err := s.client.HGetAll(ctx, caseKey(caseID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence entries: %w", err)
	}

	users := make([]ActiveUser, 0, len(fields))
	for _, raw := range fields {
		var u ActiveUser
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			// A corrupt entry should not hide everyone else.
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *redisStore) Cases(ctx context.Context) ([]string, error) {
	var caseIDs []string
	iter := s.client.Scan(ctx, 0, caseKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		caseIDs = append(caseIDs, strings.TrimPrefix(iter.Val(), caseKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	return caseIDs, nil
}
