package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase/gateway"
)

const processingMarker = "processing"

// IdempotencyStore implements gateway.IdempotencyStore using Redis.
type IdempotencyStore struct {
	client *redis.Client
	prefix string
}

// NewIdempotencyStore creates a new IdempotencyStore.
func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{
		client: client,
		prefix: "idempotency:",
	}
}

// Claim reserves key with a placeholder. A stored response is returned as is.
func (s *IdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (*gateway.CachedResponse, error) {
	fullKey := s.prefix + key

	set, err := s.client.SetNX(ctx, fullKey, processingMarker, ttl).Result()
	if err != nil {
		return nil, err
	}
	if set {
		return nil, nil
	}

	existing, err := s.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		set, err = s.client.SetNX(ctx, fullKey, processingMarker, ttl).Result()
		if err != nil {
			return nil, err
		}
		if set {
			return nil, nil
		}
		return nil, domain.ErrRequestInFlight
	}
	if err != nil {
		return nil, err
	}
	if string(existing) == processingMarker {
		return nil, domain.ErrRequestInFlight
	}

	var resp gateway.CachedResponse
	if err := json.Unmarshal(existing, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response %q: %w", key, err)
	}
	return &resp, nil
}

// Store replaces the placeholder with the final response.
func (s *IdempotencyStore) Store(ctx context.Context, key string, resp gateway.CachedResponse, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, raw, ttl).Err()
}

// Release drops the claim so the request can be retried.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
