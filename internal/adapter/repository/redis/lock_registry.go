package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/iho/offledger/internal/domain"
)

const deviceTokenLen = 32

// releaseScript deletes a lock only when its value starts with the caller's
// token. Returns 1 on delete, 0 when the key is missing, -1 when held by
// someone else.
var releaseScript = redis.NewScript(`
local v = redis.call("get", KEYS[1])
if not v then
	return 0
end
if string.sub(v, 1, tonumber(ARGV[2])) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return -1
`)

// LockRegistry implements gateway.LockRegistry on Redis. Each lock is one
// key whose value is the device token followed by the JSON lock.
type LockRegistry struct {
	client *redis.Client
	locker *redislock.Client
	prefix string
}

// NewLockRegistry creates a new LockRegistry.
func NewLockRegistry(client *redis.Client) *LockRegistry {
	return &LockRegistry{
		client: client,
		locker: redislock.New(client),
		prefix: "lock:",
	}
}

func deviceToken(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return hex.EncodeToString(sum[:])[:deviceTokenLen]
}

// Acquire obtains or refreshes the lock. The same device re-obtaining keeps
// its original AcquiredAt.
func (r *LockRegistry) Acquire(ctx context.Context, lock domain.OfflineLock, ttl time.Duration) (*domain.OfflineLock, error) {
	current, err := r.Holder(ctx, lock.Resource)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if current.DeviceID != lock.DeviceID {
			return nil, &domain.LockHeldError{Resource: lock.Resource, Holder: current.DeviceID}
		}
		lock.AcquiredAt = current.AcquiredAt
	}

	meta, err := json.Marshal(lock)
	if err != nil {
		return nil, err
	}

	_, err = r.locker.Obtain(ctx, r.prefix+lock.Resource, ttl, &redislock.Options{
		Token:    deviceToken(lock.DeviceID),
		Metadata: string(meta),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		holder, herr := r.Holder(ctx, lock.Resource)
		if herr != nil {
			return nil, herr
		}
		held := &domain.LockHeldError{Resource: lock.Resource}
		if holder != nil {
			held.Holder = holder.DeviceID
		}
		return nil, held
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %q: %w", lock.Resource, err)
	}

	return &lock, nil
}

// Release removes the device's lock on resource.
func (r *LockRegistry) Release(ctx context.Context, resource, deviceID string) error {
	res, err := releaseScript.Run(ctx, r.client, []string{r.prefix + resource}, deviceToken(deviceID), deviceTokenLen).Int64()
	if err != nil {
		return err
	}

	switch res {
	case 0:
		return domain.ErrLockNotFound
	case -1:
		holder := ""
		if current, err := r.Holder(ctx, resource); err == nil && current != nil {
			holder = current.DeviceID
		}
		return &domain.LockHeldError{Resource: resource, Holder: holder}
	}
	return nil
}

// Holder returns the live lock on resource, or nil.
func (r *LockRegistry) Holder(ctx context.Context, resource string) (*domain.OfflineLock, error) {
	raw, err := r.client.Get(ctx, r.prefix+resource).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) <= deviceTokenLen {
		return nil, fmt.Errorf("lock %q: malformed value", resource)
	}

	var lock domain.OfflineLock
	if err := json.Unmarshal([]byte(raw[deviceTokenLen:]), &lock); err != nil {
		return nil, fmt.Errorf("lock %q: %w", resource, err)
	}
	return &lock, nil
}
