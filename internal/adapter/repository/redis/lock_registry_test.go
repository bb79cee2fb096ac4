package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iho/offledger/internal/domain"
)

func TestLockRegistry_AcquireAndRelease(t *testing.T) {
	client, mr := newTestRedisClient(t)
	defer mr.Close()
	defer client.Close()

	registry := NewLockRegistry(client)
	ctx := context.Background()
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	lock := domain.OfflineLock{Resource: "period:2026-03", DeviceID: "dev-a", Actor: "alice", AcquiredAt: start, ExpiresAt: start.Add(time.Hour)}
	granted, err := registry.Acquire(ctx, lock, time.Hour)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if granted.DeviceID != "dev-a" {
		t.Fatalf("unexpected lock %+v", granted)
	}

	other := lock
	other.DeviceID = "dev-b"
	_, err = registry.Acquire(ctx, other, time.Hour)
	var held *domain.LockHeldError
	if !errors.As(err, &held) || held.Holder != "dev-a" {
		t.Fatalf("expected lock held by dev-a, got %v", err)
	}

	refresh := lock
	refresh.AcquiredAt = start.Add(10 * time.Minute)
	refresh.ExpiresAt = start.Add(2 * time.Hour)
	refreshed, err := registry.Acquire(ctx, refresh, 2*time.Hour)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !refreshed.AcquiredAt.Equal(start) {
		t.Fatalf("expected refresh to keep AcquiredAt %v, got %v", start, refreshed.AcquiredAt)
	}
	if ttl := mr.TTL(registry.prefix + lock.Resource); ttl != 2*time.Hour {
		t.Fatalf("expected ttl to be extended, got %v", ttl)
	}

	if err := registry.Release(ctx, lock.Resource, "dev-b"); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("expected release by another device to fail, got %v", err)
	}
	if err := registry.Release(ctx, lock.Resource, "dev-a"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := registry.Release(ctx, lock.Resource, "dev-a"); !errors.Is(err, domain.ErrLockNotFound) {
		t.Fatalf("expected ErrLockNotFound, got %v", err)
	}

	holder, err := registry.Holder(ctx, lock.Resource)
	if err != nil || holder != nil {
		t.Fatalf("expected no holder, got %v err=%v", holder, err)
	}
}

func TestLockRegistry_Expiry(t *testing.T) {
	client, mr := newTestRedisClient(t)
	defer mr.Close()
	defer client.Close()

	registry := NewLockRegistry(client)
	ctx := context.Background()

	lock := domain.OfflineLock{Resource: "invoice:42", DeviceID: "dev-a", ExpiresAt: time.Now().Add(time.Minute)}
	if _, err := registry.Acquire(ctx, lock, time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	holder, err := registry.Holder(ctx, "invoice:42")
	if err != nil || holder == nil || holder.DeviceID != "dev-a" {
		t.Fatalf("expected dev-a to hold the lock, got %v err=%v", holder, err)
	}

	mr.FastForward(2 * time.Minute)

	other := lock
	other.DeviceID = "dev-b"
	if _, err := registry.Acquire(ctx, other, time.Minute); err != nil {
		t.Fatalf("expected expired lock to be free, got %v", err)
	}
}

func TestLockRegistry_MalformedValue(t *testing.T) {
	client, mr := newTestRedisClient(t)
	defer mr.Close()
	defer client.Close()

	registry := NewLockRegistry(client)
	if err := mr.Set(registry.prefix+"broken", "short"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := registry.Holder(context.Background(), "broken"); err == nil {
		t.Fatalf("expected malformed value error")
	}
}
