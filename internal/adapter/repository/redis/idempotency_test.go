package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase/gateway"
)

func TestIdempotencyStore_ClaimLocksNewKey(t *testing.T) {
	client, mr := newTestRedisClient(t)
	defer mr.Close()
	defer client.Close()

	store := NewIdempotencyStore(client)
	ctx := context.Background()

	resp, err := store.Claim(ctx, "pending", time.Minute)
	if err != nil || resp != nil {
		t.Fatalf("unexpected result: resp=%v err=%v", resp, err)
	}

	val, err := client.Get(ctx, store.prefix+"pending").Result()
	if err != nil || val != processingMarker {
		t.Fatalf("expected placeholder lock, got val=%s err=%v", val, err)
	}

	if _, err := store.Claim(ctx, "pending", time.Minute); !errors.Is(err, domain.ErrRequestInFlight) {
		t.Fatalf("expected in-flight error, got %v", err)
	}
}

func TestIdempotencyStore_StoreAndReplay(t *testing.T) {
	client, mr := newTestRedisClient(t)
	defer mr.Close()
	defer client.Close()

	store := NewIdempotencyStore(client)
	ctx := context.Background()

	if _, err := store.Claim(ctx, "key", time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	want := gateway.CachedResponse{StatusCode: 200, Body: []byte(`{"version":1}`)}
	if err := store.Store(ctx, "key", want, time.Minute); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := store.Claim(ctx, "key", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if got == nil || got.StatusCode != 200 || string(got.Body) != `{"version":1}` {
		t.Fatalf("expected cached response, got %+v", got)
	}

	mr.FastForward(2 * time.Minute)
	got, err = store.Claim(ctx, "key", time.Minute)
	if err != nil || got != nil {
		t.Fatalf("expected expired key to be claimable, got resp=%v err=%v", got, err)
	}
}

func TestIdempotencyStore_Release(t *testing.T) {
	client, mr := newTestRedisClient(t)
	defer mr.Close()
	defer client.Close()

	store := NewIdempotencyStore(client)
	ctx := context.Background()

	if _, err := store.Claim(ctx, "key", time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.Release(ctx, "key"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if mr.Exists(store.prefix + "key") {
		t.Fatalf("expected key to be removed")
	}
	if resp, err := store.Claim(ctx, "key", time.Minute); err != nil || resp != nil {
		t.Fatalf("expected key to be claimable again, got resp=%v err=%v", resp, err)
	}
}

func TestIdempotencyStore_CorruptEntry(t *testing.T) {
	client, mr := newTestRedisClient(t)
	defer mr.Close()
	defer client.Close()

	store := NewIdempotencyStore(client)
	ctx := context.Background()

	if err := mr.Set(store.prefix+"bad", "{not json"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := store.Claim(ctx, "bad", time.Minute); err == nil {
		t.Fatalf("expected decode error")
	}
}
