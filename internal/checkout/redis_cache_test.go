package checkout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, NewRedisCache(client, "")
}

func cachedSession(t *testing.T, srv *miniredis.Miniredis, id string) *Session {
	t.Helper()
	if !srv.Exists("checkout:session:" + id) {
		return nil
	}
	raw, err := srv.Get("checkout:session:" + id)
	if err != nil {
		t.Fatalf("get cached session: %v", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("decode cached session: %v", err)
	}
	return &s
}

func TestRedisCache_PutWritesSessionAndIntentWithTTL(t *testing.T) {
	srv, cache := newTestRedis(t)
	ctx := context.Background()

	s := testSession(t)
	s.Payment.Intent = &PaymentIntent{ID: "pi_1"}

	if err := cache.Put(ctx, s, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	if !srv.Exists("checkout:session:" + s.ID) {
		t.Fatalf("expected session key")
	}
	if got, _ := srv.Get("checkout:intent:pi_1"); got != s.ID {
		t.Fatalf("expected intent index to point at %s, got %q", s.ID, got)
	}
	if ttl := srv.TTL("checkout:session:" + s.ID); ttl != time.Minute {
		t.Fatalf("unexpected session ttl %v", ttl)
	}
	if ttl := srv.TTL("checkout:intent:pi_1"); ttl != time.Minute {
		t.Fatalf("unexpected intent ttl %v", ttl)
	}

	loaded := cachedSession(t, srv, s.ID)
	if loaded == nil || loaded.ID != s.ID || loaded.Bundle.CountryID != "FR" {
		t.Fatalf("unexpected cached session %+v", loaded)
	}

	srv.FastForward(2 * time.Minute)
	if loaded := cachedSession(t, srv, s.ID); loaded != nil {
		t.Fatalf("expected entry to expire")
	}
}

func TestRedisCache_NoIntentIndexWithoutIntent(t *testing.T) {
	srv, cache := newTestRedis(t)

	if err := cache.Put(context.Background(), testSession(t), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if keys := srv.Keys(); len(keys) != 1 {
		t.Fatalf("expected only the session key, got %v", keys)
	}
}

func TestRedisCache_LookupMissIsEmpty(t *testing.T) {
	_, cache := newTestRedis(t)

	id, err := cache.LookupIntent(context.Background(), "pi_missing")
	if err != nil || id != "" {
		t.Fatalf("expected empty miss, got %q err=%v", id, err)
	}
}

func TestRedisCache_DeleteRemovesBothKeys(t *testing.T) {
	srv, cache := newTestRedis(t)
	ctx := context.Background()

	s := testSession(t)
	s.Payment.Intent = &PaymentIntent{ID: "pi_2"}
	if err := cache.Put(ctx, s, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := cache.Delete(ctx, s.ID, "pi_2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if keys := srv.Keys(); len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
}

func TestRedisCache_DeleteIntentOnly(t *testing.T) {
	srv, cache := newTestRedis(t)
	ctx := context.Background()

	s := testSession(t)
	s.Payment.Intent = &PaymentIntent{ID: "pi_3"}
	if err := cache.Put(ctx, s, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.DeleteIntent(ctx, "pi_3", s.ID); err != nil {
		t.Fatalf("delete intent: %v", err)
	}
	if srv.Exists("checkout:intent:pi_3") {
		t.Fatalf("expected intent key removed")
	}
	if !srv.Exists("checkout:session:" + s.ID) {
		t.Fatalf("expected session key kept")
	}
}

func TestRedisCache_ConnectionErrorSurfaces(t *testing.T) {
	srv, cache := newTestRedis(t)
	srv.Close()

	if err := cache.Put(context.Background(), testSession(t), time.Minute); err == nil {
		t.Fatalf("expected error from closed server")
	}
}

func TestRedisCache_DeleteIntentKeepsOtherOwner(t *testing.T) {
	srv, cache := newTestRedis(t)
	ctx := context.Background()

	first := testSession(t)
	first.Payment.Intent = &PaymentIntent{ID: "pi_x"}
	second := testSession(t)
	second.ID = "sess-2"
	second.Payment.Intent = &PaymentIntent{ID: "pi_x"}
	for _, s := range []Session{first, second} {
		if err := cache.Put(ctx, s, time.Minute); err != nil {
			t.Fatalf("put %s: %v", s.ID, err)
		}
	}

	if err := cache.DeleteIntent(ctx, "pi_x", first.ID); err != nil {
		t.Fatalf("delete intent: %v", err)
	}
	if got, _ := srv.Get("checkout:intent:pi_x"); got != second.ID {
		t.Fatalf("expected index to stay on %s, got %q", second.ID, got)
	}

	if err := cache.Delete(ctx, first.ID, "pi_x"); err != nil {
		t.Fatalf("delete first: %v", err)
	}
	if got, _ := srv.Get("checkout:intent:pi_x"); got != second.ID {
		t.Fatalf("expected delete of the old owner to keep the index, got %q", got)
	}
}
