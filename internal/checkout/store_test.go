package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	checkoutdb "esimcheckout/internal/db/checkout"
)

func newTestStore(t *testing.T, durable DurableStore, cache Cache, opts ...StoreOption) (*Store, *countingRecorder) {
	t.Helper()
	rec := newCountingRecorder()
	base := []StoreOption{
		WithStoreLogger(discardLogger()),
		WithStoreClock(newClock().Now),
		WithStoreRecorder(rec),
	}
	return NewStore(durable, cache, append(base, opts...)...), rec
}

func seed(t *testing.T, store *Store, s Session) {
	t.Helper()
	if err := store.Insert(context.Background(), s, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestStore_CreateWritesCacheWithExpiryTTL(t *testing.T) {
	cache := newSpyCache()
	store, _ := newTestStore(t, NewMemoryDurableStore(), cache)

	seed(t, store, testSession(t))

	if _, ok := cache.session("sess-1"); !ok {
		t.Fatalf("expected cache entry")
	}
	if ttl := cache.ttls["sess-1"]; ttl != ProductionSessionTTL {
		t.Fatalf("expected ttl %v, got %v", ProductionSessionTTL, ttl)
	}
}

func TestStore_CreateRejectsInvalidSession(t *testing.T) {
	cache := newSpyCache()
	store, _ := newTestStore(t, NewMemoryDurableStore(), cache)

	s := testSession(t)
	s.Bundle.NumOfDays = 0
	if _, err := store.Create(context.Background(), s); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected invalid session, got %v", err)
	}
	if _, ok := cache.session(s.ID); ok {
		t.Fatalf("expected no cache write for invalid session")
	}
}

func TestStore_InsertTwiceFails(t *testing.T) {
	store, _ := newTestStore(t, NewMemoryDurableStore(), nil)
	s := testSession(t)
	if err := store.Insert(context.Background(), s, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Insert(context.Background(), s, nil); !errors.Is(err, checkoutdb.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestStore_UpdateStepBumpsVersionAndDerivesStatus(t *testing.T) {
	cache := newSpyCache()
	store, _ := newTestStore(t, NewMemoryDurableStore(), cache)
	seed(t, store, testSession(t))

	updated, err := store.UpdateStep(context.Background(), "sess-1", BundlePatch{
		ExternalID: ptr("esim_1"),
		Validated:  ptr(true),
		Completed:  ptr(true),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.Status != StatusAuth {
		t.Fatalf("expected version 2 in auth, got %d/%s", updated.Version, updated.Status)
	}

	cached, _ := cache.session("sess-1")
	if cached.Version != 2 {
		t.Fatalf("expected cache refreshed, got version %d", cached.Version)
	}
	stored, err := store.Get(context.Background(), "sess-1")
	if err != nil || stored == nil || stored.Version != 2 {
		t.Fatalf("expected durable version 2, got %+v err=%v", stored, err)
	}
}

func TestStore_UpdateStepUnknownSession(t *testing.T) {
	store, _ := newTestStore(t, NewMemoryDurableStore(), nil)
	_, err := store.UpdateStep(context.Background(), "missing", DeliveryPatch{Completed: ptr(true)})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStore_InvalidPatchLeavesVersionUntouched(t *testing.T) {
	store, _ := newTestStore(t, NewMemoryDurableStore(), nil)
	seed(t, store, testSession(t))

	_, err := store.UpdateStep(context.Background(), "sess-1", BundlePatch{Completed: ptr(true)})
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected invalid session, got %v", err)
	}
	s, _ := store.Get(context.Background(), "sess-1")
	if s.Version != 1 {
		t.Fatalf("expected version 1, got %d", s.Version)
	}
}

func TestStore_RetriesOnVersionConflict(t *testing.T) {
	durable := &flakyDurable{MemoryDurableStore: NewMemoryDurableStore(), conflicts: 2}
	store, rec := newTestStore(t, durable, nil)
	seed(t, store, testSession(t))

	updated, err := store.UpdateStep(context.Background(), "sess-1", DeliveryPatch{Email: ptr("a@example.com")})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	// two competing writes landed first
	if updated.Version != 4 {
		t.Fatalf("expected version 4, got %d", updated.Version)
	}
	if rec.conflicts != 2 {
		t.Fatalf("expected 2 recorded conflicts, got %d", rec.conflicts)
	}
}

func TestStore_GivesUpAfterMaxAttempts(t *testing.T) {
	durable := &flakyDurable{MemoryDurableStore: NewMemoryDurableStore(), conflicts: 10}
	store, _ := newTestStore(t, durable, nil, WithMaxUpdateAttempts(2))
	seed(t, store, testSession(t))

	_, err := store.UpdateStep(context.Background(), "sess-1", DeliveryPatch{Email: ptr("a@example.com")})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if durable.updates != 2 {
		t.Fatalf("expected 2 update attempts, got %d", durable.updates)
	}
}

func TestStore_DurableFailureLeavesCacheUntouched(t *testing.T) {
	durable := &flakyDurable{MemoryDurableStore: NewMemoryDurableStore()}
	cache := newSpyCache()
	store, _ := newTestStore(t, durable, cache)
	seed(t, store, testSession(t))

	durable.updateErr = errBoom
	_, err := store.UpdateStep(context.Background(), "sess-1", DeliveryPatch{Completed: ptr(true)})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected durable error, got %v", err)
	}
	cached, _ := cache.session("sess-1")
	if cached.Version != 1 || cached.Delivery.Completed {
		t.Fatalf("expected cache to keep the committed state, got %+v", cached)
	}
}

func TestStore_CacheFailureIsSwallowed(t *testing.T) {
	cache := newSpyCache()
	store, rec := newTestStore(t, NewMemoryDurableStore(), cache)
	seed(t, store, testSession(t))

	cache.putErr = errBoom
	updated, err := store.UpdateStep(context.Background(), "sess-1", DeliveryPatch{Completed: ptr(true)})
	if err != nil {
		t.Fatalf("expected cache failure to be swallowed, got %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected committed version 2, got %d", updated.Version)
	}
	if rec.cacheFailures["save"] != 1 {
		t.Fatalf("expected one recorded cache failure, got %v", rec.cacheFailures)
	}
}

func TestStore_GetReturnsNilForInvalidRow(t *testing.T) {
	durable := NewMemoryDurableStore()
	store, _ := newTestStore(t, durable, nil)

	row, err := RowFromSession(testSession(t))
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	row.ExpiresAt = row.CreatedAt.Add(-time.Hour)
	if err := durable.Insert(context.Background(), row); err != nil {
		t.Fatalf("insert: %v", err)
	}

	s, err := store.Get(context.Background(), row.ID)
	if err != nil || s != nil {
		t.Fatalf("expected nil session for invalid row, got %+v err=%v", s, err)
	}
}

func TestStore_PaymentIntentIndex(t *testing.T) {
	cache := newSpyCache()
	durable := NewMemoryDurableStore()
	store, _ := newTestStore(t, durable, cache)
	seed(t, store, testSession(t))
	ctx := context.Background()

	if _, err := store.UpdateStep(ctx, "sess-1", PaymentPatch{Intent: &PaymentIntent{ID: "pi_1"}}); err != nil {
		t.Fatalf("attach intent: %v", err)
	}
	if cache.intents["pi_1"] != "sess-1" {
		t.Fatalf("expected intent index entry")
	}

	if _, err := store.UpdateStep(ctx, "sess-1", PaymentPatch{Intent: &PaymentIntent{ID: "pi_2"}}); err != nil {
		t.Fatalf("replace intent: %v", err)
	}
	if _, ok := cache.intents["pi_1"]; ok {
		t.Fatalf("expected stale intent entry removed")
	}

	viaCache, err := store.GetByPaymentIntent(ctx, "pi_2")
	if err != nil || viaCache == nil || viaCache.ID != "sess-1" {
		t.Fatalf("expected cache lookup hit, got %+v err=%v", viaCache, err)
	}

	cache.lookupErr = errBoom
	viaDurable, err := store.GetByPaymentIntent(ctx, "pi_2")
	if err != nil || viaDurable == nil {
		t.Fatalf("expected durable fallback, got %+v err=%v", viaDurable, err)
	}
	if viaDurable.Version != viaCache.Version || viaDurable.IntentID() != viaCache.IntentID() {
		t.Fatalf("expected both paths to agree: %+v vs %+v", viaDurable, viaCache)
	}

	missing, err := store.GetByPaymentIntent(ctx, "pi_1")
	if err != nil || missing != nil {
		t.Fatalf("expected replaced intent to resolve nowhere, got %+v err=%v", missing, err)
	}
}

func TestStore_StaleIndexFallsThroughToDurable(t *testing.T) {
	cache := newSpyCache()
	store, _ := newTestStore(t, NewMemoryDurableStore(), cache)
	seed(t, store, testSession(t))
	ctx := context.Background()

	if _, err := store.UpdateStep(ctx, "sess-1", PaymentPatch{Intent: &PaymentIntent{ID: "pi_1"}}); err != nil {
		t.Fatalf("attach intent: %v", err)
	}
	cache.intents["pi_ghost"] = "sess-1"

	s, err := store.GetByPaymentIntent(ctx, "pi_ghost")
	if err != nil || s != nil {
		t.Fatalf("expected stale entry to be ignored, got %+v err=%v", s, err)
	}
}

func TestStore_ClearedIntentKeepsNewOwnersIndex(t *testing.T) {
	cache := newSpyCache()
	store, _ := newTestStore(t, NewMemoryDurableStore(), cache)
	seed(t, store, testSession(t))
	other := testSession(t)
	other.ID = "sess-2"
	seed(t, store, other)
	ctx := context.Background()

	if _, err := store.UpdateStep(ctx, "sess-1", PaymentPatch{Intent: &PaymentIntent{ID: "pi_x"}}); err != nil {
		t.Fatalf("attach to first: %v", err)
	}
	if _, err := store.UpdateStep(ctx, "sess-2", PaymentPatch{Intent: &PaymentIntent{ID: "pi_x"}}); err != nil {
		t.Fatalf("attach to second: %v", err)
	}
	if _, err := store.UpdateStep(ctx, "sess-1", PaymentPatch{ClearIntent: true}); err != nil {
		t.Fatalf("clear first: %v", err)
	}

	if cache.intents["pi_x"] != "sess-2" {
		t.Fatalf("expected pi_x to keep pointing at sess-2, got %q", cache.intents["pi_x"])
	}
}

func TestStore_DeleteClearsDurableAndCache(t *testing.T) {
	cache := newSpyCache()
	durable := NewMemoryDurableStore()
	store, _ := newTestStore(t, durable, cache)
	seed(t, store, testSession(t))
	ctx := context.Background()

	if _, err := store.UpdateStep(ctx, "sess-1", PaymentPatch{Intent: &PaymentIntent{ID: "pi_1"}}); err != nil {
		t.Fatalf("attach intent: %v", err)
	}
	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if row, _ := durable.Get(ctx, "sess-1"); row != nil {
		t.Fatalf("expected durable row removed")
	}
	if _, ok := cache.session("sess-1"); ok {
		t.Fatalf("expected cache entry removed")
	}
	if _, ok := cache.intents["pi_1"]; ok {
		t.Fatalf("expected intent entry removed")
	}
}

func TestStore_TokensNeverReachStorage(t *testing.T) {
	cache := newSpyCache()
	durable := NewMemoryDurableStore()
	store, _ := newTestStore(t, durable, cache)

	s := testSession(t)
	s.Auth.AuthToken = "access"
	s.Auth.RefreshToken = "refresh"
	seed(t, store, s)

	cached, _ := cache.session(s.ID)
	if cached.Auth.AuthToken != "" || cached.Auth.RefreshToken != "" {
		t.Fatalf("tokens leaked into cache")
	}
	stored, _ := store.Get(context.Background(), s.ID)
	if stored.Auth.AuthToken != "" || stored.Auth.RefreshToken != "" {
		t.Fatalf("tokens leaked into durable store")
	}
}

func TestStore_NotInitialized(t *testing.T) {
	store := NewStore(nil, nil)
	if _, err := store.Get(context.Background(), "x"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if _, err := store.UpdateStep(context.Background(), "x", DeliveryPatch{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
}
