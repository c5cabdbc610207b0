package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	checkoutdb "esimcheckout/internal/db/checkout"
)

// DefaultMaxUpdateAttempts bounds the compare-and-swap retry loop in UpdateStep.
const DefaultMaxUpdateAttempts = 3

// DurableStore is the authoritative session persistence.
type DurableStore interface {
	Insert(ctx context.Context, row checkoutdb.SessionRow) error
	Get(ctx context.Context, id string) (*checkoutdb.SessionRow, error)
	FindIDByPaymentIntent(ctx context.Context, intentID string) (string, error)
	Update(ctx context.Context, row checkoutdb.SessionRow, expectedVersion int) error
	Delete(ctx context.Context, id string) error
}

// Cache is the best-effort fast path: session entries keyed by id plus an
// intent -> session id index. A miss is ("", nil), never an error.
type Cache interface {
	Put(ctx context.Context, s Session, ttl time.Duration) error
	Delete(ctx context.Context, id, intentID string) error
	// DeleteIntent removes the index entry only while it still points at sessionID.
	DeleteIntent(ctx context.Context, intentID, sessionID string) error
	LookupIntent(ctx context.Context, intentID string) (string, error)
}

// Recorder receives store and workflow outcomes for metrics.
type Recorder interface {
	CacheFailure(op string)
	VersionConflict()
	Operation(name string, err error, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) CacheFailure(string)                    {}
func (nopRecorder) VersionConflict()                       {}
func (nopRecorder) Operation(string, error, time.Duration) {}

// Store keeps the durable record and the cache consistent. The durable
// record is written first; the cache is refreshed only after it succeeds.
type Store struct {
	durable     DurableStore
	cache       Cache
	validator   *Validator
	logger      *slog.Logger
	metrics     Recorder
	now         func() time.Time
	maxAttempts int
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithStoreRecorder(r Recorder) StoreOption {
	return func(s *Store) {
		if r != nil {
			s.metrics = r
		}
	}
}

func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMaxUpdateAttempts(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithValidator(v *Validator) StoreOption {
	return func(s *Store) {
		if v != nil {
			s.validator = v
		}
	}
}

// NewStore constructs a Store. cache may be nil; the store then runs durable-only.
func NewStore(durable DurableStore, cache Cache, opts ...StoreOption) *Store {
	s := &Store{
		durable:     durable,
		cache:       cache,
		validator:   NewValidator(),
		logger:      slog.Default(),
		metrics:     nopRecorder{},
		now:         time.Now,
		maxAttempts: DefaultMaxUpdateAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validator exposes the store's validator so callers share one instance.
func (s *Store) Validator() *Validator {
	return s.validator
}

// Create validates a fresh session and writes it to the cache only. The
// durable row is created separately by Insert.
func (s *Store) Create(ctx context.Context, session Session) (*Session, error) {
	if err := s.validator.Validate(session); err != nil {
		return nil, err
	}
	s.Save(ctx, session)
	out := session.Clone()
	return &out, nil
}

// Insert creates the durable row, attaching an optional plan snapshot.
func (s *Store) Insert(ctx context.Context, session Session, plan json.RawMessage) error {
	if s.durable == nil {
		return ErrNotInitialized
	}
	if err := s.validator.Validate(session); err != nil {
		return err
	}
	row, err := RowFromSession(session)
	if err != nil {
		return err
	}
	row.PlanSnapshot = plan
	if err := s.durable.Insert(ctx, row); err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, err)
	}
	return nil
}

// Save upserts the session into the cache with a TTL tied to expiresAt.
// Failures are logged and swallowed.
func (s *Store) Save(ctx context.Context, session Session) {
	if s.cache == nil {
		return
	}
	ttl := s.ttl(session)
	if err := s.cache.Put(ctx, session.withoutTokens(), ttl); err != nil {
		s.metrics.CacheFailure("save")
		s.logger.Warn("checkout cache save failed", "session_id", session.ID, "error", err)
	}
}

// Get reads the durable record and returns nil when it is absent or fails
// validation. Only durable read errors are returned.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	if s.durable == nil {
		return nil, ErrNotInitialized
	}
	row, err := s.durable.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if row == nil {
		return nil, nil
	}

	session, err := SessionFromRow(*row)
	if err != nil {
		s.logger.Warn("checkout session row unreadable", "session_id", id, "error", err)
		return nil, nil
	}
	if persisted, ok := StatusForState(WorkflowState(row.State)); ok && persisted != session.Status {
		s.logger.Info("checkout session state drift", "session_id", id, "state", row.State, "derived_status", session.Status)
	}
	if err := s.validator.Validate(session); err != nil {
		s.logger.Warn("checkout session failed validation on read", "session_id", id, "error", err)
		return nil, nil
	}
	return &session, nil
}

// GetByPaymentIntent resolves a session through the cache index, falling back
// to the durable intent column on a miss, a stale entry or a cache error.
func (s *Store) GetByPaymentIntent(ctx context.Context, intentID string) (*Session, error) {
	if s.durable == nil {
		return nil, ErrNotInitialized
	}
	if intentID == "" {
		return nil, nil
	}

	if s.cache != nil {
		id, err := s.cache.LookupIntent(ctx, intentID)
		switch {
		case err != nil:
			s.metrics.CacheFailure("lookup_intent")
			s.logger.Warn("checkout intent index lookup failed", "intent_id", intentID, "error", err)
		case id != "":
			session, err := s.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if session != nil && session.IntentID() == intentID {
				return session, nil
			}
			s.logger.Info("checkout intent index entry stale", "intent_id", intentID, "session_id", id)
		}
	}

	id, err := s.durable.FindIDByPaymentIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("find session by intent %s: %w", intentID, err)
	}
	if id == "" {
		return nil, nil
	}
	return s.Get(ctx, id)
}

// UpdateStep merges patch into the named step and commits the result with a
// version-conditioned durable write. A lost race re-reads and re-merges.
func (s *Store) UpdateStep(ctx context.Context, id string, patch StepPatch) (*Session, error) {
	if s.durable == nil {
		return nil, ErrNotInitialized
	}
	if patch == nil {
		return nil, fmt.Errorf("%w: nil patch", ErrInvalidInput)
	}

	for attempt := 1; ; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, notFound(id)
		}

		next := current.Clone()
		patch.apply(&next)
		now := s.now()
		next.Version = current.Version + 1
		next.UpdatedAt = now
		next.Status = DeriveStatus(next)
		if next.Status == StatusConfirmation && next.CompletedAt == nil {
			next.CompletedAt = &now
		}
		if err := s.validator.Validate(next); err != nil {
			return nil, err
		}

		row, err := RowFromSession(next)
		if err != nil {
			return nil, err
		}
		err = s.durable.Update(ctx, row, current.Version)
		switch {
		case err == nil:
		case errors.Is(err, checkoutdb.ErrVersionConflict):
			s.metrics.VersionConflict()
			if attempt >= s.maxAttempts {
				return nil, fmt.Errorf("%w: session %s after %d attempts", ErrVersionConflict, id, attempt)
			}
			s.logger.Debug("checkout session version moved, retrying", "session_id", id, "step", patch.Step(), "attempt", attempt)
			continue
		case errors.Is(err, checkoutdb.ErrNotFound):
			return nil, notFound(id)
		default:
			return nil, fmt.Errorf("persist session %s: %w", id, err)
		}

		s.Save(ctx, next)
		if patch.Step() == StepPayment {
			s.dropStaleIntent(ctx, id, current.IntentID(), next.IntentID())
		}
		return &next, nil
	}
}

// Delete removes the durable record, then best-effort clears the cache
// entry and its intent index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s.durable == nil {
		return ErrNotInitialized
	}
	var intentID string
	row, err := s.durable.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load session %s: %w", id, err)
	}
	if row != nil {
		intentID = row.PaymentIntentID
		if session, err := SessionFromRow(*row); err == nil && session.IntentID() != "" {
			intentID = session.IntentID()
		}
	}

	if err := s.durable.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Delete(ctx, id, intentID); err != nil {
		s.metrics.CacheFailure("delete")
		s.logger.Warn("checkout cache delete failed", "session_id", id, "intent_id", intentID, "error", err)
	}
	return nil
}

// dropStaleIntent removes the index entry for an intent the session no longer
// carries, unless another session has claimed it since. The new intent's entry
// is written by Save.
func (s *Store) dropStaleIntent(ctx context.Context, id, previous, current string) {
	if s.cache == nil || previous == "" || previous == current {
		return
	}
	if err := s.cache.DeleteIntent(ctx, previous, id); err != nil {
		s.metrics.CacheFailure("delete_intent")
		s.logger.Warn("checkout stale intent index removal failed", "session_id", id, "intent_id", previous, "error", err)
	}
}

func (s *Store) ttl(session Session) time.Duration {
	ttl := session.ExpiresAt.Sub(s.now())
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
