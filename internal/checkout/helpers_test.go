package checkout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	checkoutdb "esimcheckout/internal/db/checkout"
)

var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSession(t *testing.T) Session {
	t.Helper()
	return NewSession("sess-1", NewSessionInput{CountryID: "FR", NumOfDays: 7}, testNow, ProductionSessionTTL)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: testNow} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type spyCache struct {
	mu            sync.Mutex
	sessions      map[string]Session
	intents       map[string]string
	ttls          map[string]time.Duration
	putErr        error
	lookupErr     error
	deletedIntent []string
}

func newSpyCache() *spyCache {
	return &spyCache{
		sessions: make(map[string]Session),
		intents:  make(map[string]string),
		ttls:     make(map[string]time.Duration),
	}
}

func (c *spyCache) Put(_ context.Context, s Session, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putErr != nil {
		return c.putErr
	}
	c.sessions[s.ID] = s.Clone()
	c.ttls[s.ID] = ttl
	if id := s.IntentID(); id != "" {
		c.intents[id] = s.ID
	}
	return nil
}

func (c *spyCache) Delete(_ context.Context, id, intentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
	if c.intents[intentID] == id {
		delete(c.intents, intentID)
	}
	return nil
}

func (c *spyCache) DeleteIntent(_ context.Context, intentID, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletedIntent = append(c.deletedIntent, intentID)
	if c.intents[intentID] == sessionID {
		delete(c.intents, intentID)
	}
	return nil
}

func (c *spyCache) LookupIntent(_ context.Context, intentID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return "", c.lookupErr
	}
	return c.intents[intentID], nil
}

func (c *spyCache) session(id string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

type countingRecorder struct {
	mu            sync.Mutex
	cacheFailures map[string]int
	conflicts     int
	operations    map[string]int
	failures      map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		cacheFailures: make(map[string]int),
		operations:    make(map[string]int),
		failures:      make(map[string]int),
	}
}

func (r *countingRecorder) CacheFailure(op string) {
	r.mu.Lock()
	r.cacheFailures[op]++
	r.mu.Unlock()
}

func (r *countingRecorder) VersionConflict() {
	r.mu.Lock()
	r.conflicts++
	r.mu.Unlock()
}

func (r *countingRecorder) Operation(name string, err error, _ time.Duration) {
	r.mu.Lock()
	r.operations[name]++
	if err != nil {
		r.failures[name]++
	}
	r.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []SessionEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) snapshot() []SessionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SessionEvent(nil), p.events...)
}

// flakyDurable fails Update with a version conflict a fixed number of times,
// bumping the stored version each time as a competing writer would.
type flakyDurable struct {
	*MemoryDurableStore
	conflicts int
	updateErr error
	updates   int
}

func (f *flakyDurable) Update(ctx context.Context, row checkoutdb.SessionRow, expected int) error {
	f.updates++
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.conflicts > 0 {
		f.conflicts--
		current, _ := f.MemoryDurableStore.Get(ctx, row.ID)
		if current != nil {
			bumped := *current
			bumped.Version++
			bumped.UpdatedAt = bumped.UpdatedAt.Add(time.Second)
			if err := f.MemoryDurableStore.Update(ctx, bumped, current.Version); err != nil {
				return err
			}
		}
	}
	return f.MemoryDurableStore.Update(ctx, row, expected)
}

var errBoom = errors.New("boom")

type harness struct {
	durable   *MemoryDurableStore
	cache     *spyCache
	store     *Store
	clock     *clock
	recorder  *countingRecorder
	events    *recordingPublisher
	identity  *countingIdentity
	users     *MemoryUserRepository
	workflow  *Workflow
	pricing   *stubPricing
	provision *stubProvisioner
}

type stubPricing struct {
	calls  int
	result *PricingResult
	err    error
}

func (p *stubPricing) Calculate(_ context.Context, req PricingRequest) (*PricingResult, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if p.result != nil {
		return p.result, nil
	}
	return StaticPricingEngine{}.Calculate(context.Background(), req)
}

type stubProvisioner struct {
	calls int
	ok    bool
	err   error
}

func (p *stubProvisioner) ValidateOrder(_ context.Context, _ string) (bool, error) {
	p.calls++
	return p.ok, p.err
}

type countingIdentity struct {
	*MemoryIdentityProvider
	sends int
}

func (c *countingIdentity) SendOTP(ctx context.Context, phone string) error {
	c.sends++
	return c.MemoryIdentityProvider.SendOTP(ctx, phone)
}

func newHarness(t *testing.T, cfg WorkflowConfig) *harness {
	t.Helper()
	h := &harness{
		durable:   NewMemoryDurableStore(),
		cache:     newSpyCache(),
		clock:     newClock(),
		recorder:  newCountingRecorder(),
		events:    &recordingPublisher{},
		users:     NewMemoryUserRepository(),
		pricing:   &stubPricing{},
		provision: &stubProvisioner{ok: true},
	}
	h.identity = &countingIdentity{MemoryIdentityProvider: NewMemoryIdentityProvider(h.users, discardLogger())}
	h.store = NewStore(h.durable, h.cache,
		WithStoreLogger(discardLogger()),
		WithStoreClock(h.clock.Now),
		WithStoreRecorder(h.recorder),
	)
	h.workflow = NewWorkflow(h.store, Collaborators{
		Pricing:     h.pricing,
		Provisioner: h.provision,
		Identity:    h.identity,
		Users:       h.users,
		Events:      h.events,
	}, cfg, discardLogger(),
		WithClock(h.clock.Now),
		WithIDGenerator(func() string { return "sess-1" }),
		WithRecorder(h.recorder),
	)
	return h
}

func (h *harness) create(t *testing.T) *Session {
	t.Helper()
	s, err := h.workflow.CreateSession(context.Background(), NewSessionInput{CountryID: "FR", NumOfDays: 7})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}
