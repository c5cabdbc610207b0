package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	checkoutdb "esimcheckout/internal/db/checkout"
)

// MemoryDurableStore is an in-process DurableStore with the same version
// semantics as the Postgres store.
type MemoryDurableStore struct {
	mu   sync.Mutex
	rows map[string]checkoutdb.SessionRow
}

func NewMemoryDurableStore() *MemoryDurableStore {
	return &MemoryDurableStore{rows: make(map[string]checkoutdb.SessionRow)}
}

func (m *MemoryDurableStore) Insert(_ context.Context, row checkoutdb.SessionRow) error {
	if row.ID == "" {
		return fmt.Errorf("session id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[row.ID]; ok {
		return checkoutdb.ErrAlreadyExists
	}
	m.rows[row.ID] = row
	return nil
}

func (m *MemoryDurableStore) Get(_ context.Context, id string) (*checkoutdb.SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (m *MemoryDurableStore) FindIDByPaymentIntent(_ context.Context, intentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		found  string
		latest checkoutdb.SessionRow
	)
	for id, row := range m.rows {
		if row.PaymentIntentID != intentID {
			continue
		}
		if found == "" || row.UpdatedAt.After(latest.UpdatedAt) {
			found, latest = id, row
		}
	}
	return found, nil
}

func (m *MemoryDurableStore) Update(_ context.Context, row checkoutdb.SessionRow, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rows[row.ID]
	if !ok {
		return checkoutdb.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("%w: expected %d, found %d", checkoutdb.ErrVersionConflict, expectedVersion, existing.Version)
	}
	row.OrderID = existing.OrderID
	row.PlanSnapshot = existing.PlanSnapshot
	m.rows[row.ID] = row
	return nil
}

func (m *MemoryDurableStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

// StaticPricingEngine prices bundles from a fixed per-day rate. It is the
// development stand-in for the pricing service.
type StaticPricingEngine struct {
	PricePerDay float64
	Currency    string
}

func (p StaticPricingEngine) Calculate(_ context.Context, req PricingRequest) (*PricingResult, error) {
	if req.Country == "" || req.Days < 1 {
		return nil, nil
	}
	rate := p.PricePerDay
	if rate <= 0 {
		rate = 1.5
	}
	currency := p.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	country := strings.ToUpper(req.Country)
	total := rate * float64(req.Days)
	return &PricingResult{
		SelectedBundle: &SelectedBundle{
			Name:               fmt.Sprintf("esim_UL_%dD_%s_V2", req.Days, country),
			DataAmountReadable: "Unlimited",
			Speed:              []string{"4G", "5G"},
			CountryName:        country,
		},
		Pricing: PricingBreakdown{
			FinalPrice: total,
			Subtotal:   total,
			Currency:   currency,
		},
	}, nil
}

// AcceptingProvisioner approves every bundle it is asked about.
type AcceptingProvisioner struct{}

func (AcceptingProvisioner) ValidateOrder(_ context.Context, bundleExternalID string) (bool, error) {
	return bundleExternalID != "", nil
}

// ErrInvalidOTP is returned by MemoryIdentityProvider for a wrong code.
var ErrInvalidOTP = errors.New("invalid otp")

// MemoryIdentityProvider issues OTPs in process and logs them instead of
// delivering them. Verified phones become users in the attached repository.
type MemoryIdentityProvider struct {
	mu     sync.Mutex
	codes  map[string]string
	users  *MemoryUserRepository
	logger *slog.Logger
	newOTP func() string
}

func NewMemoryIdentityProvider(users *MemoryUserRepository, logger *slog.Logger) *MemoryIdentityProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryIdentityProvider{
		codes:  make(map[string]string),
		users:  users,
		logger: logger,
		newOTP: func() string { return "123456" },
	}
}

func (p *MemoryIdentityProvider) SendOTP(_ context.Context, phone string) error {
	code := p.newOTP()
	p.mu.Lock()
	p.codes[phone] = code
	p.mu.Unlock()
	p.logger.Info("otp issued", "phone", phone, "otp", code)
	return nil
}

func (p *MemoryIdentityProvider) VerifyOTP(ctx context.Context, phone, otp string) (*VerifiedIdentity, error) {
	p.mu.Lock()
	code, ok := p.codes[phone]
	if ok && code == otp {
		delete(p.codes, phone)
	}
	p.mu.Unlock()
	if !ok || code != otp {
		return nil, ErrInvalidOTP
	}

	user := IdentityUser{ID: "user-" + strings.TrimPrefix(phone, "+"), Phone: phone}
	if p.users != nil {
		stored := p.users.ensure(user.ID, phone)
		user.Email = stored.Email
		user.FirstName = stored.FirstName
		user.LastName = stored.LastName
	}
	return &VerifiedIdentity{
		User:         user,
		AccessToken:  "access-" + user.ID,
		RefreshToken: "refresh-" + user.ID,
	}, nil
}

// MemoryUserRepository keeps user profiles in memory.
type MemoryUserRepository struct {
	mu    sync.Mutex
	users map[string]User
}

func NewMemoryUserRepository(users ...User) *MemoryUserRepository {
	repo := &MemoryUserRepository{users: make(map[string]User)}
	for _, u := range users {
		repo.users[u.ID] = u
	}
	return repo
}

func (r *MemoryUserRepository) GetUserByID(_ context.Context, id string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *MemoryUserRepository) UpdateProfile(_ context.Context, id string, update ProfileUpdate) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s not found", id)
	}
	setIf(&u.FirstName, update.FirstName)
	setIf(&u.LastName, update.LastName)
	setIf(&u.PhoneNumber, update.PhoneNumber)
	r.users[id] = u
	return &u, nil
}

func (r *MemoryUserRepository) ensure(id, phone string) User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		u = User{ID: id, PhoneNumber: phone}
		r.users[id] = u
	}
	return u
}
