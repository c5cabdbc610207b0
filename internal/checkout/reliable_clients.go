package checkout

import (
	"context"

	"esimcheckout/internal/reliability"
)

// ReliablePricingEngine wraps a PricingEngine with limiter, breaker and retry.
type ReliablePricingEngine struct {
	base  PricingEngine
	guard reliability.Guard
}

func NewReliablePricingEngine(base PricingEngine, guard reliability.Guard) *ReliablePricingEngine {
	return &ReliablePricingEngine{base: base, guard: guard}
}

func (c *ReliablePricingEngine) Calculate(ctx context.Context, req PricingRequest) (*PricingResult, error) {
	return reliability.Call(ctx, c.guard, func(ctx context.Context) (*PricingResult, error) {
		return c.base.Calculate(ctx, req)
	})
}

// ReliableProvisioner wraps a Provisioner with limiter, breaker and retry.
type ReliableProvisioner struct {
	base  Provisioner
	guard reliability.Guard
}

func NewReliableProvisioner(base Provisioner, guard reliability.Guard) *ReliableProvisioner {
	return &ReliableProvisioner{base: base, guard: guard}
}

func (c *ReliableProvisioner) ValidateOrder(ctx context.Context, bundleExternalID string) (bool, error) {
	return reliability.Call(ctx, c.guard, func(ctx context.Context) (bool, error) {
		return c.base.ValidateOrder(ctx, bundleExternalID)
	})
}

// ReliableIdentityProvider guards OTP verification fully. SendOTP only goes
// through the limiter and breaker: a retried send would text the shopper twice.
type ReliableIdentityProvider struct {
	base  IdentityProvider
	guard reliability.Guard
}

func NewReliableIdentityProvider(base IdentityProvider, guard reliability.Guard) *ReliableIdentityProvider {
	return &ReliableIdentityProvider{base: base, guard: guard}
}

func (c *ReliableIdentityProvider) SendOTP(ctx context.Context, phone string) error {
	single := c.guard
	single.Retry.MaxAttempts = 1
	return single.Do(ctx, func(ctx context.Context) error {
		return c.base.SendOTP(ctx, phone)
	})
}

func (c *ReliableIdentityProvider) VerifyOTP(ctx context.Context, phone, otp string) (*VerifiedIdentity, error) {
	return reliability.Call(ctx, c.guard, func(ctx context.Context) (*VerifiedIdentity, error) {
		return c.base.VerifyOTP(ctx, phone, otp)
	})
}

// ReliableUserRepository wraps a UserRepository with limiter, breaker and retry.
type ReliableUserRepository struct {
	base  UserRepository
	guard reliability.Guard
}

func NewReliableUserRepository(base UserRepository, guard reliability.Guard) *ReliableUserRepository {
	return &ReliableUserRepository{base: base, guard: guard}
}

func (c *ReliableUserRepository) GetUserByID(ctx context.Context, id string) (*User, error) {
	return reliability.Call(ctx, c.guard, func(ctx context.Context) (*User, error) {
		return c.base.GetUserByID(ctx, id)
	})
}

func (c *ReliableUserRepository) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*User, error) {
	return reliability.Call(ctx, c.guard, func(ctx context.Context) (*User, error) {
		return c.base.UpdateProfile(ctx, id, update)
	})
}
