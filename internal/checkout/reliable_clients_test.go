package checkout

import (
	"context"
	"errors"
	"testing"

	"esimcheckout/internal/reliability"
)

func retryGuard(attempts int) reliability.Guard {
	return reliability.Guard{Retry: reliability.RetryPolicy{MaxAttempts: attempts}}
}

type flakyProvisioner struct {
	failures int
	calls    int
}

func (p *flakyProvisioner) ValidateOrder(context.Context, string) (bool, error) {
	p.calls++
	if p.calls <= p.failures {
		return false, errBoom
	}
	return true, nil
}

func TestReliableProvisioner_RetriesTransientFailures(t *testing.T) {
	base := &flakyProvisioner{failures: 2}
	client := NewReliableProvisioner(base, retryGuard(3))

	ok, err := client.ValidateOrder(context.Background(), "esim_1")
	if err != nil || !ok {
		t.Fatalf("expected success after retries, got %v/%v", ok, err)
	}
	if base.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", base.calls)
	}
}

type failingIdentity struct {
	sends    int
	verifies int
}

func (f *failingIdentity) SendOTP(context.Context, string) error {
	f.sends++
	return errBoom
}

func (f *failingIdentity) VerifyOTP(context.Context, string, string) (*VerifiedIdentity, error) {
	f.verifies++
	return nil, errBoom
}

func TestReliableIdentityProvider_NeverResendsOTP(t *testing.T) {
	base := &failingIdentity{}
	client := NewReliableIdentityProvider(base, retryGuard(3))

	if err := client.SendOTP(context.Background(), "+33600000000"); !errors.Is(err, errBoom) {
		t.Fatalf("expected send error, got %v", err)
	}
	if base.sends != 1 {
		t.Fatalf("expected a single send attempt, got %d", base.sends)
	}

	if _, err := client.VerifyOTP(context.Background(), "+33600000000", "1"); !errors.Is(err, errBoom) {
		t.Fatalf("expected verify error, got %v", err)
	}
	if base.verifies != 3 {
		t.Fatalf("expected verify to be retried, got %d", base.verifies)
	}
}

func TestReliableUserRepository_PassesThrough(t *testing.T) {
	repo := NewReliableUserRepository(NewMemoryUserRepository(User{ID: "u1"}), retryGuard(1))
	first := "A"
	u, err := repo.UpdateProfile(context.Background(), "u1", ProfileUpdate{FirstName: &first})
	if err != nil || u.FirstName != "A" {
		t.Fatalf("unexpected update result %+v err=%v", u, err)
	}
	got, err := repo.GetUserByID(context.Background(), "missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil user, got %+v err=%v", got, err)
	}
}

func TestReliablePricingEngine_PassesThrough(t *testing.T) {
	engine := NewReliablePricingEngine(StaticPricingEngine{PricePerDay: 2}, retryGuard(1))
	res, err := engine.Calculate(context.Background(), PricingRequest{Days: 3, Country: "fr"})
	if err != nil || res == nil || res.Pricing.FinalPrice != 6 {
		t.Fatalf("unexpected pricing %+v err=%v", res, err)
	}
	if res.SelectedBundle.Name != "esim_UL_3D_FR_V2" {
		t.Fatalf("unexpected bundle name %q", res.SelectedBundle.Name)
	}
}
