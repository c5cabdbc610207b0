package checkout

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidator_AcceptsFreshSession(t *testing.T) {
	if err := NewValidator().Validate(testSession(t)); err != nil {
		t.Fatalf("expected fresh session to validate, got %v", err)
	}
}

func TestValidator_ReportsEveryProblem(t *testing.T) {
	s := testSession(t)
	s.Version = 0
	s.Bundle.CountryID = ""
	s.Auth.Email = "not-an-email"
	s.Delivery.Phone = "0600000000"

	err := NewValidator().Validate(s)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession in chain")
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, want := range []string{"version", "bundle.countryId", "auth.email", "delivery.phone"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected problem for %s in %v", want, verr.Problems)
		}
	}
}

func TestValidator_CrossStepRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Session)
		field  string
	}{
		{
			name: "bundle completed without validation",
			mutate: func(s *Session) {
				s.Bundle.Completed = true
				s.Bundle.ExternalID = "esim_1"
				s.Status = StatusAuth
			},
			field: "bundle.completed",
		},
		{
			name: "auth completed without names",
			mutate: func(s *Session) {
				s.Auth.Completed = true
				s.Auth.UserID = "u1"
				s.Auth.Phone = "+33600000000"
			},
			field: "auth.completed",
		},
		{
			name: "payment completed without intent",
			mutate: func(s *Session) {
				s.Payment.Completed = true
			},
			field: "payment.completed",
		},
		{
			name: "status disagrees with flags",
			mutate: func(s *Session) {
				s.Status = StatusDelivery
			},
			field: "status",
		},
		{
			name: "expiry before creation",
			mutate: func(s *Session) {
				s.ExpiresAt = s.CreatedAt.Add(-time.Minute)
			},
			field: "expiresAt",
		},
		{
			name: "update before creation",
			mutate: func(s *Session) {
				s.UpdatedAt = s.CreatedAt.Add(-time.Minute)
			},
			field: "updatedAt",
		},
	}

	v := NewValidator()
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := testSession(t)
			tc.mutate(&s)
			err := v.Validate(s)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !strings.Contains(strings.Join(verr.Problems, ";"), tc.field) {
				t.Fatalf("expected problem for %s, got %v", tc.field, verr.Problems)
			}
		})
	}
}

func TestValidator_CompletedSessionIsValid(t *testing.T) {
	s := testSession(t)
	s.Bundle.Completed = true
	s.Bundle.Validated = true
	s.Bundle.ExternalID = "esim_UL_7D_FR_V2"
	s.Auth = AuthStep{Completed: true, UserID: "u1", Phone: "+33600000000", FirstName: "A", LastName: "B"}
	s.Delivery = DeliveryStep{Completed: true, Email: "a@example.com"}
	s.Payment = PaymentStep{Completed: true, Intent: &PaymentIntent{ID: "pi_1", URL: "https://pay.example.com/pi_1"}}
	done := s.CreatedAt.Add(time.Minute)
	s.CompletedAt = &done
	s.Status = DeriveStatus(s)

	if err := NewValidator().Validate(s); err != nil {
		t.Fatalf("expected valid confirmed session, got %v", err)
	}
}

func TestValidator_PhoneAndEmail(t *testing.T) {
	v := NewValidator()
	if err := v.Phone("+33600000000"); err != nil {
		t.Fatalf("expected E.164 phone to pass, got %v", err)
	}
	for _, bad := range []string{"", "0600000000", "+0", "+33 6 00 00 00 00"} {
		if err := v.Phone(bad); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected %q to be rejected, got %v", bad, err)
		}
	}
	if err := v.Email("a@example.com"); err != nil {
		t.Fatalf("expected email to pass, got %v", err)
	}
	if err := v.Email("a@"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected malformed email rejected, got %v", err)
	}
}
