package checkout

import "testing"

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name     string
		bundle   bool
		auth     bool
		delivery bool
		payment  bool
		expected Status
	}{
		{name: "fresh", expected: StatusSelectBundle},
		{name: "bundle done", bundle: true, expected: StatusAuth},
		{name: "auth done", bundle: true, auth: true, expected: StatusDelivery},
		{name: "delivery done", bundle: true, auth: true, delivery: true, expected: StatusPayment},
		{name: "all done", bundle: true, auth: true, delivery: true, payment: true, expected: StatusConfirmation},
		{name: "later steps without bundle", auth: true, delivery: true, payment: true, expected: StatusSelectBundle},
		{name: "delivery without auth", bundle: true, delivery: true, expected: StatusAuth},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var s Session
			s.Bundle.Completed = tc.bundle
			s.Auth.Completed = tc.auth
			s.Delivery.Completed = tc.delivery
			s.Payment.Completed = tc.payment
			if got := DeriveStatus(s); got != tc.expected {
				t.Fatalf("DeriveStatus = %s, want %s", got, tc.expected)
			}
		})
	}
}

func TestStateMapping(t *testing.T) {
	cases := []struct {
		status  Status
		state   WorkflowState
		payment PaymentStatus
	}{
		{status: StatusSelectBundle, state: StateInitialized, payment: PaymentPending},
		{status: StatusAuth, state: StateAuthenticated, payment: PaymentPending},
		{status: StatusDelivery, state: StateDeliverySet, payment: PaymentPending},
		{status: StatusPayment, state: StatePaymentReady, payment: PaymentProcessing},
		{status: StatusConfirmation, state: StatePaymentCompleted, payment: PaymentSucceeded},
	}

	for _, tc := range cases {
		if got := StateForStatus(tc.status); got != tc.state {
			t.Fatalf("StateForStatus(%s) = %s, want %s", tc.status, got, tc.state)
		}
		if got := PaymentStatusForStatus(tc.status); got != tc.payment {
			t.Fatalf("PaymentStatusForStatus(%s) = %s, want %s", tc.status, got, tc.payment)
		}
		back, ok := StatusForState(tc.state)
		if !ok || back != tc.status {
			t.Fatalf("StatusForState(%s) = %s/%v, want %s", tc.state, back, ok, tc.status)
		}
	}
}

func TestStatusForState_ProcessingCollapsesToPayment(t *testing.T) {
	got, ok := StatusForState(StatePaymentProcessing)
	if !ok || got != StatusPayment {
		t.Fatalf("expected payment, got %s/%v", got, ok)
	}
	if _, ok := StatusForState("SHIPPED"); ok {
		t.Fatalf("expected unknown state to be rejected")
	}
	if got := StateForStatus("bogus"); got != StateInitialized {
		t.Fatalf("expected unknown status to map to INITIALIZED, got %s", got)
	}
}
