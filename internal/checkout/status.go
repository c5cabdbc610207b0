package checkout

// WorkflowState is the durable store's state vocabulary.
type WorkflowState string

const (
	StateInitialized       WorkflowState = "INITIALIZED"
	StateAuthenticated     WorkflowState = "AUTHENTICATED"
	StateDeliverySet       WorkflowState = "DELIVERY_SET"
	StatePaymentReady      WorkflowState = "PAYMENT_READY"
	StatePaymentProcessing WorkflowState = "PAYMENT_PROCESSING"
	StatePaymentCompleted  WorkflowState = "PAYMENT_COMPLETED"
)

// PaymentStatus is the coarse payment vocabulary persisted next to the state.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSucceeded  PaymentStatus = "SUCCEEDED"
)

// DeriveStatus walks bundle, auth, delivery and payment in order and returns
// the first incomplete step, or confirmation when all four are complete.
func DeriveStatus(s Session) Status {
	switch {
	case !s.Bundle.Completed:
		return StatusSelectBundle
	case !s.Auth.Completed:
		return StatusAuth
	case !s.Delivery.Completed:
		return StatusDelivery
	case !s.Payment.Completed:
		return StatusPayment
	default:
		return StatusConfirmation
	}
}

// StateForStatus maps a logical status to the durable workflow state.
func StateForStatus(status Status) WorkflowState {
	switch status {
	case StatusAuth:
		return StateAuthenticated
	case StatusDelivery:
		return StateDeliverySet
	case StatusPayment:
		return StatePaymentReady
	case StatusConfirmation:
		return StatePaymentCompleted
	default:
		return StateInitialized
	}
}

// StatusForState maps a durable workflow state back to a logical status.
// PAYMENT_READY and PAYMENT_PROCESSING both collapse to payment.
func StatusForState(state WorkflowState) (Status, bool) {
	switch state {
	case StateInitialized:
		return StatusSelectBundle, true
	case StateAuthenticated:
		return StatusAuth, true
	case StateDeliverySet:
		return StatusDelivery, true
	case StatePaymentReady, StatePaymentProcessing:
		return StatusPayment, true
	case StatePaymentCompleted:
		return StatusConfirmation, true
	default:
		return "", false
	}
}

// PaymentStatusForStatus maps a logical status to the coarse payment status.
func PaymentStatusForStatus(status Status) PaymentStatus {
	switch status {
	case StatusPayment:
		return PaymentProcessing
	case StatusConfirmation:
		return PaymentSucceeded
	default:
		return PaymentPending
	}
}
