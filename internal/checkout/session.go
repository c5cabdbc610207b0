package checkout

import (
	"encoding/json"
	"time"
)

// Status is the logical position of a session in the checkout flow.
type Status string

const (
	StatusSelectBundle Status = "select-bundle"
	StatusAuth         Status = "auth"
	StatusDelivery     Status = "delivery"
	StatusPayment      Status = "payment"
	StatusConfirmation Status = "confirmation"
)

// StepName identifies one of the four independently mutable step records.
type StepName string

const (
	StepBundle   StepName = "bundle"
	StepAuth     StepName = "auth"
	StepDelivery StepName = "delivery"
	StepPayment  StepName = "payment"
)

// AuthMethod records how the shopper identified themselves.
type AuthMethod string

const (
	AuthMethodOTP   AuthMethod = "otp"
	AuthMethodToken AuthMethod = "token"
)

// DefaultCurrency is used when the pricing engine does not report one.
const DefaultCurrency = "USD"

// Session is the checkout aggregate.
type Session struct {
	ID          string       `json:"id" validate:"required"`
	Version     int          `json:"version" validate:"gte=1"`
	Status      Status       `json:"status" validate:"oneof=select-bundle auth delivery payment confirmation"`
	Bundle      BundleStep   `json:"bundle"`
	Auth        AuthStep     `json:"auth"`
	Delivery    DeliveryStep `json:"delivery"`
	Payment     PaymentStep  `json:"payment"`
	Pricing     *Pricing     `json:"pricing,omitempty"`
	CreatedAt   time.Time    `json:"createdAt" validate:"required"`
	UpdatedAt   time.Time    `json:"updatedAt" validate:"required"`
	ExpiresAt   time.Time    `json:"expiresAt" validate:"required"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

type BundleStep struct {
	Completed   bool       `json:"completed"`
	CountryID   string     `json:"countryId" validate:"required"`
	NumOfDays   int        `json:"numOfDays" validate:"gte=1"`
	ExternalID  string     `json:"externalId,omitempty"`
	DataAmount  string     `json:"dataAmount,omitempty"`
	Price       *float64   `json:"price,omitempty" validate:"omitempty,gte=0"`
	PricePerDay *float64   `json:"pricePerDay,omitempty" validate:"omitempty,gte=0"`
	Discounts   []Discount `json:"discounts" validate:"omitempty,dive"`
	Speed       []string   `json:"speed"`
	Validated   bool       `json:"validated"`
	Country     *Country   `json:"country,omitempty"`
}

type Discount struct {
	Code        string  `json:"code,omitempty"`
	Description string  `json:"description,omitempty"`
	Amount      float64 `json:"amount" validate:"gte=0"`
}

type Country struct {
	ISO  string `json:"iso" validate:"required"`
	Name string `json:"name,omitempty"`
}

// AuthStep carries the shopper's identity. AuthToken and RefreshToken are
// only ever populated on views returned to the caller; the store strips them.
type AuthStep struct {
	Completed    bool       `json:"completed"`
	UserID       string     `json:"userId,omitempty"`
	Email        string     `json:"email,omitempty" validate:"omitempty,email"`
	Phone        string     `json:"phone,omitempty" validate:"omitempty,e164"`
	FirstName    string     `json:"firstName,omitempty"`
	LastName     string     `json:"lastName,omitempty"`
	Method       AuthMethod `json:"method,omitempty" validate:"omitempty,oneof=otp token"`
	OTPSent      bool       `json:"otpSent"`
	OTPVerified  bool       `json:"otpVerified"`
	AuthToken    string     `json:"authToken,omitempty"`
	RefreshToken string     `json:"refreshToken,omitempty"`
}

type DeliveryStep struct {
	Completed bool   `json:"completed"`
	Email     string `json:"email,omitempty" validate:"omitempty,email"`
	Phone     string `json:"phone,omitempty" validate:"omitempty,e164"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

type PaymentStep struct {
	Completed bool           `json:"completed"`
	Intent    *PaymentIntent `json:"intent,omitempty"`
}

type PaymentIntent struct {
	ID  string `json:"id" validate:"required"`
	URL string `json:"url,omitempty" validate:"omitempty,url"`
}

// Pricing is the price breakdown snapshot attached on bundle selection.
type Pricing struct {
	Subtotal float64 `json:"subtotal" validate:"gte=0"`
	Fees     float64 `json:"fees" validate:"gte=0"`
	Discount float64 `json:"discount" validate:"gte=0"`
	Total    float64 `json:"total" validate:"gte=0"`
	Currency string  `json:"currency" validate:"required,len=3"`
}

// NewSessionInput seeds a session at the start of checkout.
type NewSessionInput struct {
	CountryID    string
	NumOfDays    int
	UserID       string
	PlanSnapshot json.RawMessage
}

// NewSession assembles a fresh session in the select-bundle state.
func NewSession(id string, in NewSessionInput, now time.Time, ttl time.Duration) Session {
	s := Session{
		ID:      id,
		Version: 1,
		Bundle: BundleStep{
			CountryID: in.CountryID,
			NumOfDays: in.NumOfDays,
			Discounts: []Discount{},
			Speed:     []string{},
		},
		Auth:      AuthStep{UserID: in.UserID},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.Status = DeriveStatus(s)
	return s
}

// IntentID returns the payment intent id or "" when none is attached.
func (s Session) IntentID() string {
	if s.Payment.Intent == nil {
		return ""
	}
	return s.Payment.Intent.ID
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy safe to mutate.
func (s Session) Clone() Session {
	out := s
	out.Bundle.Discounts = append([]Discount(nil), s.Bundle.Discounts...)
	out.Bundle.Speed = append([]string(nil), s.Bundle.Speed...)
	if s.Bundle.Discounts != nil && out.Bundle.Discounts == nil {
		out.Bundle.Discounts = []Discount{}
	}
	if s.Bundle.Speed != nil && out.Bundle.Speed == nil {
		out.Bundle.Speed = []string{}
	}
	out.Bundle.Price = clonePtr(s.Bundle.Price)
	out.Bundle.PricePerDay = clonePtr(s.Bundle.PricePerDay)
	out.Bundle.Country = clonePtr(s.Bundle.Country)
	out.Payment.Intent = clonePtr(s.Payment.Intent)
	out.Pricing = clonePtr(s.Pricing)
	out.CompletedAt = clonePtr(s.CompletedAt)
	return out
}

// withoutTokens drops credentials that must never reach storage.
func (s Session) withoutTokens() Session {
	s.Auth.AuthToken = ""
	s.Auth.RefreshToken = ""
	return s
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T {
	return &v
}
