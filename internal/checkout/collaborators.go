package checkout

import "context"

// PricingRequest asks the pricing engine for the best bundle.
type PricingRequest struct {
	Days    int
	Country string
	Group   string
}

// SelectedBundle is the bundle the pricing engine resolved.
type SelectedBundle struct {
	Name               string   `json:"esim_go_name"`
	DataAmountReadable string   `json:"data_amount_readable"`
	Speed              []string `json:"speed"`
	CountryName        string   `json:"country_name"`
}

// PricingBreakdown is the engine's price for the selected bundle.
type PricingBreakdown struct {
	FinalPrice float64    `json:"finalPrice"`
	Subtotal   float64    `json:"subtotal"`
	Fees       float64    `json:"fees"`
	Discount   float64    `json:"discount"`
	Currency   string     `json:"currency"`
	Discounts  []Discount `json:"discounts"`
}

type PricingResult struct {
	SelectedBundle *SelectedBundle  `json:"selectedBundle"`
	Pricing        PricingBreakdown `json:"pricing"`
}

// PricingEngine resolves a bundle and its price for days, country and group.
type PricingEngine interface {
	Calculate(ctx context.Context, req PricingRequest) (*PricingResult, error)
}

// Provisioner checks with the eSIM provider that a bundle can be ordered.
type Provisioner interface {
	ValidateOrder(ctx context.Context, bundleExternalID string) (bool, error)
}

// IdentityUser is the user record returned by the identity provider.
type IdentityUser struct {
	ID        string
	Email     string
	Phone     string
	FirstName string
	LastName  string
}

// VerifiedIdentity is a successful OTP verification.
type VerifiedIdentity struct {
	User         IdentityUser
	AccessToken  string
	RefreshToken string
}

// IdentityProvider sends and verifies phone OTPs.
type IdentityProvider interface {
	SendOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, phone, otp string) (*VerifiedIdentity, error)
}

type User struct {
	ID          string
	Email       string
	PhoneNumber string
	FirstName   string
	LastName    string
}

// ProfileUpdate changes only the non-nil fields.
type ProfileUpdate struct {
	FirstName   *string
	LastName    *string
	PhoneNumber *string
}

// UserRepository looks up and updates user profiles. GetUserByID returns
// nil, nil for an unknown id.
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
	UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*User, error)
}

// Collaborators groups the external services the workflow calls.
type Collaborators struct {
	Pricing     PricingEngine
	Provisioner Provisioner
	Identity    IdentityProvider
	Users       UserRepository
	Events      EventPublisher
}
