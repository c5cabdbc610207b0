package checkout

// StepPatch is a partial update of exactly one step. Nil fields are left
// untouched; non-nil fields replace the stored value wholesale, including
// slices and nested structs.
type StepPatch interface {
	Step() StepName
	apply(s *Session)
}

// BundlePatch updates the bundle step. Pricing replaces the session-level
// snapshot that accompanies bundle selection.
type BundlePatch struct {
	Completed   *bool
	CountryID   *string
	NumOfDays   *int
	ExternalID  *string
	DataAmount  *string
	Price       *float64
	PricePerDay *float64
	Discounts   []Discount
	Speed       []string
	Validated   *bool
	Country     *Country
	Pricing     *Pricing
}

func (BundlePatch) Step() StepName { return StepBundle }

func (p BundlePatch) apply(s *Session) {
	b := &s.Bundle
	setIf(&b.Completed, p.Completed)
	setIf(&b.CountryID, p.CountryID)
	setIf(&b.NumOfDays, p.NumOfDays)
	setIf(&b.ExternalID, p.ExternalID)
	setIf(&b.DataAmount, p.DataAmount)
	if p.Price != nil {
		b.Price = clonePtr(p.Price)
	}
	if p.PricePerDay != nil {
		b.PricePerDay = clonePtr(p.PricePerDay)
	}
	if p.Discounts != nil {
		b.Discounts = append([]Discount{}, p.Discounts...)
	}
	if p.Speed != nil {
		b.Speed = append([]string{}, p.Speed...)
	}
	setIf(&b.Validated, p.Validated)
	if p.Country != nil {
		b.Country = clonePtr(p.Country)
	}
	if p.Pricing != nil {
		s.Pricing = clonePtr(p.Pricing)
	}
}

type AuthPatch struct {
	Completed   *bool
	UserID      *string
	Email       *string
	Phone       *string
	FirstName   *string
	LastName    *string
	Method      *AuthMethod
	OTPSent     *bool
	OTPVerified *bool
}

func (AuthPatch) Step() StepName { return StepAuth }

func (p AuthPatch) apply(s *Session) {
	a := &s.Auth
	setIf(&a.Completed, p.Completed)
	setIf(&a.UserID, p.UserID)
	setIf(&a.Email, p.Email)
	setIf(&a.Phone, p.Phone)
	setIf(&a.FirstName, p.FirstName)
	setIf(&a.LastName, p.LastName)
	setIf(&a.Method, p.Method)
	setIf(&a.OTPSent, p.OTPSent)
	setIf(&a.OTPVerified, p.OTPVerified)
}

type DeliveryPatch struct {
	Completed *bool
	Email     *string
	Phone     *string
	FirstName *string
	LastName  *string
}

func (DeliveryPatch) Step() StepName { return StepDelivery }

func (p DeliveryPatch) apply(s *Session) {
	d := &s.Delivery
	setIf(&d.Completed, p.Completed)
	setIf(&d.Email, p.Email)
	setIf(&d.Phone, p.Phone)
	setIf(&d.FirstName, p.FirstName)
	setIf(&d.LastName, p.LastName)
}

// PaymentPatch updates the payment step. ClearIntent detaches the current
// intent and wins over Intent.
type PaymentPatch struct {
	Completed   *bool
	Intent      *PaymentIntent
	ClearIntent bool
}

func (PaymentPatch) Step() StepName { return StepPayment }

func (p PaymentPatch) apply(s *Session) {
	setIf(&s.Payment.Completed, p.Completed)
	switch {
	case p.ClearIntent:
		s.Payment.Intent = nil
	case p.Intent != nil:
		s.Payment.Intent = clonePtr(p.Intent)
	}
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
