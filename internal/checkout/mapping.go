package checkout

import (
	"bytes"
	"encoding/json"
	"fmt"

	checkoutdb "esimcheckout/internal/db/checkout"
)

// rowMetadata is the flat metadata column. Older rows carry step fields only
// here, so it doubles as the fallback source when steps is sparse.
type rowMetadata struct {
	RequestedDays int      `json:"requestedDays,omitempty"`
	Countries     []string `json:"countries,omitempty"`
	Country       string   `json:"country,omitempty"`
	DataAmount    string   `json:"dataAmount,omitempty"`
	Speed         []string `json:"speed,omitempty"`
	IsValidated   bool     `json:"isValidated"`
	AuthEmail     string   `json:"authEmail,omitempty"`
	AuthPhone     string   `json:"authPhone,omitempty"`
	FirstName     string   `json:"firstName,omitempty"`
	LastName      string   `json:"lastName,omitempty"`
	DeliveryEmail string   `json:"deliveryEmail,omitempty"`
	DeliveryPhone string   `json:"deliveryPhone,omitempty"`
}

type rowPricing struct {
	FinalPrice float64 `json:"finalPrice"`
	Subtotal   float64 `json:"subtotal,omitempty"`
	Fees       float64 `json:"fees,omitempty"`
	Discount   float64 `json:"discount"`
	Currency   string  `json:"currency,omitempty"`
}

type rowSteps struct {
	Bundle   *BundleStep   `json:"bundle,omitempty"`
	Auth     *AuthStep     `json:"auth,omitempty"`
	Delivery *DeliveryStep `json:"delivery,omitempty"`
	Payment  *PaymentStep  `json:"payment,omitempty"`
}

// RowFromSession builds the durable row for s. plan_snapshot and order_id
// are left empty; they are owned by whoever creates or fulfils the row.
func RowFromSession(s Session) (checkoutdb.SessionRow, error) {
	s = s.withoutTokens()

	meta := rowMetadata{
		RequestedDays: s.Bundle.NumOfDays,
		Country:       s.Bundle.CountryID,
		DataAmount:    s.Bundle.DataAmount,
		Speed:         s.Bundle.Speed,
		IsValidated:   s.Bundle.Validated,
		AuthEmail:     s.Auth.Email,
		AuthPhone:     s.Auth.Phone,
		FirstName:     s.Auth.FirstName,
		LastName:      s.Auth.LastName,
		DeliveryEmail: s.Delivery.Email,
		DeliveryPhone: s.Delivery.Phone,
	}
	if s.Bundle.CountryID != "" {
		meta.Countries = []string{s.Bundle.CountryID}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return checkoutdb.SessionRow{}, fmt.Errorf("encode metadata: %w", err)
	}

	steps, err := json.Marshal(rowSteps{
		Bundle:   &s.Bundle,
		Auth:     &s.Auth,
		Delivery: &s.Delivery,
		Payment:  &s.Payment,
	})
	if err != nil {
		return checkoutdb.SessionRow{}, fmt.Errorf("encode steps: %w", err)
	}

	var pricing json.RawMessage
	if s.Pricing != nil {
		pricing, err = json.Marshal(rowPricing{
			FinalPrice: s.Pricing.Total,
			Subtotal:   s.Pricing.Subtotal,
			Fees:       s.Pricing.Fees,
			Discount:   s.Pricing.Discount,
			Currency:   s.Pricing.Currency,
		})
		if err != nil {
			return checkoutdb.SessionRow{}, fmt.Errorf("encode pricing: %w", err)
		}
	}

	return checkoutdb.SessionRow{
		ID:              s.ID,
		UserID:          s.Auth.UserID,
		State:           string(StateForStatus(s.Status)),
		PaymentStatus:   string(PaymentStatusForStatus(s.Status)),
		PaymentIntentID: s.IntentID(),
		Metadata:        metadata,
		Pricing:         pricing,
		Steps:           steps,
		Version:         s.Version,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		ExpiresAt:       s.ExpiresAt,
		CompletedAt:     s.CompletedAt,
	}, nil
}

// SessionFromRow reassembles a session from a durable row, filling step
// fields missing from steps out of metadata and the flat columns. Status is
// derived from the step flags; the caller compares it with row.State.
func SessionFromRow(row checkoutdb.SessionRow) (Session, error) {
	var meta rowMetadata
	if err := decodeColumn(row.Metadata, &meta); err != nil {
		return Session{}, fmt.Errorf("decode metadata: %w", err)
	}
	var steps rowSteps
	if err := decodeColumn(row.Steps, &steps); err != nil {
		return Session{}, fmt.Errorf("decode steps: %w", err)
	}
	var price *rowPricing
	if err := decodeColumn(row.Pricing, &price); err != nil {
		return Session{}, fmt.Errorf("decode pricing: %w", err)
	}

	s := Session{
		ID:          row.ID,
		Version:     row.Version,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		ExpiresAt:   row.ExpiresAt,
		CompletedAt: row.CompletedAt,
	}
	if s.Version < 1 {
		s.Version = 1
	}

	if steps.Bundle != nil {
		s.Bundle = *steps.Bundle
	} else {
		s.Bundle.Validated = meta.IsValidated
	}
	if s.Bundle.CountryID == "" {
		s.Bundle.CountryID = meta.Country
	}
	if s.Bundle.CountryID == "" && len(meta.Countries) > 0 {
		s.Bundle.CountryID = meta.Countries[0]
	}
	if s.Bundle.NumOfDays == 0 {
		s.Bundle.NumOfDays = meta.RequestedDays
	}
	if s.Bundle.DataAmount == "" {
		s.Bundle.DataAmount = meta.DataAmount
	}
	if s.Bundle.Speed == nil {
		s.Bundle.Speed = meta.Speed
	}
	if s.Bundle.Speed == nil {
		s.Bundle.Speed = []string{}
	}
	if s.Bundle.Discounts == nil {
		s.Bundle.Discounts = []Discount{}
	}

	if steps.Auth != nil {
		s.Auth = *steps.Auth
	}
	s.Auth.UserID = firstNonEmpty(s.Auth.UserID, row.UserID)
	s.Auth.Email = firstNonEmpty(s.Auth.Email, meta.AuthEmail)
	s.Auth.Phone = firstNonEmpty(s.Auth.Phone, meta.AuthPhone)
	s.Auth.FirstName = firstNonEmpty(s.Auth.FirstName, meta.FirstName)
	s.Auth.LastName = firstNonEmpty(s.Auth.LastName, meta.LastName)

	if steps.Delivery != nil {
		s.Delivery = *steps.Delivery
	}
	s.Delivery.Email = firstNonEmpty(s.Delivery.Email, meta.DeliveryEmail)
	s.Delivery.Phone = firstNonEmpty(s.Delivery.Phone, meta.DeliveryPhone)

	if steps.Payment != nil {
		s.Payment = *steps.Payment
	}
	if s.Payment.Intent == nil && row.PaymentIntentID != "" {
		s.Payment.Intent = &PaymentIntent{ID: row.PaymentIntentID}
	}

	if price != nil {
		p := Pricing{
			Subtotal: price.Subtotal,
			Fees:     price.Fees,
			Discount: price.Discount,
			Total:    price.FinalPrice,
			Currency: price.Currency,
		}
		if p.Subtotal == 0 {
			p.Subtotal = price.FinalPrice + price.Discount
		}
		if p.Currency == "" {
			p.Currency = DefaultCurrency
		}
		s.Pricing = &p
	}

	s.Status = DeriveStatus(s)
	return s.withoutTokens(), nil
}

func decodeColumn(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, dst)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
