package checkout

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError lists every rule a session violated.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidSession, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidSession
}

// Validator enforces the session contract. It is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
}

// NewValidator builds a validator with field tags keyed by their JSON names.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(sessionRules, Session{})
	return &Validator{validate: v}
}

// Validate checks field constraints plus cross-step rules.
func (v *Validator) Validate(s Session) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describe(fe))
	}
	return &ValidationError{Problems: problems}
}

// Phone reports whether phone is a non-empty E.164 number.
func (v *Validator) Phone(phone string) error {
	if err := v.validate.Var(phone, "required,e164"); err != nil {
		return fmt.Errorf("%w: phone %q is not E.164", ErrInvalidInput, phone)
	}
	return nil
}

// Email reports whether email is a well-formed address.
func (v *Validator) Email(email string) error {
	if err := v.validate.Var(email, "required,email"); err != nil {
		return fmt.Errorf("%w: email %q is malformed", ErrInvalidInput, email)
	}
	return nil
}

func sessionRules(sl validator.StructLevel) {
	s := sl.Current().Interface().(Session)

	if s.Bundle.Completed && (!s.Bundle.Validated || s.Bundle.ExternalID == "") {
		sl.ReportError(s.Bundle.Completed, "bundle.completed", "Completed", "requires_validated_bundle", "")
	}
	if s.Auth.Completed && !authReady(s.Auth) {
		sl.ReportError(s.Auth.Completed, "auth.completed", "Completed", "requires_identity", "")
	}
	if s.Payment.Completed && s.IntentID() == "" {
		sl.ReportError(s.Payment.Completed, "payment.completed", "Completed", "requires_intent", "")
	}
	if derived := DeriveStatus(s); s.Status != derived {
		sl.ReportError(s.Status, "status", "Status", "derived", string(derived))
	}

	if !s.CreatedAt.IsZero() {
		if !s.UpdatedAt.IsZero() && s.UpdatedAt.Before(s.CreatedAt) {
			sl.ReportError(s.UpdatedAt, "updatedAt", "UpdatedAt", "not_before_created", "")
		}
		if !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(s.CreatedAt) {
			sl.ReportError(s.ExpiresAt, "expiresAt", "ExpiresAt", "after_created", "")
		}
		if s.CompletedAt != nil && s.CompletedAt.Before(s.CreatedAt) {
			sl.ReportError(s.CompletedAt, "completedAt", "CompletedAt", "not_before_created", "")
		}
	}
}

// authReady is the auth completion prerequisite: a user, a contact and a full name.
func authReady(a AuthStep) bool {
	return a.UserID != "" && (a.Email != "" || a.Phone != "") && a.FirstName != "" && a.LastName != ""
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Session.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}
