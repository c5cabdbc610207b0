package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var workflowTracer = otel.Tracer("checkout/workflow")

const (
	ProductionSessionTTL  = 30 * time.Minute
	DevelopmentSessionTTL = 24 * time.Hour
)

// WorkflowConfig holds product decisions that shape the workflow.
type WorkflowConfig struct {
	SessionTTL time.Duration
	// EnforceExpiry rejects step operations on sessions past expiresAt.
	// Reads and deletes are never blocked.
	EnforceExpiry bool
}

// AuthInput is the argument set of Authenticate. Empty strings mean absent.
type AuthInput struct {
	UserID    string
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// DeliveryInput is the argument set of SetDelivery. Empty strings mean absent.
type DeliveryInput struct {
	Email     string
	Phone     string
	FirstName string
	LastName  string
}

// Workflow runs the checkout step operations. Every operation reads through
// the Store, calls at most one collaborator, then commits via UpdateStep.
type Workflow struct {
	store       *Store
	pricing     PricingEngine
	provisioner Provisioner
	identity    IdentityProvider
	users       UserRepository
	events      EventPublisher
	cfg         WorkflowConfig
	logger      *slog.Logger
	metrics     Recorder
	now         func() time.Time
	newID       func() string
}

// WorkflowOption customizes a Workflow.
type WorkflowOption func(*Workflow)

func WithClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

func WithIDGenerator(newID func() string) WorkflowOption {
	return func(w *Workflow) {
		if newID != nil {
			w.newID = newID
		}
	}
}

func WithRecorder(r Recorder) WorkflowOption {
	return func(w *Workflow) {
		if r != nil {
			w.metrics = r
		}
	}
}

// NewWorkflow constructs a Workflow. Missing collaborators surface as
// ErrNotInitialized from the operations that need them.
func NewWorkflow(store *Store, c Collaborators, cfg WorkflowConfig, logger *slog.Logger, opts ...WorkflowOption) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = ProductionSessionTTL
	}
	w := &Workflow{
		store:       store,
		pricing:     c.Pricing,
		provisioner: c.Provisioner,
		identity:    c.Identity,
		users:       c.Users,
		events:      c.Events,
		cfg:         cfg,
		logger:      logger,
		metrics:     nopRecorder{},
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CreateSession builds a session, inserts the durable row, then primes the cache.
func (w *Workflow) CreateSession(ctx context.Context, in NewSessionInput) (*Session, error) {
	return w.run(ctx, "CreateSession", "", func(ctx context.Context) (*Session, error) {
		if w.store == nil {
			return nil, ErrNotInitialized
		}
		in.CountryID = strings.TrimSpace(in.CountryID)
		if in.CountryID == "" {
			return nil, stepError(StepBundle, "countryId is required", ErrInvalidInput)
		}
		if in.NumOfDays < 1 {
			return nil, stepError(StepBundle, "numOfDays must be at least 1", ErrInvalidInput)
		}

		session := NewSession(w.newID(), in, w.now(), w.cfg.SessionTTL)
		if err := w.store.Insert(ctx, session, in.PlanSnapshot); err != nil {
			return nil, err
		}
		return w.store.Create(ctx, session)
	})
}

// SelectBundle resolves the best bundle for the request and records it. A
// selection never completes the bundle step; ValidateBundle does.
func (w *Workflow) SelectBundle(ctx context.Context, sessionID, countryID string, numOfDays int, group string) (*Session, error) {
	return w.run(ctx, "SelectBundle", sessionID, func(ctx context.Context) (*Session, error) {
		if _, err := w.load(ctx, sessionID); err != nil {
			return nil, err
		}
		countryID = strings.TrimSpace(countryID)
		if countryID == "" {
			return nil, stepError(StepBundle, "countryId is required", ErrInvalidInput)
		}
		if numOfDays < 1 {
			return nil, stepError(StepBundle, "numOfDays must be at least 1", ErrInvalidInput)
		}
		if w.pricing == nil {
			return nil, fmt.Errorf("pricing engine: %w", ErrNotInitialized)
		}

		result, err := w.pricing.Calculate(ctx, PricingRequest{Days: numOfDays, Country: countryID, Group: group})
		if err != nil {
			return nil, stepError(StepBundle, "pricing engine failed", err)
		}
		if result == nil || result.SelectedBundle == nil || result.SelectedBundle.Name == "" {
			return nil, stepError(StepBundle, fmt.Sprintf("no bundle available for %s/%d days", countryID, numOfDays), nil)
		}

		bundle := result.SelectedBundle
		price := result.Pricing
		perDay := decimal.NewFromFloat(price.FinalPrice).
			Div(decimal.NewFromInt(int64(numOfDays))).
			Round(2).
			InexactFloat64()
		currency := price.Currency
		if currency == "" {
			currency = DefaultCurrency
		}
		subtotal := price.Subtotal
		if subtotal == 0 {
			subtotal = price.FinalPrice + price.Discount
		}
		discounts := price.Discounts
		if discounts == nil {
			discounts = []Discount{}
		}
		speed := bundle.Speed
		if speed == nil {
			speed = []string{}
		}
		countryName := bundle.CountryName
		if countryName == "" {
			countryName = countryID
		}

		return w.store.UpdateStep(ctx, sessionID, BundlePatch{
			Completed:   ptr(false),
			Validated:   ptr(false),
			CountryID:   ptr(countryID),
			NumOfDays:   ptr(numOfDays),
			ExternalID:  ptr(bundle.Name),
			DataAmount:  ptr(bundle.DataAmountReadable),
			Price:       ptr(price.FinalPrice),
			PricePerDay: ptr(perDay),
			Discounts:   discounts,
			Speed:       speed,
			Country:     &Country{ISO: countryID, Name: countryName},
			Pricing: &Pricing{
				Subtotal: subtotal,
				Fees:     price.Fees,
				Discount: price.Discount,
				Total:    price.FinalPrice,
				Currency: currency,
			},
		})
	})
}

// ValidateBundle asks the provisioning API whether the selected bundle can be
// ordered; the bundle step completes exactly when it can.
func (w *Workflow) ValidateBundle(ctx context.Context, sessionID string) (*Session, error) {
	return w.run(ctx, "ValidateBundle", sessionID, func(ctx context.Context) (*Session, error) {
		session, err := w.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.Bundle.ExternalID == "" {
			return nil, stepError(StepBundle, "no bundle selected", nil)
		}
		if w.provisioner == nil {
			return nil, fmt.Errorf("provisioner: %w", ErrNotInitialized)
		}

		ok, err := w.provisioner.ValidateOrder(ctx, session.Bundle.ExternalID)
		if err != nil {
			return nil, stepError(StepBundle, "bundle validation failed", err)
		}
		return w.store.UpdateStep(ctx, sessionID, BundlePatch{
			Validated: ptr(ok),
			Completed: ptr(ok),
		})
	})
}

// Authenticate either starts a phone OTP login (no user id) or attaches an
// existing user, updating their profile with any supplied names or phone.
func (w *Workflow) Authenticate(ctx context.Context, sessionID string, in AuthInput) (*Session, error) {
	return w.run(ctx, "Authenticate", sessionID, func(ctx context.Context) (*Session, error) {
		session, err := w.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if in.Email != "" {
			if err := w.store.Validator().Email(in.Email); err != nil {
				return nil, stepError(StepAuth, "invalid email", err)
			}
		}
		if in.UserID == "" {
			return w.startOTP(ctx, session, in)
		}
		return w.attachUser(ctx, session, in)
	})
}

func (w *Workflow) startOTP(ctx context.Context, session *Session, in AuthInput) (*Session, error) {
	if in.Phone == "" {
		return nil, stepError(StepAuth, "phone is required to send an otp", ErrInvalidInput)
	}
	if err := w.store.Validator().Phone(in.Phone); err != nil {
		return nil, stepError(StepAuth, "invalid phone", err)
	}
	if w.identity == nil {
		return nil, fmt.Errorf("identity provider: %w", ErrNotInitialized)
	}
	if err := w.identity.SendOTP(ctx, in.Phone); err != nil {
		return nil, stepError(StepAuth, "otp send failed", err)
	}

	patch := AuthPatch{
		Phone:       ptr(in.Phone),
		Method:      ptr(AuthMethodOTP),
		OTPSent:     ptr(true),
		OTPVerified: ptr(false),
		Completed:   ptr(false),
	}
	if in.Email != "" {
		patch.Email = ptr(in.Email)
	}
	if in.FirstName != "" {
		patch.FirstName = ptr(in.FirstName)
	}
	if in.LastName != "" {
		patch.LastName = ptr(in.LastName)
	}
	return w.store.UpdateStep(ctx, session.ID, patch)
}

func (w *Workflow) attachUser(ctx context.Context, session *Session, in AuthInput) (*Session, error) {
	if in.Phone != "" {
		if err := w.store.Validator().Phone(in.Phone); err != nil {
			return nil, stepError(StepAuth, "invalid phone", err)
		}
	}
	if w.users == nil {
		return nil, fmt.Errorf("user repository: %w", ErrNotInitialized)
	}
	user, err := w.users.GetUserByID(ctx, in.UserID)
	if err != nil {
		return nil, stepError(StepAuth, "user lookup failed", err)
	}
	if user == nil {
		return nil, stepError(StepAuth, fmt.Sprintf("user %s not found", in.UserID), nil)
	}

	var update ProfileUpdate
	if in.FirstName != "" && in.FirstName != user.FirstName {
		update.FirstName = ptr(in.FirstName)
	}
	if in.LastName != "" && in.LastName != user.LastName {
		update.LastName = ptr(in.LastName)
	}
	if in.Phone != "" && in.Phone != user.PhoneNumber {
		update.PhoneNumber = ptr(in.Phone)
	}
	if update.FirstName != nil || update.LastName != nil || update.PhoneNumber != nil {
		user, err = w.users.UpdateProfile(ctx, in.UserID, update)
		if err != nil {
			return nil, stepError(StepAuth, "profile update failed", err)
		}
		if user == nil {
			return nil, stepError(StepAuth, fmt.Sprintf("user %s not found", in.UserID), nil)
		}
	}

	resolved := AuthStep{
		UserID:    user.ID,
		Email:     firstNonEmpty(in.Email, user.Email, session.Auth.Email),
		Phone:     firstNonEmpty(in.Phone, user.PhoneNumber, session.Auth.Phone),
		FirstName: firstNonEmpty(user.FirstName, in.FirstName),
		LastName:  firstNonEmpty(user.LastName, in.LastName),
	}
	return w.store.UpdateStep(ctx, session.ID, AuthPatch{
		UserID:    ptr(resolved.UserID),
		Email:     ptr(resolved.Email),
		Phone:     ptr(resolved.Phone),
		FirstName: ptr(resolved.FirstName),
		LastName:  ptr(resolved.LastName),
		Method:    ptr(AuthMethodToken),
		Completed: ptr(authReady(resolved)),
	})
}

// VerifyOTP finalizes a phone login. The fresh tokens are attached to the
// returned view only and are never persisted.
func (w *Workflow) VerifyOTP(ctx context.Context, sessionID, otp string) (*Session, error) {
	var tokens *VerifiedIdentity
	session, err := w.run(ctx, "VerifyOTP", sessionID, func(ctx context.Context) (*Session, error) {
		session, err := w.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.Auth.Phone == "" {
			return nil, stepError(StepAuth, "no phone awaiting verification", nil)
		}
		otp = strings.TrimSpace(otp)
		if otp == "" {
			return nil, stepError(StepAuth, "otp is required", ErrInvalidInput)
		}
		if w.identity == nil {
			return nil, fmt.Errorf("identity provider: %w", ErrNotInitialized)
		}

		identity, err := w.identity.VerifyOTP(ctx, session.Auth.Phone, otp)
		if err != nil {
			return nil, stepError(StepAuth, "otp verification failed", err)
		}
		if identity == nil || identity.User.ID == "" {
			return nil, stepError(StepAuth, "identity provider returned no user", nil)
		}
		tokens = identity

		resolved := AuthStep{
			UserID:    identity.User.ID,
			Email:     firstNonEmpty(identity.User.Email, session.Auth.Email),
			Phone:     session.Auth.Phone,
			FirstName: firstNonEmpty(identity.User.FirstName, session.Auth.FirstName),
			LastName:  firstNonEmpty(identity.User.LastName, session.Auth.LastName),
		}
		patch := AuthPatch{
			UserID:      ptr(resolved.UserID),
			OTPVerified: ptr(true),
			Completed:   ptr(authReady(resolved)),
		}
		if resolved.Email != "" {
			patch.Email = ptr(resolved.Email)
		}
		if resolved.FirstName != "" {
			patch.FirstName = ptr(resolved.FirstName)
		}
		if resolved.LastName != "" {
			patch.LastName = ptr(resolved.LastName)
		}
		return w.store.UpdateStep(ctx, sessionID, patch)
	})
	if err != nil {
		return nil, err
	}
	session.Auth.AuthToken = tokens.AccessToken
	session.Auth.RefreshToken = tokens.RefreshToken
	return session, nil
}

// UpdateAuthName writes the names to the user's profile and re-evaluates
// auth completion from the updated profile.
func (w *Workflow) UpdateAuthName(ctx context.Context, sessionID, firstName, lastName string) (*Session, error) {
	return w.run(ctx, "UpdateAuthName", sessionID, func(ctx context.Context) (*Session, error) {
		session, err := w.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.Auth.UserID == "" {
			return nil, stepError(StepAuth, "session has no authenticated user", nil)
		}
		firstName, lastName = strings.TrimSpace(firstName), strings.TrimSpace(lastName)
		if firstName == "" || lastName == "" {
			return nil, stepError(StepAuth, "first and last name are required", ErrInvalidInput)
		}
		if w.users == nil {
			return nil, fmt.Errorf("user repository: %w", ErrNotInitialized)
		}

		user, err := w.users.GetUserByID(ctx, session.Auth.UserID)
		if err != nil {
			return nil, stepError(StepAuth, "user lookup failed", err)
		}
		if user == nil {
			return nil, stepError(StepAuth, fmt.Sprintf("user %s not found", session.Auth.UserID), nil)
		}
		updated, err := w.users.UpdateProfile(ctx, user.ID, ProfileUpdate{FirstName: &firstName, LastName: &lastName})
		if err != nil {
			return nil, stepError(StepAuth, "profile update failed", err)
		}
		if updated == nil {
			return nil, stepError(StepAuth, fmt.Sprintf("user %s not found", user.ID), nil)
		}

		resolved := session.Auth
		resolved.FirstName = updated.FirstName
		resolved.LastName = updated.LastName
		resolved.Email = firstNonEmpty(resolved.Email, updated.Email)
		resolved.Phone = firstNonEmpty(resolved.Phone, updated.PhoneNumber)
		return w.store.UpdateStep(ctx, sessionID, AuthPatch{
			FirstName: ptr(resolved.FirstName),
			LastName:  ptr(resolved.LastName),
			Email:     ptr(resolved.Email),
			Phone:     ptr(resolved.Phone),
			Completed: ptr(authReady(resolved)),
		})
	})
}

// SetDelivery records the delivery contact and always completes the step.
func (w *Workflow) SetDelivery(ctx context.Context, sessionID string, in DeliveryInput) (*Session, error) {
	return w.run(ctx, "SetDelivery", sessionID, func(ctx context.Context) (*Session, error) {
		if _, err := w.load(ctx, sessionID); err != nil {
			return nil, err
		}
		patch := DeliveryPatch{Completed: ptr(true)}
		if in.Email != "" {
			if err := w.store.Validator().Email(in.Email); err != nil {
				return nil, stepError(StepDelivery, "invalid email", err)
			}
			patch.Email = ptr(in.Email)
		}
		if in.Phone != "" {
			if err := w.store.Validator().Phone(in.Phone); err != nil {
				return nil, stepError(StepDelivery, "invalid phone", err)
			}
			patch.Phone = ptr(in.Phone)
		}
		if in.FirstName != "" {
			patch.FirstName = ptr(in.FirstName)
		}
		if in.LastName != "" {
			patch.LastName = ptr(in.LastName)
		}
		return w.store.UpdateStep(ctx, sessionID, patch)
	})
}

// PreparePayment is reserved for the payment gateway integration.
func (w *Workflow) PreparePayment(ctx context.Context, sessionID string) (*Session, error) {
	return w.paymentStub(ctx, "PreparePayment", sessionID)
}

// CompletePayment is reserved for the payment gateway integration.
func (w *Workflow) CompletePayment(ctx context.Context, sessionID string) (*Session, error) {
	return w.paymentStub(ctx, "CompletePayment", sessionID)
}

// CapturePayment is reserved for the payment gateway integration.
func (w *Workflow) CapturePayment(ctx context.Context, sessionID string) (*Session, error) {
	return w.paymentStub(ctx, "CapturePayment", sessionID)
}

func (w *Workflow) paymentStub(ctx context.Context, op, sessionID string) (*Session, error) {
	return w.run(ctx, op, sessionID, func(ctx context.Context) (*Session, error) {
		if _, err := w.load(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, stepError(StepPayment, "payment gateway not available", ErrNotImplemented)
	})
}

// GetSession returns the session or ErrSessionNotFound.
func (w *Workflow) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if w.store == nil {
		return nil, ErrNotInitialized
	}
	session, err := w.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, notFound(sessionID)
	}
	return session, nil
}

// GetSessionByPaymentIntent returns the session carrying the intent or ErrSessionNotFound.
func (w *Workflow) GetSessionByPaymentIntent(ctx context.Context, intentID string) (*Session, error) {
	if w.store == nil {
		return nil, ErrNotInitialized
	}
	session, err := w.store.GetByPaymentIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: intent %s", ErrSessionNotFound, intentID)
	}
	return session, nil
}

// DeleteSession removes a session whether or not it has expired.
func (w *Workflow) DeleteSession(ctx context.Context, sessionID string) error {
	if w.store == nil {
		return ErrNotInitialized
	}
	ctx, span := workflowTracer.Start(ctx, "checkout.DeleteSession",
		trace.WithAttributes(attribute.String("checkout.session_id", sessionID)))
	defer span.End()

	start := time.Now()
	err := w.store.Delete(ctx, sessionID)
	w.metrics.Operation("DeleteSession", err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	w.publish(ctx, SessionEvent{
		Type:       EventSessionDeleted,
		SessionID:  sessionID,
		Operation:  "DeleteSession",
		OccurredAt: w.now(),
	})
	return nil
}

// load fetches a session for a step operation, enforcing expiry when configured.
func (w *Workflow) load(ctx context.Context, sessionID string) (*Session, error) {
	if w.store == nil {
		return nil, ErrNotInitialized
	}
	session, err := w.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, notFound(sessionID)
	}
	if w.cfg.EnforceExpiry && session.Expired(w.now()) {
		return nil, fmt.Errorf("%w: %s expired at %s", ErrSessionExpired, sessionID, session.ExpiresAt.Format(time.RFC3339))
	}
	return session, nil
}

func (w *Workflow) run(ctx context.Context, op, sessionID string, fn func(context.Context) (*Session, error)) (*Session, error) {
	ctx, span := workflowTracer.Start(ctx, "checkout."+op,
		trace.WithAttributes(attribute.String("checkout.session_id", sessionID)))
	defer span.End()

	start := time.Now()
	session, err := fn(ctx)
	w.metrics.Operation(op, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logOutcome(op, sessionID, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("checkout.session_id", session.ID),
		attribute.String("checkout.status", string(session.Status)),
		attribute.Int("checkout.version", session.Version),
	)
	eventType := EventSessionUpdated
	if op == "CreateSession" {
		eventType = EventSessionCreated
	}
	w.publish(ctx, SessionEvent{
		Type:       eventType,
		SessionID:  session.ID,
		Operation:  op,
		Status:     session.Status,
		Version:    session.Version,
		OccurredAt: session.UpdatedAt,
	})
	return session, nil
}

func (w *Workflow) logOutcome(op, sessionID string, err error) {
	var stepErr *StepError
	switch {
	case errors.As(err, &stepErr), errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
		w.logger.Info("checkout operation rejected", "op", op, "session_id", sessionID, "error", err)
	default:
		w.logger.Error("checkout operation failed", "op", op, "session_id", sessionID, "error", err)
	}
}

func (w *Workflow) publish(ctx context.Context, event SessionEvent) {
	if w.events == nil {
		return
	}
	if err := w.events.Publish(ctx, event); err != nil {
		w.logger.Warn("checkout event publish failed", "type", event.Type, "session_id", event.SessionID, "error", err)
	}
}
