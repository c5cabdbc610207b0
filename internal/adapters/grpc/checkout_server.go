package grpc

import (
	"context"
	"encoding/json"
	"errors"

	"esimcheckout/internal/checkout"
	checkoutdb "esimcheckout/internal/db/checkout"
	"esimcheckout/internal/reliability"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// CheckoutService defines the behavior needed by the gRPC adapter.
type CheckoutService interface {
	CreateSession(ctx context.Context, in checkout.NewSessionInput) (*checkout.Session, error)
	GetSession(ctx context.Context, sessionID string) (*checkout.Session, error)
	GetSessionByPaymentIntent(ctx context.Context, intentID string) (*checkout.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SelectBundle(ctx context.Context, sessionID, countryID string, numOfDays int, group string) (*checkout.Session, error)
	ValidateBundle(ctx context.Context, sessionID string) (*checkout.Session, error)
	Authenticate(ctx context.Context, sessionID string, in checkout.AuthInput) (*checkout.Session, error)
	VerifyOTP(ctx context.Context, sessionID, otp string) (*checkout.Session, error)
	UpdateAuthName(ctx context.Context, sessionID, firstName, lastName string) (*checkout.Session, error)
	SetDelivery(ctx context.Context, sessionID string, in checkout.DeliveryInput) (*checkout.Session, error)
	PreparePayment(ctx context.Context, sessionID string) (*checkout.Session, error)
	CompletePayment(ctx context.Context, sessionID string) (*checkout.Session, error)
	CapturePayment(ctx context.Context, sessionID string) (*checkout.Session, error)
}

// CheckoutServer adapts CheckoutService to gRPC.
type CheckoutServer struct {
	service CheckoutService
}

var _ CheckoutServiceServer = (*CheckoutServer)(nil)

// NewCheckoutServer constructs a CheckoutServer.
func NewCheckoutServer(svc CheckoutService) *CheckoutServer {
	return &CheckoutServer{service: svc}
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type createSessionRequest struct {
	CountryID    string          `json:"countryId"`
	NumOfDays    int             `json:"numOfDays"`
	UserID       string          `json:"userId"`
	PlanSnapshot json.RawMessage `json:"planSnapshot"`
}

type intentRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

type selectBundleRequest struct {
	SessionID string `json:"sessionId"`
	CountryID string `json:"countryId"`
	NumOfDays int    `json:"numOfDays"`
	Group     string `json:"group"`
}

type authenticateRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

type verifyOTPRequest struct {
	SessionID string `json:"sessionId"`
	OTP       string `json:"otp"`
}

type updateAuthNameRequest struct {
	SessionID string `json:"sessionId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type setDeliveryRequest struct {
	SessionID string `json:"sessionId"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (s *CheckoutServer) CreateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in createSessionRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if string(in.PlanSnapshot) == "null" {
		in.PlanSnapshot = nil
	}
	return respond(s.service.CreateSession(ctx, checkout.NewSessionInput{
		CountryID:    in.CountryID,
		NumOfDays:    in.NumOfDays,
		UserID:       in.UserID,
		PlanSnapshot: in.PlanSnapshot,
	}))
}

func (s *CheckoutServer) GetSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	return respond(s.service.GetSession(ctx, id))
}

func (s *CheckoutServer) GetSessionByPaymentIntent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in intentRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.PaymentIntentID == "" {
		return nil, status.Error(codes.InvalidArgument, "paymentIntentId is required")
	}
	return respond(s.service.GetSessionByPaymentIntent(ctx, in.PaymentIntentID))
}

func (s *CheckoutServer) DeleteSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	if err := s.service.DeleteSession(ctx, id); err != nil {
		return nil, mapCheckoutError(err)
	}
	return structpb.NewStruct(map[string]any{"sessionId": id, "deleted": true})
}

func (s *CheckoutServer) SelectBundle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in selectBundleRequest
	if err := decodeSession(req, &in, &in.SessionID); err != nil {
		return nil, err
	}
	return respond(s.service.SelectBundle(ctx, in.SessionID, in.CountryID, in.NumOfDays, in.Group))
}

func (s *CheckoutServer) ValidateBundle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	return respond(s.service.ValidateBundle(ctx, id))
}

func (s *CheckoutServer) Authenticate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in authenticateRequest
	if err := decodeSession(req, &in, &in.SessionID); err != nil {
		return nil, err
	}
	return respond(s.service.Authenticate(ctx, in.SessionID, checkout.AuthInput{
		UserID:    in.UserID,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Email:     in.Email,
		Phone:     in.Phone,
	}))
}

func (s *CheckoutServer) VerifyOTP(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in verifyOTPRequest
	if err := decodeSession(req, &in, &in.SessionID); err != nil {
		return nil, err
	}
	return respond(s.service.VerifyOTP(ctx, in.SessionID, in.OTP))
}

func (s *CheckoutServer) UpdateAuthName(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in updateAuthNameRequest
	if err := decodeSession(req, &in, &in.SessionID); err != nil {
		return nil, err
	}
	return respond(s.service.UpdateAuthName(ctx, in.SessionID, in.FirstName, in.LastName))
}

func (s *CheckoutServer) SetDelivery(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in setDeliveryRequest
	if err := decodeSession(req, &in, &in.SessionID); err != nil {
		return nil, err
	}
	return respond(s.service.SetDelivery(ctx, in.SessionID, checkout.DeliveryInput{
		Email:     in.Email,
		Phone:     in.Phone,
		FirstName: in.FirstName,
		LastName:  in.LastName,
	}))
}

func (s *CheckoutServer) PreparePayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	return respond(s.service.PreparePayment(ctx, id))
}

func (s *CheckoutServer) CompletePayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	return respond(s.service.CompletePayment(ctx, id))
}

func (s *CheckoutServer) CapturePayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	return respond(s.service.CapturePayment(ctx, id))
}

// decode round-trips the struct through JSON into dst.
func decode(req *structpb.Struct, dst any) error {
	raw, err := req.MarshalJSON()
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

func decodeSession(req *structpb.Struct, dst any, id *string) error {
	if err := decode(req, dst); err != nil {
		return err
	}
	if *id == "" {
		return status.Error(codes.InvalidArgument, "sessionId is required")
	}
	return nil
}

func sessionID(req *structpb.Struct) (string, error) {
	var in sessionRequest
	if err := decodeSession(req, &in, &in.SessionID); err != nil {
		return "", err
	}
	return in.SessionID, nil
}

func respond(session *checkout.Session, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, mapCheckoutError(err)
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode session: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Errorf(codes.Internal, "encode session: %v", err)
	}
	return out, nil
}

func mapCheckoutError(err error) error {
	var stepErr *checkout.StepError
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, checkout.ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, checkout.ErrInvalidInput), errors.Is(err, checkout.ErrInvalidSession):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, checkout.ErrSessionExpired):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, checkout.ErrVersionConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, checkoutdb.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, checkout.ErrNotImplemented):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, checkout.ErrNotInitialized), errors.Is(err, reliability.ErrCircuitOpen):
		return status.Error(codes.Unavailable, err.Error())
	case errors.As(err, &stepErr):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
