package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "esim.checkout.v1.CheckoutService"

// CheckoutServiceServer is the server API for CheckoutService. Every method
// takes and returns a JSON-shaped structpb.Struct.
type CheckoutServiceServer interface {
	CreateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSessionByPaymentIntent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectBundle(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateBundle(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Authenticate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyOTP(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateAuthName(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetDelivery(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PreparePayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompletePayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CapturePayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(CheckoutServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpcpkg.MethodDesc {
	return grpcpkg.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CheckoutServiceServer), ctx, in)
			}
			info := &grpcpkg.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CheckoutServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// CheckoutService_ServiceDesc is the grpc.ServiceDesc for CheckoutService.
var CheckoutService_ServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CheckoutServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		unaryMethod("CreateSession", CheckoutServiceServer.CreateSession),
		unaryMethod("GetSession", CheckoutServiceServer.GetSession),
		unaryMethod("GetSessionByPaymentIntent", CheckoutServiceServer.GetSessionByPaymentIntent),
		unaryMethod("DeleteSession", CheckoutServiceServer.DeleteSession),
		unaryMethod("SelectBundle", CheckoutServiceServer.SelectBundle),
		unaryMethod("ValidateBundle", CheckoutServiceServer.ValidateBundle),
		unaryMethod("Authenticate", CheckoutServiceServer.Authenticate),
		unaryMethod("VerifyOTP", CheckoutServiceServer.VerifyOTP),
		unaryMethod("UpdateAuthName", CheckoutServiceServer.UpdateAuthName),
		unaryMethod("SetDelivery", CheckoutServiceServer.SetDelivery),
		unaryMethod("PreparePayment", CheckoutServiceServer.PreparePayment),
		unaryMethod("CompletePayment", CheckoutServiceServer.CompletePayment),
		unaryMethod("CapturePayment", CheckoutServiceServer.CapturePayment),
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "esim/checkout/v1/checkout.proto",
}

// RegisterCheckoutServiceServer registers srv on s.
func RegisterCheckoutServiceServer(s grpcpkg.ServiceRegistrar, srv CheckoutServiceServer) {
	s.RegisterService(&CheckoutService_ServiceDesc, srv)
}
