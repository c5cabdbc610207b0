package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"esimcheckout/internal/observability"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

// admit takes an ingress token. A caller that gives up while queued gets its
// own context code, any other limiter failure is ResourceExhausted.
func admit(ctx context.Context, limiter rateLimiter) error {
	if limiter == nil {
		return nil
	}
	err := limiter.Wait(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Errorf(codes.ResourceExhausted, "rate limited: %v", err)
	}
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if err := admit(s.Context(), s.limiter); err != nil {
		return err
	}
	return s.ServerStream.RecvMsg(m)
}

// callObserver records one RPC in metrics and logs it when it fails.
type callObserver struct {
	span   *observability.CallSpan
	method string
	start  time.Time
	logger *slog.Logger
}

func observeCall(metrics *observability.Metrics, logger *slog.Logger, method string) *callObserver {
	o := &callObserver{span: &observability.CallSpan{}, method: method, start: time.Now(), logger: logger}
	if metrics != nil {
		o.span = metrics.Start(method)
	}
	return o
}

func (o *callObserver) done(err error) {
	o.span.End(err)
	if err == nil || o.logger == nil {
		return
	}
	code := status.Code(err)
	attrs := []any{"method", o.method, "code", code.String(), "elapsed", time.Since(o.start), "error", err}
	switch code {
	case codes.Internal, codes.Unknown, codes.Unavailable, codes.DataLoss:
		o.logger.Error("grpc call failed", attrs...)
	default:
		o.logger.Info("grpc call rejected", attrs...)
	}
}

func rateLimitUnaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !shouldTrackMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		call := observeCall(metrics, logger, info.FullMethod)
		if err := admit(ctx, limiter); err != nil {
			call.done(err)
			return nil, err
		}
		resp, err := handler(ctx, req)
		call.done(err)
		return resp, err
	}
}

func rateLimitStreamInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !shouldTrackMethod(info.FullMethod) {
			return handler(srv, stream)
		}
		call := observeCall(metrics, logger, info.FullMethod)
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		call.done(err)
		return err
	}
}

// Reflection and health probes are neither limited nor counted.
func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}
