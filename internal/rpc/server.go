package rpc

import (
	"context"
	"runtime/debug"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewServer creates a gRPC server speaking Codec. Handler panics are logged
// with their stack and returned to the caller as codes.Internal.
func NewServer(logger zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	logger = logger.With().Str("component", "rpc_server").Logger()

	base := []grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(recoverUnary(logger)),
		grpc.ChainStreamInterceptor(recoverStream(logger)),
	}
	return grpc.NewServer(append(base, opts...)...)
}

func recoverUnary(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger, info.FullMethod, r)
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func recoverStream(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger, info.FullMethod, r)
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()
		return handler(srv, ss)
	}
}

func logPanic(logger zerolog.Logger, method string, r any) {
	logger.Error().
		Str("method", method).
		Interface("panic_value", r).
		Str("stack_trace", string(debug.Stack())).
		Msg("RPC handler panic recovered")
}
