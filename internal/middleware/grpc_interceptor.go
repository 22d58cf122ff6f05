package middleware

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// GRPCServiceAuthInterceptor guards the vision worker's gRPC server, on
// which only the standard health service is registered. Unlike the session lifecycle HTTP interface, this is a
// service-to-service call with a single caller (proctorsvc), so it
// authenticates with a shared secret rather than per-tenant permission
// grants.
type GRPCServiceAuthInterceptor struct {
	sharedSecret string
}

func NewGRPCServiceAuthInterceptor(sharedSecret string) *GRPCServiceAuthInterceptor {
	return &GRPCServiceAuthInterceptor{sharedSecret: sharedSecret}
}

func (i *GRPCServiceAuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := i.authenticate(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (i *GRPCServiceAuthInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := i.authenticate(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (i *GRPCServiceAuthInterceptor) authenticate(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "metadata missing")
	}

	secret := md.Get("x-service-secret")
	if len(secret) == 0 {
		return status.Error(codes.Unauthenticated, "service secret missing")
	}

	if subtle.ConstantTimeCompare([]byte(secret[0]), []byte(i.sharedSecret)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid service secret")
	}

	return nil
}
