package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tourguide.org/internal/auth"
	"tourguide.org/internal/obs"
)

// PublicHealthMethods are reachable without credentials.
var PublicHealthMethods = []string{
	healthpb.Health_Check_FullMethodName,
	healthpb.Health_Watch_FullMethodName,
}

// GRPCServer exposes the standard health service. Every other method goes through the auth
// interceptors, so services registered on Server() receive an authenticated principal.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	ready  ReadyProbe
	log    *slog.Logger
}

// NewGRPCServer builds the server. public lists full method names that skip authentication.
func NewGRPCServer(svc *auth.Service, ready ReadyProbe, public ...string) *GRPCServer {
	s := &GRPCServer{
		server: grpc.NewServer(
			grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(svc, public...)),
			grpc.ChainStreamInterceptor(StreamAuthInterceptor(svc, public...)),
		),
		health: health.NewServer(),
		ready:  ready,
		log:    obs.Logger().With("component", "grpc"),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

// Server returns the underlying grpc.Server for service registration and Serve.
func (s *GRPCServer) Server() *grpc.Server { return s.server }

// Refresh probes readiness once and publishes the result on the health service.
func (s *GRPCServer) Refresh(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.ready != nil {
		if err := s.ready.Ping(ctx); err != nil {
			s.log.Warn("readiness check failed", "error", err)
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

// WatchReadiness refreshes health every interval until ctx ends.
func (s *GRPCServer) WatchReadiness(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// GracefulStop marks the service not serving and waits for in-flight calls.
func (s *GRPCServer) GracefulStop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// UnaryAuthInterceptor authenticates the `authorization` metadata of every unary call not in
// public and attaches the principal to the handler context.
func UnaryAuthInterceptor(svc *auth.Service, public ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if slices.Contains(public, info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := authenticateRPC(ctx, svc)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is the streaming counterpart of UnaryAuthInterceptor.
func StreamAuthInterceptor(svc *auth.Service, public ...string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if slices.Contains(public, info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, err := authenticateRPC(ss.Context(), svc)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

// AuthorizeRPC checks permissions for the principal attached by the interceptors.
func AuthorizeRPC(ctx context.Context, guard *auth.Guard, required ...auth.PermissionKey) error {
	principal, _ := auth.PrincipalFromContext(ctx)
	if err := guard.Authorize(ctx, principal, required...); err != nil {
		return rpcError(err)
	}
	return nil
}

func authenticateRPC(ctx context.Context, svc *auth.Service) (context.Context, error) {
	token := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			token = extractBearerToken(vals[0])
		}
	}
	principal, err := svc.Authenticate(ctx, token)
	if err != nil {
		return nil, rpcError(err)
	}
	ctx = auth.ContextWithPrincipal(ctx, principal)
	return auth.ContextWithToken(ctx, token), nil
}

func rpcError(err error) error {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, auth.Kind(err))
	case errors.Is(err, auth.ErrForbidden):
		return status.Error(codes.PermissionDenied, auth.Kind(err))
	case errors.Is(err, auth.ErrStorageUnavailable):
		return status.Error(codes.Unavailable, "storage unavailable")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
