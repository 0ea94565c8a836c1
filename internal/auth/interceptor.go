// ABOUTME: gRPC interceptors that resolve the caller's identity from metadata
// ABOUTME: JWT bearer tokens in "authorization", or the x-pairchat-user key in dev mode

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// devUserMetadataKey is the metadata equivalent of DevUserHeader.
const devUserMetadataKey = "x-pairchat-user"

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// IdentityResolver turns incoming metadata into an Identity.
type IdentityResolver func(ctx context.Context) (*Identity, error)

// TokenResolver authenticates with a bearer token in the "authorization" metadata key.
func TokenResolver(verifier TokenVerifier, logger *slog.Logger) IdentityResolver {
	return func(ctx context.Context) (*Identity, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get("authorization")
		if len(values) == 0 {
			logAuthFailure(logger, ctx, "missing credentials")
			return nil, status.Error(codes.Unauthenticated, ErrNoCredentials.Error())
		}

		token, errMsg := extractBearerToken(values[0])
		if errMsg != "" {
			logAuthFailure(logger, ctx, errMsg)
			return nil, status.Error(codes.Unauthenticated, errMsg)
		}

		username, err := verifier.Verify(token)
		if err != nil {
			logAuthFailure(logger, ctx, "invalid token", "error", err)
			if errors.Is(err, ErrExpiredToken) {
				return nil, status.Error(codes.Unauthenticated, "token expired")
			}
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return &Identity{Username: username}, nil
	}
}

// DevResolver trusts the x-pairchat-user metadata key. Only used when no JWT
// secret is configured.
func DevResolver() IdentityResolver {
	return func(ctx context.Context) (*Identity, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get(devUserMetadataKey)
		if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
			return nil, status.Error(codes.Unauthenticated, "missing "+devUserMetadataKey+" metadata")
		}
		return &Identity{Username: strings.TrimSpace(values[0]), Dev: true}, nil
	}
}

// UnaryInterceptor returns a gRPC unary interceptor that attaches the caller's identity.
func UnaryInterceptor(resolve IdentityResolver) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		id, err := resolve(ctx)
		if err != nil {
			return nil, err
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that attaches the caller's identity.
func StreamInterceptor(resolve IdentityResolver) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		id, err := resolve(ss.Context())
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithIdentity(ss.Context(), id),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// BearerCredentials attaches a JWT to outgoing client calls.
type BearerCredentials struct {
	Token    string
	Insecure bool // allow use without transport security
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c BearerCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + c.Token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c BearerCredentials) RequireTransportSecurity() bool {
	return !c.Insecure
}
