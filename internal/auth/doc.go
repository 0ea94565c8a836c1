// Package auth resolves who is calling pairchat.
//
// # Tokens
//
// Users log in with a username and password (bcrypt hashes, see
// HashPassword) and receive an HS256 JWT whose subject is their username.
// JWTVerifier issues and checks these tokens; the secret comes from
// auth.jwt_secret and must be at least MinSecretLength bytes.
//
// # HTTP
//
// HTTPAuthMiddleware accepts the token as "Authorization: Bearer <jwt>" or in
// the pairchat_token cookie, which browsers send automatically on EventSource
// and WebSocket requests.
//
// # gRPC
//
// UnaryInterceptor and StreamInterceptor run an IdentityResolver against the
// incoming metadata. TokenResolver reads the "authorization" key.
//
// # Development Mode
//
// When no JWT secret is configured, DevHTTPMiddleware and DevResolver trust
// the X-Pairchat-User header (x-pairchat-user metadata) as the caller. This is
// only meant for local use.
//
// # Context
//
// All paths store an *Identity in the request context; handlers read it with
// FromContext or Username.
package auth
