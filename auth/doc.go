// Package auth provides the authentication primitives used by the HTTP and
// stdio transports. Tokens are opaque strings minted by this server's own
// authorization endpoints and resolved against the token store, so no remote
// issuer or JWKS lookup is involved.
//
// The public surface intentionally stays small: an Authenticator validates an
// incoming bearer token string and returns a UserInfo (or an error). The
// transport is responsible for extracting the token from the HTTP request and
// mapping sentinel errors into protocol-specific challenges.
//
// NewTokenAuthenticator builds the store-backed Authenticator. It also
// understands member connection tokens, which pre-OAuth clients present via
// custom headers or query parameters; ResolveConnectionToken maps one to the
// owning member directly.
//
// # Errors
//
// ErrUnauthorized signals the token is unknown, expired or revoked.
// ErrInsufficientScope signals successful authentication but a missing
// required scope.
package auth
