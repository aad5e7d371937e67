package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates the credential was missing, unknown, revoked,
// or expired.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates a valid credential whose grant does not
// cover the requested operation.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo is the resolved caller identity carried through the gateway to
// tool and prompt handlers. Implementations must be safe for concurrent use.
type UserInfo interface {
	// UserID returns the caller's stable identifier.
	UserID() string
	// Claims unmarshals the caller's claims into ref.
	Claims(ref any) error
}

// Authenticator resolves a presented token, bearer access token or legacy
// connection token, to a UserInfo. Unresolvable tokens yield ErrUnauthorized.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
