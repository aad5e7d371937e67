// Package authtest provides trivial Authenticator implementations for tests
// and local development.
package authtest

import (
	"context"

	"github.com/engagekit/mcp-server/auth"
)

// NoAuth is a test authenticator that accepts any token and always returns
// the configured user.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a NoAuth authenticator. An empty userID defaults to
// "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

var _ auth.Authenticator = (*NoAuth)(nil)

func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return &noAuthUserInfo{userID: n.UserID}, nil
}

type noAuthUserInfo struct {
	userID string
}

func (n *noAuthUserInfo) UserID() string { return n.userID }

func (n *noAuthUserInfo) Claims(ref any) error { return nil }
