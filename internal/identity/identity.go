// Package identity resolves the authenticated user. The interactive sign-in
// flow itself lives with the external identity provider; this package only
// verifies the credential it issued and exposes the verified principal to
// the ledger.
package identity

import (
	"context"
	"errors"
)

// Principal is the verified identity of a signed-in user. Identity is the
// account key (the user's email).
type Principal struct {
	Identity    string `json:"email"`
	DisplayName string `json:"name"`
	AvatarURL   string `json:"picture"`
}

var ErrInvalidToken = errors.New("invalid token")

// Verifier turns a bearer credential into a Principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}
