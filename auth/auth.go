package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// ErrNoSession is returned by a SessionLoader when the request carries no
// usable session.
var ErrNoSession = errors.New("no session")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns the resulting principal.
// It should return ErrUnauthorized for invalid credentials and
// ErrInsufficientScope when the token is valid but under-scoped.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (*Principal, error)
}
