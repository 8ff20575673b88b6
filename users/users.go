// Package users reads the identity provider's user directory through a
// cached repository. Directory calls draw machine-to-machine tokens, so the
// repository is only usable from background and CLI execution contexts.
package users

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the directory has no user with the given id.
var ErrNotFound = errors.New("users: not found")

// User is a directory entry.
type User struct {
	ID        string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Picture   string    `json:"picture,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	LastLogin time.Time `json:"last_login,omitzero"`
}

// Directory is the upstream source of users.
type Directory interface {
	List(ctx context.Context) ([]User, error)
	Get(ctx context.Context, id string) (User, error)
}
