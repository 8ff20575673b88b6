package sessions

import (
	"time"

	"github.com/ggoodman/datasetauth/internal/claims"
)

// Session is the server-side state behind a session cookie.
type Session struct {
	ID string `json:"id"`

	// Subject, Claims and the tokens are set once the login flow completes.
	Subject     string          `json:"sub,omitempty"`
	Claims      claims.ClaimSet `json:"claims"`
	AccessToken string          `json:"access_token,omitempty"`
	IDToken     string          `json:"id_token,omitempty"`

	// Login holds the in-flight authorization request, if any.
	Login *Login `json:"login,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login is the state of an authorization-code request awaiting its callback.
type Login struct {
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	Verifier  string    `json:"verifier"`
	ReturnTo  string    `json:"return_to,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Authenticated reports whether the session belongs to a logged-in user.
func (s *Session) Authenticated() bool {
	return s != nil && s.Subject != ""
}
