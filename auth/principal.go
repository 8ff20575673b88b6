package auth

import (
	"context"

	"github.com/ggoodman/datasetauth/internal/claims"
)

// Mode selects how a guarded route authenticates its caller.
type Mode int

const (
	// ModeStateless authenticates every request from its bearer token.
	ModeStateless Mode = iota
	// ModeStateful authenticates from a server-side session established by
	// the OIDC login flow.
	ModeStateful
)

func (m Mode) String() string {
	switch m {
	case ModeStateless:
		return "stateless"
	case ModeStateful:
		return "stateful"
	default:
		return "unknown"
	}
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string
	Scopes  []string
	Mode    Mode
	// AccessToken is the credential the caller presented, or the access token
	// stored with the caller's session. Downstream APIs called on the user's
	// behalf receive it as a bearer.
	AccessToken string

	claims claims.ClaimSet
}

// NewPrincipal builds a Principal from a validated claim set.
func NewPrincipal(cs claims.ClaimSet, mode Mode, accessToken string) *Principal {
	sub, _ := cs.Subject()
	return &Principal{
		Subject:     sub,
		Scopes:      cs.Scopes(),
		Mode:        mode,
		AccessToken: accessToken,
		claims:      cs,
	}
}

// UserID implements UserInfo.
func (p *Principal) UserID() string { return p.Subject }

// Claims implements UserInfo.
func (p *Principal) Claims(ref any) error { return p.claims.Unmarshal(ref) }

// ClaimSet returns the principal's validated claims.
func (p *Principal) ClaimSet() claims.ClaimSet { return p.claims }

// HasScope reports whether scope was granted.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

var _ UserInfo = (*Principal)(nil)

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached by a Guard, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
