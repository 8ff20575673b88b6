package claims

import (
	"errors"
	"fmt"
)

// Kind classifies why a cryptographically valid token was rejected.
type Kind int

const (
	KindMissingClaim Kind = iota + 1
	KindInvalidClaimType
	KindIssuer
	KindAudience
	KindAzp
	KindNonce
	KindExpired
	KindBeforeValid
	KindTooMuchTimeSinceAuth
)

func (k Kind) String() string {
	switch k {
	case KindMissingClaim:
		return "missing_claim"
	case KindInvalidClaimType:
		return "invalid_claim_type"
	case KindIssuer:
		return "issuer"
	case KindAudience:
		return "audience"
	case KindAzp:
		return "azp"
	case KindNonce:
		return "nonce"
	case KindExpired:
		return "expired"
	case KindBeforeValid:
		return "before_valid"
	case KindTooMuchTimeSinceAuth:
		return "too_much_time_since_auth"
	}
	return "unknown"
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrMissingClaim         = &Error{Kind: KindMissingClaim}
	ErrInvalidClaimType     = &Error{Kind: KindInvalidClaimType}
	ErrIssuer               = &Error{Kind: KindIssuer}
	ErrAudience             = &Error{Kind: KindAudience}
	ErrAzp                  = &Error{Kind: KindAzp}
	ErrNonce                = &Error{Kind: KindNonce}
	ErrExpired              = &Error{Kind: KindExpired}
	ErrBeforeValid          = &Error{Kind: KindBeforeValid}
	ErrTooMuchTimeSinceAuth = &Error{Kind: KindTooMuchTimeSinceAuth}
)

// Error reports a single violated claim rule.
type Error struct {
	Kind   Kind
	Claim  string
	Detail string
}

func (e *Error) Error() string {
	msg := "claims: " + e.Kind.String()
	if e.Claim != "" {
		msg += fmt.Sprintf(" (%s)", e.Claim)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches any *Error with the same Kind, so the package sentinels can be
// used with errors.Is regardless of claim name or detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, claim, format string, args ...any) *Error {
	return &Error{Kind: kind, Claim: claim, Detail: fmt.Sprintf(format, args...)}
}
