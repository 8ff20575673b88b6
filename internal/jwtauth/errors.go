package jwtauth

import (
	"errors"
)

// Kind classifies a verification failure.
type Kind int

const (
	KindMalformed Kind = iota + 1
	KindDecrypt
	KindKeyResolution
	KindSignature
	KindClaims
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindDecrypt:
		return "decrypt"
	case KindKeyResolution:
		return "key_resolution"
	case KindSignature:
		return "signature"
	case KindClaims:
		return "claims"
	}
	return "unknown"
}

// ErrUnauthorized matches every *VerifyError: the token must be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Kind sentinels for errors.Is.
var (
	ErrMalformed     = &VerifyError{Kind: KindMalformed}
	ErrDecrypt       = &VerifyError{Kind: KindDecrypt}
	ErrKeyResolution = &VerifyError{Kind: KindKeyResolution}
	ErrSignature     = &VerifyError{Kind: KindSignature}
	ErrClaims        = &VerifyError{Kind: KindClaims}
)

// VerifyError is returned by Verifier.Verify. For KindClaims, Err is a
// *claims.Error.
type VerifyError struct {
	Kind Kind
	Err  error
}

func (e *VerifyError) Error() string {
	if e.Err == nil {
		return "jwtauth: " + e.Kind.String()
	}
	return "jwtauth: " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *VerifyError) Unwrap() error { return e.Err }

func (e *VerifyError) Is(target error) bool {
	if target == ErrUnauthorized {
		return true
	}
	var t *VerifyError
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Retryable reports whether the failure may succeed on a later attempt
// (for example after a JWKS refresh). The verifier itself never retries.
func (e *VerifyError) Retryable() bool { return e.Kind == KindKeyResolution }
