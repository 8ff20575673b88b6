package datasets

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an authorization failure.
type Kind int

const (
	// KindAmbiguousDatasetID means the request named more than one distinct
	// dataset. It is a deterministic denial.
	KindAmbiguousDatasetID Kind = iota + 1
	// KindForbidden means the caller is confirmed not to have access.
	KindForbidden
	// KindUnauthorized means access could not be determined, usually because
	// the dataset listing failed. Retrying later may succeed.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindAmbiguousDatasetID:
		return "ambiguous_dataset_id"
	case KindForbidden:
		return "forbidden"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Every *AuthzError matches the sentinel of its Kind.
var (
	ErrAmbiguousDatasetID = &AuthzError{Kind: KindAmbiguousDatasetID}
	ErrForbidden          = &AuthzError{Kind: KindForbidden}
	ErrUnauthorized       = &AuthzError{Kind: KindUnauthorized}
)

// ErrUpstream wraps failures of the dataset listing API.
var ErrUpstream = errors.New("datasets: upstream")

// ErrRejected marks a 4xx answer from the listing API. It is always wrapped
// together with ErrUpstream and concerns only the credential that was sent.
var ErrRejected = errors.New("rejected")

// AuthzError is returned by Extract and Authorizer.Authorize.
type AuthzError struct {
	Kind Kind
	// IDs holds the requested dataset id(s) involved.
	IDs []string
	Err error
}

func (e *AuthzError) Error() string {
	var b strings.Builder
	b.WriteString("datasets: ")
	b.WriteString(e.Kind.String())
	if len(e.IDs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.IDs, ","))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AuthzError) Unwrap() error { return e.Err }

func (e *AuthzError) Is(target error) bool {
	t, ok := target.(*AuthzError)
	return ok && t.Kind == e.Kind
}
