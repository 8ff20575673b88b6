package m2m

import (
	"fmt"
	"net/http"
)

// Transport authorizes outgoing requests with the Source's token. The
// request's context must be trusted.
type Transport struct {
	Source *Source
	// Base defaults to http.DefaultTransport.
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.Source.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("m2m transport: %w", err)
	}
	r2 := req.Clone(req.Context())
	r2.Header.Set("Authorization", "Bearer "+tok)

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r2)
}

// Client returns an *http.Client using Transport over base.
func (s *Source) Client(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &Transport{Source: s, Base: base}}
}
