// Package m2mtest provides a scripted m2m.TokenEndpoint.
package m2mtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/datasetauth/m2m"
)

// Endpoint issues "token-1", "token-2", ... each valid for ExpiresIn.
// When Err is set every call fails with it.
type Endpoint struct {
	mu        sync.Mutex
	calls     int
	ExpiresIn time.Duration
	Err       error
	// Block, when non-nil, is received from before each call returns.
	Block chan struct{}
}

// NewEndpoint returns an endpoint issuing tokens valid for expiresIn.
func NewEndpoint(expiresIn time.Duration) *Endpoint {
	return &Endpoint{ExpiresIn: expiresIn}
}

// ClientCredentials implements m2m.TokenEndpoint.
func (e *Endpoint) ClientCredentials(ctx context.Context) (m2m.Token, error) {
	e.mu.Lock()
	e.calls++
	n, err, exp, block := e.calls, e.Err, e.ExpiresIn, e.Block
	e.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return m2m.Token{}, err
	}
	return m2m.Token{AccessToken: fmt.Sprintf("token-%d", n), ExpiresIn: exp}, nil
}

// Calls reports how many grants were performed.
func (e *Endpoint) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

var _ m2m.TokenEndpoint = (*Endpoint)(nil)
