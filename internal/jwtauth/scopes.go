package jwtauth

import "github.com/ggoodman/datasetauth/internal/claims"

// ScopePolicy describes required scopes. With Any set, one match suffices;
// otherwise all are required. A zero policy accepts every token.
type ScopePolicy struct {
	Required []string
	Any      bool
}

// Check returns ErrInsufficientScope when cs does not satisfy the policy.
func (p ScopePolicy) Check(cs claims.ClaimSet) error {
	if len(p.Required) == 0 {
		return nil
	}
	have := map[string]bool{}
	for _, s := range cs.Scopes() {
		have[s] = true
	}
	if p.Any {
		for _, want := range p.Required {
			if have[want] {
				return nil
			}
		}
		return ErrInsufficientScope
	}
	for _, want := range p.Required {
		if !have[want] {
			return ErrInsufficientScope
		}
	}
	return nil
}
