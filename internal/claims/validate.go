package claims

import (
	"time"
)

// Config is the immutable set of expectations a token is validated against.
// Derived configs are produced by the With* methods; the receiver is never
// modified, so a single base Config can be shared across goroutines.
type Config struct {
	issuer   string
	audience string
	azp      string
	nonce    string
	maxAge   time.Duration
	hasAge   bool
	leeway   time.Duration
}

// NewConfig returns a Config expecting the given issuer. An empty audience
// disables the audience check.
func NewConfig(issuer, audience string) Config {
	return Config{issuer: issuer, audience: audience}
}

// WithAzp returns a copy that also requires azp == v.
func (c Config) WithAzp(v string) Config {
	c.azp = v
	return c
}

// WithNonce returns a copy that also requires nonce == v.
func (c Config) WithNonce(v string) Config {
	c.nonce = v
	return c
}

// WithMaxAge returns a copy that requires auth_time to be no older than d.
func (c Config) WithMaxAge(d time.Duration) Config {
	c.maxAge = d
	c.hasAge = true
	return c
}

// WithLeeway returns a copy that tolerates d of clock skew on exp, iat, nbf
// and auth_time.
func (c Config) WithLeeway(d time.Duration) Config {
	c.leeway = d
	return c
}

// Issuer returns the exact iss value tokens must carry.
func (c Config) Issuer() string { return c.issuer }

// Audience returns the required audience, or "" when aud is not checked.
func (c Config) Audience() string { return c.audience }

// Azp returns the required authorized party, or "" when azp is not checked.
func (c Config) Azp() string { return c.azp }

// Nonce returns the expected nonce, or "" when nonce is not checked.
func (c Config) Nonce() string { return c.nonce }

// MaxAge returns the configured maximum authentication age, if any.
func (c Config) MaxAge() (time.Duration, bool) { return c.maxAge, c.hasAge }

// Validate applies the claim rules in a fixed order and returns the first
// violation. now is supplied by the caller.
func Validate(cs ClaimSet, cfg Config, now time.Time) (ClaimSet, error) {
	// iss
	if !cs.Has("iss") {
		return ClaimSet{}, newError(KindMissingClaim, "iss", "claim is required")
	}
	iss, ok := cs.Issuer()
	if !ok || iss != cfg.issuer {
		return ClaimSet{}, newError(KindIssuer, "iss", "got %q, want %q", iss, cfg.issuer)
	}

	// sub
	if sub, ok := cs.Subject(); !ok || sub == "" {
		return ClaimSet{}, newError(KindMissingClaim, "sub", "claim is required")
	}

	// exp
	exp, ok := cs.Time("exp")
	if !ok {
		return ClaimSet{}, newError(KindInvalidClaimType, "exp", "claim must be a number")
	}
	if !now.Before(exp.Add(cfg.leeway)) {
		return ClaimSet{}, newError(KindExpired, "exp", "token expired at %s", exp.UTC().Format(time.RFC3339))
	}

	// iat
	if !cs.Has("iat") {
		return ClaimSet{}, newError(KindMissingClaim, "iat", "claim is required")
	}
	iat, ok := cs.Time("iat")
	if !ok {
		return ClaimSet{}, newError(KindInvalidClaimType, "iat", "claim must be a number")
	}
	if iat.After(now.Add(cfg.leeway)) {
		return ClaimSet{}, newError(KindBeforeValid, "iat", "token issued in the future")
	}

	// nbf
	if cs.Has("nbf") {
		nbf, ok := cs.Time("nbf")
		if !ok {
			return ClaimSet{}, newError(KindInvalidClaimType, "nbf", "claim must be a number")
		}
		if now.Add(cfg.leeway).Before(nbf) {
			return ClaimSet{}, newError(KindBeforeValid, "nbf", "token not valid before %s", nbf.UTC().Format(time.RFC3339))
		}
	}

	// aud
	if err := checkAudience(cs, cfg.audience); err != nil {
		return ClaimSet{}, err
	}

	// azp
	if cfg.azp != "" {
		if azp, _ := cs.String("azp"); azp != cfg.azp {
			return ClaimSet{}, newError(KindAzp, "azp", "got %q, want %q", azp, cfg.azp)
		}
	}

	// nonce
	if cfg.nonce != "" {
		if nonce, _ := cs.String("nonce"); nonce != cfg.nonce {
			return ClaimSet{}, newError(KindNonce, "nonce", "nonce mismatch")
		}
	}

	// auth_time
	if cfg.hasAge {
		if !cs.Has("auth_time") {
			return ClaimSet{}, newError(KindMissingClaim, "auth_time", "claim is required when max age is set")
		}
		at, ok := cs.Int("auth_time")
		if !ok {
			return ClaimSet{}, newError(KindInvalidClaimType, "auth_time", "claim must be an integer")
		}
		elapsed := now.Sub(time.Unix(at, 0))
		if elapsed > cfg.maxAge+cfg.leeway {
			return ClaimSet{}, newError(KindTooMuchTimeSinceAuth, "auth_time", "authenticated %s ago, max %s", elapsed.Truncate(time.Second), cfg.maxAge)
		}
	}

	return cs, nil
}

func checkAudience(cs ClaimSet, want string) error {
	if cs.IsNull("aud") {
		return newError(KindAudience, "aud", "claim must not be null")
	}
	if want == "" {
		return nil
	}
	if !cs.Has("aud") {
		return newError(KindAudience, "aud", "claim is required")
	}
	auds, ok := cs.Strings("aud")
	if !ok {
		return newError(KindAudience, "aud", "claim must be a string or array of strings")
	}
	for _, a := range auds {
		if a == want {
			return nil
		}
	}
	return newError(KindAudience, "aud", "%q not in audience", want)
}
