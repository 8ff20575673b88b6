package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ggoodman/datasetauth/internal/claims"
	"github.com/golang-jwt/jwt/v5"
)

// KeySource resolves the verification key for a parsed (not yet verified)
// token. keyfunc.Keyfunc, FileKeys and test fakes all satisfy it.
type KeySource interface {
	Keyfunc(t *jwt.Token) (any, error)
}

// KeySourceFunc adapts a plain function to KeySource.
type KeySourceFunc func(t *jwt.Token) (any, error)

func (f KeySourceFunc) Keyfunc(t *jwt.Token) (any, error) { return f(t) }

// Option configures a Verifier.
type Option func(*Verifier)

// WithAllowedAlgs restricts accepted JWS algorithms. "none" is never accepted.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) Option {
	return func(v *Verifier) {
		v.algs = slices.DeleteFunc(append([]string(nil), algs...), func(a string) bool { return a == "none" || a == "" })
	}
}

// WithDecrypter makes the Verifier expect JWE-wrapped tokens.
func WithDecrypter(d *Decrypter) Option {
	return func(v *Verifier) { v.decrypt = d }
}

// WithClock overrides the time source used for claim validation.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithLogger sets the logger used for verification failures.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

// Verifier checks compact JWTs: optional decryption, signature verification
// against a KeySource, then claim validation. A Verifier is immutable; the
// With* methods return derived copies so one base Verifier can be shared by
// every request.
type Verifier struct {
	cfg     claims.Config
	keys    KeySource
	algs    []string
	decrypt *Decrypter
	now     func() time.Time
	log     *slog.Logger
}

// New constructs a Verifier for the given claim expectations and key source.
func New(cfg claims.Config, keys KeySource, opts ...Option) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	if cfg.Issuer() == "" {
		return nil, errors.New("issuer is required")
	}
	v := &Verifier{
		cfg:  cfg,
		keys: keys,
		algs: []string{"RS256"},
		now:  time.Now,
		log:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(v)
	}
	if len(v.algs) == 0 {
		return nil, errors.New("at least one allowed algorithm is required")
	}
	return v, nil
}

// Config returns the claim expectations of this Verifier.
func (v *Verifier) Config() claims.Config { return v.cfg }

// Keys returns the key source, so sibling verifiers (for example one for ID
// tokens with a different audience) can share it.
func (v *Verifier) Keys() KeySource { return v.keys }

// WithAzp returns a derived Verifier that also requires azp == azp.
func (v *Verifier) WithAzp(azp string) *Verifier {
	nv := *v
	nv.cfg = v.cfg.WithAzp(azp)
	return &nv
}

// WithNonce returns a derived Verifier that also requires nonce == nonce.
func (v *Verifier) WithNonce(nonce string) *Verifier {
	nv := *v
	nv.cfg = v.cfg.WithNonce(nonce)
	return &nv
}

// WithMaxAge returns a derived Verifier that rejects tokens whose auth_time
// is older than maxAge.
func (v *Verifier) WithMaxAge(maxAge time.Duration) *Verifier {
	nv := *v
	nv.cfg = v.cfg.WithMaxAge(maxAge)
	return &nv
}

// WithLeeway returns a derived Verifier tolerating d of clock skew.
func (v *Verifier) WithLeeway(d time.Duration) *Verifier {
	nv := *v
	nv.cfg = v.cfg.WithLeeway(d)
	return &nv
}

// Verify returns the validated claim set of raw or a *VerifyError. Steps run
// strictly in order: decrypt, verify signature, decode, validate claims.
func (v *Verifier) Verify(ctx context.Context, raw string) (claims.ClaimSet, error) {
	if raw == "" {
		return claims.ClaimSet{}, &VerifyError{Kind: KindMalformed, Err: errors.New("empty token")}
	}

	signed := raw
	if v.decrypt != nil {
		s, err := v.decrypt.Decrypt(raw)
		if err != nil {
			v.log.InfoContext(ctx, "jwt.decrypt.fail", slog.String("err", err.Error()))
			return claims.ClaimSet{}, &VerifyError{Kind: KindDecrypt, Err: err}
		}
		signed = s
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.algs),
		jwt.WithoutClaimsValidation(),
		jwt.WithJSONNumber(),
	)
	parsed, err := parser.Parse(signed, v.keyfunc)
	if err != nil {
		verr := classifyParseError(err)
		v.log.InfoContext(ctx, "jwt.verify.fail", slog.String("kind", verr.Kind.String()), slog.String("err", err.Error()))
		return claims.ClaimSet{}, verr
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return claims.ClaimSet{}, &VerifyError{Kind: KindMalformed, Err: fmt.Errorf("unexpected claims type %T", parsed.Claims)}
	}

	cs, err := claims.Validate(claims.New(mc), v.cfg, v.now())
	if err != nil {
		v.log.InfoContext(ctx, "jwt.claims.fail", slog.String("err", err.Error()))
		return claims.ClaimSet{}, &VerifyError{Kind: KindClaims, Err: err}
	}
	return cs, nil
}

func (v *Verifier) keyfunc(t *jwt.Token) (any, error) {
	alg := t.Method.Alg()
	if !slices.Contains(v.algs, alg) {
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
	return v.keys.Keyfunc(t)
}

func classifyParseError(err error) *VerifyError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerifyError{Kind: KindMalformed, Err: err}
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return &VerifyError{Kind: KindKeyResolution, Err: err}
	default:
		return &VerifyError{Kind: KindSignature, Err: err}
	}
}
