// Package auth authenticates inbound HTTP requests and carries the resulting
// principal and execution context through the request pipeline.
//
// # Access Token Authentication
//
// NewFromDiscovery constructs an Authenticator that validates JWT access
// tokens using OpenID Connect discovery to obtain the issuer's JWKS. Callers
// configure validation requirements via functional options (required scopes,
// leeway, allowed algorithms, authorized party, JWE decryption key).
//
// Example:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://tenant.example/", "https://api.example",
//	    auth.WithRequiredScopes("read:datasets"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	guard := auth.NewGuard(auth.WithAuthenticator(authn), auth.WithSessionLoader(store))
//	r.With(guard.Require(auth.ModeStateless)).Get("/api/datasets/{dataset_id}", h)
//	r.With(guard.Require(auth.ModeStateful)).Get("/app/datasets/{dataset_id}", h)
//
// # Modes
//
// ModeStateless routes authenticate each request from its bearer token.
// ModeStateful routes authenticate from the session established by the
// browser login flow. The mode is fixed per route when the router is built.
//
// # Execution context
//
// WithExecution records whether the current call chain serves an end-user
// request, a background job or an operator CLI. Guards mark every admitted
// request ExecRequest. Components holding backend credentials consult
// ExecutionFrom and refuse to act unless the execution is trusted; an
// unmarked context counts as ExecRequest.
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s). Guards map these to 401 and 403 responses carrying an
// RFC 6750 WWW-Authenticate challenge.
package auth
