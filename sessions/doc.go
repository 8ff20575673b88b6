// Package sessions stores server-side sessions for the stateful
// authentication path.
//
// Session state lives in a storage.Storage namespace with a TTL. The browser
// only holds a cookie whose value is a compact Ed25519 JWS over the session
// id, so a stolen storage key cannot be replayed as a cookie and a forged
// cookie never reaches storage.
//
// A session starts out pending: the OIDC login flow records its state, nonce
// and PKCE verifier there. After a successful callback the session is
// rotated to a fresh id and carries the verified ID token claims, which
// Store.LoadPrincipal turns into an auth.Principal without re-validating
// them.
package sessions
