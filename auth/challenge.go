package auth

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// AuthenticationChallenge describes an HTTP challenge (status + WWW-Authenticate header).
type AuthenticationChallenge struct {
	Status          int
	WWWAuthenticate string
	Message         string
}

// NewAuthenticationRequired builds the bare challenge sent when a request
// carries no credentials at all.
func NewAuthenticationRequired(realm string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: buildBearerChallenge(realm, nil),
		Message:         "authentication required",
	}
}

// NewInvalidAuthorizationHeader builds a challenge for a malformed Authorization header.
func NewInvalidAuthorizationHeader(realm, description string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusBadRequest,
		WWWAuthenticate: buildBearerChallenge(realm, map[string]string{"error": "invalid_request", "error_description": description}),
		Message:         description,
	}
}

// NewInvalidTokenResult builds a challenge indicating the token is invalid.
func NewInvalidTokenResult(realm, description string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: buildBearerChallenge(realm, map[string]string{"error": "invalid_token", "error_description": description}),
		Message:         "invalid token",
	}
}

// NewInsufficientScopeResult builds a challenge indicating missing required scope.
func NewInsufficientScopeResult(realm, description, scope string) *AuthenticationChallenge {
	params := map[string]string{"error": "insufficient_scope", "error_description": description}
	if scope != "" {
		params["scope"] = scope
	}
	return &AuthenticationChallenge{
		Status:          http.StatusForbidden,
		WWWAuthenticate: buildBearerChallenge(realm, params),
		Message:         "insufficient scope",
	}
}

// NewSessionRequired is returned by stateful guards. Browsers are not sent a
// bearer challenge.
func NewSessionRequired() *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:  http.StatusUnauthorized,
		Message: "login required",
	}
}

// buildBearerChallenge renders an RFC 6750 challenge with error,
// error_description and scope first and any remaining parameters in
// alphabetical order.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	rest := make([]string, 0, len(params))
	for k := range params {
		if k == "error" || k == "error_description" || k == "scope" {
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(params[k])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
