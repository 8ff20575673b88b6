// Package wellknown serves the OAuth 2.0 Protected Resource Metadata
// document (RFC 9728) describing the dataset API.
package wellknown

import (
	"net/http"

	"github.com/ggoodman/datasetauth/internal/httpjson"
)

// ProtectedResourcePath is the well-known path of the metadata document.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the subset of RFC 9728 this service fills in.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// NewProtectedResourceMetadata describes resource (the API audience) as
// protected by issuer. Tokens are only accepted in the Authorization header.
func NewProtectedResourceMetadata(resource, issuer, jwksURI string, scopes []string) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{issuer},
		JwksURI:                jwksURI,
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
	}
}

// Handler serves doc to GET requests and answers CORS preflights, so
// browser clients can discover the API's authorization server.
func Handler(doc ProtectedResourceMetadata) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		switch r.Method {
		case http.MethodOptions:
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet, http.MethodHead:
			w.Header().Set("Vary", "Origin")
			httpjson.Write(w, http.StatusOK, doc)
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			httpjson.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}
