// ABOUTME: HTTP credential extraction and API key middleware
// ABOUTME: Accepts a bearer token, an X-API-Key header, or an api_key query parameter

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// CredentialFromRequest returns the API key presented by the request.
// The Authorization header wins over X-API-Key, which wins over ?api_key=.
func CredentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		token, errMsg := extractBearerToken(header)
		if errMsg == "" {
			return token
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

// HTTPMiddleware resolves the request's API key and adds the Caller to the
// request context. Unauthenticated requests get a 401 JSON body.
func HTTPMiddleware(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := resolver.Resolve(r.Context(), CredentialFromRequest(r))
			if err != nil {
				msg := "invalid api key"
				if errors.Is(err, ErrMissingCredential) {
					msg = "missing api key"
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
