// ABOUTME: Tests for HTTP credential extraction and API key middleware
// ABOUTME: Covers header precedence, 401 responses, and caller propagation

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		token   string
		wantErr bool
	}{
		{"Bearer bp_abc", "bp_abc", false},
		{"", "", true},
		{"Basic dXNlcg==", "", true},
		{"Bearer ", "", true},
	}

	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		if token != tt.token {
			t.Errorf("extractBearerToken(%q) token = %q, want %q", tt.header, token, tt.token)
		}
		if (errMsg != "") != tt.wantErr {
			t.Errorf("extractBearerToken(%q) errMsg = %q, wantErr %v", tt.header, errMsg, tt.wantErr)
		}
	}
}

func TestCredentialFromRequest_Precedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?api_key=bp_query", nil)
	if got := CredentialFromRequest(r); got != "bp_query" {
		t.Errorf("query only: got %q", got)
	}

	r.Header.Set("X-API-Key", "bp_header")
	if got := CredentialFromRequest(r); got != "bp_header" {
		t.Errorf("x-api-key: got %q", got)
	}

	r.Header.Set("Authorization", "Bearer bp_bearer")
	if got := CredentialFromRequest(r); got != "bp_bearer" {
		t.Errorf("bearer: got %q", got)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	resolver, _, key := newResolverFixture(t)

	var seen *Caller
	handler := HTTPMiddleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+key)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if seen == nil || seen.Email != "caller@example.com" {
			t.Errorf("caller not propagated: %+v", seen)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "missing api key") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("bad key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "bp_nope")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestCallerContext(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) != nil {
		t.Error("FromContext() on empty context should be nil")
	}

	caller := &Caller{UserID: 9}
	ctx = WithCaller(ctx, caller)
	if got := MustFromContext(ctx); got.UserID != 9 {
		t.Errorf("MustFromContext().UserID = %d, want 9", got.UserID)
	}

	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() should panic without a caller")
		}
	}()
	MustFromContext(context.Background())
}
