package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mattjoyce/plughost/internal/auth"
)

func TestRequireScopesWithoutPrincipal(t *testing.T) {
	ts := newTestServer(t)

	called := false
	h := ts.server.requireScopes(auth.ScopeServersRead)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if called {
		t.Fatal("next handler should not run")
	}
}

func TestAuthMiddlewareStoresPrincipal(t *testing.T) {
	ts := newTestServer(t)

	var got auth.Principal
	h := ts.server.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.PrincipalFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+readerKey)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !auth.HasAnyScope(got, auth.ScopeServersRead) {
		t.Fatalf("principal missing servers:ro: %+v", got.Scopes)
	}
	if auth.HasAnyScope(got, auth.ScopeToolsCall) {
		t.Fatalf("principal should not hold tools:call: %+v", got.Scopes)
	}
}
