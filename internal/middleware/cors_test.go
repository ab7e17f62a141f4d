package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func corsRequest(h http.Handler, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/sessions", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORSMiddlewareWildcard(t *testing.T) {
	called := 0
	h := CORSMiddleware([]string{"*"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called++
	}))

	rec := corsRequest(h, http.MethodOptions, "https://anywhere.dev")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Equal(t, 0, called, "preflights never reach the API")

	rec = corsRequest(h, http.MethodGet, "https://anywhere.dev")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, 1, called)
}

func TestCORSMiddlewareAllowList(t *testing.T) {
	h := CORSMiddleware([]string{"https://editor.example.com/"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := corsRequest(h, http.MethodGet, "https://editor.example.com")
	assert.Equal(t, "https://editor.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec = corsRequest(h, http.MethodOptions, "https://evil.example.com")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = corsRequest(h, http.MethodGet, "https://evil.example.com")
	assert.Equal(t, http.StatusOK, rec.Code, "the browser enforces CORS on simple requests")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = corsRequest(h, http.MethodGet, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"http://localhost:3000"}
	assert.True(t, OriginAllowed(allowed, ""))
	assert.True(t, OriginAllowed(allowed, "http://LOCALHOST:3000"))
	assert.False(t, OriginAllowed(allowed, "http://localhost:4000"))
	assert.False(t, OriginAllowed(nil, "http://localhost:3000"))
	assert.True(t, OriginAllowed([]string{"*"}, "http://localhost:4000"))
}
