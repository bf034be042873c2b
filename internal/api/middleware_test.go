package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mnemora/mnemora/internal/tenant"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"missing", "", ""},
		{"no prefix", "token-123", ""},
		{"lowercase scheme", "bearer token-123", ""},
		{"valid", "Bearer token-123", "token-123"},
		{"padded", "Bearer   token-123  ", "token-123"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(r))
		})
	}
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, constantTimeEqual("secret", "secret"))
	assert.False(t, constantTimeEqual("secret", "Secret"))
	assert.False(t, constantTimeEqual("secret", "secret2"))
	assert.False(t, constantTimeEqual("", "secret"))
}

func TestAuthMiddleware(t *testing.T) {
	var reached bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { reached = true })
	handler := AuthMiddleware("secret", zap.NewNop())(next)

	t.Run("wrong token", func(t *testing.T) {
		reached = false
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/memories", nil)
		r.Header.Set("Authorization", "Bearer wrong")
		handler.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		assert.False(t, reached)
		assert.NotContains(t, rec.Body.String(), "secret", "the expected token never leaks")
	})

	t.Run("correct token", func(t *testing.T) {
		reached = false
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/memories", nil)
		r.Header.Set("Authorization", "Bearer secret")
		handler.ServeHTTP(rec, r)

		assert.True(t, reached)
	})
}

func TestTenantMiddleware(t *testing.T) {
	var got tenant.Context
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = tenant.FromContext(r.Context())
	})
	handler := TenantMiddleware()(next)

	run := func(headers map[string]string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/memories", nil)
		for k, v := range headers {
			r.Header.Set(k, v)
		}
		ok = false
		handler.ServeHTTP(rec, r)
		return rec
	}

	t.Run("valid tuple", func(t *testing.T) {
		rec := run(map[string]string{
			"X-Company-ID": "acme",
			"X-App-ID":     "assistant",
			"X-User-ID":    "u1",
			"X-Session-ID": "sess-9",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		require.True(t, ok)
		assert.Equal(t, "acme:assistant", got.TenantID())
		assert.Equal(t, "sess-9", got.SessionID)
	})

	t.Run("missing company", func(t *testing.T) {
		rec := run(map[string]string{"X-App-ID": "assistant", "X-User-ID": "u1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, ok)
	})

	t.Run("bad charset", func(t *testing.T) {
		rec := run(map[string]string{
			"X-Company-ID": "acme corp",
			"X-App-ID":     "assistant",
			"X-User-ID":    "u1",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("reserved system user", func(t *testing.T) {
		rec := run(map[string]string{
			"X-Company-ID": "acme",
			"X-App-ID":     "assistant",
			"X-User-ID":    "system",
		})
		assert.Equal(t, http.StatusOK, rec.Code,
			"reads as the system principal are allowed; writes reject it downstream")
	})
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := LoggingMiddleware(zap.New(core))(next)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/memories", nil)
	r.Header.Set("X-Company-ID", "acme")
	r.Header.Set("X-App-ID", "assistant")
	handler.ServeHTTP(rec, r)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "request", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "GET", fields["method"])
	assert.Equal(t, "/v1/memories", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.Equal(t, "acme:assistant", fields["tenant"])
}

func TestRecoveryMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := RecoveryMiddleware(zap.NewNop())(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/search", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "boom", "panic detail stays internal")
}
