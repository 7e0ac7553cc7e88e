package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func authedChain(userExists bool) (http.Handler, *string) {
	var sawUser string
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if meta, ok := ReqMetadataFrom(r.Context()); ok {
			sawUser = meta.UserID
		}
		w.WriteHeader(http.StatusOK)
	})
	h := Chain(final,
		RequestMetadataMiddleware(),
		NewAuthMiddleware(slog.Default(), testSecret, func(string) bool { return userExists }),
	)
	return h, &sawUser
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	h, sawUser := authedChain(true)

	req := httptest.NewRequest(http.MethodGet, "/websockets", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "dmitriy"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dmitriy", *sawUser)
}

func TestAuthMiddlewareRejects(t *testing.T) {
	cases := []struct {
		name       string
		authorize  func(r *http.Request)
		userExists bool
		wantCode   int
	}{
		{"missing token", func(r *http.Request) {}, true, http.StatusUnauthorized},
		{"wrong secret", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", "dmitriy"))
		}, true, http.StatusUnauthorized},
		{"empty subject", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, ""))
		}, true, http.StatusUnauthorized},
		{"unknown profile", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "ghost"))
		}, false, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := authedChain(tc.userExists)
			req := httptest.NewRequest(http.MethodGet, "/websockets", nil)
			tc.authorize(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.wantCode, rec.Code)
		})
	}
}

func TestAuthMiddlewareAcceptsCookie(t *testing.T) {
	h, sawUser := authedChain(true)

	req := httptest.NewRequest(http.MethodGet, "/websockets", nil)
	req.AddCookie(&http.Cookie{Name: "session-token", Value: signToken(t, testSecret, "pavel")})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pavel", *sawUser)
}
