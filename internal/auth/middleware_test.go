package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizarena/live/internal/auth/jwt"
)

func TestAuthMiddleware(t *testing.T) {
	mgr := jwt.NewManager(jwt.TokenConfig{Secret: []byte("secret"), Issuer: "quiz"})
	token, err := mgr.Issue(jwt.User{ID: "user-1", DisplayName: "Ace", Role: jwt.RoleHost})
	require.NoError(t, err)

	var seen *jwt.Claims
	h := AuthMiddleware(mgr, zerolog.Nop())(RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + token, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token " + token, http.StatusUnauthorized},
		{"bad signature", "Bearer " + token + "x", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.UserID())
	assert.Equal(t, "Ace", seen.DisplayName)
	assert.Equal(t, jwt.RoleHost, seen.Role)
}

func TestManager_RejectsExpiredAndForeignIssuer(t *testing.T) {
	mgr := jwt.NewManager(jwt.TokenConfig{Secret: []byte("secret"), Issuer: "quiz", AccessTTL: -time.Minute})
	expired, err := mgr.Issue(jwt.User{ID: "u"})
	require.NoError(t, err)
	_, err = mgr.Validate(expired)
	assert.ErrorIs(t, err, jwt.ErrExpiredToken)

	other := jwt.NewManager(jwt.TokenConfig{Secret: []byte("secret"), Issuer: "someone-else"})
	foreign, err := other.Issue(jwt.User{ID: "u"})
	require.NoError(t, err)
	_, err = mgr.Validate(foreign)
	assert.ErrorIs(t, err, jwt.ErrInvalidToken)
}
