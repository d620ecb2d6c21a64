package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const secret = "0123456789abcdef0123"

func okHandler(t *testing.T, wantUser string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		if !ok || u.ID != wantUser {
			t.Errorf("expected user %q in context, got %+v", wantUser, u)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestJWT_RoundTrip(t *testing.T) {
	a := NewJWTAuthenticator(secret, "broker", time.Hour)
	token, err := a.GenerateToken("u1", "u1@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	u, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID != "u1" || u.Email != "u1@example.com" {
		t.Errorf("unexpected user %+v", u)
	}
}

func TestJWT_Rejects(t *testing.T) {
	a := NewJWTAuthenticator(secret, "broker", time.Hour)
	other := NewJWTAuthenticator("another-secret-value-1234", "broker", time.Hour)
	expired := NewJWTAuthenticator(secret, "broker", -time.Minute)
	wrongIssuer := NewJWTAuthenticator(secret, "someone-else", time.Hour)

	forged, _ := other.GenerateToken("u1", "")
	stale, _ := expired.GenerateToken("u1", "")
	foreign, _ := wrongIssuer.GenerateToken("u1", "")
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"empty bearer":   "Bearer ",
		"garbage":        "Bearer not-a-token",
		"wrong secret":   "Bearer " + forged,
		"expired":        "Bearer " + stale,
		"wrong issuer":   "Bearer " + foreign,
		"alg none":       "Bearer " + none,
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			if _, err := a.Authenticate(req); err == nil {
				t.Error("expected authentication to fail")
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	a := NewJWTAuthenticator(secret, "broker", time.Hour)
	h := Middleware(a)(okHandler(t, "u1"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	token, _ := a.GenerateToken("u1", "")
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 with token, got %d", rec.Code)
	}
}

func TestUserRateLimiter(t *testing.T) {
	l := NewUserRateLimiter(0.001, 2)
	h := l.Handler(okHandler(t, "u1"))

	send := func(userID string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithUser(req.Context(), &User{ID: userID}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := send("u1"); got != http.StatusNoContent {
		t.Fatalf("first request: got %d", got)
	}
	if got := send("u1"); got != http.StatusNoContent {
		t.Fatalf("second request (burst): got %d", got)
	}
	if got := send("u1"); got != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", got)
	}
	if !l.Allow("u2") {
		t.Error("limits are per user")
	}
}
