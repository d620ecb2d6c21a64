// Package auth resolves the authenticated user for a request. Tokens are
// HS256 JWTs issued by the identity service; this package only verifies
// them (and can mint them for tooling and tests).
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a request carries no valid token.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// User is the authenticated principal.
type User struct {
	ID    string
	Email string
}

// Authenticator resolves the user behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (*User, error)
}

// Claims defines the structure of the JWT payload.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies bearer tokens signed with a shared secret.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewJWTAuthenticator creates an authenticator. ttl only affects tokens
// minted by GenerateToken.
func NewJWTAuthenticator(secret, issuer string, ttl time.Duration) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// GenerateToken creates a signed token for a user.
func (a *JWTAuthenticator) GenerateToken(userID, email string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken validates a token string and returns its claims.
func (a *JWTAuthenticator) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	return claims, nil
}

// Authenticate reads the "Authorization: Bearer <token>" header.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*User, error) {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	claims, err := a.ParseToken(strings.TrimSpace(tokenString))
	if err != nil {
		return nil, err
	}
	return &User{ID: claims.UserID, Email: claims.Email}, nil
}
