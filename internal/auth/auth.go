// Package auth identifies the user behind an incoming connection.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Authenticator interface {
	// Authenticate returns the user id of the request or an error wrapping
	// ErrUnauthenticated.
	Authenticate(r *http.Request) (string, error)
}

// Claims are the token claims. The subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	gojwt.RegisteredClaims
}

// JWT accepts HS256 tokens from the Authorization header or the "token"
// query parameter. Browsers cannot set headers on a websocket upgrade, so
// the query parameter is the usual path.
type JWT struct {
	secret []byte
	issuer string
}

func NewJWT(secret, issuer string) *JWT {
	return &JWT{secret: []byte(secret), issuer: issuer}
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func (j *JWT) Authenticate(r *http.Request) (string, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	return j.Verify(raw)
}

// Verify parses a token and returns its subject.
func (j *JWT) Verify(raw string) (string, error) {
	opts := []gojwt.ParserOption{gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, gojwt.WithIssuer(j.issuer))
	}
	claims := &Claims{}
	_, err := gojwt.ParseWithClaims(raw, claims, func(*gojwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl. A zero ttl never expires.
func (j *JWT) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: gojwt.RegisteredClaims{
		Subject:  userID,
		Issuer:   j.issuer,
		IssuedAt: gojwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// Dev trusts the "user" query parameter. Only for local development.
type Dev struct{}

func (Dev) Authenticate(r *http.Request) (string, error) {
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if user == "" {
		return "", fmt.Errorf("%w: missing user parameter", ErrUnauthenticated)
	}
	return user, nil
}
