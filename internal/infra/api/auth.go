package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"storyforge/internal/config"
)

// Auth mints and verifies short-lived client sessions. Clients exchange the
// static API key for a JWT at /login; the key itself also passes the bearer
// check so scripted callers can skip the login round-trip.
type Auth struct {
	apiKey     string
	jwtSecret  []byte
	sessionTTL time.Duration
}

func NewAuth(cfg config.AuthConfig) *Auth {
	return &Auth{
		apiKey:     cfg.APIKey,
		jwtSecret:  []byte(cfg.JWTSecret),
		sessionTTL: cfg.SessionTTL,
	}
}

// Login validates the API key and returns a signed session token.
func (a *Auth) Login(apiKey string) (token string, expiresAt time.Time, err error) {
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(a.apiKey)) != 1 {
		return "", time.Time{}, fmt.Errorf("bad api key")
	}
	expiresAt = time.Now().Add(a.sessionTTL)
	claims := jwt.RegisteredClaims{
		Subject:   "api-client",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (a *Auth) verify(bearer string) bool {
	if subtle.ConstantTimeCompare([]byte(bearer), []byte(a.apiKey)) == 1 {
		return true
	}
	tok, err := jwt.ParseWithClaims(bearer, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && tok.Valid
}

// Require rejects requests without a valid bearer credential.
func (a *Auth) Require() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			bearer, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || !a.verify(strings.TrimSpace(bearer)) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
