package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const tokenCookieName = "rc_token"

// identity is the authenticated principal behind one websocket connection.
type identity struct {
	ID   string
	Name string
}

// wsAuthorizer resolves a session token into a connection identity.
type wsAuthorizer interface {
	Authenticate(token string) (identity, error)
}

// tokenAuthorizer validates HS256 session tokens minted by the auth surface.
// The subject claim carries the user id and the name claim the display name.
type tokenAuthorizer struct {
	secret []byte
}

func newTokenAuthorizer(secret string) wsAuthorizer {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &tokenAuthorizer{secret: []byte(secret)}
}

func (a *tokenAuthorizer) Authenticate(token string) (identity, error) {
	if a == nil || len(a.secret) == 0 {
		return identity{}, errors.New("auth is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return identity{}, errors.New("session token is required")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return identity{}, fmt.Errorf("parse session token: %w", err)
	}
	if !parsed.Valid {
		return identity{}, errors.New("invalid session token")
	}

	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return identity{}, errors.New("session token has no subject")
	}

	name := ""
	if raw, ok := claims["name"].(string); ok {
		name = strings.TrimSpace(raw)
	}
	return identity{ID: strings.TrimSpace(subject), Name: name}, nil
}

func sessionTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
