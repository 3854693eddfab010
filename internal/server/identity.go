package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityConfig controls how requests are attributed to a person.
// Authentication is not enforced: an identity, when present, only
// feeds author attribution on notes and events.
type IdentityConfig struct {
	// JWTSecret verifies bearer tokens when set. Tokens that fail
	// verification are ignored, not rejected.
	JWTSecret string
}

type identityKey struct{}

// Identity is the resolved author of a request.
type Identity struct {
	Name   string
	Source string // "jwt", "header" or ""
}

func newIdentityMiddleware(cfg IdentityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := resolveIdentity(cfg, r)
			ctx := context.WithValue(r.Context(), identityKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveIdentity(cfg IdentityConfig, r *http.Request) Identity {
	if token := bearerToken(r); token != "" && cfg.JWTSecret != "" {
		if name, ok := subjectFromJWT(cfg.JWTSecret, token); ok {
			return Identity{Name: name, Source: "jwt"}
		}
		log.Printf("identity: ignoring unverifiable bearer token")
	}
	if name := strings.TrimSpace(r.Header.Get("X-Author")); name != "" {
		return Identity{Name: name, Source: "header"}
	}
	return Identity{}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func subjectFromJWT(secret, token string) (string, bool) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}
	if sub, ok := claims["sub"].(string); ok && strings.TrimSpace(sub) != "" {
		return strings.TrimSpace(sub), true
	}
	if name, ok := claims["name"].(string); ok && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name), true
	}
	return "", false
}

func identityFromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey{}).(Identity); ok {
		return id
	}
	return Identity{}
}

// authorOrIdentity picks an explicit author from the request body when
// given, falling back to the request identity.
func authorOrIdentity(ctx context.Context, explicit *string) string {
	if explicit != nil && strings.TrimSpace(*explicit) != "" {
		return strings.TrimSpace(*explicit)
	}
	return identityFromContext(ctx).Name
}

func respondStatusError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": apiErrorBody{Code: code, Message: message},
	})
}
