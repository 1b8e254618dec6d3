package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kalambet/sopflow/internal/orchestrator"
)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

type actorKey struct{}

func withActor(ctx context.Context, a orchestrator.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the authenticated actor set by JWTAuth.
func ActorFromContext(ctx context.Context) (orchestrator.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(orchestrator.Actor)
	return a, ok
}

// IssueToken signs an HS256 token for userID with the given role.
func IssueToken(secret, userID, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Role: role,
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

func authenticate(token, secret string) (orchestrator.Actor, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return orchestrator.Actor{}, err
	}
	if !parsed.Valid {
		return orchestrator.Actor{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return orchestrator.Actor{}, errors.New("subject claim required")
	}
	return orchestrator.Actor{UserID: c.Subject, Role: c.Role}, nil
}

// JWTAuth rejects requests without a valid HS256 bearer token and stores the
// token's subject and role as the request actor.
func JWTAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(secret) == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "authentication is not configured")
				return
			}
			parts := strings.Fields(r.Header.Get("Authorization"))
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			actor, err := authenticate(parts[1], secret)
			if err != nil {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
		})
	}
}
