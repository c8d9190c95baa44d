// Package httpapi exposes AEGIS's external interfaces: the agent-facing
// proxy/execute endpoint and the sponsor-facing management API (agent
// CRUD, permissions, wallet, secrets, HITL decisions, audit query,
// forensic export), wired as gorilla/mux routes behind the shared
// infrastructure/middleware chain.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fe-row/AEGIS/infrastructure/httputil"
	"github.com/fe-row/AEGIS/infrastructure/logging"
)

// SponsorClaims is the JWT payload minted for sponsor-facing management API
// sessions. AEGIS does not implement session/MFA issuance itself (spec.md §1
// Non-goals); this verifies tokens minted by that external collaborator.
type SponsorClaims struct {
	SponsorID string `json:"sponsor_id"`
	jwt.RegisteredClaims
}

// JWTAuth verifies a bearer token signed with secret and injects the
// sponsor id into the request context for downstream handlers.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth constructs the bearer-token verifier.
func NewJWTAuth(secret []byte) *JWTAuth {
	return &JWTAuth{secret: secret}
}

// IssueToken mints a sponsor session token, used by tests and the
// development login shim; production issuance belongs to the external
// user-management collaborator named in spec.md §1.
func (a *JWTAuth) IssueToken(sponsorID string, ttl time.Duration) (string, error) {
	claims := &SponsorClaims{
		SponsorID: sponsorID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "aegis",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *JWTAuth) validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SponsorClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*SponsorClaims)
	if !ok || !token.Valid || claims.SponsorID == "" {
		return "", fmt.Errorf("invalid token")
	}
	return claims.SponsorID, nil
}

// Middleware rejects requests without a valid bearer token and otherwise
// sets the sponsor id in context for httputil.RequireUserID/GetUserID.
func (a *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			httputil.WriteErrorResponse(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
			return
		}
		sponsorID, err := a.validate(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			httputil.WriteErrorResponse(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token", nil)
			return
		}
		ctx := logging.WithUserID(r.Context(), sponsorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sponsorFromContext is a typed convenience wrapper over
// logging.GetUserID for handlers in this package; it returns "" when no
// sponsor is set and writes no response.
func sponsorFromContext(ctx context.Context) string {
	return logging.GetUserID(ctx)
}
