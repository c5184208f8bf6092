package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

// Role represents an authorized persona in the supply chain.
type Role string

const (
	RoleManufacturer Role = "manufacturer"
	RoleDistributor  Role = "distributor"
	RolePharmacy     Role = "pharmacy"
	RoleRegulator    Role = "regulator"
	RoleAuditor      Role = "auditor"
)

var allowedRoles = map[Role]struct{}{
	RoleManufacturer: {},
	RoleDistributor:  {},
	RolePharmacy:     {},
	RoleRegulator:    {},
	RoleAuditor:      {},
}

// Claims carries the identity extracted from a verified bearer token.
type Claims struct {
	Subject string
	Role    Role
}

var errNoClaims = errors.New("gateway: no claims in context")

// FromContext returns the claims attached by the authentication middleware.
func FromContext(ctx context.Context) (Claims, error) {
	claims, ok := ctx.Value(contextKeyClaims).(Claims)
	if !ok {
		return Claims{}, errNoClaims
	}
	return claims, nil
}

// authenticate verifies the HS256 bearer token and attaches the caller's
// identity to the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		mapClaims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			http.Error(w, "invalid token claims", http.StatusUnauthorized)
			return
		}
		subject, _ := mapClaims["sub"].(string)
		roleValue, _ := mapClaims["role"].(string)
		role := Role(strings.ToLower(strings.TrimSpace(roleValue)))
		if subject == "" {
			http.Error(w, "token missing subject", http.StatusUnauthorized)
			return
		}
		if _, ok := allowedRoles[role]; !ok {
			http.Error(w, "unknown role", http.StatusForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, Claims{Subject: subject, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole gates a route to the listed personas.
func requireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "role not permitted", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
