package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	claimsContextKey = "auth_claims"
	adminRole        = "admin"
)

// Claims is the validated token payload. Subject carries the caller's
// user id.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the caller holds the admin role.
func (claims *Claims) IsAdmin() bool {
	for _, role := range claims.Roles {
		if role == adminRole {
			return true
		}
	}
	return false
}

// CanActOn reports whether the caller may operate on the given user id.
// Callers act on themselves; admins act on anyone.
func (claims *Claims) CanActOn(userID string) bool {
	return claims.Subject == userID || claims.IsAdmin()
}

type tokenValidator struct {
	signingKey []byte
	issuer     string
}

func (validator *tokenValidator) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return validator.signingKey, nil
	}, jwt.WithIssuer(validator.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	return claims, nil
}

// ginMiddleware authenticates the Bearer token and stashes the claims in
// the request context.
func (validator *tokenValidator) ginMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims, err := validator.parse(strings.TrimSpace(token))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

// requireAdmin rejects non-admin callers. It runs after ginMiddleware.
func requireAdmin() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil || !claims.IsAdmin() {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*Claims)
	return claims
}
