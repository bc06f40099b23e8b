package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"ticketsync/pkg/rbac"
)

var errUnknownRole = errors.New("token carries no known role")

type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken 签发管理接口用的 HS256 token，role 见 pkg/rbac
func GenerateToken(subject, role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := adminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func GenerateAdminToken(subject, secret string, ttl time.Duration) (string, error) {
	return GenerateToken(subject, rbac.RoleAdmin, secret, ttl)
}

// ParseToken 校验签名、过期时间和 role，返回 subject 和 role
func ParseToken(tokenStr, secret string) (string, string, error) {
	var claims adminClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", err
	}
	if !token.Valid {
		return "", "", jwt.ErrTokenInvalidClaims
	}
	if !rbac.IsKnownRole(claims.Role) {
		return "", "", errUnknownRole
	}
	return claims.Subject, claims.Role, nil
}

// ParseAdminToken 只接受 admin 角色
func ParseAdminToken(tokenStr, secret string) (string, error) {
	subject, role, err := ParseToken(tokenStr, secret)
	if err != nil {
		return "", err
	}
	if role != rbac.RoleAdmin {
		return "", &rbac.PermissionDeniedError{Role: role, Permission: rbac.PermissionJobsReplay}
	}
	return subject, nil
}

func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}

// AdminAuthMiddleware 要求 Authorization: Bearer <token>；未配置 secret 时拒绝所有请求
func AdminAuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSecret == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin api disabled"})
			c.Abort()
			return
		}

		token := ExtractToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		subject, role, err := ParseToken(token, jwtSecret)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, errUnknownRole) {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("admin_subject", subject)
		c.Set("admin_role", role)
		c.Next()
	}
}

// RequirePermission 放在 AdminAuthMiddleware 之后
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := rbac.CheckPermission(c.GetString("admin_role"), permission); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Next()
	}
}
