package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/PendantCore/internal/config"
	"github.com/KevinKickass/PendantCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ContextPermissions = "permissions"
	ContextUsername    = "username"
	ContextRole        = "role"
)

type Authenticator struct {
	verifier *Verifier
	enabled  bool
	logger   *zap.Logger
}

func NewAuthenticator(cfg config.AuthConfig, logger *zap.Logger) *Authenticator {
	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("JWT secret is not production ready")
	}
	return &Authenticator{
		verifier: NewVerifier(cfg.GetJWTSecret(), cfg.Issuer),
		enabled:  cfg.Enabled,
		logger:   logger,
	}
}

// Middleware authenticates the request. With auth disabled every request
// acts as a local admin.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Set(ContextPermissions, RolePermissions("admin"))
			c.Set(ContextUsername, "local")
			c.Set(ContextRole, "admin")
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("AUTH_401", "missing authorization header", nil))
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("AUTH_401", "invalid authorization header format", nil))
			return
		}

		claims, err := a.verifier.Verify(parts[1])
		if err != nil {
			a.logger.Warn("Rejected bearer token",
				zap.String("client_ip", c.ClientIP()),
				zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("AUTH_401", "invalid or expired token", nil))
			return
		}

		c.Set(ContextPermissions, RolePermissions(claims.Role))
		c.Set(ContextUsername, claims.Username)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// RequirePermission checks if user has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, _ := c.Get(ContextPermissions)
		permissions, _ := perms.([]Permission)

		if !hasPermission(permissions, required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("AUTH_403", "insufficient permissions", gin.H{"required": string(required)}))
			return
		}

		c.Next()
	}
}

// Username returns the authenticated user name, "unknown" without auth.
func Username(c *gin.Context) string {
	if name := c.GetString(ContextUsername); name != "" {
		return name
	}
	return "unknown"
}

func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// Authorize verifies a raw token outside of HTTP middleware, e.g. the
// first websocket message.
func (a *Authenticator) Authorize(token string) ([]Permission, error) {
	if !a.enabled {
		return RolePermissions("admin"), nil
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return RolePermissions(claims.Role), nil
}
