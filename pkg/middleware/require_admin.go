package middleware

import (
	"net/http"

	"github.com/jordanlanch/funnelsync/pkg/auth"
	"github.com/labstack/echo/v4"
)

// RequireAdmin ensures the token carries the admin role.
// Apply it AFTER JWTMiddleware.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, ok := c.Get(ContextRole).(string)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error":   "unauthorized",
					"message": "Authentication required",
				})
			}

			if role != auth.RoleAdmin {
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error":   "insufficient_permissions",
					"message": "Admin access required",
					"details": map[string]interface{}{
						"required_role": auth.RoleAdmin,
						"current_role":  role,
					},
				})
			}

			return next(c)
		}
	}
}
