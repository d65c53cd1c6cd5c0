package middleware

import (
	"net/http"
	"strings"

	"github.com/jordanlanch/funnelsync/pkg/auth"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/labstack/echo/v4"
)

// Context keys set by JWTMiddleware
const (
	ContextSubject = "subject"
	ContextRole    = "role"
)

// JWTMiddleware validates the bearer token and stores its subject and role
func JWTMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "missing_token",
					Message: "Authorization header is required",
				})
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "invalid_token_format",
					Message: "Authorization header must be 'Bearer {token}'",
				})
			}

			claims, err := auth.ValidateToken(parts[1], secret)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "invalid_token",
					Message: err.Error(),
				})
			}

			c.Set(ContextSubject, claims.Subject)
			c.Set(ContextRole, claims.Role)

			return next(c)
		}
	}
}
