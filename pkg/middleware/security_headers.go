package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// SecurityHeadersConfig holds the headers set on every response.
// Empty fields fall back to the API defaults; HSTSMaxAge 0 omits HSTS.
type SecurityHeadersConfig struct {
	ContentSecurityPolicy string
	ReferrerPolicy        string
	PermissionsPolicy     string
	HSTSMaxAge            int
}

// DefaultSecurityHeadersConfig returns headers for a JSON-only API
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
		PermissionsPolicy:     "camera=(), microphone=(), geolocation=(), payment=()",
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// SecurityHeaders sets the headers before calling next, so error responses carry them too
func SecurityHeaders(config SecurityHeadersConfig) echo.MiddlewareFunc {
	defaults := DefaultSecurityHeadersConfig()
	headers := http.Header{}
	headers.Set("Content-Security-Policy", orDefault(config.ContentSecurityPolicy, defaults.ContentSecurityPolicy))
	headers.Set("Referrer-Policy", orDefault(config.ReferrerPolicy, defaults.ReferrerPolicy))
	headers.Set("Permissions-Policy", orDefault(config.PermissionsPolicy, defaults.PermissionsPolicy))
	headers.Set(echo.HeaderXContentTypeOptions, "nosniff")
	headers.Set(echo.HeaderXFrameOptions, "DENY")
	if config.HSTSMaxAge > 0 {
		headers.Set(echo.HeaderStrictTransportSecurity, fmt.Sprintf("max-age=%d; includeSubDomains", config.HSTSMaxAge))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range headers {
				h[k] = v
			}
			return next(c)
		}
	}
}
