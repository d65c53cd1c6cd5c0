package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4/middleware"
)

// CORSConfig returns the CORS configuration used by the application.
// Credentials are only allowed for an explicit origin list.
func CORSConfig(origins []string) middleware.CORSConfig {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	return middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPost,
			http.MethodPatch,
			http.MethodOptions,
		},
		AllowCredentials: !wildcard,
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			"apikey",
			"x-client-info",
			"X-Webhook-Signature",
		},
	}
}
