package errors

import (
	"errors"
	"log"
	"net/http"

	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/jordanlanch/funnelsync/pkg/domain"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/labstack/echo/v4"
)

// ValidationError returns a generic validation error without exposing internal details
func ValidationError(c echo.Context, err error) error {
	log.Printf("[VALIDATION ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "validation_error",
		Message: "Invalid request data. Please check your input and try again.",
	})
}

// InternalError returns a generic internal server error and reports it to Sentry
func InternalError(c echo.Context, err error) error {
	log.Printf("[INTERNAL ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)
	capture(c, err)

	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred. Please try again later.",
	})
}

// UpstreamError reports a failing CRM or datastore
func UpstreamError(c echo.Context, err error) error {
	log.Printf("[UPSTREAM ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)
	capture(c, err)

	return c.JSON(http.StatusBadGateway, models.ErrorResponse{
		Error:   "upstream_error",
		Message: "An upstream service failed. Please try again later.",
	})
}

// NotFoundError returns a generic not found error
func NotFoundError(c echo.Context, resource string) error {
	return c.JSON(http.StatusNotFound, models.ErrorResponse{
		Error:   "not_found",
		Message: resource + " was not found.",
	})
}

// ConflictError returns a conflict error; message is shown to the caller
func ConflictError(c echo.Context, message string) error {
	return c.JSON(http.StatusConflict, models.ErrorResponse{
		Error:   "conflict",
		Message: message,
	})
}

// FromDomain maps a domain error to its HTTP response. Validation messages
// are written by this service and safe to return.
func FromDomain(c echo.Context, err error) error {
	var de *domain.DomainError
	switch {
	case domain.IsValidation(err) && errors.As(err, &de):
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: de.Message,
		})
	case domain.IsNotFound(err) && errors.As(err, &de):
		return c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error:   "not_found",
			Message: de.Message,
		})
	case domain.IsConflict(err) && errors.As(err, &de):
		return ConflictError(c, de.Message)
	case domain.IsTimeout(err):
		log.Printf("[TIMEOUT] Path: %s, Error: %v", c.Request().URL.Path, err)
		return c.JSON(http.StatusGatewayTimeout, models.ErrorResponse{
			Error:   "timeout",
			Message: "An upstream service timed out. Please try again later.",
		})
	case domain.IsUpstream(err):
		return UpstreamError(c, err)
	}
	return InternalError(c, err)
}

func capture(c echo.Context, err error) {
	if hub := sentryecho.GetHubFromContext(c); hub != nil {
		hub.CaptureException(err)
	}
}
