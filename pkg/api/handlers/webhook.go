package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/jordanlanch/funnelsync/pkg/webhook"
	"github.com/labstack/echo/v4"
)

// maxWebhookBody bounds the payload read from the CRM
const maxWebhookBody = 1 << 20

// WebhookHandler receives CRM webhooks and change-feed events
type WebhookHandler struct {
	ingester *webhook.Ingester
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(ingester *webhook.Ingester) *WebhookHandler {
	return &WebhookHandler{ingester: ingester}
}

// Register mounts the webhook routes on both paths the CRM is configured with
func (h *WebhookHandler) Register(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	for _, path := range []string{"/webhook", "/webhook/sprinthub"} {
		e.POST(path, h.Receive, mw...)
		e.PATCH(path, h.Receive, mw...)
		e.GET(path, h.Health)
		e.HEAD(path, h.Health)
		e.OPTIONS(path, h.Options)
	}
}

// Receive godoc
// @Summary Receive opportunity webhook
// @Description Upserts a CRM opportunity or fans out a change-feed event to hooks
// @Tags webhook
// @Accept json
// @Produce json
// @Success 200 {object} models.WebhookResponse
// @Failure 400 {object} models.WebhookResponse "Invalid payload"
// @Failure 401 {object} models.WebhookResponse "Invalid signature"
// @Failure 502 {object} models.WebhookResponse "Datastore failure"
// @Failure 504 {object} models.WebhookResponse "Datastore timeout"
// @Router /webhook [post]
func (h *WebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.WebhookResponse{Error: "failed to read body"})
	}
	if len(body) > maxWebhookBody {
		return c.JSON(http.StatusRequestEntityTooLarge, models.WebhookResponse{Error: "payload too large"})
	}

	if err := h.ingester.Authenticate(body, c.Request().Header.Get(webhook.SignatureHeader)); err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			return c.JSON(http.StatusUnauthorized, models.WebhookResponse{Error: "invalid signature"})
		}
		return c.JSON(http.StatusUnauthorized, models.WebhookResponse{Error: err.Error()})
	}

	status, resp := h.ingester.Ingest(c.Request().Context(), body)
	if status >= http.StatusInternalServerError {
		if hub := sentryecho.GetHubFromContext(c); hub != nil {
			hub.CaptureException(fmt.Errorf("webhook ingest failed with %d: %s", status, resp.Error))
		}
	}
	return c.JSON(status, resp)
}

// Health answers CRM reachability probes on the webhook path
func (h *WebhookHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "funnelsync-webhook",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Options answers preflight requests; CORS headers come from the middleware
func (h *WebhookHandler) Options(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}
