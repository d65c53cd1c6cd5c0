package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/datastore/datastoretest"
	"github.com/jordanlanch/funnelsync/pkg/funnels"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/jordanlanch/funnelsync/pkg/opportunity"
	"github.com/jordanlanch/funnelsync/pkg/reconciler"
	"github.com/jordanlanch/funnelsync/pkg/webhook"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "shh"

func setupWebhookEcho(t *testing.T, secret string) (*echo.Echo, *datastoretest.MemoryStore) {
	t.Helper()
	mapper := opportunity.NewMapper(funnels.Default(), logger.Discard(), time.UTC)
	store := datastoretest.New()
	ing := webhook.NewIngester(mapper, reconciler.New(store, logger.Discard(), nil), webhook.Options{Secret: secret}, logger.Discard(), nil)

	e := echo.New()
	NewWebhookHandler(ing).Register(e)
	return e, store
}

func doRequest(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeWebhook(t *testing.T, rec *httptest.ResponseRecorder) models.WebhookResponse {
	t.Helper()
	var resp models.WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestWebhook_Receive(t *testing.T) {
	for _, path := range []string{"/webhook", "/webhook/sprinthub"} {
		for _, method := range []string{http.MethodPost, http.MethodPatch} {
			t.Run(method+" "+path, func(t *testing.T) {
				e, store := setupWebhookEcho(t, "")

				rec := doRequest(e, method, path, `{"id": 7, "title": "Maria"}`, nil)

				require.Equal(t, http.StatusOK, rec.Code)
				resp := decodeWebhook(t, rec)
				assert.True(t, resp.Success)
				assert.Equal(t, "insert", resp.Operation)
				row, ok := store.Row(7)
				require.True(t, ok)
				assert.Equal(t, "Maria", row["title"])
			})
		}
	}
}

func TestWebhook_InvalidPayload(t *testing.T) {
	e, store := setupWebhookEcho(t, "")

	rec := doRequest(e, http.MethodPost, "/webhook", `{"title": "no id"}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeWebhook(t, rec)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, 0, store.Writes())
}

func TestWebhook_ChangeFeedNotification(t *testing.T) {
	e, store := setupWebhookEcho(t, "")

	rec := doRequest(e, http.MethodPost, "/webhook",
		`{"type": "UPDATE", "table": "oportunidade_sprint", "schema": "api", "record": {"id": 1}, "old_record": {"id": 1}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "notification", decodeWebhook(t, rec).Operation)
	assert.Equal(t, 0, store.Writes())
}

func TestWebhook_Signature(t *testing.T) {
	body := `{"id": 9}`

	t.Run("Error - missing signature", func(t *testing.T) {
		e, store := setupWebhookEcho(t, testWebhookSecret)
		rec := doRequest(e, http.MethodPost, "/webhook", body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, 0, store.Writes())
	})

	t.Run("Error - wrong signature", func(t *testing.T) {
		e, _ := setupWebhookEcho(t, testWebhookSecret)
		rec := doRequest(e, http.MethodPost, "/webhook", body, map[string]string{
			webhook.SignatureHeader: webhook.Sign([]byte(body), "other"),
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Success - valid signature", func(t *testing.T) {
		e, store := setupWebhookEcho(t, testWebhookSecret)
		rec := doRequest(e, http.MethodPost, "/webhook", body, map[string]string{
			webhook.SignatureHeader: webhook.Sign([]byte(body), testWebhookSecret),
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		_, ok := store.Row(9)
		assert.True(t, ok)
	})
}

func TestWebhook_HealthAndOptions(t *testing.T) {
	e, _ := setupWebhookEcho(t, "")

	rec := doRequest(e, http.MethodGet, "/webhook", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = doRequest(e, http.MethodHead, "/webhook/sprinthub", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(e, http.MethodOptions, "/webhook", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWebhook_PayloadTooLarge(t *testing.T) {
	e, _ := setupWebhookEcho(t, "")

	big := `{"id": 1, "title": "` + strings.Repeat("a", maxWebhookBody) + `"}`
	rec := doRequest(e, http.MethodPost, "/webhook", big, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
