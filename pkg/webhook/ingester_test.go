package webhook

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/datastore"
	"github.com/jordanlanch/funnelsync/pkg/datastore/datastoretest"
	"github.com/jordanlanch/funnelsync/pkg/funnels"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/jordanlanch/funnelsync/pkg/opportunity"
	"github.com/jordanlanch/funnelsync/pkg/reconciler"
	"github.com/jordanlanch/funnelsync/pkg/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 12, 15, 11, 0, 0, 0, time.UTC)

func newTestIngester(t *testing.T, opts Options) (*Ingester, *datastoretest.MemoryStore) {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	clock := func() time.Time { return fixedNow }
	mapper := opportunity.NewMapper(funnels.Default(), logger.Discard(), loc).WithClock(clock)
	store := datastoretest.New()
	rec := reconciler.New(store, logger.Discard(), nil).WithClock(clock)

	return NewIngester(mapper, rec, opts, logger.Discard(), nil), store
}

func TestIngest_InsertAppliesDefaults(t *testing.T) {
	ing, store := newTestIngester(t, Options{})

	status, resp := ing.Ingest(context.Background(), []byte(`{"id": 42, "fields": {"Origem": "Instagram"}}`))

	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Equal(t, "insert", resp.Operation)

	row, ok := store.Row(42)
	require.True(t, ok)
	assert.Equal(t, "Oportunidade #42", row["title"])
	assert.Equal(t, "open", row["status"])
	assert.Equal(t, int64(0), row["lead_id"])
	assert.Equal(t, int64(130), row["crm_column"])
	assert.Equal(t, int64(6), row["funil_id"])
	assert.Equal(t, "2025-12-15T08:00:00", row["create_date"])
	assert.Equal(t, "Instagram", row["origem_oportunidade"])
}

func TestIngest_UpdateSendsOnlyProvidedKeys(t *testing.T) {
	ing, store := newTestIngester(t, Options{})
	store.Seed(models.Record{
		"id":             int64(42),
		"title":          "Maria",
		"status":         "open",
		"entrada_compra": "2025-12-01T09:00:00",
	})

	status, resp := ing.Ingest(context.Background(), []byte(`{"data": {"id": "42", "crm_column": 82, "updateDate": "15/12/2025 08:31"}}`))

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "update", resp.Operation)

	row, _ := store.Row(42)
	assert.Equal(t, "Maria", row["title"], "absent keys are not touched")
	assert.Equal(t, "2025-12-01T09:00:00", row["entrada_compra"])
	assert.Equal(t, int64(82), row["crm_column"])
	assert.Equal(t, int64(6), row["funil_id"])
	assert.Equal(t, "2025-12-15T08:31:00", row["update_date"])
}

func TestIngest_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{"id": `},
		{"missing id", `{"title": "no id"}`},
		{"non numeric id", `{"id": "abc"}`},
		{"array body", `[{"id": 1}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing, store := newTestIngester(t, Options{})

			status, resp := ing.Ingest(context.Background(), []byte(tt.body))

			assert.Equal(t, http.StatusBadRequest, status)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, 0, store.Writes())
		})
	}
}

func TestIngest_DatastoreFailures(t *testing.T) {
	t.Run("Error - timeouts map to 504", func(t *testing.T) {
		ing, store := newTestIngester(t, Options{})
		store.FailNext("update", datastore.ErrTimeout, datastore.ErrTimeout)

		status, resp := ing.Ingest(context.Background(), []byte(`{"id": 1}`))

		assert.Equal(t, http.StatusGatewayTimeout, status)
		assert.False(t, resp.Success)
	})

	t.Run("Error - other failures map to 502", func(t *testing.T) {
		ing, store := newTestIngester(t, Options{})
		store.FailNext("update", &datastore.HTTPError{StatusCode: 500, Message: "boom"})

		status, resp := ing.Ingest(context.Background(), []byte(`{"id": 1}`))

		assert.Equal(t, http.StatusBadGateway, status)
		assert.Contains(t, resp.Error, "boom")
	})
}

func TestIngest_ChangeFeedRunsHooksAsync(t *testing.T) {
	ing, store := newTestIngester(t, Options{Table: "oportunidade_sprint"})

	var mu sync.Mutex
	var seen []ChangeEvent
	ing.AddHook("record", func(ctx context.Context, ev ChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
		return nil
	})
	ing.AddHook("panics", func(ctx context.Context, ev ChangeEvent) error {
		panic("hook bug")
	})

	body := `{"type": "UPDATE", "table": "oportunidade_sprint", "schema": "api",
		"record": {"id": 42, "qualificado_compra": "2025-12-15T08:00:00"},
		"old_record": {"id": 42, "qualificado_compra": null}}`
	status, resp := ing.Ingest(context.Background(), []byte(body))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, OperationNotification, resp.Operation)
	assert.Equal(t, 0, store.Writes(), "change-feed events never write")

	ing.Wait()
	require.Len(t, seen, 1)
	assert.Equal(t, EventUpdate, seen[0].Type)
	assert.Equal(t, "api", seen[0].Schema)

	// another table is acknowledged but not dispatched
	status, _ = ing.Ingest(context.Background(), []byte(`{"type": "INSERT", "table": "metas", "record": {"id": 1}}`))
	assert.Equal(t, http.StatusOK, status)
	ing.Wait()
	assert.Len(t, seen, 1)
}

func TestAuthenticate(t *testing.T) {
	body := []byte(`{"id": 42}`)

	t.Run("Success - no secret configured", func(t *testing.T) {
		ing, _ := newTestIngester(t, Options{})
		assert.NoError(t, ing.Authenticate(body, ""))
	})

	t.Run("Success - valid signature", func(t *testing.T) {
		ing, _ := newTestIngester(t, Options{Secret: "s3cret"})
		assert.NoError(t, ing.Authenticate(body, Sign(body, "s3cret")))
		assert.NoError(t, ing.Authenticate(body, "sha256="+Sign(body, "s3cret")))
	})

	t.Run("Error - missing or wrong signature", func(t *testing.T) {
		ing, _ := newTestIngester(t, Options{Secret: "s3cret"})
		assert.ErrorIs(t, ing.Authenticate(body, ""), ErrInvalidSignature)
		assert.ErrorIs(t, ing.Authenticate(body, Sign(body, "other")), ErrInvalidSignature)
		assert.ErrorIs(t, ing.Authenticate([]byte(`{"id": 43}`), Sign(body, "s3cret")), ErrInvalidSignature)
	})
}

type recordingNotifier struct {
	mu      sync.Mutex
	entries []slack.StageEntry
}

func (n *recordingNotifier) NotifyStageEntry(ctx context.Context, e slack.StageEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, e)
	return nil
}

func TestStageEntries(t *testing.T) {
	reg := funnels.Default()

	tests := []struct {
		name string
		ev   ChangeEvent
		want []string
	}{
		{
			name: "update sets a stage column",
			ev: ChangeEvent{Type: EventUpdate,
				Record:    map[string]any{"qualificado_compra": "2025-12-15T08:00:00", "entrada_compra": "2025-12-01T09:00:00"},
				OldRecord: map[string]any{"qualificado_compra": nil, "entrada_compra": "2025-12-01T09:00:00"}},
			want: []string{"qualificado_compra"},
		},
		{
			name: "insert counts every set stage column",
			ev:   ChangeEvent{Type: EventInsert, Record: map[string]any{"entrada_compra": "2025-12-01T09:00:00", "orcamento_compra": "2025-12-02T09:00:00", "title": "x"}},
			want: []string{"entrada_compra", "orcamento_compra"},
		},
		{
			name: "cleared column is not an entry",
			ev:   ChangeEvent{Type: EventUpdate, Record: map[string]any{"entrada_compra": ""}, OldRecord: map[string]any{"entrada_compra": "2025-12-01T09:00:00"}},
		},
		{
			name: "delete is never an entry",
			ev:   ChangeEvent{Type: EventDelete, OldRecord: map[string]any{"entrada_compra": "2025-12-01T09:00:00"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StageEntries(reg, tt.ev))
		})
	}
}

func TestStageEntryHook_Notifies(t *testing.T) {
	notifier := &recordingNotifier{}
	hook := StageEntryHook(funnels.Default(), notifier, logger.Discard(), nil)

	err := hook(context.Background(), ChangeEvent{
		Type:      EventUpdate,
		Record:    map[string]any{"id": float64(42), "title": "Maria", "orcamento_compra": "2025-12-15T08:31:00"},
		OldRecord: map[string]any{"id": float64(42)},
	})

	require.NoError(t, err)
	require.Len(t, notifier.entries, 1)
	e := notifier.entries[0]
	assert.Equal(t, int64(42), e.OpportunityID)
	assert.Equal(t, "Maria", e.Title)
	assert.Equal(t, "Compra", e.Funnel)
	assert.Equal(t, "Orçamento realizado", e.Stage)
	assert.Equal(t, "2025-12-15T08:31:00", e.EnteredAt)
}
