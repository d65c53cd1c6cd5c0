package opportunity

import (
	"testing"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/domain"
	"github.com/jordanlanch/funnelsync/pkg/funnels"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 12, 15, 11, 0, 0, 0, time.UTC)

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	return NewMapper(funnels.Default(), logger.Discard(), loc).WithClock(func() time.Time { return fixedNow })
}

const crmPayload = `{
	"id": 42,
	"title": "Fórmula manipulada - Maria",
	"value": "1.234,50",
	"crm_column": 207,
	"funil_id": 999,
	"lead_id": 981,
	"status": "open",
	"user": "12",
	"createDate": "14/12/2025 09:15",
	"updateDate": "2025-12-15T08:31:00",
	"gain_date": "",
	"loss_reason": null,
	"archived": 0,
	"unknownTopLevel": "dropped",
	"fields": {
		"Data Entrada Compra": "14/12/2025 09:15",
		"DATA ORÇAMENTO COMPRA": "15/12/2025 8:31",
		"Negociação Compra": "",
		"Origem": "Instagram",
		"utm_campaign": ["black-friday", "remarketing"],
		"Campo sem mapeamento": "x"
	},
	"dataLead": {
		"firstname": "Maria",
		"email": "maria@example.com",
		"whatsapp": ""
	}
}`

func TestMap_FullPayload(t *testing.T) {
	m := newTestMapper(t)

	raw, err := Decode([]byte(crmPayload))
	require.NoError(t, err)

	rec, err := m.Map(raw)
	require.NoError(t, err)

	assert.Equal(t, int64(42), rec["id"])
	assert.Equal(t, "Fórmula manipulada - Maria", rec["title"])
	assert.True(t, decimal.RequireFromString("1234.5").Equal(rec["value"].(decimal.Decimal)))
	assert.Equal(t, int64(207), rec["crm_column"])
	assert.Equal(t, int64(6), rec["funil_id"], "funil_id is derived, never copied")
	assert.Equal(t, int64(12), rec["user_id"])
	assert.Equal(t, "2025-12-14T09:15:00", rec["create_date"])
	assert.Equal(t, "2025-12-15T08:31:00", rec["update_date"])
	assert.Equal(t, int64(0), rec["archived"])
	assert.Equal(t, "2025-12-15T08:00:00", rec["synced_at"])

	// explicit empties on top-level columns are written as NULL
	assert.Contains(t, rec, "gain_date")
	assert.Nil(t, rec["gain_date"])
	assert.Contains(t, rec, "loss_reason")

	// custom fields
	assert.Equal(t, "2025-12-14T09:15:00", rec["entrada_compra"])
	assert.Equal(t, "2025-12-15T08:31:00", rec["orcamento_compra"])
	assert.NotContains(t, rec, "negociacao_compra", "empty stage timestamps are not provided")
	assert.Equal(t, "Instagram", rec["origem_oportunidade"])
	assert.Equal(t, "black-friday, remarketing", rec["utm_campaign"])

	// lead attributes
	assert.Equal(t, "Maria", rec["lead_firstname"])
	assert.Equal(t, "maria@example.com", rec["lead_email"])
	assert.NotContains(t, rec, "lead_whatsapp")

	assert.NotContains(t, rec, "unknownTopLevel")
}

func TestMap_StageTimestampNeverCleared(t *testing.T) {
	m := newTestMapper(t)

	later := map[string]any{
		"id":         "42",
		"crm_column": "83",
		"updateDate": "2025-12-16T10:00:00",
		"fields": map[string]any{
			"Data Orçamento Compra": "",
			"Data Entrada Compra":   "não informado",
		},
	}

	rec, err := m.Map(later)
	require.NoError(t, err)

	assert.NotContains(t, rec, "orcamento_compra")
	assert.NotContains(t, rec, "entrada_compra")
	assert.Equal(t, int64(6), rec["funil_id"])
}

func TestMap_UnknownStage(t *testing.T) {
	m := newTestMapper(t)

	rec, err := m.Map(map[string]any{"id": 5, "crm_column": 123456})
	require.NoError(t, err)

	assert.Contains(t, rec, "funil_id")
	assert.Nil(t, rec["funil_id"])
}

func TestMap_PartialPayloadLeavesFunnelAlone(t *testing.T) {
	m := newTestMapper(t)

	rec, err := m.Map(map[string]any{"id": 5, "title": "Novo título"})
	require.NoError(t, err)

	assert.NotContains(t, rec, "funil_id")
	assert.NotContains(t, rec, "crm_column")
	assert.Len(t, rec, 3) // id, title, synced_at
}

func TestMap_MissingID(t *testing.T) {
	m := newTestMapper(t)

	for _, raw := range []map[string]any{
		{"title": "sem id"},
		{"id": ""},
		{"id": "abc"},
		{"id": -1},
	} {
		_, err := m.Map(raw)
		require.Error(t, err)
		assert.True(t, domain.IsValidation(err))
	}
}

func TestWithInsertDefaults(t *testing.T) {
	m := newTestMapper(t)

	t.Run("Success - fills mandatory columns", func(t *testing.T) {
		rec := models.Record{"id": int64(77), "title": nil}

		out := m.WithInsertDefaults(rec)

		assert.Equal(t, "Oportunidade #77", out["title"])
		assert.Equal(t, models.StatusOpen, out["status"])
		assert.Equal(t, int64(0), out["lead_id"])
		assert.Equal(t, int64(130), out["crm_column"])
		assert.Equal(t, int64(6), out["funil_id"])
		assert.Equal(t, "2025-12-15T08:00:00", out["create_date"])
		assert.Equal(t, "2025-12-15T08:00:00", out["update_date"])
	})

	t.Run("Success - keeps provided stage", func(t *testing.T) {
		out := m.WithInsertDefaults(models.Record{"id": int64(78), "crm_column": int64(202)})

		assert.Equal(t, int64(202), out["crm_column"])
		assert.Equal(t, int64(14), out["funil_id"])
	})
}

func TestDecode(t *testing.T) {
	_, err := Decode([]byte(`[1,2]`))
	assert.Error(t, err)

	_, err = Decode([]byte(`null`))
	assert.Error(t, err)

	raw, err := Decode([]byte(`{"id": 12345678901}`))
	require.NoError(t, err)
	assert.Equal(t, "12345678901", raw["id"].(interface{ String() string }).String())
}

func TestToday(t *testing.T) {
	m := newTestMapper(t)
	assert.Equal(t, "2025-12-15", m.Today())
}

func TestMap_CustomFieldAliasOrder(t *testing.T) {
	m := newTestMapper(t)

	payload := func(first, second string) map[string]any {
		return map[string]any{
			"id":         "42",
			"crm_column": "207",
			"fields": map[string]any{
				"Entrada Compra":      first,
				"Data Entrada Compra": second,
				"Data de Entrada":     "03/12/2025 10:00",
			},
		}
	}

	t.Run("first configured alias wins every time", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			rec, err := m.Map(payload("01/12/2025 10:00", "02/12/2025 10:00"))
			require.NoError(t, err)
			require.Equal(t, "2025-12-01T10:00:00", rec["entrada_compra"])
		}
	})

	t.Run("empty alias falls through to the next", func(t *testing.T) {
		rec, err := m.Map(payload("", "02/12/2025 10:00"))
		require.NoError(t, err)
		assert.Equal(t, "2025-12-02T10:00:00", rec["entrada_compra"])
	})
}

func TestDayOf(t *testing.T) {
	m := newTestMapper(t)

	tests := []struct {
		ts   string
		want string
		ok   bool
	}{
		{"2025-12-15T07:30:00", "2025-12-15", true},
		{"2025-12-15T02:30:00Z", "2025-12-14", true},
		{"2025-12-15T02:30:00+00:00", "2025-12-14", true},
		{"2025-12-14T23:30:00-0300", "2025-12-14", true},
		{"2025-12-15", "2025-12-15", true},
		{"", "", false},
	}
	for _, tt := range tests {
		day, ok := m.DayOf(tt.ts)
		assert.Equal(t, tt.ok, ok, tt.ts)
		assert.Equal(t, tt.want, day, tt.ts)
	}
}
