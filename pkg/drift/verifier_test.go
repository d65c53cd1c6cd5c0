package drift

import (
	"context"
	"testing"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/crm"
	"github.com/jordanlanch/funnelsync/pkg/datastore"
	"github.com/jordanlanch/funnelsync/pkg/datastore/datastoretest"
	"github.com/jordanlanch/funnelsync/pkg/domain"
	"github.com/jordanlanch/funnelsync/pkg/funnels"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/jordanlanch/funnelsync/pkg/opportunity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFunnels = `
funnels:
  - id: 1
    name: Compra
    stages:
      - {id: 10, name: Entrada, column: entrada_compra}
      - {id: 11, name: Qualificado, column: qualificado_compra}
`

type stubFetcher struct {
	stages map[int64][]crm.Opportunity
	errs   map[int64]error
}

func (f *stubFetcher) FetchStage(ctx context.Context, funnelID, stageID int64) (crm.StageResult, error) {
	res := crm.StageResult{FunnelID: funnelID, StageID: stageID, Records: f.stages[stageID], Pages: 1}
	if err := f.errs[stageID]; err != nil {
		return res, &crm.PageError{FunnelID: funnelID, StageID: stageID, Page: 1, Err: err}
	}
	return res, nil
}

func newTestVerifier(t *testing.T, fetcher StageFetcher, store Lookuper) *Verifier {
	t.Helper()
	reg, err := funnels.Parse([]byte(testFunnels))
	require.NoError(t, err)
	mapper := opportunity.NewMapper(reg, logger.Discard(), time.UTC)
	return NewVerifier(fetcher, store, mapper, 98, logger.Discard(), nil)
}

func TestVerifyStage_MissingAndStale(t *testing.T) {
	fetcher := &stubFetcher{stages: map[int64][]crm.Opportunity{}}
	store := datastoretest.New()

	for id := int64(1); id <= 10; id++ {
		fetcher.stages[10] = append(fetcher.stages[10], crm.Opportunity{"id": id, "updateDate": "15/12/2025 08:00"})
		switch {
		case id == 10:
			// missing locally
		case id == 9:
			store.Seed(models.Record{"id": id, "update_date": "2025-12-14T08:00:00"})
		default:
			store.Seed(models.Record{"id": id, "update_date": "2025-12-15T08:00:00"})
		}
	}

	v := newTestVerifier(t, fetcher, store)
	report, err := v.VerifyStage(context.Background(), 1, 10)

	require.NoError(t, err)
	assert.Equal(t, "Compra / Entrada", report.Label)
	assert.Equal(t, 10, report.SprintHubCount)
	assert.Equal(t, 9, report.LocalCount)
	assert.Equal(t, []int64{10}, report.MissingIDs)
	assert.Equal(t, []int64{9}, report.StaleIDs)
	assert.Equal(t, 90.0, report.SyncPercentage)
	assert.True(t, report.BelowThreshold)
	assert.Equal(t, 0, store.Writes(), "verification never writes")
}

func TestVerifyStage_StaleAcrossDateForms(t *testing.T) {
	fetcher := &stubFetcher{stages: map[int64][]crm.Opportunity{10: {
		{"id": int64(1), "updateDate": "2025-12-16T09:00"},
		{"id": int64(2), "updateDate": "2025-12-16 09:00"},
		{"id": int64(3), "updateDate": "2025-12-16T09:00:00-0300"},
		{"id": int64(4), "updateDate": "2025-12-16T09:00:00.000-0300"},
		{"id": int64(5), "updateDate": "ontem à tarde"},
		{"id": int64(6), "updateDate": "2025-12-15T05:00:00-0300"},
		{"id": int64(7)},
	}}}
	store := datastoretest.New()
	for id := int64(1); id <= 7; id++ {
		store.Seed(models.Record{"id": id, "update_date": "2025-12-15T08:31:00"})
	}

	v := newTestVerifier(t, fetcher, store)
	report, err := v.VerifyStage(context.Background(), 1, 10)

	require.NoError(t, err)
	assert.Equal(t, 7, report.LocalCount)
	assert.Empty(t, report.MissingIDs)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, report.StaleIDs)
}

func TestVerifyStage_EmptyStageIsFullySynced(t *testing.T) {
	v := newTestVerifier(t, &stubFetcher{}, datastoretest.New())

	report, err := v.VerifyStage(context.Background(), 1, 11)

	require.NoError(t, err)
	assert.Equal(t, 100.0, report.SyncPercentage)
	assert.False(t, report.BelowThreshold)
	assert.Empty(t, report.MissingIDs)
}

func TestVerifyStage_Errors(t *testing.T) {
	t.Run("Error - page failure aborts the stage", func(t *testing.T) {
		fetcher := &stubFetcher{
			stages: map[int64][]crm.Opportunity{10: {{"id": int64(1)}}},
			errs:   map[int64]error{10: &crm.StatusError{StatusCode: 503}},
		}
		store := datastoretest.New()
		v := newTestVerifier(t, fetcher, store)

		report, err := v.VerifyStage(context.Background(), 1, 10)

		require.Error(t, err)
		assert.True(t, domain.IsUpstream(err))
		assert.NotEmpty(t, report.Error)
		assert.Equal(t, 0, store.Calls("lookup"))
	})

	t.Run("Error - datastore lookup fails", func(t *testing.T) {
		store := datastoretest.New()
		store.FailNext("lookup", datastore.ErrTimeout)
		v := newTestVerifier(t, &stubFetcher{stages: map[int64][]crm.Opportunity{10: {{"id": int64(1)}}}}, store)

		_, err := v.VerifyStage(context.Background(), 1, 10)
		assert.ErrorIs(t, err, datastore.ErrTimeout)
	})

	t.Run("Error - stage from another funnel", func(t *testing.T) {
		v := newTestVerifier(t, &stubFetcher{}, datastoretest.New())

		_, err := v.VerifyStage(context.Background(), 2, 10)
		assert.True(t, domain.IsValidation(err))

		_, err = v.VerifyStage(context.Background(), 1, 99)
		assert.True(t, domain.IsValidation(err))
	})
}

func TestVerifyAll(t *testing.T) {
	fetcher := &stubFetcher{
		stages: map[int64][]crm.Opportunity{
			10: {{"id": int64(1), "updateDate": "2025-12-15T08:00:00"}, {"id": int64(2), "updateDate": "2025-12-15T08:00:00"}},
		},
		errs: map[int64]error{11: &crm.StatusError{StatusCode: 502}},
	}
	store := datastoretest.New()
	store.Seed(
		models.Record{"id": int64(1), "update_date": "2025-12-15T08:00:00"},
		models.Record{"id": int64(2), "update_date": "2025-12-15T08:00:00"},
	)
	v := newTestVerifier(t, fetcher, store)

	report, err := v.VerifyAll(context.Background(), nil)

	require.NoError(t, err)
	require.Len(t, report.Stages, 2)
	assert.Equal(t, 2, report.SprintHubCount)
	assert.Equal(t, 2, report.LocalCount)
	assert.Equal(t, 100.0, report.SyncPercentage)

	alerts := report.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, int64(11), alerts[0].StageID)
	assert.Contains(t, alerts[0].Error, "502")

	_, err = v.VerifyAll(context.Background(), []int64{7})
	assert.True(t, domain.IsValidation(err))
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 100.0, Percentage(0, 0))
	assert.Equal(t, 90.0, Percentage(9, 10))
	assert.Equal(t, 66.67, Percentage(2, 3))
	assert.Equal(t, 99.99, Percentage(9999, 10000))
}
