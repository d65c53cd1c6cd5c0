// Package drift compares CRM stages with the datastore without writing:
// which opportunities are missing locally and which are stale.
package drift

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/crm"
	"github.com/jordanlanch/funnelsync/pkg/datastore"
	"github.com/jordanlanch/funnelsync/pkg/domain"
	"github.com/jordanlanch/funnelsync/pkg/funnels"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/metrics"
	"github.com/jordanlanch/funnelsync/pkg/normalize"
	"github.com/jordanlanch/funnelsync/pkg/opportunity"
	"github.com/shopspring/decimal"
)

// StageFetcher reads a CRM stage
type StageFetcher interface {
	FetchStage(ctx context.Context, funnelID, stageID int64) (crm.StageResult, error)
}

// Lookuper reads the freshness view of many rows
type Lookuper interface {
	Lookup(ctx context.Context, ids []int64) (map[int64]datastore.Existing, error)
}

// StageReport is the drift of one stage
type StageReport struct {
	FunnelID       int64   `json:"funnel_id"`
	StageID        int64   `json:"stage_id"`
	Label          string  `json:"label"`
	SprintHubCount int     `json:"sprintHubCount"`
	LocalCount     int     `json:"localCount"`
	MissingIDs     []int64 `json:"missingIds"`
	StaleIDs       []int64 `json:"staleIds"`
	SyncPercentage float64 `json:"syncPercentage"`
	BelowThreshold bool    `json:"belowThreshold"`
	Error          string  `json:"error,omitempty"`
}

// Report aggregates every verified stage
type Report struct {
	CheckedAt      time.Time     `json:"checked_at"`
	Threshold      float64       `json:"threshold"`
	SprintHubCount int           `json:"sprintHubCount"`
	LocalCount     int           `json:"localCount"`
	MissingCount   int           `json:"missingCount"`
	StaleCount     int           `json:"staleCount"`
	SyncPercentage float64       `json:"syncPercentage"`
	Stages         []StageReport `json:"stages"`
}

// Alerts returns the stages below the threshold or that failed verification
func (r Report) Alerts() []StageReport {
	var out []StageReport
	for _, st := range r.Stages {
		if st.BelowThreshold || st.Error != "" {
			out = append(out, st)
		}
	}
	return out
}

// Verifier runs drift checks
type Verifier struct {
	fetcher   StageFetcher
	store     Lookuper
	mapper    *opportunity.Mapper
	registry  *funnels.Registry
	threshold float64
	log       logger.Logger
	metrics   *metrics.Metrics
}

// NewVerifier creates a verifier; stages under threshold percent are flagged
func NewVerifier(fetcher StageFetcher, store Lookuper, mapper *opportunity.Mapper, threshold float64, log logger.Logger, m *metrics.Metrics) *Verifier {
	if log == nil {
		log = logger.Default()
	}
	return &Verifier{
		fetcher:   fetcher,
		store:     store,
		mapper:    mapper,
		registry:  mapper.Registry(),
		threshold: threshold,
		log:       log,
		metrics:   m,
	}
}

// Percentage returns local/crm as a percentage rounded to two decimals; an
// empty CRM stage is fully synced
func Percentage(local, crmCount int) float64 {
	if crmCount == 0 {
		return 100
	}
	pct, _ := decimal.NewFromInt(int64(local)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(crmCount))).
		Round(2).
		Float64()
	return pct
}

// VerifyStage compares one CRM stage with the datastore. A page error
// aborts the stage: partial data would under-report drift.
func (v *Verifier) VerifyStage(ctx context.Context, funnelID, stageID int64) (StageReport, error) {
	stage, ok := v.registry.Stage(stageID)
	if !ok {
		return StageReport{}, domain.NewValidationError(fmt.Sprintf("unknown stage %d", stageID))
	}
	if owner, _ := v.registry.FunnelFor(stageID); owner != funnelID {
		return StageReport{}, domain.NewValidationError(fmt.Sprintf("stage %d does not belong to funnel %d", stageID, funnelID))
	}
	f, _ := v.registry.Funnel(funnelID)

	report := StageReport{
		FunnelID:   funnelID,
		StageID:    stageID,
		Label:      f.Name + " / " + stage.Name,
		MissingIDs: []int64{},
		StaleIDs:   []int64{},
	}
	log := v.log.With("funnel_id", funnelID, "stage_id", stageID)

	result, err := v.fetcher.FetchStage(ctx, funnelID, stageID)
	if err != nil {
		report.Error = err.Error()
		log.Error("drift check aborted, stage fetch incomplete", "pages", result.Pages, "error", err)
		return report, domain.NewUpstreamError(fmt.Sprintf("fetch stage %d", stageID), err)
	}

	crmDates := make(map[int64]string, len(result.Records))
	ids := make([]int64, 0, len(result.Records))
	for _, raw := range result.Records {
		id, ok := crm.OpportunityID(raw)
		if !ok {
			continue
		}
		if _, dup := crmDates[id]; dup {
			continue
		}
		crmDates[id] = crmUpdateDate(raw)
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	local, err := v.store.Lookup(ctx, ids)
	if err != nil {
		report.Error = err.Error()
		return report, domain.NewUpstreamError("datastore lookup", err)
	}

	for _, id := range ids {
		ex, ok := local[id]
		if !ok {
			report.MissingIDs = append(report.MissingIDs, id)
			continue
		}
		report.LocalCount++
		if normalize.Unreadable(crmDates[id]) {
			log.Warn("unreadable CRM update_date counted as stale", "id", id, "crm_update_date", crmDates[id])
		}
		if !normalize.NotOlder(ex.UpdateDate, crmDates[id]) {
			report.StaleIDs = append(report.StaleIDs, id)
		}
	}

	report.SprintHubCount = len(ids)
	report.SyncPercentage = Percentage(report.LocalCount, report.SprintHubCount)
	report.BelowThreshold = report.SyncPercentage < v.threshold

	v.metrics.RecordDrift(funnelID, stageID, len(report.MissingIDs), len(report.StaleIDs), report.SyncPercentage)
	log.Info("drift checked",
		"crm", report.SprintHubCount,
		"local", report.LocalCount,
		"missing", len(report.MissingIDs),
		"stale", len(report.StaleIDs),
		"sync_percentage", report.SyncPercentage,
	)
	return report, nil
}

// VerifyAll checks every stage of the selected funnels. A failed stage is
// recorded on its report and the walk continues.
func (v *Verifier) VerifyAll(ctx context.Context, funnelIDs []int64) (Report, error) {
	selected, err := v.registry.Select(funnelIDs)
	if err != nil {
		return Report{}, domain.NewValidationError(err.Error())
	}

	report := Report{CheckedAt: v.mapper.Now(), Threshold: v.threshold, Stages: []StageReport{}}
	for _, f := range selected {
		for _, stage := range f.Stages {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			st, err := v.VerifyStage(ctx, f.ID, stage.ID)
			if err != nil && st.Error == "" {
				st.Error = err.Error()
			}
			report.Stages = append(report.Stages, st)
			if st.Error != "" {
				continue
			}
			report.SprintHubCount += st.SprintHubCount
			report.LocalCount += st.LocalCount
			report.MissingCount += len(st.MissingIDs)
			report.StaleCount += len(st.StaleIDs)
		}
	}
	report.SyncPercentage = Percentage(report.LocalCount, report.SprintHubCount)
	return report, nil
}

// crmUpdateDate returns the canonical CRM update_date. A value the normalizer
// rejects is returned raw so the comparison counts it as stale.
func crmUpdateDate(raw crm.Opportunity) string {
	for _, key := range []string{"updateDate", "update_date"} {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		ts, ok, err := normalize.Timestamp(v)
		if ok {
			return ts
		}
		if err != nil {
			return strings.TrimSpace(fmt.Sprint(v))
		}
	}
	return ""
}
