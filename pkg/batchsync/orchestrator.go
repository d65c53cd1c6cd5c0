// Package batchsync walks every configured funnel stage in the CRM and
// reconciles each opportunity into the datastore.
package batchsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jordanlanch/funnelsync/pkg/crm"
	"github.com/jordanlanch/funnelsync/pkg/domain"
	"github.com/jordanlanch/funnelsync/pkg/funnels"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/metrics"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/jordanlanch/funnelsync/pkg/opportunity"
	"github.com/jordanlanch/funnelsync/pkg/reconciler"
	"golang.org/x/sync/errgroup"
)

// Fetcher reads opportunities from the CRM
type Fetcher interface {
	FetchStage(ctx context.Context, funnelID, stageID int64) (crm.StageResult, error)
	FetchOpportunity(ctx context.Context, id int64) (crm.Opportunity, error)
}

// Syncer reconciles one record in batch mode
type Syncer interface {
	Sync(ctx context.Context, rec models.Record, dryRun bool) reconciler.Result
}

// Options selects what a run covers
type Options struct {
	OnlyToday bool    `json:"only_today"`
	DryRun    bool    `json:"dry_run"`
	FunnelIDs []int64 `json:"funnel_ids"`
}

// Orchestrator runs batch syncs
type Orchestrator struct {
	fetcher     Fetcher
	syncer      Syncer
	mapper      *opportunity.Mapper
	registry    *funnels.Registry
	concurrency int
	log         logger.Logger
	metrics     *metrics.Metrics
}

// New creates an orchestrator; concurrency bounds the workers within a stage
func New(fetcher Fetcher, syncer Syncer, mapper *opportunity.Mapper, concurrency int, log logger.Logger, m *metrics.Metrics) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 4
	}
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		fetcher:     fetcher,
		syncer:      syncer,
		mapper:      mapper,
		registry:    mapper.Registry(),
		concurrency: concurrency,
		log:         log,
		metrics:     m,
	}
}

// SelectFunnels resolves funnel ids against the registry; empty means all
func SelectFunnels(reg *funnels.Registry, ids []int64) ([]funnels.Funnel, error) {
	selected, err := reg.Select(ids)
	if err != nil {
		return nil, domain.NewValidationError(err.Error())
	}
	return selected, nil
}

// SyncAll syncs every stage of the selected funnels. Stages run one after
// another; records within a stage run on a bounded pool. Record and page
// failures are collected in the summary. The error is non-nil only for bad
// options or a cancelled context, in which case the summary is partial.
func (o *Orchestrator) SyncAll(ctx context.Context, opts Options) (Summary, error) {
	selected, err := SelectFunnels(o.registry, opts.FunnelIDs)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		RunID:        uuid.NewString(),
		DryRun:       opts.DryRun,
		OnlyToday:    opts.OnlyToday,
		StartedAt:    o.mapper.Now(),
		ErrorDetails: []ErrorDetail{},
		Stages:       []StageSummary{},
	}
	log := o.log.With("run_id", summary.RunID)
	log.Info("sync run started", "mode", summary.Mode(), "funnels", len(selected))

	var runErr error
stages:
	for _, f := range selected {
		for _, stage := range f.Stages {
			if err := ctx.Err(); err != nil {
				runErr = err
				break stages
			}
			st, details := o.syncStage(ctx, log, f, stage, opts)
			summary.add(st, details)
		}
	}

	summary.FinishedAt = o.mapper.Now()
	o.metrics.RecordSyncRun(summary.Mode(), runErr == nil && summary.Errors == 0, summary.Duration())
	log.Info("sync run finished",
		"processed", summary.Processed,
		"inserted", summary.Inserted,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
		"duration", summary.Duration().String(),
	)
	return summary, runErr
}

func (o *Orchestrator) syncStage(ctx context.Context, log logger.Logger, f funnels.Funnel, stage funnels.Stage, opts Options) (StageSummary, []ErrorDetail) {
	st := StageSummary{FunnelID: f.ID, StageID: stage.ID, Label: f.Name + " / " + stage.Name}
	log = log.With("funnel_id", f.ID, "stage_id", stage.ID)

	var details []ErrorDetail
	result, err := o.fetcher.FetchStage(ctx, f.ID, stage.ID)
	st.Pages = result.Pages
	st.Fetched = len(result.Records)
	if err != nil {
		// pages fetched before the failure are still reconciled
		st.Errors++
		st.PageError = err.Error()
		details = append(details, ErrorDetail{ID: stage.ID, Action: ActionFetchPage, Error: err.Error()})
		log.Warn("stage fetch incomplete", "pages", result.Pages, "records", len(result.Records), "error", err)
	}

	today := o.mapper.Today()
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.concurrency)

	for _, raw := range result.Records {
		if ctx.Err() != nil {
			break
		}
		raw := raw
		g.Go(func() error {
			res, detail, counted := o.syncRecord(ctx, raw, opts, today)
			if !counted {
				return nil
			}
			o.metrics.RecordSyncRecord(modeLabel(opts), string(res.Status))

			mu.Lock()
			defer mu.Unlock()
			if detail != nil {
				st.Processed++
				st.Errors++
				details = append(details, *detail)
				return nil
			}
			st.tally(res)
			if res.Status == reconciler.StatusFailed {
				details = append(details, ErrorDetail{ID: res.ID, Action: failedAction(res), Error: errString(res.Err)})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(details, func(i, j int) bool {
		if details[i].Action == ActionFetchPage {
			return details[j].Action != ActionFetchPage
		}
		return details[j].Action != ActionFetchPage && details[i].ID < details[j].ID
	})

	log.Info("stage synced", "fetched", st.Fetched, "processed", st.Processed, "inserted", st.Inserted,
		"updated", st.Updated, "skipped", st.Skipped, "errors", st.Errors)
	return st, details
}

// syncRecord maps and reconciles one raw opportunity. counted is false when
// the record is filtered out by OnlyToday.
func (o *Orchestrator) syncRecord(ctx context.Context, raw crm.Opportunity, opts Options, today string) (reconciler.Result, *ErrorDetail, bool) {
	rec, err := o.mapper.Map(raw)
	if err != nil {
		id, _ := crm.OpportunityID(raw)
		return reconciler.Result{ID: id, Status: reconciler.StatusFailed}, &ErrorDetail{ID: id, Action: ActionMap, Error: err.Error()}, true
	}

	if opts.OnlyToday {
		if day, ok := o.mapper.DayOf(rec.String(models.ColumnCreateDate)); !ok || day != today {
			return reconciler.Result{}, nil, false
		}
	}

	return o.syncer.Sync(ctx, rec, opts.DryRun), nil, true
}

// SyncOne fetches one opportunity from the CRM and reconciles it in batch mode
func (o *Orchestrator) SyncOne(ctx context.Context, id int64) (reconciler.Result, error) {
	raw, err := o.fetcher.FetchOpportunity(ctx, id)
	if err != nil {
		if errors.Is(err, crm.ErrNotFound) {
			return reconciler.Result{}, domain.NewNotFoundError(fmt.Sprintf("opportunity %d", id))
		}
		return reconciler.Result{}, domain.NewUpstreamError("fetch opportunity from CRM", err)
	}

	rec, err := o.mapper.Map(raw)
	if err != nil {
		return reconciler.Result{}, err
	}

	start := time.Now()
	res := o.syncer.Sync(ctx, rec, false)
	o.metrics.RecordSyncRecord("single", string(res.Status))
	o.log.Info("single opportunity synced", "id", id, "status", res.Status, "operation", res.Operation, "duration", time.Since(start).String())
	if res.Status == reconciler.StatusFailed {
		return res, domain.NewUpstreamError(fmt.Sprintf("sync opportunity %d", id), res.Err)
	}
	return res, nil
}

func modeLabel(opts Options) string {
	return Summary{DryRun: opts.DryRun, OnlyToday: opts.OnlyToday}.Mode()
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
