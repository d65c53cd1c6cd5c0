// Package jobs runs batch syncs and drift checks under the Redis run lock,
// both on a cron schedule and on demand.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/batchsync"
	"github.com/jordanlanch/funnelsync/pkg/cache"
	"github.com/jordanlanch/funnelsync/pkg/drift"
	"github.com/jordanlanch/funnelsync/pkg/export"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/metrics"
	"github.com/jordanlanch/funnelsync/pkg/slack"
)

// ErrRunInProgress is returned when another run holds the lock
var ErrRunInProgress = errors.New("a run is already in progress")

// maxSamples caps the error samples sent to Slack
const maxSamples = 10

// Syncer runs a batch sync
type Syncer interface {
	SyncAll(ctx context.Context, opts batchsync.Options) (batchsync.Summary, error)
}

// DriftChecker verifies every configured stage
type DriftChecker interface {
	VerifyAll(ctx context.Context, funnelIDs []int64) (drift.Report, error)
}

// StatusStore holds run locks and the latest results
type StatusStore interface {
	LockSync(ctx context.Context) (*cache.Lock, error)
	LockDrift(ctx context.Context) (*cache.Lock, error)
	SaveSummary(ctx context.Context, summary any) error
	SaveDriftReport(ctx context.Context, report any) error
}

// Notifier sends run outcomes to Slack
type Notifier interface {
	NotifySyncFailures(ctx context.Context, f slack.SyncFailure) error
	NotifyDrift(ctx context.Context, threshold float64, stages []slack.DriftStage) error
	NotifyReportArchived(ctx context.Context, location string) error
}

// Uploader archives a generated report
type Uploader interface {
	Upload(ctx context.Context, name, contentType string, body []byte) (string, error)
}

// Runner executes sync and drift runs
type Runner struct {
	syncer   Syncer
	verifier DriftChecker
	status   StatusStore
	notifier Notifier
	uploader Uploader
	log      logger.Logger
	metrics  *metrics.Metrics
}

// NewRunner creates a runner. status, notifier and uploader may be nil.
func NewRunner(syncer Syncer, verifier DriftChecker, status StatusStore, notifier Notifier, uploader Uploader, log logger.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		syncer:   syncer,
		verifier: verifier,
		status:   status,
		notifier: notifier,
		uploader: uploader,
		log:      log,
		metrics:  m,
	}
}

// RunSync runs one batch sync while holding the sync lock
func (r *Runner) RunSync(ctx context.Context, opts batchsync.Options) (batchsync.Summary, error) {
	unlock, err := r.lock(ctx, r.lockSync)
	if err != nil {
		return batchsync.Summary{}, err
	}
	defer unlock()

	summary, runErr := r.syncer.SyncAll(ctx, opts)
	if summary.RunID != "" {
		if err := r.save(ctx, func(s StatusStore) error { return s.SaveSummary(ctx, summary) }); err != nil {
			r.log.Warn("failed to store sync summary", "run_id", summary.RunID, "error", err)
		}
	}
	if runErr != nil {
		return summary, runErr
	}

	if summary.Errors > 0 && r.notifier != nil {
		failure := slack.SyncFailure{
			RunID:     summary.RunID,
			Mode:      summary.Mode(),
			Processed: summary.Processed,
			Errors:    summary.Errors,
		}
		for i, d := range summary.ErrorDetails {
			if i == maxSamples {
				break
			}
			failure.Samples = append(failure.Samples, d.String())
		}
		if err := r.notifier.NotifySyncFailures(ctx, failure); err != nil {
			r.log.Warn("failed to notify sync failures", "run_id", summary.RunID, "error", err)
		}
	}
	return summary, nil
}

// RunDrift verifies all stages, stores the report, alerts and archives it
func (r *Runner) RunDrift(ctx context.Context) (drift.Report, error) {
	start := time.Now()
	unlock, err := r.lock(ctx, r.lockDrift)
	if err != nil {
		return drift.Report{}, err
	}
	defer unlock()

	report, err := r.verifier.VerifyAll(ctx, nil)
	alerts := report.Alerts()
	r.metrics.RecordSyncRun("drift", err == nil && len(alerts) == 0, time.Since(start))
	if err != nil {
		return report, err
	}

	if err := r.save(ctx, func(s StatusStore) error { return s.SaveDriftReport(ctx, report) }); err != nil {
		r.log.Warn("failed to store drift report", "error", err)
	}

	if r.notifier != nil && len(alerts) > 0 {
		stages := make([]slack.DriftStage, 0, len(alerts))
		for _, st := range alerts {
			stages = append(stages, slack.DriftStage{
				Label:          fmt.Sprintf("%s (%d/%d)", st.Label, st.FunnelID, st.StageID),
				CRMCount:       st.SprintHubCount,
				LocalCount:     st.LocalCount,
				Missing:        len(st.MissingIDs),
				Stale:          len(st.StaleIDs),
				SyncPercentage: st.SyncPercentage,
				Error:          st.Error,
			})
		}
		if err := r.notifier.NotifyDrift(ctx, report.Threshold, stages); err != nil {
			r.log.Warn("failed to notify drift", "error", err)
		}
	}

	if r.uploader != nil {
		if err := r.archive(ctx, report); err != nil {
			r.log.Error("failed to archive drift report", "error", err)
		}
	}
	return report, nil
}

func (r *Runner) archive(ctx context.Context, report drift.Report) error {
	data, err := export.DriftReportXLSX(report)
	if err != nil {
		return err
	}
	location, err := r.uploader.Upload(ctx, export.FileName(report), export.ContentTypeXLSX, data)
	if err != nil {
		return err
	}
	if r.notifier != nil {
		if err := r.notifier.NotifyReportArchived(ctx, location); err != nil {
			r.log.Warn("failed to notify archived report", "error", err)
		}
	}
	return nil
}

func (r *Runner) lockSync(ctx context.Context) (*cache.Lock, error) {
	return r.status.LockSync(ctx)
}

func (r *Runner) lockDrift(ctx context.Context) (*cache.Lock, error) {
	return r.status.LockDrift(ctx)
}

func (r *Runner) lock(ctx context.Context, acquire func(context.Context) (*cache.Lock, error)) (func(), error) {
	if r.status == nil {
		return func() {}, nil
	}
	lock, err := acquire(ctx)
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, err
	}
	return func() {
		// The run context may already be done
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			r.log.Warn("failed to release run lock", "error", err)
		}
	}, nil
}

func (r *Runner) save(ctx context.Context, fn func(StatusStore) error) error {
	if r.status == nil {
		return nil
	}
	return fn(r.status)
}
