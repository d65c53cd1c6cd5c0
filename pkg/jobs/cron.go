package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/batchsync"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Schedules holds the cron expressions; an empty expression disables the job
type Schedules struct {
	Sync      string
	SyncToday string
	Drift     string
}

// Job timeouts
const (
	fullSyncTimeout  = 45 * time.Minute
	todaySyncTimeout = 10 * time.Minute
	driftTimeout     = 30 * time.Minute
)

// CronManager manages scheduled jobs
type CronManager struct {
	cron      *cron.Cron
	runner    *Runner
	schedules Schedules
	logger    logger.Logger
}

// NewCronManager creates a new cron manager running in loc
func NewCronManager(runner *Runner, schedules Schedules, loc *time.Location, log logger.Logger) *CronManager {
	if loc == nil {
		loc = time.UTC
	}
	return &CronManager{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cron.DefaultLogger)),
		),
		runner:    runner,
		schedules: schedules,
		logger:    log,
	}
}

// SetupJobs configures all scheduled jobs
func (cm *CronManager) SetupJobs() error {
	cm.logger.Info("setting up cron jobs")

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"full_sync", cm.schedules.Sync, func() { cm.runSync("full_sync", batchsync.Options{}, fullSyncTimeout) }},
		{"today_sync", cm.schedules.SyncToday, func() { cm.runSync("today_sync", todayOptions(), todaySyncTimeout) }},
		{"drift", cm.schedules.Drift, cm.runDrift},
	}

	for _, job := range jobs {
		if job.spec == "" {
			cm.logger.Info("cron job disabled", "job", job.name)
			continue
		}
		if _, err := cm.cron.AddFunc(job.spec, job.run); err != nil {
			return err
		}
		cm.logger.Info("cron job scheduled", "job", job.name, "spec", job.spec)
	}
	return nil
}

func todayOptions() batchsync.Options {
	return batchsync.Options{OnlyToday: true}
}

func (cm *CronManager) runSync(name string, opts batchsync.Options, timeout time.Duration) {
	log := cm.logger.With("job", name)
	log.Info("🕐 running scheduled sync")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	summary, err := cm.runner.RunSync(ctx, opts)
	switch {
	case errors.Is(err, ErrRunInProgress):
		log.Info("skipping, another run holds the lock")
	case err != nil:
		log.Error("❌ scheduled sync failed", "error", err)
	default:
		log.Info("✅ scheduled sync completed",
			"run_id", summary.RunID,
			"processed", summary.Processed,
			"inserted", summary.Inserted,
			"updated", summary.Updated,
			"skipped", summary.Skipped,
			"errors", summary.Errors,
			"duration", summary.Duration().String())
	}
}

func (cm *CronManager) runDrift() {
	log := cm.logger.With("job", "drift")
	log.Info("🕐 running drift verification")

	ctx, cancel := context.WithTimeout(context.Background(), driftTimeout)
	defer cancel()

	report, err := cm.runner.RunDrift(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		log.Info("skipping, another verification holds the lock")
	case err != nil:
		log.Error("❌ drift verification failed", "error", err)
	default:
		log.Info("✅ drift verification completed",
			"sync_percentage", report.SyncPercentage,
			"missing", report.MissingCount,
			"stale", report.StaleCount,
			"alerts", len(report.Alerts()))
	}
}

// Entries returns the number of scheduled jobs
func (cm *CronManager) Entries() int {
	return len(cm.cron.Entries())
}

// Start starts the cron scheduler
func (cm *CronManager) Start() {
	cm.logger.Info("🚀 starting cron scheduler")
	cm.cron.Start()
}

// Stop stops the scheduler and waits for running jobs until ctx is done
func (cm *CronManager) Stop(ctx context.Context) {
	cm.logger.Info("🛑 stopping cron scheduler")
	select {
	case <-cm.cron.Stop().Done():
	case <-ctx.Done():
		cm.logger.Warn("cron jobs still running at shutdown")
	}
}
