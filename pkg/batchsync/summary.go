package batchsync

import (
	"fmt"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/reconciler"
)

// ActionFetchPage marks errors that came from a failed CRM page
const ActionFetchPage = "fetch_page"

// ActionMap marks payloads the mapper rejected
const ActionMap = "map"

// ActionFreshnessCheck marks failures before the state machine started
const ActionFreshnessCheck = "freshness_check"

// ErrorDetail is one failed record, or a failed page keyed by stage id
type ErrorDetail struct {
	ID     int64  `json:"id"`
	Action string `json:"action"`
	Error  string `json:"error"`
}

// String renders the detail for notifications
func (d ErrorDetail) String() string {
	if d.Action == ActionFetchPage {
		return fmt.Sprintf("stage %d %s: %s", d.ID, d.Action, d.Error)
	}
	return fmt.Sprintf("#%d %s: %s", d.ID, d.Action, d.Error)
}

// StageSummary is the outcome of one stage
type StageSummary struct {
	FunnelID  int64  `json:"funnel_id"`
	StageID   int64  `json:"stage_id"`
	Label     string `json:"label"`
	Fetched   int    `json:"fetched"`
	Pages     int    `json:"pages"`
	Processed int    `json:"processed"`
	Inserted  int    `json:"inserted"`
	Updated   int    `json:"updated"`
	Skipped   int    `json:"skipped"`
	Errors    int    `json:"errors"`
	PageError string `json:"page_error,omitempty"`
}

// Summary is the aggregate of a sync run
type Summary struct {
	RunID        string         `json:"run_id"`
	Processed    int            `json:"processed"`
	Inserted     int            `json:"inserted"`
	Updated      int            `json:"updated"`
	Skipped      int            `json:"skipped"`
	Errors       int            `json:"errors"`
	ErrorDetails []ErrorDetail  `json:"error_details"`
	Stages       []StageSummary `json:"stages"`
	DryRun       bool           `json:"dry_run"`
	OnlyToday    bool           `json:"only_today"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// Duration is how long the run took
func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Mode labels the run for metrics and notifications
func (s Summary) Mode() string {
	switch {
	case s.DryRun:
		return "dry_run"
	case s.OnlyToday:
		return "today"
	}
	return "full"
}

func (s *Summary) add(st StageSummary, details []ErrorDetail) {
	s.Stages = append(s.Stages, st)
	s.Processed += st.Processed
	s.Inserted += st.Inserted
	s.Updated += st.Updated
	s.Skipped += st.Skipped
	s.Errors += st.Errors
	s.ErrorDetails = append(s.ErrorDetails, details...)
}

// tally counts one reconciler result into the stage summary
func (st *StageSummary) tally(res reconciler.Result) {
	st.Processed++
	switch res.Status {
	case reconciler.StatusSkipped:
		st.Skipped++
	case reconciler.StatusFailed:
		st.Errors++
	default:
		switch res.Operation {
		case reconciler.OperationInsert:
			st.Inserted++
		case reconciler.OperationUpdate:
			st.Updated++
		}
	}
}

// failedAction names the step a failed result stopped at
func failedAction(res reconciler.Result) string {
	if len(res.Steps) == 0 {
		return ActionFreshnessCheck
	}
	return string(res.Steps[len(res.Steps)-1].Phase)
}
