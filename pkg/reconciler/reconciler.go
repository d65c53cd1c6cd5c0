package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/datastore"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/metrics"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/jordanlanch/funnelsync/pkg/normalize"
)

// Store is the part of the datastore the reconciler drives
type Store interface {
	Exists(ctx context.Context, id int64) (*datastore.Existing, error)
	Insert(ctx context.Context, rec models.Record) (datastore.WriteResult, error)
	Update(ctx context.Context, id int64, rec models.Record) (datastore.WriteResult, error)
}

// Status is the final disposition of one opportunity
type Status string

const (
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusDryRun  Status = "dry_run"
)

// Request is one upsert. InsertRecord, when set, is written instead of
// Record if the machine reaches the insert phase.
type Request struct {
	Record       models.Record
	InsertRecord models.Record
}

// Step is one recorded transition
type Step struct {
	Phase   Phase   `json:"phase"`
	Outcome Outcome `json:"outcome"`
}

// Result is what happened to one opportunity
type Result struct {
	ID        int64           `json:"id"`
	Status    Status          `json:"status"`
	Operation Operation       `json:"operation,omitempty"`
	Steps     []Step          `json:"steps,omitempty"`
	Rows      []models.Record `json:"-"`
	Err       error           `json:"-"`
}

// TimedOut reports whether the machine failed on repeated timeouts
func (r Result) TimedOut() bool {
	if r.Status != StatusFailed || len(r.Steps) == 0 {
		return false
	}
	return r.Steps[len(r.Steps)-1].Outcome == OutcomeTimeout
}

// Reconciler runs the state machine against a Store
type Reconciler struct {
	store   Store
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a reconciler
func New(store Store, log logger.Logger, m *metrics.Metrics) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	return &Reconciler{store: store, log: log, metrics: m, now: time.Now}
}

// WithClock sets the clock used for synced_at on forced updates
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Upsert writes the record starting with an update, the webhook path
func (r *Reconciler) Upsert(ctx context.Context, req Request) Result {
	id, ok := req.Record.ID()
	if !ok {
		return Result{Status: StatusFailed, Err: errors.New("reconciler: record has no id")}
	}
	return r.run(ctx, id, Start(PhaseUpdate), req)
}

// Sync is the batch path: a freshness gate first, then the machine entered
// at update or insert depending on whether the row exists. With dryRun the
// decision is logged and nothing is written.
func (r *Reconciler) Sync(ctx context.Context, rec models.Record, dryRun bool) Result {
	id, ok := rec.ID()
	if !ok {
		return Result{Status: StatusFailed, Err: errors.New("reconciler: record has no id")}
	}
	log := r.log.With("id", id)

	existing, err := r.exists(ctx, id)
	if err != nil {
		return Result{ID: id, Status: StatusFailed, Err: err}
	}

	if existing != nil && normalize.Unreadable(rec.UpdateDate()) {
		log.Warn("unreadable CRM update_date, updating without freshness check", "crm_update_date", rec.UpdateDate())
	}
	if existing != nil && normalize.NotOlder(existing.UpdateDate, rec.UpdateDate()) {
		log.Debug("local copy is current, skipping", "local_update_date", existing.UpdateDate, "crm_update_date", rec.UpdateDate())
		return Result{ID: id, Status: StatusSkipped}
	}

	start, op := PhaseInsert, OperationInsert
	if existing != nil {
		start, op = PhaseUpdate, OperationUpdate
	}

	if dryRun {
		log.Info("dry run decision", "operation", op)
		return Result{ID: id, Status: StatusDryRun, Operation: op}
	}

	return r.run(ctx, id, Start(start), Request{Record: rec})
}

func (r *Reconciler) exists(ctx context.Context, id int64) (*datastore.Existing, error) {
	existing, err := r.store.Exists(ctx, id)
	if err != nil && errors.Is(err, datastore.ErrTimeout) {
		existing, err = r.store.Exists(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reconciler: freshness check for %d: %w", id, err)
	}
	return existing, nil
}

func (r *Reconciler) run(ctx context.Context, id int64, state State, req Request) Result {
	log := r.log.With("id", id)
	result := Result{ID: id}

	for !state.Terminal() {
		outcome, rows, err := r.step(ctx, id, state.Phase, req)
		r.metrics.RecordReconcileStep(string(state.Phase), string(outcome))
		result.Steps = append(result.Steps, Step{Phase: state.Phase, Outcome: outcome})
		if err != nil {
			result.Err = err
		}
		if rows != nil {
			result.Rows = rows
		}

		next := Next(state, outcome)
		log.Debug("reconcile step", "phase", state.Phase, "outcome", outcome, "next", next.Phase)
		state = next
	}

	result.Operation = state.Operation
	if state.Phase == PhaseFailed {
		result.Status = StatusFailed
		if result.Err == nil {
			last := result.Steps[len(result.Steps)-1]
			result.Err = fmt.Errorf("reconciler: unexpected %s in phase %s", last.Outcome, last.Phase)
		}
		log.Error("reconcile failed", "steps", len(result.Steps), "error", result.Err)
		return result
	}

	result.Status = StatusDone
	result.Err = nil
	return result
}

// step performs the I/O for one phase and classifies the answer
func (r *Reconciler) step(ctx context.Context, id int64, phase Phase, req Request) (Outcome, []models.Record, error) {
	switch phase {
	case PhaseCheckExists:
		existing, err := r.store.Exists(ctx, id)
		if err != nil {
			return classify(err), nil, err
		}
		if existing == nil {
			return OutcomeAbsent, nil, nil
		}
		return OutcomeExists, nil, nil

	case PhaseUpdate, PhaseConflictUpdate:
		return writeOutcome(r.store.Update(ctx, id, req.Record))

	case PhaseForceUpdate:
		rec := req.Record.Clone()
		rec[models.ColumnSyncedAt] = r.now().Format(normalize.TimestampLayout)
		return writeOutcome(r.store.Update(ctx, id, rec))

	case PhaseInsert:
		rec := req.Record
		if req.InsertRecord != nil {
			rec = req.InsertRecord
		}
		if _, ok := rec[models.ColumnID]; !ok {
			rec = rec.Clone()
			rec[models.ColumnID] = id
		}
		return writeOutcome(r.store.Insert(ctx, rec))
	}

	return OutcomeError, nil, fmt.Errorf("reconciler: no action for phase %s", phase)
}

func writeOutcome(res datastore.WriteResult, err error) (Outcome, []models.Record, error) {
	if err != nil {
		return classify(err), nil, err
	}
	if res.RowsAffected > 0 {
		return OutcomeRows, res.Rows, nil
	}
	return OutcomeZeroRows, nil, nil
}

func classify(err error) Outcome {
	switch {
	case errors.Is(err, datastore.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, datastore.ErrConflict):
		return OutcomeConflict
	case errors.Is(err, datastore.ErrNotFound):
		return OutcomeNotFound
	}
	return OutcomeError
}
