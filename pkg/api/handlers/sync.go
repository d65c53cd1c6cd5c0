package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jordanlanch/funnelsync/pkg/api/errors"
	"github.com/jordanlanch/funnelsync/pkg/batchsync"
	"github.com/jordanlanch/funnelsync/pkg/cache"
	"github.com/jordanlanch/funnelsync/pkg/drift"
	"github.com/jordanlanch/funnelsync/pkg/jobs"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/jordanlanch/funnelsync/pkg/reconciler"
	"github.com/labstack/echo/v4"
)

// SyncRunner runs a locked batch sync
type SyncRunner interface {
	RunSync(ctx context.Context, opts batchsync.Options) (batchsync.Summary, error)
}

// SingleSyncer resyncs one opportunity
type SingleSyncer interface {
	SyncOne(ctx context.Context, id int64) (reconciler.Result, error)
}

// StageVerifier checks one stage for drift
type StageVerifier interface {
	VerifyStage(ctx context.Context, funnelID, stageID int64) (drift.StageReport, error)
}

// StatusReader loads the latest stored results
type StatusReader interface {
	LastSummary(ctx context.Context, dst any) error
	LastDriftReport(ctx context.Context, dst any) error
}

// RunSyncRequest is the body of POST /sync/run
type RunSyncRequest struct {
	OnlyToday bool    `json:"only_today"`
	DryRun    bool    `json:"dry_run"`
	FunnelIDs []int64 `json:"funnel_ids" validate:"omitempty,max=50,dive,gt=0"`
}

// SyncOpportunityResponse is the body of POST /sync/opportunities/:id
type SyncOpportunityResponse struct {
	Success bool              `json:"success"`
	Result  reconciler.Result `json:"result"`
	Error   string            `json:"error,omitempty"`
}

// StatusResponse is the body of GET /sync/status
type StatusResponse struct {
	LastSync  *batchsync.Summary `json:"last_sync"`
	LastDrift *drift.Report      `json:"last_drift"`
}

// SyncHandler serves the sync admin API
type SyncHandler struct {
	runner     SyncRunner
	syncer     SingleSyncer
	verifier   StageVerifier
	status     StatusReader
	validator  *validator.Validate
	runTimeout time.Duration
}

// NewSyncHandler creates a new sync handler; status may be nil
func NewSyncHandler(runner SyncRunner, syncer SingleSyncer, verifier StageVerifier, status StatusReader, runTimeout time.Duration) *SyncHandler {
	if runTimeout <= 0 {
		runTimeout = 30 * time.Minute
	}
	return &SyncHandler{
		runner:     runner,
		syncer:     syncer,
		verifier:   verifier,
		status:     status,
		validator:  validator.New(),
		runTimeout: runTimeout,
	}
}

// Register mounts the admin routes on g
func (h *SyncHandler) Register(g *echo.Group) {
	g.POST("/run", h.Run)
	g.POST("/opportunities/:id", h.SyncOpportunity)
	g.GET("/verify/:funnel/:stage", h.Verify)
	g.GET("/status", h.Status)
}

// Run godoc
// @Summary Run a batch sync
// @Tags sync
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body RunSyncRequest false "Run options"
// @Success 200 {object} batchsync.Summary
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse "A run is in progress"
// @Router /sync/run [post]
func (h *SyncHandler) Run(c echo.Context) error {
	var req RunSyncRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return errors.ValidationError(c, err)
		}
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	// The run outlives a dropped admin connection
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), h.runTimeout)
	defer cancel()

	summary, err := h.runner.RunSync(ctx, batchsync.Options{
		OnlyToday: req.OnlyToday,
		DryRun:    req.DryRun,
		FunnelIDs: req.FunnelIDs,
	})
	if stderrors.Is(err, jobs.ErrRunInProgress) {
		return errors.ConflictError(c, "a sync run is already in progress")
	}
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// SyncOpportunity godoc
// @Summary Resync one opportunity from the CRM
// @Tags sync
// @Produce json
// @Security BearerAuth
// @Param id path int true "Opportunity ID"
// @Success 200 {object} SyncOpportunityResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 502 {object} SyncOpportunityResponse
// @Failure 504 {object} SyncOpportunityResponse
// @Router /sync/opportunities/{id} [post]
func (h *SyncHandler) SyncOpportunity(c echo.Context) error {
	id, ok := positiveParam(c, "id")
	if !ok {
		return invalidParam(c, "id")
	}

	res, err := h.syncer.SyncOne(c.Request().Context(), id)
	if err != nil && res.Status == reconciler.StatusFailed {
		status := http.StatusBadGateway
		if res.TimedOut() {
			status = http.StatusGatewayTimeout
		}
		return c.JSON(status, SyncOpportunityResponse{Result: res, Error: err.Error()})
	}
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, SyncOpportunityResponse{Success: true, Result: res})
}

// Verify godoc
// @Summary Verify one stage for drift
// @Tags sync
// @Produce json
// @Security BearerAuth
// @Param funnel path int true "Funnel ID"
// @Param stage path int true "Stage ID"
// @Success 200 {object} drift.StageReport
// @Failure 400 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Router /sync/verify/{funnel}/{stage} [get]
func (h *SyncHandler) Verify(c echo.Context) error {
	funnelID, ok := positiveParam(c, "funnel")
	if !ok {
		return invalidParam(c, "funnel")
	}
	stageID, ok := positiveParam(c, "stage")
	if !ok {
		return invalidParam(c, "stage")
	}

	report, err := h.verifier.VerifyStage(c.Request().Context(), funnelID, stageID)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// Status godoc
// @Summary Latest sync summary and drift report
// @Tags sync
// @Produce json
// @Security BearerAuth
// @Success 200 {object} StatusResponse
// @Router /sync/status [get]
func (h *SyncHandler) Status(c echo.Context) error {
	var resp StatusResponse
	if h.status == nil {
		return c.JSON(http.StatusOK, resp)
	}
	ctx := c.Request().Context()

	var summary batchsync.Summary
	switch err := h.status.LastSummary(ctx, &summary); {
	case err == nil:
		resp.LastSync = &summary
	case !stderrors.Is(err, cache.ErrMiss):
		return errors.InternalError(c, err)
	}

	var report drift.Report
	switch err := h.status.LastDriftReport(ctx, &report); {
	case err == nil:
		resp.LastDrift = &report
	case !stderrors.Is(err, cache.ErrMiss):
		return errors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, resp)
}

func positiveParam(c echo.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func invalidParam(c echo.Context, name string) error {
	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "validation_error",
		Message: name + " must be a positive integer",
	})
}
