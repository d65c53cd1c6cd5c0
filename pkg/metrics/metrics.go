package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Sync metrics
	SyncRecords     *prometheus.CounterVec
	SyncRuns        *prometheus.CounterVec
	SyncRunDuration *prometheus.HistogramVec
	ReconcileSteps  *prometheus.CounterVec

	// Upstream metrics
	CRMPages                 *prometheus.CounterVec
	CRMRequestDuration       prometheus.Histogram
	DatastoreRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookRequests  *prometheus.CounterVec
	ChangeFeedEvents *prometheus.CounterVec
	StageEntries     *prometheus.CounterVec

	// Drift metrics
	DriftMissing        *prometheus.GaugeVec
	DriftStale          *prometheus.GaugeVec
	DriftSyncPercentage *prometheus.GaugeVec
}

// New creates a Metrics instance registered on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 5000, 10000, 50000, 100000, 500000, 1000000},
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 5000, 10000, 50000, 100000, 500000, 1000000},
			},
			[]string{"method", "path"},
		),

		// Sync metrics
		SyncRecords: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_records_total",
				Help: "Opportunities reconciled, by path and terminal result",
			},
			[]string{"mode", "result"}, // batch|webhook, insert|update|skip|error
		),
		SyncRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_runs_total",
				Help: "Batch sync and verification runs",
			},
			[]string{"kind", "status"},
		),
		SyncRunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_run_duration_seconds",
				Help:    "Duration of batch sync and verification runs",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
			},
			[]string{"kind"},
		),
		ReconcileSteps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_steps_total",
				Help: "Reconciler state machine steps, by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),

		// Upstream metrics
		CRMPages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_pages_total",
				Help: "CRM opportunity pages fetched",
			},
			[]string{"status"}, // ok, error
		),
		CRMRequestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crm_request_duration_seconds",
			Help:    "CRM request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		DatastoreRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datastore_request_duration_seconds",
				Help:    "Datastore request latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"operation", "status"}, // exists, lookup, insert, update
		),

		// Webhook metrics
		WebhookRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_requests_total",
				Help: "Webhook deliveries, by payload kind and response status",
			},
			[]string{"kind", "status"},
		),
		ChangeFeedEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "change_feed_events_total",
				Help: "Datastore change notifications received",
			},
			[]string{"type"},
		),
		StageEntries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stage_entries_total",
				Help: "Stage entry timestamps newly populated",
			},
			[]string{"stage"},
		),

		// Drift metrics
		DriftMissing: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "drift_missing_records",
				Help: "Opportunities present in the CRM but missing locally",
			},
			[]string{"funnel", "stage"},
		),
		DriftStale: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "drift_stale_records",
				Help: "Opportunities whose local copy is older than the CRM",
			},
			[]string{"funnel", "stage"},
		),
		DriftSyncPercentage: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "drift_sync_percentage",
				Help: "Share of CRM opportunities present locally",
			},
			[]string{"funnel", "stage"},
		),
	}
}

// Middleware creates an Echo middleware for Prometheus metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			req := c.Request()
			path := c.Path() // route pattern, not the raw path

			if req.ContentLength > 0 {
				m.HTTPRequestSize.WithLabelValues(req.Method, path).Observe(float64(req.ContentLength))
			}

			err := next(c)

			status := c.Response().Status
			duration := time.Since(start).Seconds()

			m.HTTPRequestsTotal.WithLabelValues(req.Method, path, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(req.Method, path, strconv.Itoa(status)).Observe(duration)
			m.HTTPResponseSize.WithLabelValues(req.Method, path).Observe(float64(c.Response().Size))

			return err
		}
	}
}

// RecordSyncRecord counts one reconciled opportunity
func (m *Metrics) RecordSyncRecord(mode, result string) {
	if m == nil {
		return
	}
	m.SyncRecords.WithLabelValues(mode, result).Inc()
}

// RecordSyncRun records a finished run
func (m *Metrics) RecordSyncRun(kind string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "failed"
	if success {
		status = "success"
	}
	m.SyncRuns.WithLabelValues(kind, status).Inc()
	m.SyncRunDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordReconcileStep counts one state machine transition
func (m *Metrics) RecordReconcileStep(phase, outcome string) {
	if m == nil {
		return
	}
	m.ReconcileSteps.WithLabelValues(phase, outcome).Inc()
}

// RecordCRMPage records a page fetch
func (m *Metrics) RecordCRMPage(ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "error"
	if ok {
		status = "ok"
	}
	m.CRMPages.WithLabelValues(status).Inc()
	m.CRMRequestDuration.Observe(duration.Seconds())
}

// RecordDatastoreRequest records datastore call latency; status 0 means transport failure
func (m *Metrics) RecordDatastoreRequest(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.DatastoreRequestDuration.WithLabelValues(operation, strconv.Itoa(status)).Observe(duration.Seconds())
}

// RecordWebhook counts a webhook delivery
func (m *Metrics) RecordWebhook(kind string, status int) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(kind, strconv.Itoa(status)).Inc()
}

// RecordChangeEvent counts a change-feed notification
func (m *Metrics) RecordChangeEvent(eventType string) {
	if m == nil {
		return
	}
	m.ChangeFeedEvents.WithLabelValues(eventType).Inc()
}

// RecordStageEntry counts an opportunity entering a stage
func (m *Metrics) RecordStageEntry(stageID int64) {
	if m == nil {
		return
	}
	m.StageEntries.WithLabelValues(strconv.FormatInt(stageID, 10)).Inc()
}

// RecordDrift publishes a stage's drift figures
func (m *Metrics) RecordDrift(funnelID, stageID int64, missing, stale int, syncPercentage float64) {
	if m == nil {
		return
	}
	funnel := strconv.FormatInt(funnelID, 10)
	stage := strconv.FormatInt(stageID, 10)
	m.DriftMissing.WithLabelValues(funnel, stage).Set(float64(missing))
	m.DriftStale.WithLabelValues(funnel, stage).Set(float64(stale))
	m.DriftSyncPercentage.WithLabelValues(funnel, stage).Set(syncPercentage)
}
