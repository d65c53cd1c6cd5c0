// Package webhook turns CRM pushes and datastore change-feed notifications
// into reconciler runs and side effects.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/domain"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/metrics"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/jordanlanch/funnelsync/pkg/opportunity"
	"github.com/jordanlanch/funnelsync/pkg/reconciler"
)

// Kinds of webhook delivery, used as metric labels
const (
	KindOpportunity = "opportunity"
	KindChangeFeed  = "change_feed"
	KindInvalid     = "invalid"
)

// OperationNotification is the operation reported for change-feed events
const OperationNotification = "notification"

// ErrInvalidSignature is returned when the signature header does not match
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// Upserter runs one upsert through the state machine
type Upserter interface {
	Upsert(ctx context.Context, req reconciler.Request) reconciler.Result
}

// Options configures the ingester
type Options struct {
	Timeout     time.Duration
	Secret      string
	HookTimeout time.Duration
	// Table, when set, drops change-feed events for other tables
	Table string
}

// Ingester handles webhook bodies
type Ingester struct {
	mapper   *opportunity.Mapper
	upserter Upserter
	log      logger.Logger
	metrics  *metrics.Metrics
	opts     Options

	hooks []namedHook
	wg    sync.WaitGroup
}

type namedHook struct {
	name string
	fn   Hook
}

// NewIngester creates an ingester
func NewIngester(mapper *opportunity.Mapper, upserter Upserter, opts Options, log logger.Logger, m *metrics.Metrics) *Ingester {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Ingester{
		mapper:   mapper,
		upserter: upserter,
		log:      log,
		metrics:  m,
		opts:     opts,
	}
}

// AddHook registers a change-feed side effect. Not safe to call while serving.
func (i *Ingester) AddHook(name string, fn Hook) {
	i.hooks = append(i.hooks, namedHook{name: name, fn: fn})
}

// Authenticate checks the signature when a secret is configured
func (i *Ingester) Authenticate(body []byte, signature string) error {
	if i.opts.Secret == "" {
		return nil
	}
	if signature == "" || !VerifySignature(body, signature, i.opts.Secret) {
		return ErrInvalidSignature
	}
	return nil
}

// Ingest processes one body and returns the HTTP status and response
func (i *Ingester) Ingest(ctx context.Context, body []byte) (int, models.WebhookResponse) {
	raw, err := opportunity.Decode(body)
	if err != nil {
		return i.reject(KindInvalid, "invalid JSON payload")
	}

	if ev, ok := asChangeEvent(raw); ok {
		i.dispatch(ctx, ev)
		i.metrics.RecordWebhook(KindChangeFeed, http.StatusOK)
		return http.StatusOK, models.WebhookResponse{Success: true, Operation: OperationNotification}
	}

	if inner, ok := raw["data"].(map[string]any); ok {
		raw = inner
	}

	rec, err := i.mapper.Map(raw)
	if err != nil {
		if domain.IsValidation(err) {
			return i.reject(KindOpportunity, err.Error())
		}
		return i.reject(KindOpportunity, "invalid opportunity payload")
	}

	ctx, cancel := context.WithTimeout(ctx, i.opts.Timeout)
	defer cancel()

	id, _ := rec.ID()
	res := i.upserter.Upsert(ctx, reconciler.Request{
		Record:       rec,
		InsertRecord: i.mapper.WithInsertDefaults(rec),
	})

	if res.Status != reconciler.StatusDone {
		status := http.StatusBadGateway
		if res.TimedOut() {
			status = http.StatusGatewayTimeout
		}
		i.log.Error("webhook upsert failed", "id", id, "status", status, "steps", len(res.Steps), "error", res.Err)
		i.metrics.RecordWebhook(KindOpportunity, status)
		msg := "datastore write failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return status, models.WebhookResponse{Success: false, Error: msg}
	}

	i.log.Info("webhook upsert", "id", id, "operation", res.Operation, "steps", len(res.Steps))
	i.metrics.RecordWebhook(KindOpportunity, http.StatusOK)

	var data any = rec
	if len(res.Rows) > 0 {
		data = res.Rows[0]
	}
	return http.StatusOK, models.WebhookResponse{Success: true, Operation: string(res.Operation), Data: data}
}

func (i *Ingester) reject(kind, msg string) (int, models.WebhookResponse) {
	i.metrics.RecordWebhook(kind, http.StatusBadRequest)
	return http.StatusBadRequest, models.WebhookResponse{Success: false, Error: msg}
}

// dispatch runs every hook in its own goroutine detached from the request
func (i *Ingester) dispatch(ctx context.Context, ev ChangeEvent) {
	i.metrics.RecordChangeEvent(ev.Type)
	if i.opts.Table != "" && ev.Table != i.opts.Table {
		i.log.Debug("change-feed event for another table ignored", "table", ev.Table)
		return
	}
	base := context.WithoutCancel(ctx)

	for _, h := range i.hooks {
		i.wg.Add(1)
		go func(h namedHook) {
			defer i.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					i.log.Error("change-feed hook panicked", "hook", h.name, "panic", r)
				}
			}()

			hctx, cancel := context.WithTimeout(base, i.opts.HookTimeout)
			defer cancel()
			if err := h.fn(hctx, ev); err != nil {
				i.log.Warn("change-feed hook failed", "hook", h.name, "type", ev.Type, "table", ev.Table, "error", err)
			}
		}(h)
	}
}

// Wait blocks until every dispatched hook has returned
func (i *Ingester) Wait() {
	i.wg.Wait()
}

// asChangeEvent recognizes {type, table, record, old_record} notifications
func asChangeEvent(raw map[string]any) (ChangeEvent, bool) {
	typ, _ := raw["type"].(string)
	table, _ := raw["table"].(string)
	if table == "" {
		return ChangeEvent{}, false
	}
	switch strings.ToUpper(typ) {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return ChangeEvent{}, false
	}

	ev := ChangeEvent{Type: strings.ToUpper(typ), Table: table}
	ev.Schema, _ = raw["schema"].(string)
	ev.Record, _ = raw["record"].(map[string]any)
	ev.OldRecord, _ = raw["old_record"].(map[string]any)
	return ev, true
}
