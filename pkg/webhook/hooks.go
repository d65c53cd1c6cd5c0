package webhook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jordanlanch/funnelsync/pkg/funnels"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/metrics"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/jordanlanch/funnelsync/pkg/slack"
)

// Change-feed event types
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// ChangeEvent is a datastore change notification
type ChangeEvent struct {
	Type      string         `json:"type"`
	Table     string         `json:"table"`
	Schema    string         `json:"schema"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

// Hook is a side effect of a change-feed event. Its error is logged only.
type Hook func(ctx context.Context, ev ChangeEvent) error

// StageNotifier receives stage entries
type StageNotifier interface {
	NotifyStageEntry(ctx context.Context, e slack.StageEntry) error
}

// StageEntries lists the stage timestamp columns that went from empty to set
func StageEntries(reg *funnels.Registry, ev ChangeEvent) []string {
	if ev.Type == EventDelete || ev.Record == nil {
		return nil
	}
	var cols []string
	for col, v := range ev.Record {
		if !reg.IsStageColumn(col) || isEmpty(v) {
			continue
		}
		if ev.OldRecord != nil && !isEmpty(ev.OldRecord[col]) {
			continue
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// StageEntryHook logs, counts and announces opportunities entering a stage
func StageEntryHook(reg *funnels.Registry, notifier StageNotifier, log logger.Logger, m *metrics.Metrics) Hook {
	return func(ctx context.Context, ev ChangeEvent) error {
		cols := StageEntries(reg, ev)
		if len(cols) == 0 {
			return nil
		}

		rec := models.Record(ev.Record)
		id, _ := rec.ID()

		var errs []error
		for _, col := range cols {
			stage, _ := reg.StageForColumn(col)
			funnelName := ""
			if funnelID, ok := reg.FunnelFor(stage.ID); ok {
				f, _ := reg.Funnel(funnelID)
				funnelName = f.Name
			}

			log.Info("opportunity entered stage", "id", id, "stage_id", stage.ID, "stage", stage.Name, "funnel", funnelName)
			m.RecordStageEntry(stage.ID)

			if notifier == nil {
				continue
			}
			err := notifier.NotifyStageEntry(ctx, slack.StageEntry{
				OpportunityID: id,
				Title:         rec.String(models.ColumnTitle),
				Funnel:        funnelName,
				Stage:         stage.Name,
				EnteredAt:     rec.String(col),
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("notify %s: %w", col, err))
			}
		}
		return errors.Join(errs...)
	}
}

// DeleteLogHook records deletions; the engine never propagates them
func DeleteLogHook(log logger.Logger) Hook {
	return func(ctx context.Context, ev ChangeEvent) error {
		if ev.Type != EventDelete {
			return nil
		}
		id, _ := models.Record(ev.OldRecord).ID()
		log.Warn("opportunity deleted in datastore", "id", id, "table", ev.Table, "schema", ev.Schema)
		return nil
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
