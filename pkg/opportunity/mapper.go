// Package opportunity turns CRM opportunity objects into datastore records.
package opportunity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/domain"
	"github.com/jordanlanch/funnelsync/pkg/funnels"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/jordanlanch/funnelsync/pkg/normalize"
)

// wireColumns maps top-level CRM keys to columns. Column names are accepted
// as-is so payloads re-sent in table shape map the same way.
var wireColumns = map[string]string{
	"id":                  "id",
	"title":               "title",
	"value":               "value",
	"crm_column":          "crm_column",
	"lead_id":             "lead_id",
	"sequence":            "sequence",
	"status":              "status",
	"loss_reason":         "loss_reason",
	"gain_reason":         "gain_reason",
	"user":                "user_id",
	"user_id":             "user_id",
	"createDate":          "create_date",
	"create_date":         "create_date",
	"updateDate":          "update_date",
	"update_date":         "update_date",
	"lastColumnChange":    "last_column_change",
	"last_column_change":  "last_column_change",
	"lastStatusChange":    "last_status_change",
	"last_status_change":  "last_status_change",
	"expectedCloseDate":   "expected_close_date",
	"expected_close_date": "expected_close_date",
	"gain_date":           "gain_date",
	"lost_date":           "lost_date",
	"reopen_date":         "reopen_date",
	"archived":            "archived",
}

// Mapper converts CRM wire objects into records. Safe for concurrent use.
type Mapper struct {
	registry *funnels.Registry
	norm     *normalize.Normalizer
	log      logger.Logger
	loc      *time.Location
	now      func() time.Time
}

// NewMapper creates a mapper; loc is the zone for synced_at and defaulted dates
func NewMapper(registry *funnels.Registry, log logger.Logger, loc *time.Location) *Mapper {
	if log == nil {
		log = logger.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Mapper{
		registry: registry,
		norm:     normalize.New(log, registry.TimestampColumns()...),
		log:      log,
		loc:      loc,
		now:      time.Now,
	}
}

// WithClock replaces the clock; used by tests
func (m *Mapper) WithClock(now func() time.Time) *Mapper {
	m.now = now
	return m
}

// Registry returns the funnel registry the mapper resolves stages against
func (m *Mapper) Registry() *funnels.Registry {
	return m.registry
}

// Normalizer returns the normalizer configured for the registry's columns
func (m *Mapper) Normalizer() *normalize.Normalizer {
	return m.norm
}

// Now returns the current time in the mapper's zone
func (m *Mapper) Now() time.Time {
	return m.now().In(m.loc)
}

// Today returns today's date (YYYY-MM-DD) in the mapper's zone
func (m *Mapper) Today() string {
	return m.Now().Format("2006-01-02")
}

// DayOf returns the YYYY-MM-DD date of a stored timestamp in the mapper's
// zone. Zoned values are converted; zone-less values are already wall time there.
func (m *Mapper) DayOf(ts string) (string, bool) {
	t, ok := normalize.ParseTimestamp(ts)
	if !ok {
		return "", false
	}
	if normalize.HasZone(ts) {
		t = t.In(m.loc)
	}
	return t.Format("2006-01-02"), true
}

// Decode parses a CRM JSON object keeping numbers exact
func Decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid opportunity payload: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("invalid opportunity payload: not an object")
	}
	return raw, nil
}

// Map converts one CRM opportunity into a record. Only a missing or invalid
// id is an error; every other bad value is normalized to NULL or skipped.
func (m *Mapper) Map(raw map[string]any) (models.Record, error) {
	rec := models.Record{}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		switch key {
		case "fields":
			m.mapCustomFields(rec, value)
			continue
		case "dataLead":
			m.mapLead(rec, value)
			continue
		}
		if col, ok := wireColumns[key]; ok {
			rec[col] = m.norm.Normalize(col, value)
		}
	}

	if _, ok := rec.ID(); !ok {
		return nil, domain.NewValidationError("opportunity id is required")
	}

	m.deriveFunnel(rec)
	rec[models.ColumnSyncedAt] = m.Now().Format(normalize.TimestampLayout)

	return rec, nil
}

// deriveFunnel recomputes funil_id from crm_column; input never sets it
func (m *Mapper) deriveFunnel(rec models.Record) {
	if _, present := rec[models.ColumnStage]; !present {
		return
	}
	stage, ok := rec.Int(models.ColumnStage)
	if !ok {
		rec[models.ColumnFunnel] = nil
		return
	}
	funnelID, ok := m.registry.FunnelFor(stage)
	if !ok {
		id, _ := rec.ID()
		m.log.Warn("stage not in funnel configuration", "id", id, "crm_column", stage)
		rec[models.ColumnFunnel] = nil
		return
	}
	rec[models.ColumnFunnel] = funnelID
}

// mapCustomFields copies known custom fields. Empty values are skipped so a
// later payload never clears a stage entry timestamp. When several aliases of
// one column are present, the first non-empty one in configuration order wins.
func (m *Mapper) mapCustomFields(rec models.Record, value any) {
	fields, ok := value.(map[string]any)
	if !ok {
		return
	}

	type candidate struct {
		name string
		col  funnels.Column
	}
	candidates := make([]candidate, 0, len(fields))
	for name := range fields {
		if col, ok := m.registry.ColumnFor(name); ok {
			candidates = append(candidates, candidate{name: name, col: col})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.col.Priority != b.col.Priority {
			return a.col.Priority < b.col.Priority
		}
		return a.name < b.name
	})

	set := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if set[c.col.Name] {
			continue
		}
		v := m.norm.Normalize(c.col.Name, flatten(fields[c.name]))
		if v == nil {
			continue
		}
		rec[c.col.Name] = v
		set[c.col.Name] = true
	}
}

func (m *Mapper) mapLead(rec models.Record, value any) {
	lead, ok := value.(map[string]any)
	if !ok {
		return
	}
	for attr, raw := range lead {
		col, ok := m.registry.LeadColumn(attr)
		if !ok {
			continue
		}
		if v := m.norm.Normalize(col, flatten(raw)); v != nil {
			rec[col] = v
		}
	}
}

// flatten turns multi-select values into a comma separated string
func flatten(raw any) any {
	list, ok := raw.([]any)
	if !ok {
		return raw
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		if item == nil {
			continue
		}
		if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// Defaults returns the values an insert needs when the payload lacks them
func (m *Mapper) Defaults(id int64) models.Record {
	now := m.Now().Format(normalize.TimestampLayout)
	d := models.Record{
		models.ColumnTitle:      fmt.Sprintf("Oportunidade #%d", id),
		models.ColumnStatus:     models.StatusOpen,
		models.ColumnLead:       int64(0),
		models.ColumnCreateDate: now,
		models.ColumnUpdateDate: now,
	}
	if stage := m.registry.DefaultStage(); stage != 0 {
		d[models.ColumnStage] = stage
	}
	return d
}

// WithInsertDefaults fills mandatory columns missing from rec and derives
// funil_id from the resulting stage
func (m *Mapper) WithInsertDefaults(rec models.Record) models.Record {
	id, _ := rec.ID()
	out := rec.WithDefaults(m.Defaults(id))
	m.deriveFunnel(out)
	return out
}
