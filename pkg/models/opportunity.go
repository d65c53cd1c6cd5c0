package models

import (
	"fmt"
	"sort"

	"github.com/jordanlanch/funnelsync/pkg/normalize"
)

// Column names used outside the generic mapping
const (
	ColumnID         = "id"
	ColumnTitle      = "title"
	ColumnStage      = "crm_column"
	ColumnFunnel     = "funil_id"
	ColumnStatus     = "status"
	ColumnLead       = "lead_id"
	ColumnCreateDate = "create_date"
	ColumnUpdateDate = "update_date"
	ColumnSyncedAt   = "synced_at"
)

// Opportunity status values reported by the CRM
const (
	StatusOpen = "open"
	StatusGain = "gain"
	StatusLost = "lost"
)

// Record is an opportunity row keyed by column name. A missing key means
// "not provided" and is never written; a nil value writes NULL.
type Record map[string]any

// ID returns the record's opportunity id
func (r Record) ID() (int64, bool) {
	v, ok := r[ColumnID]
	if !ok || v == nil {
		return 0, false
	}
	id, err := normalize.Integer(v)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Int returns an integer column, false when absent or not integral
func (r Record) Int(column string) (int64, bool) {
	v, ok := r[column]
	if !ok || v == nil {
		return 0, false
	}
	i, err := normalize.Integer(v)
	return i, err == nil
}

// String returns a column as text, empty when absent or NULL
func (r Record) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// UpdateDate returns the CRM update timestamp carried by the record
func (r Record) UpdateDate() string {
	return r.String(ColumnUpdateDate)
}

// Clone returns a shallow copy
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// WithDefaults returns a copy where every default column that is absent
// or NULL in r takes the default value
func (r Record) WithDefaults(defaults Record) Record {
	out := r.Clone()
	for k, v := range defaults {
		if cur, ok := out[k]; !ok || cur == nil {
			out[k] = v
		}
	}
	return out
}

// Columns returns the record's column names sorted
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
