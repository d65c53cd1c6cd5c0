// Package funnels holds the static stage -> funnel configuration and the
// custom-field -> column lookup. Both are data, loaded from YAML.
package funnels

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/jordanlanch/funnelsync/pkg/normalize"
	"gopkg.in/yaml.v3"
)

//go:embed funnels.yaml
var defaultYAML []byte

// ErrUnknownFunnel is returned when a requested funnel is not configured
var ErrUnknownFunnel = errors.New("unknown funnel")

var columnNameRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Stage is a pipeline step (SprintHub column)
type Stage struct {
	ID     int64    `yaml:"id"`
	Name   string   `yaml:"name"`
	Column string   `yaml:"column"`
	Fields []string `yaml:"fields"`
}

// Funnel is a named pipeline of ordered stages
type Funnel struct {
	ID     int64   `yaml:"id"`
	Name   string  `yaml:"name"`
	Stages []Stage `yaml:"stages"`
}

// CustomField maps CRM custom-field names onto a column
type CustomField struct {
	Column string   `yaml:"column"`
	Type   string   `yaml:"type,omitempty"` // "text" (default) or "timestamp"
	Fields []string `yaml:"fields"`
}

// Column is the result of a custom-field lookup
type Column struct {
	Name      string
	Timestamp bool
	StageID   int64 // zero for non-stage columns
	// Priority is the alias position in the configuration; the column name
	// itself is 0. Lower wins when a payload carries several aliases.
	Priority int
}

type document struct {
	DefaultStage int64             `yaml:"default_stage"`
	Funnels      []Funnel          `yaml:"funnels"`
	CustomFields []CustomField     `yaml:"custom_fields"`
	LeadFields   map[string]string `yaml:"lead_fields"`
}

// Registry answers stage, funnel and custom-field questions. Read-only after load.
type Registry struct {
	defaultStage int64
	funnels      []Funnel
	stages       map[int64]stageRef
	columns      map[string]Column
	stageColumns map[string]int64
	leadFields   map[string]string
}

type stageRef struct {
	funnelID int64
	stage    Stage
}

// Load reads the registry from path, or the embedded default when path is empty.
// Environment variables in the file are expanded.
func Load(path string) (*Registry, error) {
	data := defaultYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read funnels config: %w", err)
		}
		data = b
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Default returns the embedded registry
func Default() *Registry {
	r, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded funnels.yaml is invalid: %v", err))
	}
	return r
}

// Parse builds a registry from YAML and validates it
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse funnels config: %w", err)
	}

	r := &Registry{
		defaultStage: doc.DefaultStage,
		funnels:      doc.Funnels,
		stages:       make(map[int64]stageRef),
		columns:      make(map[string]Column),
		stageColumns: make(map[string]int64),
		leadFields:   doc.LeadFields,
	}
	if r.leadFields == nil {
		r.leadFields = map[string]string{}
	}

	for _, f := range doc.Funnels {
		if f.ID <= 0 {
			return nil, fmt.Errorf("funnel %q has no id", f.Name)
		}
		for _, s := range f.Stages {
			if _, dup := r.stages[s.ID]; dup {
				return nil, fmt.Errorf("stage %d is listed twice", s.ID)
			}
			r.stages[s.ID] = stageRef{funnelID: f.ID, stage: s}
			if s.Column == "" {
				continue
			}
			if !columnNameRegex.MatchString(s.Column) {
				return nil, fmt.Errorf("stage %d: invalid column name %q", s.ID, s.Column)
			}
			r.stageColumns[s.Column] = s.ID
			col := Column{Name: s.Column, Timestamp: true, StageID: s.ID}
			if err := r.addKeys(col, append([]string{s.Column}, s.Fields...)); err != nil {
				return nil, err
			}
		}
	}

	for _, cf := range doc.CustomFields {
		if !columnNameRegex.MatchString(cf.Column) {
			return nil, fmt.Errorf("invalid custom field column %q", cf.Column)
		}
		col := Column{Name: cf.Column, Timestamp: cf.Type == "timestamp"}
		if err := r.addKeys(col, append([]string{cf.Column}, cf.Fields...)); err != nil {
			return nil, err
		}
	}

	for key, column := range r.leadFields {
		if !columnNameRegex.MatchString(column) {
			return nil, fmt.Errorf("lead field %q: invalid column name %q", key, column)
		}
	}

	if r.defaultStage != 0 {
		if _, ok := r.stages[r.defaultStage]; !ok {
			return nil, fmt.Errorf("default_stage %d is not a configured stage", r.defaultStage)
		}
	}

	return r, nil
}

func (r *Registry) addKeys(col Column, names []string) error {
	for i, name := range names {
		key := normalize.FieldKey(name)
		existing, ok := r.columns[key]
		if ok && existing.Name != col.Name {
			return fmt.Errorf("custom field %q maps to both %s and %s", name, existing.Name, col.Name)
		}
		if ok {
			continue
		}
		col.Priority = i
		r.columns[key] = col
	}
	return nil
}

// FunnelFor returns the funnel owning a stage
func (r *Registry) FunnelFor(stageID int64) (int64, bool) {
	ref, ok := r.stages[stageID]
	return ref.funnelID, ok
}

// Stage looks a stage up by id
func (r *Registry) Stage(stageID int64) (Stage, bool) {
	ref, ok := r.stages[stageID]
	return ref.stage, ok
}

// Funnels returns the configured funnels in file order
func (r *Registry) Funnels() []Funnel {
	return r.funnels
}

// Funnel looks a funnel up by id
func (r *Registry) Funnel(id int64) (Funnel, bool) {
	for _, f := range r.funnels {
		if f.ID == id {
			return f, true
		}
	}
	return Funnel{}, false
}

// Select resolves funnel ids in the given order; no ids selects every funnel
func (r *Registry) Select(ids []int64) ([]Funnel, error) {
	if len(ids) == 0 {
		return r.funnels, nil
	}
	out := make([]Funnel, 0, len(ids))
	for _, id := range ids {
		f, ok := r.Funnel(id)
		if !ok {
			return nil, fmt.Errorf("%w %d", ErrUnknownFunnel, id)
		}
		out = append(out, f)
	}
	return out, nil
}

// DefaultStage is the stage assigned to webhook payloads that carry none
func (r *Registry) DefaultStage() int64 {
	return r.defaultStage
}

// ColumnFor resolves a CRM custom-field name to its column
func (r *Registry) ColumnFor(fieldName string) (Column, bool) {
	col, ok := r.columns[normalize.FieldKey(fieldName)]
	return col, ok
}

// LeadColumn resolves an attribute of the embedded lead object
func (r *Registry) LeadColumn(attr string) (string, bool) {
	col, ok := r.leadFields[attr]
	return col, ok
}

// IsStageColumn reports whether column is a per-stage entry timestamp
func (r *Registry) IsStageColumn(column string) bool {
	_, ok := r.stageColumns[column]
	return ok
}

// StageForColumn returns the stage whose entry timestamp lives in column
func (r *Registry) StageForColumn(column string) (Stage, bool) {
	id, ok := r.stageColumns[column]
	if !ok {
		return Stage{}, false
	}
	return r.Stage(id)
}

// TimestampColumns lists every configured column holding a timestamp, sorted
func (r *Registry) TimestampColumns() []string {
	seen := map[string]bool{}
	var out []string
	for _, col := range r.columns {
		if col.Timestamp && !seen[col.Name] {
			seen[col.Name] = true
			out = append(out, col.Name)
		}
	}
	sort.Strings(out)
	return out
}
