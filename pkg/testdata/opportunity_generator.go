// Package testdata generates SprintHub-shaped opportunity payloads for tests
// and local load runs.
package testdata

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// OpportunityGeneratorConfig configures opportunity generation parameters
type OpportunityGeneratorConfig struct {
	Seed       int64
	StartID    int64
	Count      int
	StageID    int64
	CreateDate time.Time
	UpdateDate time.Time
	// BrazilianDates writes dates as DD/MM/YYYY HH:MM like the CRM UI exports
	BrazilianDates bool
	// StageField, when set, is the custom field holding the stage entry date
	StageField  string
	LeadChance  float64 // 0.0-1.0 (probability of carrying dataLead)
	UTMChance   float64
	ValueChance float64
}

// Origins seen on real opportunities
var Origins = []string{"Instagram", "Google", "Indicação", "Site", "WhatsApp", "Facebook"}

// Cities used for denormalized lead data
var Cities = []string{"São Paulo", "Campinas", "Belo Horizonte", "Curitiba", "Porto Alegre", "Recife", "Goiânia"}

// Generator builds opportunities from a seeded faker so runs are repeatable
type Generator struct {
	faker *gofakeit.Faker
}

// NewGenerator creates a generator; the same seed yields the same payloads
func NewGenerator(seed int64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

func formatDate(t time.Time, brazilian bool) string {
	if brazilian {
		return t.Format("02/01/2006 15:04")
	}
	return t.Format("2006-01-02T15:04:05")
}

// GenerateOpportunity returns one CRM opportunity object
func (g *Generator) GenerateOpportunity(config OpportunityGeneratorConfig, id int64) map[string]any {
	f := g.faker
	first, last := f.FirstName(), f.LastName()

	opp := map[string]any{
		"id":         id,
		"title":      fmt.Sprintf("%s %s", first, last),
		"crm_column": config.StageID,
		"status":     "open",
		"lead_id":    int64(f.Number(1000, 99999)),
		"user":       int64(f.Number(1, 40)),
		"createDate": formatDate(config.CreateDate, config.BrazilianDates),
		"updateDate": formatDate(config.UpdateDate, config.BrazilianDates),
	}

	if f.Float64Range(0, 1) < config.ValueChance {
		opp["value"] = fmt.Sprintf("%.2f", f.Price(50, 5000))
	}

	fields := map[string]any{
		"Origem": f.RandomString(Origins),
	}
	if config.StageField != "" {
		fields[config.StageField] = formatDate(config.UpdateDate, config.BrazilianDates)
	}
	if f.Float64Range(0, 1) < config.UTMChance {
		fields["utm_source"] = f.RandomString([]string{"instagram", "google", "facebook"})
		fields["utm_campaign"] = f.BuzzWord()
	}
	opp["fields"] = fields

	if f.Float64Range(0, 1) < config.LeadChance {
		opp["dataLead"] = map[string]any{
			"firstname": first,
			"lastname":  last,
			"email":     f.Email(),
			"whatsapp":  f.Phone(),
			"city":      f.RandomString(Cities),
		}
	}

	return opp
}

// GenerateOpportunities returns Count opportunities with consecutive ids from StartID
func (g *Generator) GenerateOpportunities(config OpportunityGeneratorConfig) []map[string]any {
	if config.StartID == 0 {
		config.StartID = 1
	}
	out := make([]map[string]any, 0, config.Count)
	for i := 0; i < config.Count; i++ {
		out = append(out, g.GenerateOpportunity(config, config.StartID+int64(i)))
	}
	return out
}

// GenerateOpportunities is a convenience wrapper around a generator seeded from config
func GenerateOpportunities(config OpportunityGeneratorConfig) []map[string]any {
	return NewGenerator(config.Seed).GenerateOpportunities(config)
}
