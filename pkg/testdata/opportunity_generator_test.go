package testdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateOpportunities(t *testing.T) {
	at := time.Date(2025, 12, 15, 8, 31, 0, 0, time.UTC)
	config := OpportunityGeneratorConfig{
		Seed:           7,
		StartID:        100,
		Count:          5,
		StageID:        82,
		CreateDate:     at,
		UpdateDate:     at,
		BrazilianDates: true,
		StageField:     "Data Qualificado Compra",
		LeadChance:     1,
	}

	opps := GenerateOpportunities(config)

	require.Len(t, opps, 5)
	assert.Equal(t, int64(100), opps[0]["id"])
	assert.Equal(t, int64(104), opps[4]["id"])
	assert.Equal(t, int64(82), opps[2]["crm_column"])
	assert.Equal(t, "15/12/2025 08:31", opps[0]["updateDate"])

	fields := opps[0]["fields"].(map[string]any)
	assert.Equal(t, "15/12/2025 08:31", fields["Data Qualificado Compra"])
	assert.Contains(t, Origins, fields["Origem"])
	assert.Contains(t, opps[0], "dataLead")
}

func TestGenerateOpportunities_SeedIsRepeatable(t *testing.T) {
	config := OpportunityGeneratorConfig{Seed: 42, Count: 3, StageID: 130}

	assert.Equal(t, GenerateOpportunities(config), GenerateOpportunities(config))
}
