package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adforge/api/internal/config"
	"github.com/adforge/api/internal/model"
)

func newDefault() *Default {
	return New(config.PricingConfig{SingleFormatTokens: 50, MultiFormatTokens: 80, HideOnFreePlan: true})
}

func TestCost(t *testing.T) {
	p := newDefault()

	tests := []struct {
		name string
		job  model.GenerationJob
		want int
	}{
		{"single format", model.GenerationJob{Formats: []string{"1:1"}}, 50},
		{"no formats counts as single", model.GenerationJob{}, 50},
		{"multiple formats", model.GenerationJob{Formats: []string{"1:1", "9:16"}}, 80},
		{"repeated format", model.GenerationJob{Formats: []string{"1:1", "1:1"}}, 50},
		{"quick ads are not charged at start", model.GenerationJob{AutoGenerated: true, Formats: []string{"1:1", "9:16"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Cost(&tt.job))
		})
	}
}

func TestChargeAtStart(t *testing.T) {
	p := newDefault()
	assert.True(t, p.ChargeAtStart(model.JobKindCustomized))
	assert.False(t, p.ChargeAtStart(model.JobKindQuickAds))
}

func TestShouldHideOnIngest(t *testing.T) {
	p := newDefault()
	assert.True(t, p.ShouldHideOnIngest(model.PlanFree))
	assert.False(t, p.ShouldHideOnIngest(model.PlanPro))

	p.HideOnFreePlan = false
	assert.False(t, p.ShouldHideOnIngest(model.PlanFree))
}
