// Package policy holds the product rules the generation flow consults:
// pricing, when tokens are charged, and free-plan visibility.
package policy

import (
	"github.com/adforge/api/internal/config"
	"github.com/adforge/api/internal/model"
)

type Policy interface {
	// Cost is the number of tokens reserved when the job starts.
	Cost(job *model.GenerationJob) int
	// ChargeAtStart reports whether the kind is billed by the start call.
	// Other kinds are billed later, when their images are displayed.
	ChargeAtStart(kind model.JobKind) bool
	// ShouldHideOnIngest reports whether new images are hidden from the
	// user's library when they arrive.
	ShouldHideOnIngest(plan model.Plan) bool
}

// Default prices customized jobs in two tiers: one format, or several at a
// discount over buying them one by one.
type Default struct {
	SingleFormatTokens int
	MultiFormatTokens  int
	HideOnFreePlan     bool
}

func New(cfg config.PricingConfig) *Default {
	return &Default{
		SingleFormatTokens: cfg.SingleFormatTokens,
		MultiFormatTokens:  cfg.MultiFormatTokens,
		HideOnFreePlan:     cfg.HideOnFreePlan,
	}
}

func (p *Default) Cost(job *model.GenerationJob) int {
	if !p.ChargeAtStart(job.Kind()) {
		return 0
	}
	if distinct(job.Formats) > 1 {
		return p.MultiFormatTokens
	}
	return p.SingleFormatTokens
}

func (p *Default) ChargeAtStart(kind model.JobKind) bool {
	return kind == model.JobKindCustomized
}

func (p *Default) ShouldHideOnIngest(plan model.Plan) bool {
	return p.HideOnFreePlan && plan == model.PlanFree
}

func distinct(formats []string) int {
	seen := make(map[string]struct{}, len(formats))
	for _, f := range formats {
		seen[f] = struct{}{}
	}
	return len(seen)
}
