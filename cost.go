package skyvault

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mistic96/skyvault/vault"
)

// TraditionalBaselinePer1MAccounts is the monthly cost of the naive design
// this system replaces: one stored master key per account, at roughly $0.03
// per key per month across one million accounts.
const TraditionalBaselinePer1MAccounts = 30000.0

// MinimumSavingsPercent is the advisory floor ValidateOptimization checks
// the optimal provider against.
const MinimumSavingsPercent = 99.0

// ProviderCriteria steers optimal-provider selection.
type ProviderCriteria struct {
	// RequireCompliance, when set, restricts selection to providers
	// carrying this compliance tag, regardless of cost.
	RequireCompliance string

	// RequireLowestCost selects strictly by cost. This is the default
	// behavior when no criteria are given.
	RequireLowestCost bool
}

// ProviderCostAnalysis is the computed cost picture for one provider.
type ProviderCostAnalysis struct {
	Provider          string   `json:"provider"`
	MonthlyCost       float64  `json:"monthly_cost"`
	StorageCostPerGB  float64  `json:"storage_cost_per_gb_month"`
	MonthlySavings    float64  `json:"monthly_savings"`
	PercentageSavings float64  `json:"percentage_savings"`
	ComplianceTags    []string `json:"compliance_tags,omitempty"`
	Optimal           bool     `json:"optimal"`
}

// CostAnalysis is the full picture across all registered providers.
// Computed on demand, never persisted.
type CostAnalysis struct {
	TraditionalBaseline float64                `json:"traditional_baseline"`
	OptimalProvider     string                 `json:"optimal_provider"`
	Providers           []ProviderCostAnalysis `json:"providers"`
	GeneratedAt         time.Time              `json:"generated_at"`
}

// CostOptimizer ranks registered vault providers by published monthly cost
// and compliance constraints, and computes savings versus the traditional
// per-account-key baseline. Stateless apart from the provider set.
type CostOptimizer struct {
	providers []vault.Provider
	clock     func() time.Time
}

// NewCostOptimizer creates an optimizer over the given providers.
func NewCostOptimizer(providers []vault.Provider, clock func() time.Time) (*CostOptimizer, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one vault provider is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &CostOptimizer{providers: providers, clock: clock}, nil
}

// OptimalProvider selects the provider to use. A compliance requirement
// beats cost; otherwise the cheapest provider wins, with CostPriority
// breaking ties.
func (co *CostOptimizer) OptimalProvider(criteria *ProviderCriteria) (vault.Provider, error) {
	candidates := co.providers

	if criteria != nil && criteria.RequireCompliance != "" {
		var compliant []vault.Provider
		for _, p := range co.providers {
			if p.CostProfile().HasCompliance(criteria.RequireCompliance) {
				compliant = append(compliant, p)
			}
		}
		if len(compliant) == 0 {
			return nil, fmt.Errorf("no provider satisfies compliance requirement %q", criteria.RequireCompliance)
		}
		candidates = compliant
	}

	best := candidates[0]
	for _, p := range candidates[1:] {
		if cheaper(p.CostProfile(), best.CostProfile()) {
			best = p
		}
	}
	return best, nil
}

// MonthlySavings returns baseline minus the provider's monthly cost.
func (co *CostOptimizer) MonthlySavings(p vault.Provider) float64 {
	return TraditionalBaselinePer1MAccounts - p.CostProfile().MonthlyCostPer1MAccounts
}

// PercentageSavings returns the savings versus baseline as a percentage,
// rounded to 4 decimal places.
func (co *CostOptimizer) PercentageSavings(p vault.Provider) float64 {
	savings := co.MonthlySavings(p) / TraditionalBaselinePer1MAccounts * 100
	return math.Round(savings*10000) / 10000
}

// DetailedCostAnalysis computes the full CostAnalysis across all providers,
// sorted cheapest first.
func (co *CostOptimizer) DetailedCostAnalysis() CostAnalysis {
	optimal, _ := co.OptimalProvider(nil)

	analysis := CostAnalysis{
		TraditionalBaseline: TraditionalBaselinePer1MAccounts,
		GeneratedAt:         co.clock().UTC(),
	}
	if optimal != nil {
		analysis.OptimalProvider = optimal.Name()
	}

	for _, p := range co.providers {
		profile := p.CostProfile()
		analysis.Providers = append(analysis.Providers, ProviderCostAnalysis{
			Provider:          p.Name(),
			MonthlyCost:       profile.MonthlyCostPer1MAccounts,
			StorageCostPerGB:  profile.StorageCostPerGBMonth,
			MonthlySavings:    co.MonthlySavings(p),
			PercentageSavings: co.PercentageSavings(p),
			ComplianceTags:    profile.ComplianceTags,
			Optimal:           optimal != nil && p.Name() == optimal.Name(),
		})
	}

	sort.Slice(analysis.Providers, func(i, j int) bool {
		return analysis.Providers[i].MonthlyCost < analysis.Providers[j].MonthlyCost
	})

	return analysis
}

// ValidateOptimization checks that the optimal provider reaches the
// documented savings floor versus the baseline. Advisory self-check, not a
// hard gate on operations.
func (co *CostOptimizer) ValidateOptimization() error {
	optimal, err := co.OptimalProvider(nil)
	if err != nil {
		return err
	}
	if savings := co.PercentageSavings(optimal); savings < MinimumSavingsPercent {
		return fmt.Errorf("optimal provider %s achieves only %.4f%% savings, expected at least %.1f%%",
			optimal.Name(), savings, MinimumSavingsPercent)
	}
	return nil
}

func cheaper(a, b vault.CostProfile) bool {
	if a.MonthlyCostPer1MAccounts != b.MonthlyCostPer1MAccounts {
		return a.MonthlyCostPer1MAccounts < b.MonthlyCostPer1MAccounts
	}
	return a.CostPriority < b.CostPriority
}
