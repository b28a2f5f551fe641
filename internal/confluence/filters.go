package confluence

import (
	"fmt"
	"math"

	"tapeflow/internal/model"
)

const (
	manipulationThreshold = 5.0 // bid/ask ratio considered suspicious
	minFilterScore        = 0.3
	minMeanScore          = 0.5
)

// Context is the per-symbol market context the filters run against.
// Any nil/zero field degrades the dependent check rather than failing it.
type Context struct {
	Book           *model.OrderBook
	Regime         model.RegimeSummary
	RecentPatterns []string
}

// Adjustments accumulates stop/size/entry changes requested by the filters.
type Adjustments struct {
	WidenStop      float64 // multiply stop distance, >1
	TightenStop    float64 // divide stop distance, <1 means tighter
	ReduceSize     float64 // multiply size, <1
	UseLimitOrders bool
}

func (a *Adjustments) merge(other Adjustments) {
	if other.WidenStop > 0 {
		a.WidenStop = other.WidenStop
	}
	if other.TightenStop > 0 {
		a.TightenStop = other.TightenStop
	}
	if other.ReduceSize > 0 {
		a.ReduceSize = other.ReduceSize
	}
	if other.UseLimitOrders {
		a.UseLimitOrders = true
	}
}

// FilterResult is the outcome of one individual filter.
type FilterResult struct {
	Passed      bool
	Score       float64
	Reason      string
	Adjustments Adjustments
	Warnings    []string
}

// FilterOutcome is the consolidated result of running every filter.
type FilterOutcome struct {
	Passed               bool
	FinalScore           float64
	ConfidenceMultiplier float64
	Adjustments          Adjustments
	Warnings             []string
	Recommendation       string
}

// ContextFilters validates candidate signals against market context.
// It covers basic sanity, visible-book manipulation heuristics, and
// volatility-based stop/size adjustment.
type ContextFilters struct {
	enabled bool
}

// NewContextFilters creates the filter set, enabled.
func NewContextFilters() *ContextFilters {
	return &ContextFilters{enabled: true}
}

// SetEnabled toggles all filters.
func (f *ContextFilters) SetEnabled(enabled bool) { f.enabled = enabled }

// ApplyAll runs every applicable filter. The overall pass requires every
// individual score >= 0.3 and the mean score >= 0.5. Missing context data
// skips the dependent filter instead of failing the signal.
func (f *ContextFilters) ApplyAll(signal *model.StrategicSignal, ctx Context) FilterOutcome {
	if !f.enabled {
		return FilterOutcome{
			Passed:               true,
			FinalScore:           1.0,
			ConfidenceMultiplier: 1.0,
			Recommendation:       "PROCEED - filters disabled",
		}
	}

	var results []FilterResult
	var warnings []string
	var adjustments Adjustments

	basic := f.checkBasicValidity(signal)
	if !basic.Passed {
		return FilterOutcome{
			Passed:               false,
			FinalScore:           0,
			ConfidenceMultiplier: 0.5,
			Warnings:             basic.Warnings,
			Recommendation:       "SKIP - " + basic.Reason,
		}
	}
	results = append(results, basic)
	warnings = append(warnings, basic.Warnings...)

	if ctx.Book != nil {
		manip := f.checkManipulation(ctx.Book)
		results = append(results, manip)
		warnings = append(warnings, manip.Warnings...)
		adjustments.merge(manip.Adjustments)
	}

	if ctx.Regime.Volatility != "" {
		vol := f.adjustForVolatility(ctx.Regime.Volatility)
		results = append(results, vol)
		adjustments.merge(vol.Adjustments)
	}

	total := 0.0
	allAbove := true
	for _, r := range results {
		total += r.Score
		if r.Score < minFilterScore {
			allAbove = false
		}
	}
	mean := total / float64(len(results))
	passed := mean >= minMeanScore && allAbove

	if len(warnings) > 3 {
		warnings = warnings[:3]
	}

	return FilterOutcome{
		Passed:               passed,
		FinalScore:           mean,
		ConfidenceMultiplier: clamp(mean, 0.5, 1.0),
		Adjustments:          adjustments,
		Warnings:             warnings,
		Recommendation:       recommendation(passed, mean),
	}
}

// checkBasicValidity rejects nonsensical prices and flags weak risk/reward.
func (f *ContextFilters) checkBasicValidity(signal *model.StrategicSignal) FilterResult {
	if signal.StopLoss <= 0 || signal.EntryPrice <= 0 {
		return FilterResult{
			Passed:   false,
			Score:    0,
			Reason:   "invalid prices",
			Warnings: []string{"entry or stop price is not positive"},
		}
	}
	if signal.RiskReward < 1.0 {
		return FilterResult{
			Passed:   true,
			Score:    0.6,
			Reason:   "low risk/reward",
			Warnings: []string{"risk/reward below 1:1"},
		}
	}
	return FilterResult{Passed: true, Score: 1.0, Reason: "basic checks ok"}
}

// checkManipulation inspects the visible book for imbalance and layering.
func (f *ContextFilters) checkManipulation(book *model.OrderBook) FilterResult {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return FilterResult{Passed: true, Score: 1.0}
	}

	bidVolume := model.TopVolume(book.Bids, 5)
	askVolume := model.TopVolume(book.Asks, 5)
	if bidVolume == 0 || askVolume == 0 {
		return FilterResult{Passed: true, Score: 1.0}
	}

	imbalance := math.Max(bidVolume/askVolume, askVolume/bidVolume)
	if imbalance > manipulationThreshold {
		heavier := "bid"
		if askVolume > bidVolume {
			heavier = "ask"
		}
		return FilterResult{
			Passed: true,
			Score:  0.5,
			Warnings: []string{
				fmt.Sprintf("book imbalanced on the %s side (%.1fx)", heavier, imbalance),
			},
			Adjustments: Adjustments{ReduceSize: 0.7, UseLimitOrders: true},
		}
	}

	if uniformSizes(book.Bids, 5) || uniformSizes(book.Asks, 5) {
		return FilterResult{
			Passed:      true,
			Score:       0.5,
			Warnings:    []string{"uniform order sizes across book levels"},
			Adjustments: Adjustments{UseLimitOrders: true},
		}
	}

	return FilterResult{Passed: true, Score: 1.0}
}

// uniformSizes reports whether the first n levels all carry the same volume,
// a layering footprint.
func uniformSizes(levels []model.BookLevel, n int) bool {
	if len(levels) < n {
		return false
	}
	first := levels[0].Volume
	if first <= 0 {
		return false
	}
	for _, lvl := range levels[1:n] {
		if lvl.Volume != first {
			return false
		}
	}
	return true
}

// adjustForVolatility widens or tightens stops by volatility bucket.
func (f *ContextFilters) adjustForVolatility(vol model.VolatilityLevel) FilterResult {
	switch vol {
	case model.VolatilityHigh:
		return FilterResult{
			Passed:      true,
			Score:       0.8,
			Adjustments: Adjustments{WidenStop: 1.3, ReduceSize: 0.8},
		}
	case model.VolatilityExtreme:
		return FilterResult{
			Passed:      true,
			Score:       0.8,
			Adjustments: Adjustments{WidenStop: 1.5, ReduceSize: 0.6},
		}
	case model.VolatilityLow:
		return FilterResult{
			Passed:      true,
			Score:       1.0,
			Adjustments: Adjustments{TightenStop: 0.8},
		}
	default:
		return FilterResult{Passed: true, Score: 1.0}
	}
}

func recommendation(passed bool, score float64) string {
	switch {
	case !passed:
		return "SKIP - filters rejected"
	case score >= 0.8:
		return "PROCEED - favorable context"
	case score >= 0.6:
		return "PROCEED_CAUTIOUS - moderate context"
	default:
		return "WAIT - unfavorable context"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
