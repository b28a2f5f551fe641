package detector

import (
	"fmt"
	"time"

	"tapeflow/internal/confluence"
	"tapeflow/internal/model"
)

const (
	rsiPeriod     = 14
	rsiOversold   = 30.0
	rsiOverbought = 70.0

	momentumHistory  = 60
	momentumCooldown = 60 * time.Second

	violentMoveFraction = 0.0008 // single-cycle move that counts as a spike
)

type momentumState struct {
	prices       []float64
	lastProposal map[model.SetupType]time.Time
}

// MomentumDetector proposes slow reversals at RSI extremes, violent
// reversals on spike-and-flip moves, and pullback rejections inside a
// trend.
type MomentumDetector struct {
	state map[string]*momentumState
	now   func() time.Time
}

// NewMomentumDetector creates the detector with empty history.
func NewMomentumDetector() *MomentumDetector {
	return &MomentumDetector{
		state: make(map[string]*momentumState),
		now:   time.Now,
	}
}

func (d *MomentumDetector) Name() string { return "momentum" }

func (d *MomentumDetector) SupportedKinds() []model.SetupType {
	return []model.SetupType{
		model.SetupReversalSlow,
		model.SetupReversalViolent,
		model.SetupPullbackRejection,
	}
}

func (d *MomentumDetector) Detect(symbol string, data *model.SymbolData, regime model.RegimeSummary) []confluence.ProposeRequest {
	if data.LastPrice <= 0 {
		return nil
	}

	st, ok := d.state[symbol]
	if !ok {
		st = &momentumState{lastProposal: make(map[model.SetupType]time.Time)}
		d.state[symbol] = st
	}
	st.prices = append(st.prices, data.LastPrice)
	if len(st.prices) > momentumHistory {
		st.prices = st.prices[len(st.prices)-momentumHistory:]
	}
	if len(st.prices) < rsiPeriod+1 {
		return nil
	}

	var proposals []confluence.ProposeRequest
	price := data.LastPrice
	rsi := computeRSI(st.prices, rsiPeriod)
	atr := averageRange(st.prices, rsiPeriod)
	if atr <= 0 {
		return nil
	}

	if req, ok := d.slowReversal(symbol, st, price, rsi, atr); ok {
		proposals = append(proposals, req)
	}
	if req, ok := d.violentReversal(symbol, st, price, rsi, atr); ok {
		proposals = append(proposals, req)
	}
	if req, ok := d.pullbackRejection(symbol, st, price, atr, regime); ok {
		proposals = append(proposals, req)
	}
	return proposals
}

func (d *MomentumDetector) slowReversal(symbol string, st *momentumState, price, rsi, atr float64) (confluence.ProposeRequest, bool) {
	if !d.ready(st, model.SetupReversalSlow) {
		return confluence.ProposeRequest{}, false
	}

	var direction model.Side
	switch {
	case rsi <= rsiOversold:
		direction = model.SideBuy
	case rsi >= rsiOverbought:
		direction = model.SideSell
	default:
		return confluence.ProposeRequest{}, false
	}

	extremity := rsiOversold - rsi
	if direction == model.SideSell {
		extremity = rsi - rsiOverbought
	}
	confidence := clamp01(0.55 + extremity/100)

	st.lastProposal[model.SetupReversalSlow] = d.now()
	return d.request(model.SetupReversalSlow, symbol, direction, price, atr, 2.0, confidence,
		[]string{fmt.Sprintf("rsi %.1f", rsi)},
		map[string]any{"rsi": rsi},
	), true
}

func (d *MomentumDetector) violentReversal(symbol string, st *momentumState, price, rsi, atr float64) (confluence.ProposeRequest, bool) {
	if !d.ready(st, model.SetupReversalViolent) || len(st.prices) < 3 {
		return confluence.ProposeRequest{}, false
	}

	n := len(st.prices)
	spike := st.prices[n-2] - st.prices[n-3]
	flip := st.prices[n-1] - st.prices[n-2]
	if st.prices[n-3] <= 0 {
		return confluence.ProposeRequest{}, false
	}
	spikeFraction := spike / st.prices[n-3]

	// A spike immediately retraced in the opposite direction.
	if abs(spikeFraction) < violentMoveFraction || sameSign(spike, flip) || abs(flip) < abs(spike)*0.5 {
		return confluence.ProposeRequest{}, false
	}

	direction := model.SideSell
	if spike < 0 {
		direction = model.SideBuy
	}
	confidence := clamp01(0.6 + abs(spikeFraction)/violentMoveFraction*0.05)

	st.lastProposal[model.SetupReversalViolent] = d.now()
	return d.request(model.SetupReversalViolent, symbol, direction, price, atr, 1.5, confidence,
		[]string{fmt.Sprintf("spike %.4f%% retraced", spikeFraction*100)},
		map[string]any{"spike_fraction": spikeFraction, "rsi": rsi},
	), true
}

func (d *MomentumDetector) pullbackRejection(symbol string, st *momentumState, price, atr float64, regime model.RegimeSummary) (confluence.ProposeRequest, bool) {
	if !d.ready(st, model.SetupPullbackRejection) {
		return confluence.ProposeRequest{}, false
	}
	if regime.Regime != model.RegimeTrendingUp && regime.Regime != model.RegimeTrendingDown {
		return confluence.ProposeRequest{}, false
	}

	ma := movingAverage(st.prices, rsiPeriod)
	if ma <= 0 {
		return confluence.ProposeRequest{}, false
	}

	// Price pulled back near the mean while the trend holds.
	distance := abs(price-ma) / ma
	if distance > 0.0003 {
		return confluence.ProposeRequest{}, false
	}

	direction := model.SideBuy
	if regime.Regime == model.RegimeTrendingDown {
		direction = model.SideSell
	}
	confidence := clamp01(0.5 + regime.Confidence*0.3)

	st.lastProposal[model.SetupPullbackRejection] = d.now()
	return d.request(model.SetupPullbackRejection, symbol, direction, price, atr, 2.5, confidence,
		[]string{fmt.Sprintf("pullback to ma %.2f in %s", ma, regime.Regime)},
		map[string]any{"ma": ma, "regime": string(regime.Regime)},
	), true
}

// request builds a proposal with stop one range unit away and targets at
// the given reward multiple plus a runner.
func (d *MomentumDetector) request(
	setup model.SetupType,
	symbol string,
	direction model.Side,
	price, atr, rewardMultiple, confidence float64,
	factors []string,
	details map[string]any,
) confluence.ProposeRequest {
	stopDist := atr * 2
	var stop float64
	var targets []float64
	if direction == model.SideBuy {
		stop = price - stopDist
		targets = []float64{price + stopDist*rewardMultiple, price + stopDist*rewardMultiple*1.6}
	} else {
		stop = price + stopDist
		targets = []float64{price - stopDist*rewardMultiple, price - stopDist*rewardMultiple*1.6}
	}
	return confluence.ProposeRequest{
		SetupType:  setup,
		Symbol:     symbol,
		Direction:  direction,
		EntryPrice: price,
		StopLoss:   stop,
		Targets:    targets,
		Confidence: confidence,
		Factors:    factors,
		Details:    details,
		Source:     model.SourceTapeReading,
	}
}

func (d *MomentumDetector) ready(st *momentumState, setup model.SetupType) bool {
	last, ok := st.lastProposal[setup]
	return !ok || d.now().Sub(last) >= momentumCooldown
}

// SetNow overrides the clock source, used by tests.
func (d *MomentumDetector) SetNow(now func() time.Time) { d.now = now }

// computeRSI is Wilder's relative strength index over the final period.
func computeRSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50
	}
	window := prices[len(prices)-period-1:]
	gains, losses := 0.0, 0.0
	for i := 1; i < len(window); i++ {
		change := window[i] - window[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}

// averageRange is the mean absolute tick-to-tick move over the period.
func averageRange(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 0
	}
	window := prices[len(prices)-period-1:]
	total := 0.0
	for i := 1; i < len(window); i++ {
		total += abs(window[i] - window[i-1])
	}
	return total / float64(period)
}

func movingAverage(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}
	window := prices[len(prices)-period:]
	total := 0.0
	for _, p := range window {
		total += p
	}
	return total / float64(period)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
