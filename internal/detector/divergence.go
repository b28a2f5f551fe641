package detector

import (
	"fmt"
	"time"

	"tapeflow/internal/bus"
	"tapeflow/internal/confluence"
	"tapeflow/internal/model"
)

const (
	divergenceHistory  = 60
	divergenceWindow   = 20
	divergenceCooldown = 120 * time.Second

	// Price and cumulative delta must move decisively against each
	// other before a divergence is called.
	divergencePriceMove = 0.0003
	divergenceDeltaMove = 30.0
)

type divergenceState struct {
	prices      []float64
	deltas      []float64 // cumulative buy-sell volume delta
	lastSetup   time.Time
	lastWarning time.Time
}

// DivergenceDetector watches cumulative flow delta against price. A
// decisive disagreement yields a divergence setup proposal and a
// warning event for open positions on the wrong side.
type DivergenceDetector struct {
	eventBus *bus.Bus
	state    map[string]*divergenceState
	now      func() time.Time
}

// NewDivergenceDetector creates the detector. The bus receives the
// warning events.
func NewDivergenceDetector(eventBus *bus.Bus) *DivergenceDetector {
	return &DivergenceDetector{
		eventBus: eventBus,
		state:    make(map[string]*divergenceState),
		now:      time.Now,
	}
}

func (d *DivergenceDetector) Name() string { return "divergence" }

func (d *DivergenceDetector) SupportedKinds() []model.SetupType {
	return []model.SetupType{model.SetupDivergence}
}

func (d *DivergenceDetector) Detect(symbol string, data *model.SymbolData, regime model.RegimeSummary) []confluence.ProposeRequest {
	if data.LastPrice <= 0 {
		return nil
	}

	st, ok := d.state[symbol]
	if !ok {
		st = &divergenceState{}
		d.state[symbol] = st
	}

	delta := cycleDelta(data.Trades)
	prev := 0.0
	if len(st.deltas) > 0 {
		prev = st.deltas[len(st.deltas)-1]
	}
	st.prices = append(st.prices, data.LastPrice)
	st.deltas = append(st.deltas, prev+delta)
	if len(st.prices) > divergenceHistory {
		st.prices = st.prices[len(st.prices)-divergenceHistory:]
		st.deltas = st.deltas[len(st.deltas)-divergenceHistory:]
	}
	if len(st.prices) < divergenceWindow {
		return nil
	}

	n := len(st.prices)
	priceMove := (st.prices[n-1] - st.prices[n-divergenceWindow]) / st.prices[n-divergenceWindow]
	deltaMove := st.deltas[n-1] - st.deltas[n-divergenceWindow]

	var bias bus.DivergenceBias
	switch {
	case priceMove <= -divergencePriceMove && deltaMove >= divergenceDeltaMove:
		// Price falling while aggressive buying accumulates.
		bias = bus.DivergenceBullish
	case priceMove >= divergencePriceMove && deltaMove <= -divergenceDeltaMove:
		// Price rising while aggressive selling accumulates.
		bias = bus.DivergenceBearish
	default:
		return nil
	}

	now := d.now()
	detail := fmt.Sprintf("price %.4f%% vs delta %+.0f over %d cycles",
		priceMove*100, deltaMove, divergenceWindow)

	if now.Sub(st.lastWarning) >= divergenceCooldown {
		st.lastWarning = now
		d.eventBus.Publish(bus.TopicDivergenceWarning, bus.DivergenceWarning{
			Symbol: symbol,
			Bias:   bias,
			Detail: detail,
		})
	}

	if now.Sub(st.lastSetup) < divergenceCooldown {
		return nil
	}
	st.lastSetup = now

	price := data.LastPrice
	direction := model.SideBuy
	pattern := "DIVERGENCIA_ALTA"
	if bias == bus.DivergenceBearish {
		direction = model.SideSell
		pattern = "DIVERGENCIA_BAIXA"
	}

	atr := averageRange(st.prices, rsiPeriod)
	if atr <= 0 {
		return nil
	}
	stopDist := atr * 2.5
	var stop float64
	var targets []float64
	if direction == model.SideBuy {
		stop = price - stopDist
		targets = []float64{price + stopDist*1.5, price + stopDist*2.5}
	} else {
		stop = price + stopDist
		targets = []float64{price - stopDist*1.5, price - stopDist*2.5}
	}

	confidence := clamp01(0.55 + abs(deltaMove)/divergenceDeltaMove*0.05)

	return []confluence.ProposeRequest{{
		SetupType:  model.SetupDivergence,
		Symbol:     symbol,
		Direction:  direction,
		EntryPrice: price,
		StopLoss:   stop,
		Targets:    targets,
		Confidence: confidence,
		Factors:    []string{detail},
		Details: map[string]any{
			"original_pattern": pattern,
			"delta_move":       deltaMove,
			"price_move":       priceMove,
		},
		Source: model.SourceTapeReading,
	}}
}

// SetNow overrides the clock source, used by tests.
func (d *DivergenceDetector) SetNow(now func() time.Time) { d.now = now }

// cycleDelta is signed aggressor volume for one polling cycle.
func cycleDelta(trades []model.Trade) float64 {
	delta := 0.0
	for _, trade := range trades {
		if trade.Side == model.SideBuy {
			delta += trade.Volume
		} else {
			delta -= trade.Volume
		}
	}
	return delta
}
