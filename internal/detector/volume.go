package detector

import (
	"fmt"
	"time"

	"tapeflow/internal/confluence"
	"tapeflow/internal/model"
)

const (
	volumeHistory     = 60
	volumeSpikeFactor = 3.0 // cycle volume vs rolling average
	breakoutLookback  = 40
	volumeCooldown    = 90 * time.Second
)

type volumeState struct {
	prices       []float64
	volumes      []float64
	lastProposal time.Time
}

// VolumeDetector proposes breakout ignitions when a range break arrives
// on a volume spike.
type VolumeDetector struct {
	state map[string]*volumeState
	now   func() time.Time
}

// NewVolumeDetector creates the detector with empty history.
func NewVolumeDetector() *VolumeDetector {
	return &VolumeDetector{
		state: make(map[string]*volumeState),
		now:   time.Now,
	}
}

func (d *VolumeDetector) Name() string { return "volume" }

func (d *VolumeDetector) SupportedKinds() []model.SetupType {
	return []model.SetupType{model.SetupBreakoutIgnition}
}

func (d *VolumeDetector) Detect(symbol string, data *model.SymbolData, regime model.RegimeSummary) []confluence.ProposeRequest {
	if data.LastPrice <= 0 {
		return nil
	}

	st, ok := d.state[symbol]
	if !ok {
		st = &volumeState{}
		d.state[symbol] = st
	}
	st.prices = append(st.prices, data.LastPrice)
	st.volumes = append(st.volumes, data.TotalVolume)
	if len(st.prices) > volumeHistory {
		st.prices = st.prices[len(st.prices)-volumeHistory:]
		st.volumes = st.volumes[len(st.volumes)-volumeHistory:]
	}
	if len(st.prices) < breakoutLookback {
		return nil
	}
	if d.now().Sub(st.lastProposal) < volumeCooldown {
		return nil
	}

	avgVolume := mean(st.volumes[:len(st.volumes)-1])
	if avgVolume <= 0 || data.TotalVolume < avgVolume*volumeSpikeFactor {
		return nil
	}

	// Range over the lookback excluding the breaking cycle.
	window := st.prices[len(st.prices)-breakoutLookback : len(st.prices)-1]
	high, low := window[0], window[0]
	for _, p := range window {
		if p > high {
			high = p
		}
		if p < low {
			low = p
		}
	}

	price := data.LastPrice
	var direction model.Side
	switch {
	case price > high:
		direction = model.SideBuy
	case price < low:
		direction = model.SideSell
	default:
		return nil
	}

	spikeRatio := data.TotalVolume / avgVolume
	confidence := clamp01(0.6 + (spikeRatio-volumeSpikeFactor)*0.05)
	rangeSize := high - low
	if rangeSize <= 0 {
		return nil
	}

	var stop float64
	var targets []float64
	if direction == model.SideBuy {
		stop = high - rangeSize*0.3
		targets = []float64{price + rangeSize, price + rangeSize*1.8}
	} else {
		stop = low + rangeSize*0.3
		targets = []float64{price - rangeSize, price - rangeSize*1.8}
	}

	st.lastProposal = d.now()
	return []confluence.ProposeRequest{{
		SetupType:  model.SetupBreakoutIgnition,
		Symbol:     symbol,
		Direction:  direction,
		EntryPrice: price,
		StopLoss:   stop,
		Targets:    targets,
		Confidence: confidence,
		Factors: []string{
			fmt.Sprintf("range break on %.1fx volume", spikeRatio),
		},
		Details: map[string]any{
			"volume_ratio": spikeRatio,
			"range_high":   high,
			"range_low":    low,
		},
		Source: model.SourceTapeReading,
	}}
}

// SetNow overrides the clock source, used by tests.
func (d *VolumeDetector) SetNow(now func() time.Time) { d.now = now }

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}
