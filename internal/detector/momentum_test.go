package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapeflow/internal/model"
)

func symbolData(symbol string, price float64) *model.SymbolData {
	return &model.SymbolData{Symbol: symbol, LastPrice: price}
}

func TestSlowReversalOnOversoldTape(t *testing.T) {
	d := NewMomentumDetector()
	ranging := model.RegimeSummary{Regime: model.RegimeRanging}

	price := 5000.0
	var proposals []model.SetupType
	for i := 0; i < 20; i++ {
		price -= 1.0
		for _, p := range d.Detect("WDO", symbolData("WDO", price), ranging) {
			proposals = append(proposals, p.SetupType)
			if p.SetupType == model.SetupReversalSlow {
				assert.Equal(t, model.SideBuy, p.Direction, "oversold tape proposes a long")
				assert.Less(t, p.StopLoss, p.EntryPrice)
				require.NotEmpty(t, p.Targets)
				assert.Greater(t, p.Targets[0], p.EntryPrice)
				assert.GreaterOrEqual(t, p.Confidence, 0.55)
			}
		}
	}

	assert.Contains(t, proposals, model.SetupReversalSlow)
}

func TestSlowReversalOnOverboughtTapeIsShort(t *testing.T) {
	d := NewMomentumDetector()
	ranging := model.RegimeSummary{Regime: model.RegimeRanging}

	price := 5000.0
	found := false
	for i := 0; i < 20; i++ {
		price += 1.0
		for _, p := range d.Detect("WDO", symbolData("WDO", price), ranging) {
			if p.SetupType == model.SetupReversalSlow {
				assert.Equal(t, model.SideSell, p.Direction)
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	d := NewMomentumDetector()
	base := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	now := base
	d.SetNow(func() time.Time { return now })
	ranging := model.RegimeSummary{Regime: model.RegimeRanging}

	price := 5000.0
	total := 0
	for i := 0; i < 30; i++ {
		price -= 1.0
		total += len(d.Detect("WDO", symbolData("WDO", price), ranging))
	}
	assert.Equal(t, 1, total, "one proposal inside the cooldown window")

	now = base.Add(2 * time.Minute)
	price -= 1.0
	assert.Len(t, d.Detect("WDO", symbolData("WDO", price), ranging), 1, "cooldown elapsed")
}

func TestViolentReversalOnSpikeAndFlip(t *testing.T) {
	d := NewMomentumDetector()
	base := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	now := base
	d.SetNow(func() time.Time { return now })
	ranging := model.RegimeSummary{Regime: model.RegimeRanging}

	// Quiet tape to build history without tripping the RSI.
	price := 5000.0
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			price += 0.25
		} else {
			price -= 0.25
		}
		d.Detect("WDO", symbolData("WDO", price), ranging)
	}

	now = base.Add(5 * time.Minute)

	// A violent spike up immediately retraced.
	d.Detect("WDO", symbolData("WDO", price+8), ranging)
	proposals := d.Detect("WDO", symbolData("WDO", price+2), ranging)

	found := false
	for _, p := range proposals {
		if p.SetupType == model.SetupReversalViolent {
			assert.Equal(t, model.SideSell, p.Direction, "fading an upside spike is a short")
			found = true
		}
	}
	assert.True(t, found)
}

func TestPullbackRejectionNeedsTrend(t *testing.T) {
	d := NewMomentumDetector()
	trending := model.RegimeSummary{Regime: model.RegimeTrendingUp, Confidence: 0.8}
	ranging := model.RegimeSummary{Regime: model.RegimeRanging}

	// A tape oscillating tightly around 5000 sits on its own moving average.
	quietPrice := func(i int) float64 {
		if i%2 == 0 {
			return 5000.25
		}
		return 4999.75
	}

	var inTrend, inRange int
	for i := 0; i < 20; i++ {
		for _, p := range d.Detect("WDO", symbolData("WDO", quietPrice(i)), trending) {
			if p.SetupType == model.SetupPullbackRejection {
				assert.Equal(t, model.SideBuy, p.Direction)
				inTrend++
			}
		}
	}
	d2 := NewMomentumDetector()
	for i := 0; i < 20; i++ {
		for _, p := range d2.Detect("WDO", symbolData("WDO", quietPrice(i)), ranging) {
			if p.SetupType == model.SetupPullbackRejection {
				inRange++
			}
		}
	}

	assert.Greater(t, inTrend, 0)
	assert.Zero(t, inRange, "no pullback setups outside a trend")
}

func TestComputeRSIBounds(t *testing.T) {
	falling := []float64{15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	assert.InDelta(t, 0, computeRSI(falling, 14), 1e-9)

	rising := make([]float64, 15)
	for i := range rising {
		rising[i] = float64(i + 1)
	}
	assert.InDelta(t, 100, computeRSI(rising, 14), 1e-9)

	assert.Equal(t, 50.0, computeRSI([]float64{1, 2}, 14), "insufficient history is neutral")
}
