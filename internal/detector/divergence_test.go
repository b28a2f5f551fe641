package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tapeflow/internal/bus"
	"tapeflow/internal/model"
)

func flowData(price, delta float64) *model.SymbolData {
	side := model.SideBuy
	if delta < 0 {
		side = model.SideSell
		delta = -delta
	}
	return &model.SymbolData{
		Symbol:    "WDO",
		LastPrice: price,
		Trades:    []model.Trade{{Symbol: "WDO", Price: price, Volume: delta, Side: side}},
	}
}

func TestBullishDivergenceWarnsAndProposesLong(t *testing.T) {
	eventBus := bus.New(zap.NewNop())
	d := NewDivergenceDetector(eventBus)
	regime := model.RegimeSummary{Regime: model.RegimeRanging}

	var warnings []bus.DivergenceWarning
	eventBus.Subscribe(bus.TopicDivergenceWarning, func(data any) {
		warnings = append(warnings, data.(bus.DivergenceWarning))
	})

	// Price grinds down while aggressive buying accumulates.
	price := 5000.0
	var proposals []model.SetupType
	var directions []model.Side
	for i := 0; i < 25; i++ {
		price -= 0.5
		for _, p := range d.Detect("WDO", flowData(price, 5), regime) {
			proposals = append(proposals, p.SetupType)
			directions = append(directions, p.Direction)
		}
	}

	require.NotEmpty(t, warnings)
	assert.Equal(t, bus.DivergenceBullish, warnings[0].Bias)
	assert.Equal(t, "WDO", warnings[0].Symbol)

	require.Contains(t, proposals, model.SetupDivergence)
	assert.Equal(t, model.SideBuy, directions[0])
}

func TestBearishDivergenceProposesShort(t *testing.T) {
	eventBus := bus.New(zap.NewNop())
	d := NewDivergenceDetector(eventBus)
	regime := model.RegimeSummary{Regime: model.RegimeRanging}

	var warnings []bus.DivergenceWarning
	eventBus.Subscribe(bus.TopicDivergenceWarning, func(data any) {
		warnings = append(warnings, data.(bus.DivergenceWarning))
	})

	price := 5000.0
	found := false
	for i := 0; i < 25; i++ {
		price += 0.5
		for _, p := range d.Detect("WDO", flowData(price, -5), regime) {
			if p.SetupType == model.SetupDivergence {
				assert.Equal(t, model.SideSell, p.Direction)
				assert.Equal(t, "DIVERGENCIA_BAIXA", p.Details["original_pattern"])
				found = true
			}
		}
	}

	assert.True(t, found)
	require.NotEmpty(t, warnings)
	assert.Equal(t, bus.DivergenceBearish, warnings[0].Bias)
}

func TestAgreementProducesNothing(t *testing.T) {
	eventBus := bus.New(zap.NewNop())
	d := NewDivergenceDetector(eventBus)
	regime := model.RegimeSummary{Regime: model.RegimeRanging}

	var warnings int
	eventBus.Subscribe(bus.TopicDivergenceWarning, func(data any) { warnings++ })

	// Price rising with buying is agreement, not divergence.
	price := 5000.0
	for i := 0; i < 25; i++ {
		price += 0.5
		assert.Empty(t, d.Detect("WDO", flowData(price, 5), regime))
	}
	assert.Zero(t, warnings)
}
