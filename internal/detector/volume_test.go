package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapeflow/internal/model"
)

func volumeData(price, volume float64) *model.SymbolData {
	return &model.SymbolData{Symbol: "WDO", LastPrice: price, TotalVolume: volume}
}

func rangeBound(i int) float64 {
	if i%2 == 0 {
		return 5000.0
	}
	return 5002.0
}

func TestBreakoutOnVolumeSpike(t *testing.T) {
	d := NewVolumeDetector()
	regime := model.RegimeSummary{Regime: model.RegimeRanging}

	for i := 0; i < 45; i++ {
		got := d.Detect("WDO", volumeData(rangeBound(i), 10), regime)
		assert.Empty(t, got, "no setups while the range holds")
	}

	proposals := d.Detect("WDO", volumeData(5004, 50), regime)
	require.Len(t, proposals, 1)

	p := proposals[0]
	assert.Equal(t, model.SetupBreakoutIgnition, p.SetupType)
	assert.Equal(t, model.SideBuy, p.Direction)
	assert.Equal(t, 5004.0, p.EntryPrice)
	assert.Less(t, p.StopLoss, 5004.0)
	require.Len(t, p.Targets, 2)
	assert.Greater(t, p.Targets[0], p.EntryPrice)
}

func TestDownsideBreakoutIsShort(t *testing.T) {
	d := NewVolumeDetector()
	regime := model.RegimeSummary{Regime: model.RegimeRanging}

	for i := 0; i < 45; i++ {
		d.Detect("WDO", volumeData(rangeBound(i), 10), regime)
	}

	proposals := d.Detect("WDO", volumeData(4998, 60), regime)
	require.Len(t, proposals, 1)
	assert.Equal(t, model.SideSell, proposals[0].Direction)
}

func TestRangeBreakWithoutVolumeIsIgnored(t *testing.T) {
	d := NewVolumeDetector()
	regime := model.RegimeSummary{Regime: model.RegimeRanging}

	for i := 0; i < 45; i++ {
		d.Detect("WDO", volumeData(rangeBound(i), 10), regime)
	}

	assert.Empty(t, d.Detect("WDO", volumeData(5004, 12), regime),
		"a break on ordinary volume is not an ignition")
}
