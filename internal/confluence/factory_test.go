package confluence

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tapeflow/internal/bus"
	"tapeflow/internal/config"
	"tapeflow/internal/lifecycle"
	"tapeflow/internal/model"
)

type stubRegimes struct {
	summary model.RegimeSummary
}

func (s stubRegimes) RegimeSummary(symbol string) model.RegimeSummary { return s.summary }

func newTestFactory(t *testing.T) (*Factory, *lifecycle.Manager, *bus.Bus) {
	t.Helper()
	eventBus := bus.New(zap.NewNop())
	cfg := config.Default()
	lm := lifecycle.New(eventBus, cfg.Lifecycle, cfg.Positions.PointValue, zap.NewNop())
	f := NewFactory(eventBus, lm, stubRegimes{}, cfg.Confluence, [2]string{"WDO", "DOL"}, zap.NewNop())
	return f, lm, eventBus
}

func proposal(symbol string, direction model.Side, setup model.SetupType, confidence float64) ProposeRequest {
	entry := 5000.0
	stop := 4990.0
	target := 5020.0
	if direction == model.SideSell {
		stop = 5010.0
		target = 4980.0
	}
	return ProposeRequest{
		SetupType:  setup,
		Symbol:     symbol,
		Direction:  direction,
		EntryPrice: entry,
		StopLoss:   stop,
		Targets:    []float64{target},
		Confidence: confidence,
		Source:     model.SourceTapeReading,
	}
}

func TestProposeCreatesPendingSignal(t *testing.T) {
	f, lm, _ := newTestFactory(t)

	sig := f.Propose(proposal("WDO", model.SideBuy, model.SetupReversalSlow, 0.65))
	require.NotNil(t, sig)

	assert.Equal(t, model.StatePending, sig.State)
	assert.InDelta(t, 0.65, sig.Confidence, 1e-9, "no context leaves confidence untouched")
	assert.InDelta(t, 2.0, sig.RiskReward, 1e-9)
	assert.Equal(t, model.NoConflict, sig.ConflictStatus)
	assert.Equal(t, model.EntryLimit, sig.EntryType)

	tracked, ok := lm.SignalByID(sig.ID)
	require.True(t, ok)
	assert.Equal(t, sig.ID, tracked.ID)
}

func TestProposeRejectsInvalidPrices(t *testing.T) {
	f, _, _ := newTestFactory(t)

	req := proposal("WDO", model.SideBuy, model.SetupReversalSlow, 0.65)
	req.StopLoss = 0
	assert.Nil(t, f.Propose(req))
	assert.Equal(t, 1, f.Statistics().SignalsFiltered)
}

func TestEntryTypeFollowsSetupKind(t *testing.T) {
	f, _, _ := newTestFactory(t)

	cases := map[model.SetupType]model.EntryType{
		model.SetupReversalViolent:   model.EntryMarket,
		model.SetupReversalSlow:      model.EntryLimit,
		model.SetupPullbackRejection: model.EntryLimit,
		model.SetupBreakoutIgnition:  model.EntryStop,
		model.SetupDivergence:        model.EntryAdaptive,
	}
	for setup, want := range cases {
		sig := f.Propose(proposal("WDO", model.SideBuy, setup, 0.9))
		require.NotNil(t, sig, "setup %s", setup)
		assert.Equal(t, want, sig.EntryType, "setup %s", setup)
	}
}

func TestPerfectPairingBoostsConfidence(t *testing.T) {
	f, _, _ := newTestFactory(t)

	first := f.Propose(proposal("WDO", model.SideBuy, model.SetupReversalSlow, 0.65))
	require.NotNil(t, first)

	second := f.Propose(proposal("DOL", model.SideBuy, model.SetupReversalSlow, 0.65))
	require.NotNil(t, second)

	assert.Equal(t, model.NoConflict, second.ConflictStatus)
	assert.InDelta(t, 0.80, second.Confidence, 1e-9)
	assert.Equal(t, 1, f.Statistics().ConfluenceMatches)
}

func TestOppositeDirectionsAreMajorConflict(t *testing.T) {
	f, _, _ := newTestFactory(t)

	require.NotNil(t, f.Propose(proposal("WDO", model.SideBuy, model.SetupReversalSlow, 0.65)))

	sig := f.Propose(proposal("DOL", model.SideSell, model.SetupReversalSlow, 0.65))
	require.NotNil(t, sig, "0.65*0.8 stays above the floor")

	assert.Equal(t, model.MajorConflict, sig.ConflictStatus)
	assert.InDelta(t, 0.52, sig.Confidence, 1e-9)
	assert.Equal(t, 1, f.Statistics().ConfluenceConflicts)
}

func TestMajorConflictBelowFloorIsRejected(t *testing.T) {
	f, _, _ := newTestFactory(t)

	require.NotNil(t, f.Propose(proposal("WDO", model.SideBuy, model.SetupReversalSlow, 0.65)))

	sig := f.Propose(proposal("DOL", model.SideSell, model.SetupReversalSlow, 0.55))
	assert.Nil(t, sig, "0.55*0.8 = 0.44 falls below the 0.5 floor")
}

func TestIncompatibleSetupsAreMinorConflict(t *testing.T) {
	f, _, _ := newTestFactory(t)

	require.NotNil(t, f.Propose(proposal("WDO", model.SideBuy, model.SetupReversalSlow, 0.65)))

	sig := f.Propose(proposal("DOL", model.SideBuy, model.SetupBreakoutIgnition, 0.65))
	require.NotNil(t, sig)
	assert.Equal(t, model.MinorConflict, sig.ConflictStatus)
	assert.InDelta(t, 0.65, sig.Confidence, 1e-9, "minor conflicts carry no penalty")
}

func TestPriceDivergenceIsMinorConflict(t *testing.T) {
	f, _, _ := newTestFactory(t)

	require.NotNil(t, f.Propose(proposal("WDO", model.SideBuy, model.SetupReversalSlow, 0.65)))

	req := proposal("DOL", model.SideBuy, model.SetupReversalSlow, 0.65)
	req.EntryPrice = 5010 // 0.2% away, over the 0.05% ceiling
	req.StopLoss = 5000
	req.Targets = []float64{5030}
	sig := f.Propose(req)
	require.NotNil(t, sig)
	assert.Equal(t, model.MinorConflict, sig.ConflictStatus)
}

func TestPairingSlotIsConsumedOnAttempt(t *testing.T) {
	f, _, _ := newTestFactory(t)

	require.NotNil(t, f.Propose(proposal("WDO", model.SideBuy, model.SetupReversalSlow, 0.65)))
	require.NotNil(t, f.Propose(proposal("DOL", model.SideSell, model.SetupReversalSlow, 0.65)))

	// The conflicting pairing consumed the WDO slot; a fresh DOL candidate
	// finds nothing to pair against and waits.
	third := f.Propose(proposal("WDO", model.SideBuy, model.SetupReversalSlow, 0.65))
	require.NotNil(t, third)
	assert.Equal(t, model.NoConflict, third.ConflictStatus)
	assert.InDelta(t, 0.65, third.Confidence, 1e-9, "waiting signals get no boost")
}

func TestStalePendingSlotIsDiscarded(t *testing.T) {
	f, lm, _ := newTestFactory(t)

	base := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	now := base
	f.SetNow(func() time.Time { return now })
	lm.SetNow(func() time.Time { return now })

	require.NotNil(t, f.Propose(proposal("WDO", model.SideBuy, model.SetupReversalSlow, 0.65)))

	now = base.Add(11 * time.Second)
	sig := f.Propose(proposal("DOL", model.SideBuy, model.SetupReversalSlow, 0.65))
	require.NotNil(t, sig)

	assert.Equal(t, model.NoConflict, sig.ConflictStatus)
	assert.InDelta(t, 0.65, sig.Confidence, 1e-9, "no boost against a stale slot")
	assert.Equal(t, 0, f.Statistics().ConfluenceMatches)
}

func TestTimeSkewIsMinorConflict(t *testing.T) {
	f, lm, _ := newTestFactory(t)

	base := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	now := base
	f.SetNow(func() time.Time { return now })
	lm.SetNow(func() time.Time { return now })

	// A short confluence timeout lets the slot survive past the skew limit.
	f.cfg.TimeoutSeconds = 120

	req := proposal("WDO", model.SideBuy, model.SetupReversalSlow, 0.65)
	require.NotNil(t, f.Propose(req))

	now = base.Add(45 * time.Second)
	partner := proposal("DOL", model.SideBuy, model.SetupReversalSlow, 0.65)
	sig := f.Propose(partner)
	require.NotNil(t, sig)
	assert.Equal(t, model.MinorConflict, sig.ConflictStatus)
}

func TestConfidenceStaysInRangeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("created signals keep confidence in [0,1]", prop.ForAll(
		func(confA, confB float64, sameDirection bool) bool {
			f, _, _ := newTestFactory(t)

			first := f.Propose(proposal("WDO", model.SideBuy, model.SetupReversalSlow, confA))
			if first != nil && (first.Confidence < 0 || first.Confidence > 1) {
				return false
			}

			direction := model.SideBuy
			if !sameDirection {
				direction = model.SideSell
			}
			second := f.Propose(proposal("DOL", direction, model.SetupReversalSlow, confB))
			if second != nil && (second.Confidence < 0 || second.Confidence > 1) {
				return false
			}
			return true
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
