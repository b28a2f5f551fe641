// Package detector hosts the setup detectors. Each detector inspects
// per-symbol market history and proposes candidate setups; the registry
// fans snapshots out to every registered detector and forwards the
// proposals to the signal factory.
package detector

import (
	"sync"

	"tapeflow/internal/bus"
	"tapeflow/internal/confluence"
	"tapeflow/internal/model"

	"go.uber.org/zap"
)

// Detector is one setup-detection capability.
type Detector interface {
	// Name identifies the detector in logs.
	Name() string
	// SupportedKinds lists the setup kinds this detector can propose.
	SupportedKinds() []model.SetupType
	// Detect inspects one symbol's latest data and proposes setups.
	// Implementations keep their own rolling state per symbol.
	Detect(symbol string, data *model.SymbolData, regime model.RegimeSummary) []confluence.ProposeRequest
}

// RegimeProvider supplies regime context to detectors during a scan.
type RegimeProvider interface {
	RegimeSummary(symbol string) model.RegimeSummary
}

// Registry owns the detector set and drives scans from market snapshots.
type Registry struct {
	factory *confluence.Factory
	regimes RegimeProvider
	logger  *zap.Logger

	mu        sync.Mutex
	detectors []Detector
}

// NewRegistry creates an empty registry subscribed to market snapshots.
func NewRegistry(eventBus *bus.Bus, factory *confluence.Factory, regimes RegimeProvider, logger *zap.Logger) *Registry {
	r := &Registry{
		factory: factory,
		regimes: regimes,
		logger:  logger,
	}
	eventBus.Subscribe(bus.TopicMarketDataUpdated, r.handleMarketUpdate)
	return r
}

// Register adds a detector. Safe to call before or after scanning starts.
func (r *Registry) Register(d Detector) {
	r.mu.Lock()
	r.detectors = append(r.detectors, d)
	r.mu.Unlock()

	kinds := make([]string, 0, len(d.SupportedKinds()))
	for _, k := range d.SupportedKinds() {
		kinds = append(kinds, string(k))
	}
	r.logger.Info("detector_registered",
		zap.String("detector", d.Name()),
		zap.Strings("kinds", kinds),
	)
}

func (r *Registry) handleMarketUpdate(data any) {
	update, ok := data.(bus.MarketDataUpdated)
	if !ok || update.Snapshot == nil {
		return
	}
	r.Scan(update.Snapshot)
}

// Scan runs every detector over every symbol in the snapshot. A panic
// in one detector is contained so the rest still run.
func (r *Registry) Scan(snapshot *model.MarketSnapshot) {
	r.mu.Lock()
	detectors := make([]Detector, len(r.detectors))
	copy(detectors, r.detectors)
	r.mu.Unlock()

	for symbol, symbolData := range snapshot.Data {
		regime := r.regimes.RegimeSummary(symbol)
		for _, d := range detectors {
			r.runDetector(d, symbol, symbolData, regime)
		}
	}
}

func (r *Registry) runDetector(d Detector, symbol string, data *model.SymbolData, regime model.RegimeSummary) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("detector_panic",
				zap.String("detector", d.Name()),
				zap.String("symbol", symbol),
				zap.Any("panic", rec),
			)
		}
	}()

	for _, proposal := range d.Detect(symbol, data, regime) {
		if signal := r.factory.Propose(proposal); signal != nil {
			r.logger.Debug("detector_proposal_accepted",
				zap.String("detector", d.Name()),
				zap.String("signal_id", signal.ID),
				zap.String("setup", string(signal.SetupType)),
			)
		}
	}
}
