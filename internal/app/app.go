// Package app wires the components together and runs the engine.
package app

import (
	"context"
	"time"

	"tapeflow/internal/bus"
	"tapeflow/internal/config"
	"tapeflow/internal/confluence"
	"tapeflow/internal/detector"
	"tapeflow/internal/executor"
	"tapeflow/internal/feed"
	"tapeflow/internal/lifecycle"
	"tapeflow/internal/output/jsonl"
	"tapeflow/internal/position"
	"tapeflow/internal/regime"
	"tapeflow/internal/risk"

	"go.uber.org/zap"
)

const statusInterval = 30 * time.Second

// App owns every component of the engine.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	eventBus  *bus.Bus
	lifecycle *lifecycle.Manager
	factory   *confluence.Factory
	governor  *risk.Governor
	tracker   *position.Tracker
	registry  *detector.Registry
	feed      *feed.Simulator

	signalSink   *jsonl.Writer
	positionSink *jsonl.Writer
}

// New builds and wires the full component graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	eventBus := bus.New(logger)

	lm := lifecycle.New(eventBus, cfg.Lifecycle, cfg.Positions.PointValue, logger)
	classifier := regime.NewClassifier(eventBus, logger)
	factory := confluence.NewFactory(eventBus, lm, classifier, cfg.Confluence,
		[2]string{cfg.Feed.Symbols[0], cfg.Feed.Symbols[1]}, logger)
	governor := risk.NewGovernor(eventBus, cfg.Risk, logger)
	tracker := position.NewTracker(eventBus, cfg.Positions, logger)
	executor.NewPaper(eventBus, lm, cfg.Feed.Symbols, logger)

	registry := detector.NewRegistry(eventBus, factory, classifier, logger)
	registry.Register(detector.NewMomentumDetector())
	registry.Register(detector.NewVolumeDetector())
	registry.Register(detector.NewDivergenceDetector(eventBus))

	signalSink, err := jsonl.NewWriter(cfg.Output.SignalsPath, logger)
	if err != nil {
		return nil, err
	}
	positionSink, err := jsonl.NewWriter(cfg.Output.PositionsPath, logger)
	if err != nil {
		signalSink.Close()
		return nil, err
	}

	eventBus.Subscribe(bus.TopicSignalGenerated, func(data any) {
		signalSink.Write(data)
	})
	eventBus.Subscribe(bus.TopicPositionClosed, func(data any) {
		if closed, ok := data.(bus.PositionClosed); ok {
			positionSink.Write(closed.Position)
		}
	})

	return &App{
		cfg:          cfg,
		logger:       logger,
		eventBus:     eventBus,
		lifecycle:    lm,
		factory:      factory,
		governor:     governor,
		tracker:      tracker,
		registry:     registry,
		feed:         feed.NewSimulator(eventBus, cfg.Feed, logger),
		signalSink:   signalSink,
		positionSink: positionSink,
	}, nil
}

// Run starts every component and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("engine_starting",
		zap.String("env", a.cfg.App.Env),
		zap.Strings("symbols", a.cfg.Feed.Symbols),
	)

	a.lifecycle.Start()
	defer a.shutdown()

	feedDone := make(chan error, 1)
	go func() {
		feedDone <- a.feed.Run(ctx)
	}()

	go a.dailyResetLoop(ctx)

	status := time.NewTicker(statusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			<-feedDone
			return nil
		case err := <-feedDone:
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		case <-status.C:
			a.logStatus()
		}
	}
}

// dailyResetLoop fires the governor reset at each local midnight.
func (a *App) dailyResetLoop(ctx context.Context) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			a.governor.ResetDaily()
		}
	}
}

func (a *App) logStatus() {
	lifecycleStats := a.lifecycle.Statistics()
	factoryStats := a.factory.Statistics()
	riskStatus := a.governor.RiskStatus()
	summary := a.tracker.DailySummary()

	a.logger.Info("engine_status",
		zap.Int("active_signals", lifecycleStats.ActiveSignals),
		zap.Int("signals_created", factoryStats.SignalsCreated),
		zap.Int("confluence_matches", factoryStats.ConfluenceMatches),
		zap.String("risk_level", string(riskStatus.RiskLevel)),
		zap.Float64("daily_pnl", riskStatus.DailyPnL),
		zap.Int("open_positions", summary.OpenPositions),
		zap.Float64("realized_pnl", summary.RealizedPnL),
	)
}

func (a *App) shutdown() {
	a.tracker.CloseAll(position.ReasonEmergencyStop)
	a.lifecycle.Stop()
	a.signalSink.Close()
	a.positionSink.Close()
	a.logger.Info("engine_stopped")
}
