// Package lifecycle owns the state machine and expiry timers for every
// strategic signal.
package lifecycle

import (
	"sync"
	"time"

	"tapeflow/internal/bus"
	"tapeflow/internal/config"
	"tapeflow/internal/model"

	"go.uber.org/zap"
)

// validTransitions is the fixed transition table. Terminal states map to nil.
var validTransitions = map[model.SignalState][]model.SignalState{
	model.StatePending:   {model.StateActive, model.StateExpired},
	model.StateActive:    {model.StateExecuted, model.StateExpired},
	model.StateExecuted:  {model.StateStopped, model.StateTargetHit},
	model.StateExpired:   nil,
	model.StateStopped:   nil,
	model.StateTargetHit: nil,
}

// configKeyBySetup maps setup kinds to their timeout-table keys.
var configKeyBySetup = map[model.SetupType]string{
	model.SetupReversalSlow:      "reversal_slow",
	model.SetupReversalViolent:   "reversal_violent",
	model.SetupBreakoutIgnition:  "breakout_ignition",
	model.SetupPullbackRejection: "pullback_rejection",
	model.SetupDivergence:        "divergence_setup",
}

// StateCallback runs after a signal enters a state. Failures are isolated:
// a panicking callback is logged and does not affect the transition or the
// remaining callbacks.
type StateCallback func(*model.StrategicSignal)

// Stats counts lifecycle outcomes since startup.
type Stats struct {
	TotalCreated    int `json:"totalCreated"`
	TotalExecuted   int `json:"totalExecuted"`
	TotalExpired    int `json:"totalExpired"`
	TotalStopped    int `json:"totalStopped"`
	TotalTargetsHit int `json:"totalTargetsHit"`
}

// Statistics is a point-in-time view of the manager.
type Statistics struct {
	ActiveSignals int                       `json:"activeSignals"`
	ActiveByState map[model.SignalState]int `json:"activeByState"`
	HistorySize   int                       `json:"historySize"`
	Historical    Stats                     `json:"historical"`
}

// Manager advances each strategic signal through its lifecycle, enforcing
// the transition table and force-expiring signals past their deadline.
type Manager struct {
	eventBus *bus.Bus
	logger   *zap.Logger

	mu        sync.Mutex
	active    map[string]*model.StrategicSignal
	history   []*model.StrategicSignal
	callbacks map[model.SignalState][]StateCallback
	stats     Stats
	running   bool

	timeouts       map[model.SetupType]time.Duration
	defaultTimeout time.Duration
	activateAfter  time.Duration
	historySize    int
	pointValue     float64

	stopCh chan struct{}
	done   chan struct{}

	now func() time.Time
}

// New creates a lifecycle manager from configuration.
func New(eventBus *bus.Bus, cfg config.LifecycleConfig, pointValue float64, logger *zap.Logger) *Manager {
	timeouts := make(map[model.SetupType]time.Duration, len(configKeyBySetup))
	for setup, key := range configKeyBySetup {
		if secs, ok := cfg.SetupTimeouts[key]; ok && secs > 0 {
			timeouts[setup] = time.Duration(secs) * time.Second
		}
	}
	if pointValue <= 0 {
		pointValue = 10.0
	}
	return &Manager{
		eventBus:       eventBus,
		logger:         logger,
		active:         make(map[string]*model.StrategicSignal),
		callbacks:      make(map[model.SignalState][]StateCallback),
		timeouts:       timeouts,
		defaultTimeout: time.Duration(cfg.DefaultTimeoutSeconds) * time.Second,
		activateAfter:  time.Duration(cfg.ActivationDelayMs) * time.Millisecond,
		historySize:    cfg.HistorySize,
		pointValue:     pointValue,
		now:            time.Now,
	}
}

// Start launches the background expiry monitor at 1-second resolution.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.monitorLoop()
	m.logger.Info("lifecycle_started")
}

// Stop sets the stop flag and joins the monitor with a bounded timeout.
// Pending activation timers are abandoned; if they fire later they no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		m.logger.Warn("lifecycle_monitor_join_timeout")
	}
	m.logger.Info("lifecycle_stopped")
}

// Create admits a signal as PENDING, assigns its expiration from the
// per-setup timeout table, and schedules auto-activation. Returns false
// only when the id is already tracked.
func (m *Manager) Create(signal *model.StrategicSignal, timeoutOverride ...time.Duration) bool {
	timeout := m.defaultTimeout
	if t, ok := m.timeouts[signal.SetupType]; ok {
		timeout = t
	}
	if len(timeoutOverride) > 0 && timeoutOverride[0] > 0 {
		timeout = timeoutOverride[0]
	}

	m.mu.Lock()
	if _, exists := m.active[signal.ID]; exists {
		m.mu.Unlock()
		m.logger.Warn("signal_already_tracked", zap.String("signal_id", signal.ID))
		return false
	}

	now := m.now()
	signal.State = model.StatePending
	signal.ExpirationTime = now.Add(timeout)
	signal.TimeToExpiry = int(timeout / time.Second)
	m.active[signal.ID] = signal
	m.stats.TotalCreated++
	m.mu.Unlock()

	m.eventBus.Publish(bus.TopicSignalCreated, bus.SignalCreated{
		Signal:         signal,
		TimeoutSeconds: int(timeout / time.Second),
	})

	m.logger.Info("signal_created",
		zap.String("signal_id", signal.ID),
		zap.String("setup", string(signal.SetupType)),
		zap.String("direction", string(signal.Direction)),
		zap.Float64("entry", signal.EntryPrice),
		zap.Duration("timeout", timeout),
	)

	id := signal.ID
	time.AfterFunc(m.activateAfter, func() { m.autoActivate(id) })

	return true
}

// autoActivate moves PENDING -> ACTIVE if the signal is still pending.
// Preconditions are re-validated under the lock: the signal may have been
// transitioned or expired, or the manager stopped, since the timer was armed.
func (m *Manager) autoActivate(id string) {
	m.mu.Lock()
	signal, ok := m.active[id]
	stillPending := ok && m.running && signal.State == model.StatePending
	m.mu.Unlock()

	if stillPending {
		m.Transition(id, model.StateActive)
	}
}

// TransitionOption carries extra data for a state change.
type TransitionOption func(*transitionExtra)

type transitionExtra struct {
	executionPrice float64
	exitPrice      float64
	hasExecution   bool
	hasExit        bool
}

// WithExecutionPrice records the fill price on an EXECUTED transition.
func WithExecutionPrice(price float64) TransitionOption {
	return func(e *transitionExtra) {
		e.executionPrice = price
		e.hasExecution = true
	}
}

// WithExitPrice records the exit price on a STOPPED or TARGET_HIT transition.
func WithExitPrice(price float64) TransitionOption {
	return func(e *transitionExtra) {
		e.exitPrice = price
		e.hasExit = true
	}
}

// Transition validates a state change against the transition table and
// applies it. On an unknown id or illegal transition it returns false and
// mutates nothing. Events and callbacks run outside the lock so that
// subscribers may call back into the manager.
func (m *Manager) Transition(id string, newState model.SignalState, opts ...TransitionOption) bool {
	var extra transitionExtra
	for _, opt := range opts {
		opt(&extra)
	}

	m.mu.Lock()
	signal, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("signal_not_found", zap.String("signal_id", id))
		return false
	}

	oldState := signal.State
	if !transitionAllowed(oldState, newState) {
		m.mu.Unlock()
		m.logger.Warn("invalid_transition",
			zap.String("signal_id", id),
			zap.String("from", string(oldState)),
			zap.String("to", string(newState)),
		)
		return false
	}

	m.applyLocked(signal, newState, extra)

	if newState.IsTerminal() {
		m.archiveLocked(signal)
	}
	m.mu.Unlock()

	m.eventBus.Publish(bus.TopicSignalStateChanged, bus.SignalStateChanged{
		SignalID: id,
		OldState: oldState,
		NewState: newState,
		Signal:   signal,
	})

	for _, cb := range m.callbacksFor(newState) {
		m.invokeCallback(cb, signal)
	}

	m.logger.Info("signal_transitioned",
		zap.String("signal_id", id),
		zap.String("from", string(oldState)),
		zap.String("to", string(newState)),
	)

	return true
}

// applyLocked mutates the signal for the new state. Caller holds m.mu.
func (m *Manager) applyLocked(signal *model.StrategicSignal, newState model.SignalState, extra transitionExtra) {
	signal.State = newState
	now := m.now()

	switch newState {
	case model.StateExecuted:
		if extra.hasExecution {
			signal.ExecutionPrice = extra.executionPrice
		} else {
			signal.ExecutionPrice = signal.EntryPrice
		}
		signal.ExecutionTime = now
		m.stats.TotalExecuted++
	case model.StateStopped, model.StateTargetHit:
		if extra.hasExit {
			signal.ExitPrice = extra.exitPrice
			signal.ExitTime = now
			if signal.ExecutionPrice > 0 {
				points := signal.ExitPrice - signal.ExecutionPrice
				if signal.Direction == model.SideSell {
					points = -points
				}
				signal.PnL = points * m.pointValue
			}
		}
		if newState == model.StateStopped {
			m.stats.TotalStopped++
		} else {
			m.stats.TotalTargetsHit++
		}
	case model.StateExpired:
		m.stats.TotalExpired++
	}
}

// archiveLocked moves a terminal signal to the bounded history buffer.
func (m *Manager) archiveLocked(signal *model.StrategicSignal) {
	delete(m.active, signal.ID)
	m.history = append(m.history, signal)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}
}

func (m *Manager) callbacksFor(state model.SignalState) []StateCallback {
	m.mu.Lock()
	defer m.mu.Unlock()
	cbs := make([]StateCallback, len(m.callbacks[state]))
	copy(cbs, m.callbacks[state])
	return cbs
}

func (m *Manager) invokeCallback(cb StateCallback, signal *model.StrategicSignal) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state_callback_panic",
				zap.String("signal_id", signal.ID),
				zap.Any("panic", r),
			)
		}
	}()
	cb(signal)
}

// RegisterStateCallback registers a best-effort callback for a state.
func (m *Manager) RegisterStateCallback(state model.SignalState, cb StateCallback) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	m.callbacks[state] = append(m.callbacks[state], cb)
	m.mu.Unlock()
}

// monitorLoop force-expires signals past their deadline, polling at 1 Hz.
// Errors never escape the loop; a failed sweep resumes on the next tick.
func (m *Manager) monitorLoop() {
	defer close(m.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep expires all overdue PENDING/ACTIVE signals.
func (m *Manager) sweep() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("lifecycle_monitor_panic", zap.Any("panic", r))
		}
	}()

	for _, signal := range m.overdue() {
		// The transition re-validates state under the lock; a racing
		// EXECUTED transition wins and the expiry becomes a no-op.
		if m.Transition(signal.ID, model.StateExpired) {
			m.eventBus.Publish(bus.TopicSignalExpired, bus.SignalExpired{
				Signal: signal,
				Reason: "timeout",
			})
		}
	}
}

// overdue snapshots the signals whose expiration has passed.
func (m *Manager) overdue() []*model.StrategicSignal {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []*model.StrategicSignal
	for _, signal := range m.active {
		switch signal.State {
		case model.StatePending, model.StateActive:
			if signal.IsExpired(now) {
				out = append(out, signal)
			}
		}
	}
	return out
}

// CleanupExpired runs one manual expiry sweep and returns how many
// signals were expired.
func (m *Manager) CleanupExpired() int {
	count := 0
	for _, signal := range m.overdue() {
		if m.Transition(signal.ID, model.StateExpired) {
			m.eventBus.Publish(bus.TopicSignalExpired, bus.SignalExpired{
				Signal: signal,
				Reason: "timeout",
			})
			count++
		}
	}
	return count
}

// ActiveSignals returns ACTIVE-only signals, optionally filtered by symbol.
// Pass "" for all symbols.
func (m *Manager) ActiveSignals(symbol string) []*model.StrategicSignal {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.StrategicSignal
	for _, signal := range m.active {
		if signal.State != model.StateActive {
			continue
		}
		if symbol != "" && signal.Symbol != symbol {
			continue
		}
		out = append(out, signal)
	}
	return out
}

// SignalByID returns a tracked (non-archived) signal.
func (m *Manager) SignalByID(id string) (*model.StrategicSignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	signal, ok := m.active[id]
	return signal, ok
}

// Statistics returns a point-in-time view of the manager.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	byState := make(map[model.SignalState]int)
	for _, signal := range m.active {
		byState[signal.State]++
	}
	return Statistics{
		ActiveSignals: len(m.active),
		ActiveByState: byState,
		HistorySize:   len(m.history),
		Historical:    m.stats,
	}
}

// SetNow overrides the clock source, used by tests.
func (m *Manager) SetNow(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func transitionAllowed(from, to model.SignalState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
