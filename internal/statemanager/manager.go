package statemanager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dip-leverage-bot/internal/models"
	"dip-leverage-bot/internal/persistence"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	StateResetEvent EventType = iota
	AddAssetEvent
	RemoveAssetEvent
	SetAllocationEvent
	SetStrategyEvent
	UpdateSettingsEvent
)

func (t EventType) String() string {
	switch t {
	case StateResetEvent:
		return "StateReset"
	case AddAssetEvent:
		return "AddAsset"
	case RemoveAssetEvent:
		return "RemoveAsset"
	case SetAllocationEvent:
		return "SetAllocation"
	case SetStrategyEvent:
		return "SetStrategy"
	case UpdateSettingsEvent:
		return "UpdateSettings"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
	// Reply, when set, receives the outcome once the event has been applied.
	Reply chan error
}

// AssetEventData carries the payload of the per-symbol events.
type AssetEventData struct {
	Symbol        string
	AllocationPct float64
	Strategy      *models.Strategy
}

// StateManager is responsible for all state mutations and persistence.
// It ensures that all state changes are processed serially.
type StateManager struct {
	mu              sync.RWMutex // guards state; only the event loop writes
	state           *models.PortfolioState
	repo            persistence.StateRepository
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.PortfolioState
	stopChan        chan bool
	wg              sync.WaitGroup
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. A nil initial state starts an empty portfolio.
func NewStateManager(initialState *models.PortfolioState, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	if initialState == nil {
		initialState = &models.PortfolioState{Version: 1}
	}
	if initialState.Portfolio == nil {
		initialState.Portfolio = models.PortfolioConfig{}
	}
	return &StateManager{
		state:           initialState,
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024), // Buffered channel
		persistenceChan: make(chan *models.PortfolioState, 128), // Buffered channel for state snapshots to be persisted
		stopChan:        make(chan bool),
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop gracefully shuts down the StateManager. Snapshots already queued are saved
// before it returns.
func (sm *StateManager) Stop() {
	close(sm.stopChan)
	sm.wg.Wait()
	sm.logger.Sugar().Info("StateManager stopped.")
}

// DispatchEvent sends an event to the StateManager for processing.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	sm.eventChannel <- event
}

// Apply dispatches an event and waits until the event loop has applied or rejected it.
func (sm *StateManager) Apply(ctx context.Context, eventType EventType, data interface{}) error {
	reply := make(chan error, 1)
	event := NormalizedEvent{Type: eventType, Timestamp: time.Now(), Data: data, Reply: reply}
	select {
	case sm.eventChannel <- event:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-sm.stopChan:
		return fmt.Errorf("state manager stopped")
	}
}

// GetStateSnapshot returns a deep copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.PortfolioState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.Clone()
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	// eventLoop is the only sender on persistenceChan
	defer close(sm.persistenceChan)
	for {
		select {
		case event := <-sm.eventChannel:
			sm.mu.Lock()
			snapshot, err := sm.processEvent(event)
			sm.mu.Unlock()
			if err != nil {
				sm.logger.Sugar().Warnf("Rejected %s event: %v", event.Type, err)
			} else {
				// 在锁外发送, 持久化变慢时不阻塞读者
				sm.persistenceChan <- snapshot
			}
			if event.Reply != nil {
				event.Reply <- err
			}
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for stateToSave := range sm.persistenceChan {
		if sm.repo != nil {
			if err := sm.repo.SaveState(stateToSave); err != nil {
				sm.logger.Sugar().Errorf("CRITICAL: Failed to save state: %v", err)
			}
		}
	}
}

// processEvent contains the logic to mutate the state based on an event.
// A rejected event leaves the state untouched and yields no snapshot to persist.
// The caller must hold sm.mu.
func (sm *StateManager) processEvent(event NormalizedEvent) (*models.PortfolioState, error) {
	var err error
	switch event.Type {
	case StateResetEvent:
		if newState, ok := event.Data.(*models.PortfolioState); ok && newState != nil {
			sm.state = newState.Clone()
			if sm.state.Portfolio == nil {
				sm.state.Portfolio = models.PortfolioConfig{}
			}
			sm.logger.Sugar().Info("State has been reset.")
		} else {
			err = unexpected(event)
		}
	case AddAssetEvent:
		if data, ok := event.Data.(AssetEventData); ok {
			err = sm.addAsset(data)
		} else {
			err = unexpected(event)
		}
	case RemoveAssetEvent:
		if symbol, ok := event.Data.(string); ok {
			err = sm.removeAsset(symbol)
		} else {
			err = unexpected(event)
		}
	case SetAllocationEvent:
		if data, ok := event.Data.(AssetEventData); ok {
			err = sm.setAllocation(data)
		} else {
			err = unexpected(event)
		}
	case SetStrategyEvent:
		if data, ok := event.Data.(AssetEventData); ok {
			err = sm.setStrategy(data)
		} else {
			err = unexpected(event)
		}
	case UpdateSettingsEvent:
		if settings, ok := event.Data.(models.Settings); ok {
			sm.state.Settings = settings
		} else {
			err = unexpected(event)
		}
	default:
		err = fmt.Errorf("%w: unknown event type %d", models.ErrInvalidInput, int(event.Type))
	}
	if err != nil {
		return nil, err
	}

	sm.state.LastUpdateTime = time.Now()

	// After processing, return a deep copy of the new state for the persistence channel.
	return sm.state.Clone(), nil
}

func unexpected(event NormalizedEvent) error {
	return fmt.Errorf("%w: %s event with unexpected data type %T", models.ErrInvalidInput, event.Type, event.Data)
}

func normalizeSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", fmt.Errorf("%w: symbol is required", models.ErrInvalidInput)
	}
	return symbol, nil
}

func checkAllocation(pct float64) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%w: allocation %.2f%% must be within 0..100", models.ErrInvalidInput, pct)
	}
	return nil
}

func (sm *StateManager) addAsset(data AssetEventData) error {
	symbol, err := normalizeSymbol(data.Symbol)
	if err != nil {
		return err
	}
	if _, exists := sm.state.Portfolio[symbol]; exists {
		return fmt.Errorf("%w: %s is already in the portfolio", models.ErrInvalidInput, symbol)
	}
	if err := checkAllocation(data.AllocationPct); err != nil {
		return err
	}
	if data.Strategy != nil {
		if err := data.Strategy.Validate(); err != nil {
			return err
		}
	}
	sm.state.Portfolio[symbol] = &models.AssetConfig{AllocationPct: data.AllocationPct, Strategy: data.Strategy.Clone()}
	sm.logger.Sugar().Infof("Added %s to the portfolio at %.2f%%.", symbol, data.AllocationPct)
	return nil
}

func (sm *StateManager) removeAsset(symbol string) error {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if _, exists := sm.state.Portfolio[symbol]; !exists {
		return fmt.Errorf("%w: %s is not in the portfolio", models.ErrInvalidInput, symbol)
	}
	delete(sm.state.Portfolio, symbol)
	sm.logger.Sugar().Infof("Removed %s from the portfolio.", symbol)
	return nil
}

func (sm *StateManager) asset(symbol string) (*models.AssetConfig, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	asset, exists := sm.state.Portfolio[symbol]
	if !exists || asset == nil {
		return nil, fmt.Errorf("%w: %s is not in the portfolio", models.ErrInvalidInput, symbol)
	}
	return asset, nil
}

func (sm *StateManager) setAllocation(data AssetEventData) error {
	asset, err := sm.asset(data.Symbol)
	if err != nil {
		return err
	}
	if err := checkAllocation(data.AllocationPct); err != nil {
		return err
	}
	asset.AllocationPct = data.AllocationPct
	return nil
}

func (sm *StateManager) setStrategy(data AssetEventData) error {
	asset, err := sm.asset(data.Symbol)
	if err != nil {
		return err
	}
	if err := data.Strategy.Validate(); err != nil {
		return err
	}
	asset.Strategy = data.Strategy.Clone()
	sm.logger.Sugar().Infof("Stored strategy for %s with %d dip levels.", strings.ToUpper(data.Symbol), len(data.Strategy.BuyThresholds))
	return nil
}
