package statemanager

import (
	"sync"
	"sync/atomic"
	"time"

	"adaptive-grid-bot/internal/models"
	"adaptive-grid-bot/internal/persistence"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	GridUpdateEvent EventType = iota
	RiskUpdateEvent
	AccountUpdateEvent
	OrdersUpdateEvent
	ModeChangeEvent
	StateResetEvent
)

func (t EventType) String() string {
	switch t {
	case GridUpdateEvent:
		return "grid"
	case RiskUpdateEvent:
		return "risk"
	case AccountUpdateEvent:
		return "account"
	case OrdersUpdateEvent:
		return "orders"
	case ModeChangeEvent:
		return "mode"
	case StateResetEvent:
		return "reset"
	default:
		return "unknown"
	}
}

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// AccountUpdateData carries the latest valuation and volatility reading.
type AccountUpdateData struct {
	Account    models.AccountSnapshot
	Volatility float64
}

// OrdersUpdateData carries the tracker's open orders and recent history.
type OrdersUpdateData struct {
	Open   []models.Order
	Recent []models.Order
}

// StateManager serializes all mutations of the engine state, publishes an
// immutable snapshot after each one and persists durable changes
// asynchronously.
type StateManager struct {
	state           *models.EngineState // owned by eventLoop
	snapshot        atomic.Pointer[models.EngineState]
	repo            persistence.StateRepository
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.EngineState
	stopChan        chan struct{}
	wg              sync.WaitGroup
	stopOnce        sync.Once
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. repo may be nil.
func NewStateManager(initialState *models.EngineState, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	if initialState == nil {
		initialState = &models.EngineState{}
	}
	sm := &StateManager{
		state:           deepCopy(initialState),
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan *models.EngineState, 128),
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
	sm.snapshot.Store(deepCopy(sm.state))
	return sm
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop processes queued events, writes the final state and stops both loops.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		if sm.repo != nil {
			final := sm.Snapshot()
			final.SavedAt = time.Now()
			if err := sm.repo.SaveState(final); err != nil {
				sm.logger.Sugar().Errorf("CRITICAL: Failed to save final state: %v", err)
			}
		}
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// DispatchEvent sends an event to the StateManager for processing.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
		sm.logger.Sugar().Warnf("Dropped %s event after stop", event.Type)
	}
}

// Snapshot returns the latest published state. Readers never observe a
// partially applied update. The returned value is a private copy.
func (sm *StateManager) Snapshot() *models.EngineState {
	return deepCopy(sm.snapshot.Load())
}

// deepCopy creates a deep copy of the EngineState to prevent data races.
func deepCopy(s *models.EngineState) *models.EngineState {
	if s == nil {
		return nil
	}
	stateCopy := *s
	if s.OpenOrders != nil {
		stateCopy.OpenOrders = make([]models.Order, len(s.OpenOrders))
		copy(stateCopy.OpenOrders, s.OpenOrders)
	}
	if s.Recent != nil {
		stateCopy.Recent = make([]models.Order, len(s.Recent))
		copy(stateCopy.Recent, s.Recent)
	}
	return &stateCopy
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			// 停止前处理完已排队的事件
			for {
				select {
				case event := <-sm.eventChannel:
					sm.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case stateToSave := <-sm.persistenceChan:
			sm.save(stateToSave)
		case <-sm.stopChan:
			// Stop writes the final snapshot, anything queued is older.
			return
		}
	}
}

func (sm *StateManager) save(state *models.EngineState) {
	if sm.repo == nil {
		return
	}
	state.SavedAt = time.Now()
	if err := sm.repo.SaveState(state); err != nil {
		sm.logger.Sugar().Errorf("CRITICAL: Failed to save state: %v", err)
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	persist := true
	switch event.Type {
	case GridUpdateEvent:
		if grid, ok := event.Data.(models.GridState); ok {
			sm.state.Grid = grid
		} else {
			sm.logger.Sugar().Warnf("Received GridUpdateEvent with unexpected data type: %T", event.Data)
			return
		}
	case RiskUpdateEvent:
		if rs, ok := event.Data.(models.RiskState); ok {
			// Every risk check produces an update; only circuit changes are durable.
			persist = rs.Circuit != sm.state.Risk.Circuit || !rs.HaltUntil.Equal(sm.state.Risk.HaltUntil)
			sm.state.Risk = rs
		} else {
			sm.logger.Sugar().Warnf("Received RiskUpdateEvent with unexpected data type: %T", event.Data)
			return
		}
	case AccountUpdateEvent:
		if data, ok := event.Data.(AccountUpdateData); ok {
			sm.state.Account = data.Account
			sm.state.Volatility = data.Volatility
			persist = false
		} else {
			sm.logger.Sugar().Warnf("Received AccountUpdateEvent with unexpected data type: %T", event.Data)
			return
		}
	case OrdersUpdateEvent:
		if data, ok := event.Data.(OrdersUpdateData); ok {
			sm.state.OpenOrders = data.Open
			sm.state.Recent = data.Recent
		} else {
			sm.logger.Sugar().Warnf("Received OrdersUpdateEvent with unexpected data type: %T", event.Data)
			return
		}
	case ModeChangeEvent:
		if mode, ok := event.Data.(models.TradingMode); ok {
			sm.state.Mode = mode
		} else {
			sm.logger.Sugar().Warnf("Received ModeChangeEvent with unexpected data type: %T", event.Data)
			return
		}
	case StateResetEvent:
		if newState, ok := event.Data.(*models.EngineState); ok && newState != nil {
			version := sm.state.Version
			sm.state = deepCopy(newState)
			sm.state.Version = version
			sm.logger.Sugar().Info("State has been reset.")
		} else {
			sm.logger.Sugar().Warnf("Received StateResetEvent with unexpected data type: %T", event.Data)
			return
		}
	default:
		sm.logger.Sugar().Warnf("Received unknown event type %d", event.Type)
		return
	}

	sm.state.Version++
	sm.snapshot.Store(deepCopy(sm.state))

	if !persist {
		return
	}
	select {
	case sm.persistenceChan <- deepCopy(sm.state):
	default:
		// The final save on Stop covers anything dropped here.
		sm.logger.Sugar().Warnf("Persistence queue full, skipping snapshot v%d", sm.state.Version)
	}
}
