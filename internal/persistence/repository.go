package persistence

import "adaptive-grid-bot/internal/models"

// StateRepository defines the interface for engine state persistence.
// The engine saves one document and reads it back on start.
type StateRepository interface {
	// SaveState atomically replaces the stored engine state.
	SaveState(state *models.EngineState) error

	// LoadState loads the engine state from storage.
	// If no state is found, it returns (nil, nil).
	LoadState() (*models.EngineState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
