package persistence

import "dip-leverage-bot/internal/models"

// StateRepository defines the interface for portfolio state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type StateRepository interface {
	// SaveState atomically saves the entire portfolio state.
	SaveState(state *models.PortfolioState) error

	// LoadState loads the portfolio state from storage.
	// If no state is found, it should return (nil, nil).
	LoadState() (*models.PortfolioState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

// RunRepository stores finished portfolio backtests so they can be fetched again by ID.
type RunRepository interface {
	SaveRun(run *models.BacktestRun) error

	// LoadRun returns (nil, nil) when no run has the given ID.
	LoadRun(id string) (*models.BacktestRun, error)

	// ListRuns returns every stored run, newest first.
	ListRuns() ([]*models.BacktestRun, error)
}

// Repository is the full storage surface used by the service.
type Repository interface {
	StateRepository
	RunRepository
}
