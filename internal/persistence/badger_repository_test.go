package persistence

import (
	"testing"
	"time"

	"dip-leverage-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerRepository_State(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewBadgerRepository(dir)
	require.NoError(t, err)

	state, err := repo.LoadState()
	require.NoError(t, err)
	assert.Nil(t, state, "fresh database has no state")

	saved := &models.PortfolioState{
		Version: 1,
		Portfolio: models.PortfolioConfig{
			"QQQ": {AllocationPct: 100, Strategy: &models.Strategy{
				BuyThresholds:   map[string]float64{"10": 0.1},
				TargetLeverages: map[string]float64{"10": 1.3},
			}},
		},
		Settings:       models.Settings{MarginCallDebtToEquityRatio: 3},
		LastUpdateTime: time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC),
	}
	require.NoError(t, repo.SaveState(saved))
	require.NoError(t, repo.Close())

	// reopen to prove it hit disk
	repo, err = NewBadgerRepository(dir)
	require.NoError(t, err)
	defer repo.Close()

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, saved.Version, loaded.Version)
	assert.Equal(t, 1.3, loaded.Portfolio["QQQ"].Strategy.TargetLeverages["10"])
	assert.True(t, saved.LastUpdateTime.Equal(loaded.LastUpdateTime))
}

func TestBadgerRepository_Runs(t *testing.T) {
	repo, err := NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()

	missing, err := repo.LoadRun("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	older := &models.BacktestRun{ID: NewRunID(), CreatedAt: time.Now().Add(-time.Hour)}
	newer := &models.BacktestRun{ID: NewRunID(), CreatedAt: time.Now(), Results: []models.PortfolioResult{
		{Summary: models.SimulationSummary{MarginCallCount: 1, MarginCalled: true}},
	}}
	require.NoError(t, repo.SaveRun(older))
	require.NoError(t, repo.SaveRun(newer))
	assert.Error(t, repo.SaveRun(&models.BacktestRun{}))

	got, err := repo.LoadRun(newer.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Results, 1)
	assert.True(t, got.Results[0].Summary.MarginCalled)

	runs, err := repo.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)
	assert.Equal(t, older.ID, runs[1].ID)

	// the state key never shows up as a run
	require.NoError(t, repo.SaveState(&models.PortfolioState{Version: 1}))
	runs, err = repo.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^[0-9A-Za-z]+$`, a)
}
