package persistence

import (
	"encoding/json"
	"errors"
	"sort"

	"dip-leverage-bot/internal/models"

	"github.com/dgraph-io/badger/v3"
)

var (
	stateKey  = []byte("portfolio_state") // the single portfolio state object
	runPrefix = []byte("run/")
)

// badgerRepository is the BadgerDB implementation of Repository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (Repository, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository returns a badger repository that keeps everything in memory.
func NewInMemoryRepository() (Repository, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*badgerRepository, error) {
	// Errors are still returned from DB operations; badger's own chatter is not needed.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func runKey(id string) []byte {
	return append(append([]byte{}, runPrefix...), id...)
}

// SaveState atomically saves the entire portfolio state.
// It marshals the state struct into JSON and saves it under a predefined key.
func (r *badgerRepository) SaveState(state *models.PortfolioState) error {
	return r.put(stateKey, state)
}

// LoadState loads the portfolio state from storage.
// If the state key is not found, it returns (nil, nil) to indicate no state is present.
func (r *badgerRepository) LoadState() (*models.PortfolioState, error) {
	var state models.PortfolioState
	found, err := r.get(stateKey, &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

// SaveRun stores a backtest run under its ID.
func (r *badgerRepository) SaveRun(run *models.BacktestRun) error {
	if run.ID == "" {
		return errors.New("backtest run has no ID")
	}
	return r.put(runKey(run.ID), run)
}

// LoadRun fetches one run; (nil, nil) when the ID is unknown.
func (r *badgerRepository) LoadRun(id string) (*models.BacktestRun, error) {
	var run models.BacktestRun
	found, err := r.get(runKey(id), &run)
	if err != nil || !found {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns every stored run, newest first.
func (r *badgerRepository) ListRuns() ([]*models.BacktestRun, error) {
	var runs []*models.BacktestRun
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(runPrefix); it.ValidForPrefix(runPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var run models.BacktestRun
				if err := json.Unmarshal(val, &run); err != nil {
					return err
				}
				runs = append(runs, &run)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

func (r *badgerRepository) put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// get decodes the value at key into v and reports whether the key existed.
func (r *badgerRepository) get(key []byte, v interface{}) (bool, error) {
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			// Checked outside the transaction.
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("value is empty in database")
			}
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
