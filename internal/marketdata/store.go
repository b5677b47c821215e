package marketdata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"dip-leverage-bot/internal/models"

	"go.uber.org/zap"
)

// Store 从数据目录按需加载 <SYMBOL>.csv 并缓存
type Store struct {
	dir          string
	interestFile string
	sanitize     bool
	logger       *zap.Logger

	mu       sync.RWMutex
	bars     map[string][]models.PriceBar
	interest []models.InterestRate
}

// NewStore creates a store rooted at dir. interestFile may be empty when no rate series is available.
func NewStore(dir, interestFile string, sanitize bool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:          dir,
		interestFile: interestFile,
		sanitize:     sanitize,
		logger:       logger,
		bars:         make(map[string][]models.PriceBar),
	}
}

// Path returns the file that holds the history of symbol.
func (s *Store) Path(symbol string) string {
	return filepath.Join(s.dir, strings.ToUpper(symbol)+".csv")
}

// Bars returns a private copy of the cached history for symbol, loading it on first use.
func (s *Store) Bars(symbol string) ([]models.PriceBar, error) {
	symbol = strings.ToUpper(symbol)
	s.mu.RLock()
	bars, ok := s.bars[symbol]
	s.mu.RUnlock()
	if !ok {
		var err error
		bars, err = s.load(symbol)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.bars[symbol] = bars
		s.mu.Unlock()
	}
	out := make([]models.PriceBar, len(bars))
	copy(out, bars)
	return out, nil
}

// History loads every symbol into a fresh map suitable for a simulation run.
func (s *Store) History(symbols []string) (map[string][]models.PriceBar, error) {
	out := make(map[string][]models.PriceBar, len(symbols))
	for _, symbol := range symbols {
		bars, err := s.Bars(symbol)
		if err != nil {
			return nil, err
		}
		out[symbol] = bars
	}
	return out, nil
}

// Save writes bars for symbol and replaces the cached copy.
func (s *Store) Save(symbol string, bars []models.PriceBar) error {
	symbol = strings.ToUpper(symbol)
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", s.dir, err)
	}
	f, err := os.Create(s.Path(symbol))
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", s.Path(symbol), err)
	}
	defer f.Close()
	if err := WriteStockCSV(f, bars); err != nil {
		return err
	}

	cp := make([]models.PriceBar, len(bars))
	copy(cp, bars)
	s.mu.Lock()
	s.bars[symbol] = cp
	s.mu.Unlock()
	return nil
}

// Symbols lists the symbols that have a history file in the data directory.
func (s *Store) Symbols() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(matches))
	for _, m := range matches {
		symbols = append(symbols, strings.TrimSuffix(filepath.Base(m), ".csv"))
	}
	return symbols, nil
}

// InterestRates returns the cached rate series, or nil when no interest file is configured.
func (s *Store) InterestRates() ([]models.InterestRate, error) {
	if s.interestFile == "" {
		return nil, nil
	}
	s.mu.RLock()
	rates := s.interest
	s.mu.RUnlock()
	if rates == nil {
		f, err := os.Open(s.interestFile)
		if err != nil {
			return nil, fmt.Errorf("无法打开利率文件: %w", err)
		}
		defer f.Close()
		rates, err = ParseInterestCSV(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.interestFile, err)
		}
		s.mu.Lock()
		s.interest = rates
		s.mu.Unlock()
	}
	out := make([]models.InterestRate, len(rates))
	copy(out, rates)
	return out, nil
}

func (s *Store) load(symbol string) ([]models.PriceBar, error) {
	path := s.Path(symbol)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no price history for %s (%s)", models.ErrInvalidInput, symbol, path)
		}
		return nil, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer f.Close()

	bars, err := ParseStockCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.sanitize {
		var fixed int
		bars, fixed = Sanitize(bars, s.logger.With(zap.String("symbol", symbol)))
		if fixed > 0 {
			s.logger.Info("sanitized price history", zap.String("symbol", symbol), zap.Int("bars", fixed))
		}
	}
	s.logger.Debug("loaded price history", zap.String("symbol", symbol), zap.Int("bars", len(bars)))
	return bars, nil
}
