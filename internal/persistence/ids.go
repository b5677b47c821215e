package persistence

import (
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// NewRunID returns a random, URL-safe identifier for a stored backtest run.
func NewRunID() string {
	id := uuid.New()
	return base62.EncodeToString(id[:])
}
