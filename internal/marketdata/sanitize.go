package marketdata

import (
	"dip-leverage-bot/internal/models"

	"go.uber.org/zap"
)

// SpikeFactor is the largest one-day move away from the previous close accepted as real.
const SpikeFactor = 1.5

// Sanitize returns a copy of bars with implausible intraday extremes pulled back to the close:
// a high above prevClose*SpikeFactor or a low below prevClose/SpikeFactor. The number of
// corrected bars is returned alongside.
func Sanitize(bars []models.PriceBar, log *zap.Logger) ([]models.PriceBar, int) {
	if log == nil {
		log = zap.NewNop()
	}
	out := make([]models.PriceBar, len(bars))
	copy(out, bars)

	fixed := 0
	for i := 1; i < len(out); i++ {
		prevClose := out[i-1].Price
		today := &out[i]
		corrected := false
		if today.High > prevClose*SpikeFactor {
			log.Warn("high spike corrected",
				zap.Time("date", today.Date), zap.Float64("high", today.High),
				zap.Float64("prev_close", prevClose), zap.Float64("close", today.Price))
			today.High = today.Price
			corrected = true
		}
		if today.Low < prevClose/SpikeFactor {
			log.Warn("low spike corrected",
				zap.Time("date", today.Date), zap.Float64("low", today.Low),
				zap.Float64("prev_close", prevClose), zap.Float64("close", today.Price))
			today.Low = today.Price
			corrected = true
		}
		if corrected {
			fixed++
		}
	}
	return out, fixed
}
