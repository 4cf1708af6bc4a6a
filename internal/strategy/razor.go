package strategy

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"
)

// RazorConfig parameterises the razor strategy: an EMA crossover with an RSI
// overextension guard.
type RazorConfig struct {
	EmaFast   int     `json:"emaFast"`
	EmaSlow   int     `json:"emaSlow"`
	RsiPeriod int     `json:"rsiPeriod"`
	RsiMax    float64 `json:"rsiMax"` // no longs above this
	RsiMin    float64 `json:"rsiMin"` // no shorts below this
}

// Razor enters long when the fast EMA crosses above the slow EMA and RSI is
// not overbought; short on the mirrored cross.
type Razor struct {
	logger *zap.Logger
	cfg    RazorConfig
}

// NewRazor constructs a razor signaler from a stored config.
func NewRazor(logger *zap.Logger, config map[string]any) (Signaler, error) {
	cfg := RazorConfig{EmaFast: 9, EmaSlow: 21, RsiPeriod: 14, RsiMax: 70, RsiMin: 30}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.EmaFast <= 0 || cfg.EmaSlow <= 0 || cfg.EmaFast >= cfg.EmaSlow {
		return nil, fmt.Errorf("razor: emaFast must be positive and below emaSlow")
	}
	if cfg.RsiPeriod <= 0 {
		return nil, fmt.Errorf("razor: rsiPeriod must be positive")
	}
	return &Razor{logger: logger.Named("razor"), cfg: cfg}, nil
}

// Name implements Signaler.
func (r *Razor) Name() string { return "razor" }

// Warmup implements Signaler.
func (r *Razor) Warmup() int {
	if r.cfg.EmaSlow > r.cfg.RsiPeriod {
		return r.cfg.EmaSlow + 1
	}
	return r.cfg.RsiPeriod + 1
}

// Evaluate implements Signaler.
func (r *Razor) Evaluate(h *History) Signal {
	closes := h.Closes()
	if len(closes) < r.Warmup() {
		return Signal{Direction: DirectionNone}
	}

	fast := talib.Ema(closes, r.cfg.EmaFast)
	slow := talib.Ema(closes, r.cfg.EmaSlow)
	rsi := talib.Rsi(closes, r.cfg.RsiPeriod)

	n := len(closes) - 1
	prevDiff := fast[n-1] - slow[n-1]
	currDiff := fast[n] - slow[n]
	currRsi := rsi[n]

	confidence := 0.0
	if slow[n] != 0 {
		confidence = math.Min(math.Abs(currDiff)/math.Abs(slow[n])*100, 1.0)
	}

	switch {
	case prevDiff <= 0 && currDiff > 0 && currRsi < r.cfg.RsiMax:
		return Signal{
			Direction:  DirectionLong,
			Confidence: confidence,
			Reason:     fmt.Sprintf("ema %d/%d crossed up, rsi %.1f", r.cfg.EmaFast, r.cfg.EmaSlow, currRsi),
		}
	case prevDiff >= 0 && currDiff < 0 && currRsi > r.cfg.RsiMin:
		return Signal{
			Direction:  DirectionShort,
			Confidence: confidence,
			Reason:     fmt.Sprintf("ema %d/%d crossed down, rsi %.1f", r.cfg.EmaFast, r.cfg.EmaSlow, currRsi),
		}
	}
	return Signal{Direction: DirectionNone}
}
