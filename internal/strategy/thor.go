package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"
)

// ThorConfig parameterises the thor strategy: a volatility breakout over the
// recent range, scaled by ATR.
type ThorConfig struct {
	AtrPeriod     int     `json:"atrPeriod"`
	Lookback      int     `json:"lookback"`
	AtrMultiplier float64 `json:"atrMultiplier"`
}

// Thor enters in the direction of a close beyond the recent high/low range by
// more than atrMultiplier * ATR.
type Thor struct {
	logger *zap.Logger
	cfg    ThorConfig
}

// NewThor constructs a thor signaler from a stored config.
func NewThor(logger *zap.Logger, config map[string]any) (Signaler, error) {
	cfg := ThorConfig{AtrPeriod: 14, Lookback: 20, AtrMultiplier: 0.5}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.AtrPeriod <= 0 || cfg.Lookback <= 1 {
		return nil, fmt.Errorf("thor: atrPeriod must be positive and lookback > 1")
	}
	if cfg.AtrMultiplier <= 0 {
		return nil, fmt.Errorf("thor: atrMultiplier must be positive")
	}
	return &Thor{logger: logger.Named("thor"), cfg: cfg}, nil
}

// Name implements Signaler.
func (t *Thor) Name() string { return "thor" }

// Warmup implements Signaler.
func (t *Thor) Warmup() int {
	if t.cfg.Lookback > t.cfg.AtrPeriod {
		return t.cfg.Lookback + 1
	}
	return t.cfg.AtrPeriod + 1
}

// Evaluate implements Signaler.
func (t *Thor) Evaluate(h *History) Signal {
	closes := h.Closes()
	if len(closes) < t.Warmup() {
		return Signal{Direction: DirectionNone}
	}
	highs := h.Highs()
	lows := h.Lows()

	atr := talib.Atr(highs, lows, closes, t.cfg.AtrPeriod)
	n := len(closes) - 1
	currAtr := atr[n]
	if currAtr <= 0 {
		return Signal{Direction: DirectionNone}
	}

	// Range excludes the breakout candle itself.
	rangeHigh, rangeLow := highs[n-t.cfg.Lookback], lows[n-t.cfg.Lookback]
	for i := n - t.cfg.Lookback; i < n; i++ {
		if highs[i] > rangeHigh {
			rangeHigh = highs[i]
		}
		if lows[i] < rangeLow {
			rangeLow = lows[i]
		}
	}

	threshold := currAtr * t.cfg.AtrMultiplier
	curr := closes[n]

	switch {
	case curr > rangeHigh+threshold:
		conf := (curr - rangeHigh) / currAtr
		if conf > 1 {
			conf = 1
		}
		return Signal{
			Direction:  DirectionLong,
			Confidence: conf,
			Reason:     fmt.Sprintf("breakout above %.2f by %.2f atr", rangeHigh, (curr-rangeHigh)/currAtr),
		}
	case curr < rangeLow-threshold:
		conf := (rangeLow - curr) / currAtr
		if conf > 1 {
			conf = 1
		}
		return Signal{
			Direction:  DirectionShort,
			Confidence: conf,
			Reason:     fmt.Sprintf("breakdown below %.2f by %.2f atr", rangeLow, (rangeLow-curr)/currAtr),
		}
	}
	return Signal{Direction: DirectionNone}
}
