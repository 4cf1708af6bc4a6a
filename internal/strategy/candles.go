package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one completed one-minute bar.
type Candle struct {
	Start time.Time       `json:"start"`
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// History holds the most recent completed candles plus the in-progress candle
// being built from ticks. Bounded; owned by exactly one executor.
type History struct {
	maxCandles int
	candles    []Candle
	current    *Candle
}

// DefaultHistorySize bounds in-memory price history per executor.
const DefaultHistorySize = 500

// NewHistory creates an empty bounded history.
func NewHistory(maxCandles int) *History {
	if maxCandles <= 0 {
		maxCandles = DefaultHistorySize
	}
	return &History{maxCandles: maxCandles}
}

// Update folds a tick into the current candle. Returns true when a one-minute
// candle just completed and was appended.
func (h *History) Update(price decimal.Decimal, ts time.Time) bool {
	minute := ts.Truncate(time.Minute)

	if h.current == nil {
		h.current = &Candle{Start: minute, Open: price, High: price, Low: price, Close: price}
		return false
	}

	if minute.After(h.current.Start) {
		h.append(*h.current)
		h.current = &Candle{Start: minute, Open: price, High: price, Low: price, Close: price}
		return true
	}

	h.current.Close = price
	if price.GreaterThan(h.current.High) {
		h.current.High = price
	}
	if price.LessThan(h.current.Low) {
		h.current.Low = price
	}
	return false
}

// Seed preloads completed historical candles, oldest first.
func (h *History) Seed(candles []Candle) {
	for _, c := range candles {
		h.append(c)
	}
}

func (h *History) append(c Candle) {
	h.candles = append(h.candles, c)
	if len(h.candles) > h.maxCandles {
		h.candles = h.candles[len(h.candles)-h.maxCandles:]
	}
}

// Len returns the number of completed candles.
func (h *History) Len() int {
	return len(h.candles)
}

// Candles returns a copy of the completed candles, oldest first.
func (h *History) Candles() []Candle {
	out := make([]Candle, len(h.candles))
	copy(out, h.candles)
	return out
}

// Closes returns completed close prices as float64 for indicator math.
func (h *History) Closes() []float64 {
	out := make([]float64, len(h.candles))
	for i, c := range h.candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}

// Highs returns completed high prices as float64.
func (h *History) Highs() []float64 {
	out := make([]float64, len(h.candles))
	for i, c := range h.candles {
		out[i] = c.High.InexactFloat64()
	}
	return out
}

// Lows returns completed low prices as float64.
func (h *History) Lows() []float64 {
	out := make([]float64, len(h.candles))
	for i, c := range h.candles {
		out[i] = c.Low.InexactFloat64()
	}
	return out
}
