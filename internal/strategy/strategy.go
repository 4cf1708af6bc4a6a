// Package strategy enumerates the strategy kinds the engine can run and
// constructs signalers from their typed configs.
package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnknownStrategy means no constructor is registered for the name.
var ErrUnknownStrategy = errors.New("strategy: unknown strategy")

// Direction is the opaque signal outcome the executor acts on.
type Direction string

const (
	DirectionNone  Direction = "none"
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Signal is a strategy's verdict over the current history.
type Signal struct {
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
}

// Signaler evaluates market history into entry signals. Implementations are
// owned by one executor and need no internal locking.
type Signaler interface {
	Name() string
	// Warmup is the number of completed candles needed before Evaluate
	// produces meaningful output.
	Warmup() int
	Evaluate(h *History) Signal
}

// CommonParams are the execution parameters every strategy kind shares.
type CommonParams struct {
	TradeSize         decimal.Decimal `json:"tradeSize"`         // notional, USD
	StopLossPercent   decimal.Decimal `json:"stopLossPercent"`   // e.g. 0.5 = 0.5%
	TakeProfitPercent decimal.Decimal `json:"takeProfitPercent"` // e.g. 1.0 = 1%
	CooldownMinutes   int             `json:"cooldownMinutes"`
	MaxDailyTrades    int             `json:"maxDailyTrades"`
}

// Validate rejects parameter sets no executor should run with.
func (p CommonParams) Validate() error {
	if !p.TradeSize.IsPositive() {
		return fmt.Errorf("tradeSize must be positive")
	}
	if !p.StopLossPercent.IsPositive() || !p.TakeProfitPercent.IsPositive() {
		return fmt.Errorf("stopLossPercent and takeProfitPercent must be positive")
	}
	if p.CooldownMinutes < 0 || p.MaxDailyTrades <= 0 {
		return fmt.Errorf("cooldownMinutes must be >= 0 and maxDailyTrades > 0")
	}
	return nil
}

// Defaults carries the process-level fallbacks merged under user config.
type Defaults struct {
	CooldownMinutes int
	MaxDailyTrades  int
}

// Constructor builds a signaler from the opaque stored config. The common
// parameters are parsed and validated alongside.
type Constructor func(logger *zap.Logger, config map[string]any) (Signaler, error)

// Registry maps lowercase strategy names to constructors. Adding a strategy
// is additive and never modifies existing constructors.
type Registry struct {
	logger       *zap.Logger
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates a registry with the built-in strategy kinds.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:       logger.Named("strategy-registry"),
		constructors: make(map[string]Constructor),
	}
	r.Register("razor", NewRazor)
	r.Register("thor", NewThor)
	return r
}

// Register adds a constructor under a lowercase name.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[strings.ToLower(name)] = c
}

// List returns the registered names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	return names
}

// Create builds a signaler and its common parameters from a stored config.
// A config that does not parse or validate fails here, before any executor
// is half-initialised.
func (r *Registry) Create(name string, config map[string]any, defaults Defaults) (Signaler, CommonParams, error) {
	r.mu.RLock()
	c, ok := r.constructors[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, CommonParams{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}

	params, err := parseCommon(config, defaults)
	if err != nil {
		return nil, CommonParams{}, fmt.Errorf("invalid config for %q: %w", name, err)
	}

	sig, err := c(r.logger, config)
	if err != nil {
		return nil, CommonParams{}, fmt.Errorf("failed to construct %q: %w", name, err)
	}
	return sig, params, nil
}

func parseCommon(config map[string]any, defaults Defaults) (CommonParams, error) {
	params := CommonParams{
		CooldownMinutes: defaults.CooldownMinutes,
		MaxDailyTrades:  defaults.MaxDailyTrades,
	}
	if err := decodeConfig(config, &params); err != nil {
		return params, err
	}
	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

// decodeConfig maps an opaque JSON-shaped config onto a typed struct,
// rejecting values of the wrong type.
func decodeConfig(config map[string]any, out any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("config not serialisable: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("config mismatch: %w", err)
	}
	return nil
}
