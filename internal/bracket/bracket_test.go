package bracket

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/broker"
	"github.com/tradebaas/engine/internal/broker/brokertest"
	"github.com/tradebaas/engine/internal/metrics"
	"github.com/tradebaas/engine/pkg/types"
)

const instrument = "BTC_USDC-PERPETUAL"

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newFake() *brokertest.Fake {
	fake := brokertest.New()
	fake.AddInstrument(types.InstrumentInfo{
		Instrument:     instrument,
		TickSize:       dec("0.5"),
		MinTradeAmount: dec("0.001"),
		ContractSize:   dec("0.001"),
	}, dec("95000"))
	return fake
}

func newOrchestrator(fake *brokertest.Fake) *Orchestrator {
	o := New(zap.NewNop(), fake, metrics.Nop(), 5*time.Second)
	o.monitorInterval = 10 * time.Millisecond
	return o
}

func bracketRequest() Request {
	return Request{
		Instrument: instrument,
		Side:       types.OrderSideBuy,
		Amount:     dec("0.001"),
		EntryType:  types.OrderTypeMarket,
		StopPrice:  dec("94525"),
		TakePrice:  dec("95950"),
		Label:      "razor",
	}
}

func TestPlaceBracketNativeOTOCO(t *testing.T) {
	fake := newFake()
	fake.SetOTOCO(true)
	o := newOrchestrator(fake)

	result, err := o.PlaceBracket(context.Background(), bracketRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, result.EntryID)
	assert.NotEmpty(t, result.SlID)
	assert.NotEmpty(t, result.TpID)
	assert.True(t, result.FilledPrice.Equal(dec("95000")))

	// One API call carries all three legs.
	require.Len(t, fake.Placed, 1)
	otoco := fake.Placed[0].OTOCO
	require.NotNil(t, otoco)
	require.Len(t, otoco.Children, 2)
	assert.Equal(t, types.LinkedOneTriggersOneCancelsOther, otoco.LinkedOrderType)

	sl, tp := otoco.Children[0], otoco.Children[1]
	assert.Equal(t, types.OrderTypeStopMarket, sl.Type)
	assert.Equal(t, types.OrderSideSell, sl.Side)
	assert.True(t, sl.ReduceOnly)
	assert.True(t, sl.TriggerPrice.Equal(dec("94525")))
	assert.Contains(t, sl.Label, "_sl")

	assert.Equal(t, types.OrderTypeLimit, tp.Type)
	assert.True(t, tp.ReduceOnly)
	assert.True(t, tp.Price.Equal(dec("95950")))
	assert.Contains(t, tp.Label, "_tp")
}

func TestPlaceBracketSequential(t *testing.T) {
	fake := newFake()
	o := newOrchestrator(fake)

	result, err := o.PlaceBracket(context.Background(), bracketRequest())
	require.NoError(t, err)

	require.Len(t, fake.Placed, 3)
	assert.Equal(t, types.OrderTypeMarket, fake.Placed[0].Type)
	assert.Equal(t, types.OrderTypeStopMarket, fake.Placed[1].Type)
	assert.Equal(t, types.OrderTypeLimit, fake.Placed[2].Type)

	// Both protective legs rest on the broker.
	assert.Equal(t, 2, fake.OpenOrderCount(instrument))
	assert.NotEmpty(t, result.SlID)
	assert.NotEmpty(t, result.TpID)
}

// Rollback on TP failure: SL then entry are cancelled and nothing dangles.
func TestPlaceBracketRollbackOnTPFailure(t *testing.T) {
	fake := newFake()
	o := newOrchestrator(fake)

	fake.FailNext(types.OrderTypeLimit, broker.Rejection("too many decimals"))

	_, err := o.PlaceBracket(context.Background(), bracketRequest())
	require.Error(t, err)

	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.ErrorIs(t, rb.Cause, broker.ErrRejected)

	// SL cancelled first, then the entry.
	require.Len(t, fake.Cancelled, 2)
	assert.Equal(t, 0, fake.OpenOrderCount(instrument))

	// The reaper finds nothing left to do.
	fake.ClosePosition(instrument, dec("95000"), false)
	o.SweepOrphans(context.Background())
	assert.Equal(t, 0, fake.OpenOrderCount(instrument))
}

func TestPlaceBracketRollbackOnSLFailure(t *testing.T) {
	fake := newFake()
	o := newOrchestrator(fake)

	fake.FailNext(types.OrderTypeStopMarket, broker.ErrTimeout)

	_, err := o.PlaceBracket(context.Background(), bracketRequest())
	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.ErrorIs(t, rb.Cause, broker.ErrTimeout)

	// Only the entry existed; one cancel attempt.
	require.Len(t, fake.Cancelled, 1)
	assert.Equal(t, 0, fake.OpenOrderCount(instrument))
}

func TestSweepOrphansCancelsUnclaimedReduceOnly(t *testing.T) {
	fake := newFake()
	fake.SetOTOCO(true)
	o := newOrchestrator(fake)

	result, err := o.PlaceBracket(context.Background(), bracketRequest())
	require.NoError(t, err)

	// Position closes but the venue leaves both protective legs behind.
	fake.ClosePosition(instrument, dec("95950"), false)
	assert.Equal(t, 2, fake.OpenOrderCount(instrument))

	// While the bracket is still live the reaper must not touch it.
	o.SweepOrphans(context.Background())
	assert.Equal(t, 2, fake.OpenOrderCount(instrument))

	o.Release(result.Label)
	o.SweepOrphans(context.Background())
	assert.Equal(t, 0, fake.OpenOrderCount(instrument))
}

func TestSweepOrphansSkipsOpenPosition(t *testing.T) {
	fake := newFake()
	fake.SetOTOCO(true)
	o := newOrchestrator(fake)

	result, err := o.PlaceBracket(context.Background(), bracketRequest())
	require.NoError(t, err)
	o.Release(result.Label)

	// Position still open: protective legs are not orphans.
	o.SweepOrphans(context.Background())
	assert.Equal(t, 2, fake.OpenOrderCount(instrument))
}

func TestMonitorCancelsSurvivorsAfterClose(t *testing.T) {
	fake := newFake()
	o := newOrchestrator(fake)

	_, err := o.PlaceBracket(context.Background(), bracketRequest())
	require.NoError(t, err)
	require.Equal(t, 2, fake.OpenOrderCount(instrument))

	fake.ClosePosition(instrument, dec("95950"), false)

	require.Eventually(t, func() bool {
		return fake.OpenOrderCount(instrument) == 0
	}, 2*time.Second, 20*time.Millisecond, "monitor should cancel surviving protective legs")
}

func TestRoundToTick(t *testing.T) {
	tick := dec("0.5")
	assert.True(t, RoundToTick(dec("94525.2"), tick).Equal(dec("94525")))
	assert.True(t, RoundToTick(dec("94525.3"), tick).Equal(dec("94525.5")))
	assert.True(t, RoundToTick(dec("95950"), tick).Equal(dec("95950")))
}

func TestRoundAmount(t *testing.T) {
	info := &types.InstrumentInfo{
		MinTradeAmount: dec("0.001"),
		ContractSize:   dec("0.001"),
	}
	assert.True(t, RoundAmount(dec("0.0010524"), info).Equal(dec("0.001")))
	assert.True(t, RoundAmount(dec("0.0017"), info).Equal(dec("0.002")))
	// Below the minimum clamps up.
	assert.True(t, RoundAmount(dec("0.0001"), info).Equal(dec("0.001")))
}

func TestPlaceBracketRejectsDegenerate(t *testing.T) {
	fake := newFake()
	o := newOrchestrator(fake)

	req := bracketRequest()
	req.StopPrice = dec("95950")
	req.TakePrice = dec("95950.1") // rounds onto the stop

	_, err := o.PlaceBracket(context.Background(), req)
	require.Error(t, err)
	assert.Empty(t, fake.Placed)
}
