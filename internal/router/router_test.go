package router

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/model"
	"arbiter/internal/venue"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.OrderTimeout = 300 * time.Millisecond
	cfg.ExecutionTimeout = time.Second
	cfg.PollInterval = 10 * time.Millisecond
	cfg.CancelGrace = 100 * time.Millisecond
	cfg.MaxRetryAttempts = 2
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

func paperVenue(t *testing.T, name string) *venue.PaperAdapter {
	t.Helper()
	cfg := venue.DefaultPaperConfig()
	cfg.MinLatency = 0
	cfg.MaxLatency = 0
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return venue.NewPaperAdapter(name, cfg, map[string]decimal.Decimal{
		"USDT": dec("100000"),
		"BTC":  dec("1"),
	}, logger)
}

func opportunity() model.Opportunity {
	now := time.Now()
	return model.Opportunity{
		ID:             "opp-1",
		Symbol:         "BTC/USDT",
		BuyVenue:       "binance",
		SellVenue:      "upbit",
		BuyPrice:       dec("50050"),
		SellPrice:      dec("50150"),
		Quantity:       dec("0.1"),
		ExpectedProfit: dec("2.4875"),
		Confidence:     1.0,
		DetectedAt:     now,
		ValidUntil:     now.Add(5 * time.Second),
		RiskApproved:   true,
	}
}

func newTestRouter(t *testing.T, venues ...venue.Adapter) *Router {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	r := New(logger, fastConfig())
	for _, v := range venues {
		r.Register(v)
	}
	return r
}

func TestRouter_HappyPath(t *testing.T) {
	buy := paperVenue(t, "binance")
	sell := paperVenue(t, "upbit")
	r := newTestRouter(t, buy, sell)

	res, err := r.ExecuteArbitrage(context.Background(), opportunity())
	require.NoError(t, err)

	assert.Equal(t, model.ResultSuccess, res.Outcome)
	assert.False(t, res.RequiresRollback)
	assert.Equal(t, model.OrderFilled, res.BuyLeg.Status)
	assert.Equal(t, model.OrderFilled, res.SellLeg.Status)
	assert.True(t, res.BuyLeg.FilledQty.Equal(res.SellLeg.FilledQty))
	assert.True(t, dec("0.1").Equal(res.TotalFilledQty))

	// Realized profit must come from the actual fills net of fees.
	want := res.SellLeg.AvgFillPrice.Mul(res.SellLeg.FilledQty).
		Sub(res.BuyLeg.AvgFillPrice.Mul(res.BuyLeg.FilledQty)).
		Sub(res.TotalFees)
	assert.True(t, want.Equal(res.RealizedProfit), "want %s got %s", want, res.RealizedProfit)
}

func TestRouter_GateRejections(t *testing.T) {
	buy := paperVenue(t, "binance")
	sell := paperVenue(t, "upbit")
	r := newTestRouter(t, buy, sell)
	ctx := context.Background()

	t.Run("unregistered venue", func(t *testing.T) {
		opp := opportunity()
		opp.SellVenue = "kraken"
		res, err := r.ExecuteArbitrage(ctx, opp)
		assert.ErrorIs(t, err, ErrVenueNotRegistered)
		assert.Equal(t, model.ResultInvalidOrder, res.Outcome)
	})

	t.Run("expired opportunity", func(t *testing.T) {
		opp := opportunity()
		opp.ValidUntil = time.Now().Add(-time.Second)
		_, err := r.ExecuteArbitrage(ctx, opp)
		assert.ErrorIs(t, err, ErrInvalidOpportunity)
	})

	t.Run("insufficient quote balance", func(t *testing.T) {
		opp := opportunity()
		opp.Quantity = dec("3") // needs ~150k USDT, venue has 100k
		opp.ValidUntil = time.Now().Add(5 * time.Second)
		res, err := r.ExecuteArbitrage(ctx, opp)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.Equal(t, model.ResultInsufficientBalance, res.Outcome)
	})

	t.Run("quantity below venue minimum", func(t *testing.T) {
		opp := opportunity()
		opp.Quantity = dec("0.00001")
		_, err := r.ExecuteArbitrage(ctx, opp)
		assert.ErrorIs(t, err, ErrOrderSize)
	})

	t.Run("tick misalignment", func(t *testing.T) {
		opp := opportunity()
		opp.BuyPrice = dec("50050.005")
		opp.SellPrice = dec("50150.115")
		_, err := r.ExecuteArbitrage(ctx, opp)
		assert.ErrorIs(t, err, ErrTickAlignment)
	})

	t.Run("exposure limit", func(t *testing.T) {
		cfg := fastConfig()
		cfg.MaxPositionSize = dec("100")
		limited := newTestRouter(t, buy, sell)
		limited.UpdateConfig(cfg)
		res, err := limited.ExecuteArbitrage(ctx, opportunity())
		assert.ErrorIs(t, err, ErrExposureLimit)
		assert.Equal(t, model.ResultRiskLimitExceeded, res.Outcome)
	})
}

func TestRouter_OneLegRejected(t *testing.T) {
	buy := paperVenue(t, "binance")
	sell := paperVenue(t, "upbit")
	sell.RejectOrders = true
	r := newTestRouter(t, buy, sell)

	res, err := r.ExecuteArbitrage(context.Background(), opportunity())
	require.NoError(t, err)

	assert.Equal(t, model.ResultPartialSuccess, res.Outcome)
	assert.True(t, res.RequiresRollback)
	assert.Equal(t, model.OrderFilled, res.BuyLeg.Status)
	assert.Equal(t, model.OrderRejected, res.SellLeg.Status)
	assert.True(t, res.TotalFilledQty.IsZero())
	assert.Contains(t, res.ErrorMsg, "binance")
}

func TestRouter_ExecutionTimeout(t *testing.T) {
	t.Run("cancels confirmed, no fills", func(t *testing.T) {
		buy := paperVenue(t, "binance")
		sell := paperVenue(t, "upbit")
		buy.StallOrders = true
		sell.StallOrders = true
		r := newTestRouter(t, buy, sell)

		res, err := r.ExecuteArbitrage(context.Background(), opportunity())
		require.NoError(t, err)

		assert.Equal(t, model.ResultFailure, res.Outcome)
		assert.False(t, res.RequiresRollback)
		assert.Equal(t, model.OrderCanceled, res.BuyLeg.Status)
		assert.Equal(t, model.OrderCanceled, res.SellLeg.Status)
		assert.True(t, res.BuyLeg.FilledQty.IsZero())
	})

	t.Run("cancel unconfirmed marks the leg failed", func(t *testing.T) {
		buy := paperVenue(t, "binance")
		sell := paperVenue(t, "upbit")
		buy.StallOrders = true
		buy.FailCancels = true
		sell.StallOrders = true
		r := newTestRouter(t, buy, sell)

		res, err := r.ExecuteArbitrage(context.Background(), opportunity())
		require.NoError(t, err)

		assert.Equal(t, model.ResultFailure, res.Outcome)
		assert.Equal(t, model.OrderFailed, res.BuyLeg.Status)
		assert.Contains(t, res.BuyLeg.ErrorMsg, "cancel unconfirmed")
	})
}

// flakyAdapter fails placements with a transient error until the counter
// runs out, then delegates to the paper venue.
type flakyAdapter struct {
	*venue.PaperAdapter
	failures atomic.Int32
}

func (f *flakyAdapter) PlaceOrder(ctx context.Context, order model.Order) (string, error) {
	if f.failures.Add(-1) >= 0 {
		return "", venue.Transient(context.DeadlineExceeded)
	}
	return f.PaperAdapter.PlaceOrder(ctx, order)
}

func TestRouter_TransientPlacementRetry(t *testing.T) {
	buy := &flakyAdapter{PaperAdapter: paperVenue(t, "binance")}
	buy.failures.Store(1)
	sell := paperVenue(t, "upbit")
	r := newTestRouter(t, buy, sell)

	res, err := r.ExecuteArbitrage(context.Background(), opportunity())
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, res.Outcome, "one transient failure fits the retry budget")
}

func TestRouter_RetryBudgetExhausted(t *testing.T) {
	buy := &flakyAdapter{PaperAdapter: paperVenue(t, "binance")}
	buy.failures.Store(10)
	sell := paperVenue(t, "upbit")
	r := newTestRouter(t, buy, sell)

	res, err := r.ExecuteArbitrage(context.Background(), opportunity())
	require.NoError(t, err)

	// Buy never placed, sell filled: asymmetric, rollback required.
	assert.Equal(t, model.ResultPartialSuccess, res.Outcome)
	assert.True(t, res.RequiresRollback)
	assert.Equal(t, model.OrderFailed, res.BuyLeg.Status)
}

func TestQuantize(t *testing.T) {
	tick := dec("0.01")
	assert.True(t, dec("50050.06").Equal(quantize(dec("50050.055"), tick, true)))
	assert.True(t, dec("50050.05").Equal(quantize(dec("50050.055"), tick, false)))
	assert.True(t, dec("50050").Equal(quantize(dec("50050"), tick, true)))
	// Zero tick passes the price through.
	assert.True(t, dec("1.2345").Equal(quantize(dec("1.2345"), decimal.Zero, true)))
}
