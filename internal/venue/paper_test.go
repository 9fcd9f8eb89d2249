package venue

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func instantFills() PaperConfig {
	cfg := DefaultPaperConfig()
	cfg.MinLatency = 0
	cfg.MaxLatency = 0
	return cfg
}

func newPaper(t *testing.T, cfg PaperConfig) *PaperAdapter {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return NewPaperAdapter("paper", cfg, map[string]decimal.Decimal{
		"USDT": dec("100000"),
		"BTC":  dec("1"),
	}, logger)
}

func buyOrder(qty, price string) model.Order {
	return model.Order{
		ID:       "order-1",
		Venue:    "paper",
		Symbol:   "BTC/USDT",
		Side:     model.Buy,
		Type:     model.Limit,
		Quantity: dec(qty),
		Price:    dec(price),
	}
}

func TestPaperAdapter_FillsWithSyntheticSlippage(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, instantFills())

	id, err := p.PlaceOrder(ctx, buyOrder("0.1", "50000"))
	require.NoError(t, err)

	exec, err := p.OrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, exec.Status)
	assert.True(t, dec("0.1").Equal(exec.FilledQty))
	assert.True(t, exec.RemainingQty.IsZero())
	// Buy fills above the order price: 50000 * 1.0005 = 50025.
	assert.True(t, dec("50025").Equal(exec.AvgFillPrice), "got %s", exec.AvgFillPrice)
	// Fee: 50025 * 0.1 * 0.001 = 5.0025.
	assert.True(t, dec("5.0025").Equal(exec.Fees), "got %s", exec.Fees)
	require.Len(t, exec.Fills, 1)
}

func TestPaperAdapter_SettlesBalancesOnFill(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, instantFills())

	id, err := p.PlaceOrder(ctx, buyOrder("0.1", "50000"))
	require.NoError(t, err)

	_, err = p.OrderStatus(ctx, id)
	require.NoError(t, err)

	btc, err := p.Balance(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, dec("1.1").Equal(btc.Free), "got %s", btc.Free)

	usdt, err := p.Balance(ctx, "USDT")
	require.NoError(t, err)
	// 100000 - 50025*0.1 - 5.0025 = 94992.4975
	assert.True(t, dec("94992.4975").Equal(usdt.Free), "got %s", usdt.Free)
}

func TestPaperAdapter_CancelRace(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel before fill wins", func(t *testing.T) {
		cfg := instantFills()
		cfg.MinLatency = time.Hour
		cfg.MaxLatency = time.Hour
		p := newPaper(t, cfg)

		id, err := p.PlaceOrder(ctx, buyOrder("0.1", "50000"))
		require.NoError(t, err)

		ok, err := p.CancelOrder(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		exec, err := p.OrderStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.OrderCanceled, exec.Status)
		assert.True(t, exec.FilledQty.IsZero())
	})

	t.Run("fill wins the race", func(t *testing.T) {
		p := newPaper(t, instantFills())
		id, err := p.PlaceOrder(ctx, buyOrder("0.1", "50000"))
		require.NoError(t, err)

		ok, err := p.CancelOrder(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "cancel must fail once the fill landed")
	})
}

func TestPaperAdapter_FailureInjection(t *testing.T) {
	ctx := context.Background()

	t.Run("reject orders", func(t *testing.T) {
		p := newPaper(t, instantFills())
		p.RejectOrders = true
		_, err := p.PlaceOrder(ctx, buyOrder("0.1", "50000"))
		assert.ErrorIs(t, err, ErrOrderRejected)
	})

	t.Run("stalled orders never fill", func(t *testing.T) {
		p := newPaper(t, instantFills())
		p.StallOrders = true
		id, err := p.PlaceOrder(ctx, buyOrder("0.1", "50000"))
		require.NoError(t, err)
		exec, err := p.OrderStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.OrderSubmitted, exec.Status)
	})

	t.Run("failing cancels", func(t *testing.T) {
		p := newPaper(t, instantFills())
		p.StallOrders = true
		p.FailCancels = true
		id, err := p.PlaceOrder(ctx, buyOrder("0.1", "50000"))
		require.NoError(t, err)
		ok, err := p.CancelOrder(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPaperAdapter_Rejections(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, instantFills())

	t.Run("zero quantity", func(t *testing.T) {
		o := buyOrder("0", "50000")
		_, err := p.PlaceOrder(ctx, o)
		assert.ErrorIs(t, err, ErrOrderRejected)
	})

	t.Run("limit without price", func(t *testing.T) {
		o := buyOrder("0.1", "0")
		_, err := p.PlaceOrder(ctx, o)
		assert.ErrorIs(t, err, ErrOrderRejected)
	})

	t.Run("unknown order id", func(t *testing.T) {
		_, err := p.OrderStatus(ctx, "missing")
		assert.ErrorIs(t, err, ErrUnknownOrder)
	})

	t.Run("canceled context is transient", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := p.PlaceOrder(canceled, buyOrder("0.1", "50000"))
		assert.True(t, IsTransient(err))
	})
}
