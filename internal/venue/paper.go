package venue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbiter/internal/model"
)

// PaperConfig tunes the synthetic execution behavior.
type PaperConfig struct {
	SyntheticSlippage decimal.Decimal // applied against the order: buys fill higher, sells lower
	TakerFee          decimal.Decimal
	MakerFee          decimal.Decimal
	MinLatency        time.Duration
	MaxLatency        time.Duration
	MinOrder          decimal.Decimal
	MaxOrder          decimal.Decimal
	Tick              decimal.Decimal
}

// DefaultPaperConfig returns sane synthetic-execution settings.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		SyntheticSlippage: decimal.NewFromFloat(0.0005),
		TakerFee:          decimal.NewFromFloat(0.001),
		MakerFee:          decimal.NewFromFloat(0.001),
		MinLatency:        10 * time.Millisecond,
		MaxLatency:        80 * time.Millisecond,
		MinOrder:          decimal.NewFromFloat(0.0001),
		MaxOrder:          decimal.NewFromFloat(100),
		Tick:              decimal.NewFromFloat(0.01),
	}
}

type paperOrder struct {
	exec     model.OrderExecution
	fillAt   time.Time
	canceled bool
}

// PaperAdapter satisfies Adapter entirely in memory. Orders fill at the order
// price adjusted by the synthetic slippage after a bounded random latency.
// Failure injection hooks let tests force rejections and stalls.
type PaperAdapter struct {
	name   string
	cfg    PaperConfig
	logger *slog.Logger

	mu       sync.Mutex
	orders   map[string]*paperOrder
	balances map[string]decimal.Decimal
	depths   map[string]model.MarketDepth
	rng      *rand.Rand

	// Failure injection, set by tests or chaos runs.
	RejectOrders bool // every placement returns ErrOrderRejected
	StallOrders  bool // orders stay SUBMITTED until canceled
	FailCancels  bool // cancels return false
}

// NewPaperAdapter creates a paper venue with the given starting balances.
func NewPaperAdapter(name string, cfg PaperConfig, balances map[string]decimal.Decimal, logger *slog.Logger) *PaperAdapter {
	b := make(map[string]decimal.Decimal, len(balances))
	for cur, amt := range balances {
		b[cur] = amt
	}
	return &PaperAdapter{
		name:     name,
		cfg:      cfg,
		logger:   logger,
		orders:   make(map[string]*paperOrder),
		balances: b,
		depths:   make(map[string]model.MarketDepth),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *PaperAdapter) Name() string { return p.name }

// PlaceOrder accepts the order and schedules a synthetic fill.
func (p *PaperAdapter) PlaceOrder(ctx context.Context, order model.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Transient(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.RejectOrders {
		return "", ErrOrderRejected
	}
	if order.Price.IsZero() && order.Type == model.Limit {
		return "", ErrOrderRejected
	}
	if !order.Quantity.IsPositive() {
		return "", ErrOrderRejected
	}

	venueOrderID := "paper-" + uuid.NewString()
	latency := p.cfg.MinLatency
	if spread := p.cfg.MaxLatency - p.cfg.MinLatency; spread > 0 {
		latency += time.Duration(p.rng.Int63n(int64(spread)))
	}

	now := time.Now()
	p.orders[venueOrderID] = &paperOrder{
		exec: model.OrderExecution{
			Order:        order,
			VenueOrderID: venueOrderID,
			Status:       model.OrderSubmitted,
			RemainingQty: order.Quantity,
			SubmittedAt:  now,
			LastUpdated:  now,
		},
		fillAt: now.Add(latency),
	}
	p.logger.Debug("paper order accepted",
		"venue", p.name, "order_id", order.ID, "venue_order_id", venueOrderID,
		"side", order.Side, "qty", order.Quantity, "latency", latency)
	return venueOrderID, nil
}

// CancelOrder cancels a still-open order. Returns false if the order already
// reached a terminal state (including a fill that won the race).
func (p *PaperAdapter) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, Transient(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailCancels {
		return false, nil
	}
	po, ok := p.orders[venueOrderID]
	if !ok {
		return false, ErrUnknownOrder
	}
	p.advance(po)
	if po.exec.Status.Terminal() {
		return false, nil
	}
	po.canceled = true
	po.exec.Status = model.OrderCanceled
	po.exec.LastUpdated = time.Now()
	return true, nil
}

// OrderStatus reports the current execution state, applying any fill whose
// synthetic latency has elapsed.
func (p *PaperAdapter) OrderStatus(ctx context.Context, venueOrderID string) (model.OrderExecution, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderExecution{}, Transient(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[venueOrderID]
	if !ok {
		return model.OrderExecution{}, ErrUnknownOrder
	}
	p.advance(po)
	return po.exec, nil
}

// advance applies the scheduled fill if due. Caller holds the lock.
func (p *PaperAdapter) advance(po *paperOrder) {
	if po.exec.Status.Terminal() || po.canceled || p.StallOrders {
		return
	}
	now := time.Now()
	if now.Before(po.fillAt) {
		return
	}

	order := po.exec.Order
	slip := order.Price.Mul(p.cfg.SyntheticSlippage)
	fillPrice := order.Price
	if order.Side == model.Buy {
		fillPrice = fillPrice.Add(slip)
	} else {
		fillPrice = fillPrice.Sub(slip)
	}
	fee := fillPrice.Mul(order.Quantity).Mul(p.cfg.TakerFee)

	po.exec.Status = model.OrderFilled
	po.exec.FilledQty = order.Quantity
	po.exec.RemainingQty = decimal.Zero
	po.exec.AvgFillPrice = fillPrice
	po.exec.Fees = fee
	po.exec.Fills = []model.Fill{{Price: fillPrice, Quantity: order.Quantity, Fee: fee, At: now}}
	po.exec.LastUpdated = now
	po.exec.Latency = now.Sub(po.exec.SubmittedAt)

	p.settle(order, fillPrice, fee)
}

// settle moves paper balances on a confirmed fill, never on submit.
func (p *PaperAdapter) settle(order model.Order, fillPrice, fee decimal.Decimal) {
	base, quote, ok := model.SplitSymbol(order.Symbol)
	if !ok {
		return
	}
	notional := fillPrice.Mul(order.Quantity)
	if order.Side == model.Buy {
		p.balances[quote] = p.balances[quote].Sub(notional).Sub(fee)
		p.balances[base] = p.balances[base].Add(order.Quantity)
	} else {
		p.balances[base] = p.balances[base].Sub(order.Quantity)
		p.balances[quote] = p.balances[quote].Add(notional).Sub(fee)
	}
}

// Balance returns the synthetic balance for one currency.
func (p *PaperAdapter) Balance(ctx context.Context, currency string) (model.Balance, error) {
	if err := ctx.Err(); err != nil {
		return model.Balance{}, Transient(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return model.Balance{
		Currency:  currency,
		Free:      p.balances[currency],
		UpdatedAt: time.Now(),
	}, nil
}

// SetDepth seeds an order-book snapshot for a symbol.
func (p *PaperAdapter) SetDepth(depth model.MarketDepth) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.depths[depth.Symbol] = depth
}

// Depth returns the seeded order book, or a synthetic empty one.
func (p *PaperAdapter) Depth(ctx context.Context, symbol string, levels int) (model.MarketDepth, error) {
	if err := ctx.Err(); err != nil {
		return model.MarketDepth{}, Transient(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.depths[symbol]; ok {
		return d, nil
	}
	return model.MarketDepth{Venue: p.name, Symbol: symbol, At: time.Now()}, nil
}

func (p *PaperAdapter) MinOrderSize(string) decimal.Decimal { return p.cfg.MinOrder }
func (p *PaperAdapter) MaxOrderSize(string) decimal.Decimal { return p.cfg.MaxOrder }
func (p *PaperAdapter) PriceTick(string) decimal.Decimal    { return p.cfg.Tick }

func (p *PaperAdapter) TradingFee(_ string, maker bool) decimal.Decimal {
	if maker {
		return p.cfg.MakerFee
	}
	return p.cfg.TakerFee
}

func (p *PaperAdapter) IsConnected() bool  { return true }
func (p *PaperAdapter) IsMarketOpen() bool { return true }
func (p *PaperAdapter) LastError() error   { return nil }

// String implements fmt.Stringer for log fields.
func (p *PaperAdapter) String() string { return fmt.Sprintf("paper(%s)", p.name) }
