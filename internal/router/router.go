// Package router places the two legs of an arbitrage concurrently on
// distinct venues, monitors them to a terminal state under a deadline, and
// classifies the aggregate outcome.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"arbiter/internal/model"
	"arbiter/internal/venue"
)

// Config carries the router deadlines and protections. Swapped wholesale on
// hot reload.
type Config struct {
	OrderTimeout      time.Duration
	ExecutionTimeout  time.Duration
	PollInterval      time.Duration
	CancelGrace       time.Duration
	CallTimeout       time.Duration
	MaxRetryAttempts  int
	RetryDelay        time.Duration
	SlippageTolerance decimal.Decimal
	FeeBuffer         decimal.Decimal
	MaxPositionSize   decimal.Decimal
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		OrderTimeout:      30 * time.Second,
		ExecutionTimeout:  60 * time.Second,
		PollInterval:      500 * time.Millisecond,
		CancelGrace:       5 * time.Second,
		CallTimeout:       30 * time.Second,
		MaxRetryAttempts:  3,
		RetryDelay:        time.Second,
		SlippageTolerance: decimal.NewFromFloat(0.001),
		FeeBuffer:         decimal.NewFromFloat(0.002),
		MaxPositionSize:   decimal.NewFromFloat(10000),
	}
}

// Result aggregates a two-leg execution.
type Result struct {
	TradeID          string
	BuyLeg           model.OrderExecution
	SellLeg          model.OrderExecution
	Outcome          model.ExecutionResult
	TotalFilledQty   decimal.Decimal
	RealizedProfit   decimal.Decimal
	TotalFees        decimal.Decimal
	ExecutionTime    time.Duration
	RequiresRollback bool
	ErrorMsg         string
}

// Legs returns both order executions, buy first.
func (r Result) Legs() [2]model.OrderExecution {
	return [2]model.OrderExecution{r.BuyLeg, r.SellLeg}
}

// Router owns the venue adapter registry and the execution protocol.
type Router struct {
	logger *slog.Logger
	cfg    atomic.Pointer[Config]

	mu     sync.RWMutex
	venues map[string]venue.Adapter

	expMu    sync.Mutex
	exposure map[string]decimal.Decimal // open quote-notional per symbol
}

// New creates a router with no venues registered.
func New(logger *slog.Logger, cfg Config) *Router {
	r := &Router{
		logger:   logger,
		venues:   make(map[string]venue.Adapter),
		exposure: make(map[string]decimal.Decimal),
	}
	r.cfg.Store(&cfg)
	return r
}

// UpdateConfig swaps the deadlines and protections.
func (r *Router) UpdateConfig(cfg Config) { r.cfg.Store(&cfg) }

// Register adds or replaces a venue adapter.
func (r *Router) Register(a venue.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.venues[a.Name()] = a
}

// Venue looks up a registered adapter.
func (r *Router) Venue(name string) (venue.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.venues[name]
	return a, ok
}

// VenueNames returns every registered venue.
func (r *Router) VenueNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.venues))
	for name := range r.venues {
		names = append(names, name)
	}
	return names
}

// ExecuteArbitrage runs the full protocol for one opportunity: gate, two
// concurrent legs, monitoring, classification. The returned error is non-nil
// only for gate rejections; execution failures are reported in the Result.
func (r *Router) ExecuteArbitrage(ctx context.Context, opp model.Opportunity) (Result, error) {
	cfg := r.cfg.Load()
	tradeID := uuid.NewString()
	started := time.Now()

	res := Result{TradeID: tradeID, Outcome: model.ResultFailure}

	buyVenue, sellVenue, err := r.validate(ctx, cfg, opp)
	if err != nil {
		res.Outcome = rejectionOutcome(err)
		res.ErrorMsg = err.Error()
		return res, err
	}

	buyOrder, sellOrder := r.buildLegs(cfg, opp, buyVenue, sellVenue)

	r.reserveExposure(opp.Symbol, opp.Quantity.Mul(opp.BuyPrice))
	defer r.releaseExposure(opp.Symbol, opp.Quantity.Mul(opp.BuyPrice))

	execCtx, cancel := context.WithTimeout(ctx, cfg.ExecutionTimeout)
	defer cancel()

	// Two placements on independent goroutines joined under the aggregate
	// deadline. Leg errors never propagate; they end up as FAILED statuses.
	g, legCtx := errgroup.WithContext(execCtx)
	g.Go(func() error {
		res.BuyLeg = r.ExecuteOrder(legCtx, buyVenue, buyOrder)
		return nil
	})
	g.Go(func() error {
		res.SellLeg = r.ExecuteOrder(legCtx, sellVenue, sellOrder)
		return nil
	})
	_ = g.Wait()

	r.classify(&res)
	res.ExecutionTime = time.Since(started)

	r.logger.Info("arbitrage execution finished",
		"trade_id", tradeID,
		"symbol", opp.Symbol,
		"outcome", res.Outcome,
		"filled_qty", res.TotalFilledQty,
		"realized_profit", res.RealizedProfit,
		"requires_rollback", res.RequiresRollback,
		"took", res.ExecutionTime)
	return res, nil
}

// buildLegs constructs the two protected market legs. Protection prices are
// quantized to the venue tick so they pass exchange validation.
func (r *Router) buildLegs(cfg *Config, opp model.Opportunity, buyVenue, sellVenue venue.Adapter) (model.Order, model.Order) {
	one := decimal.NewFromInt(1)
	buyLimit := quantize(opp.BuyPrice.Mul(one.Add(cfg.SlippageTolerance)), buyVenue.PriceTick(opp.Symbol), true)
	sellLimit := quantize(opp.SellPrice.Mul(one.Sub(cfg.SlippageTolerance)), sellVenue.PriceTick(opp.Symbol), false)

	buyOrder := model.Order{
		ID:       uuid.NewString(),
		Venue:    opp.BuyVenue,
		Symbol:   opp.Symbol,
		Side:     model.Buy,
		Type:     model.Market,
		Quantity: opp.Quantity,
		Price:    buyLimit,
	}
	sellOrder := model.Order{
		ID:       uuid.NewString(),
		Venue:    opp.SellVenue,
		Symbol:   opp.Symbol,
		Side:     model.Sell,
		Type:     model.Market,
		Quantity: opp.Quantity,
		Price:    sellLimit,
	}
	return buyOrder, sellOrder
}

// ExecuteOrder places one order and monitors it to a terminal state. All
// failures are folded into the returned execution; it never panics or leaks
// an error.
func (r *Router) ExecuteOrder(ctx context.Context, adapter venue.Adapter, order model.Order) model.OrderExecution {
	cfg := r.cfg.Load()
	exec := model.OrderExecution{
		Order:        order,
		Status:       model.OrderPending,
		RemainingQty: order.Quantity,
		SubmittedAt:  time.Now(),
	}

	venueOrderID, err := r.placeWithRetry(ctx, cfg, adapter, order)
	if err != nil {
		exec.Status = failureStatus(err)
		exec.ErrorMsg = err.Error()
		exec.LastUpdated = time.Now()
		r.logger.Warn("order placement failed",
			"venue", adapter.Name(), "order_id", order.ID, "status", exec.Status, "error", err)
		return exec
	}

	exec.VenueOrderID = venueOrderID
	exec.Status = model.OrderSubmitted
	exec.LastUpdated = time.Now()

	r.monitor(ctx, cfg, adapter, &exec)
	exec.Latency = exec.LastUpdated.Sub(exec.SubmittedAt)

	if exec.Filled() {
		r.recordFill(exec)
	}
	return exec
}

// placeWithRetry retries transient placement errors within the attempt
// budget. Permanent errors return immediately.
func (r *Router) placeWithRetry(ctx context.Context, cfg *Config, adapter venue.Adapter, order model.Order) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		venueOrderID, err := adapter.PlaceOrder(callCtx, order)
		cancel()
		if err == nil {
			return venueOrderID, nil
		}
		lastErr = err
		if !venue.IsTransient(err) {
			return "", err
		}
		r.logger.Warn("transient placement error, retrying",
			"venue", adapter.Name(), "order_id", order.ID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("placement aborted: %w", ctx.Err())
		case <-time.After(cfg.RetryDelay * time.Duration(attempt)):
		}
	}
	return "", fmt.Errorf("placement retries exhausted: %w", lastErr)
}

// monitor polls the order until terminal, the per-order timeout, or the
// aggregate deadline, then cancels and grants the cancel grace window.
func (r *Router) monitor(ctx context.Context, cfg *Config, adapter venue.Adapter, exec *model.OrderExecution) {
	deadline := time.NewTimer(cfg.OrderTimeout)
	defer deadline.Stop()

	interval := cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			r.forceCancel(cfg, adapter, exec, "execution deadline")
			return
		case <-deadline.C:
			r.forceCancel(cfg, adapter, exec, "order timeout")
			return
		case <-time.After(jitter(interval)):
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		status, err := adapter.OrderStatus(callCtx, exec.VenueOrderID)
		cancel()
		if err != nil {
			// Jittered backoff under error, capped at ten polls worth.
			interval *= 2
			if interval > 10*cfg.PollInterval {
				interval = 10 * cfg.PollInterval
			}
			r.logger.Warn("order status poll failed",
				"venue", adapter.Name(), "venue_order_id", exec.VenueOrderID, "error", err)
			continue
		}
		interval = cfg.PollInterval
		applyStatus(exec, status)
		if exec.Status.Terminal() {
			return
		}
	}
}

// forceCancel issues a cancel and waits out the grace window for the venue
// to acknowledge. A cancel that cannot be confirmed marks the leg FAILED so
// the rollback manager sees it.
func (r *Router) forceCancel(cfg *Config, adapter venue.Adapter, exec *model.OrderExecution, reason string) {
	// Fresh context: the execution deadline that got us here is already gone.
	callCtx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
	ok, err := adapter.CancelOrder(callCtx, exec.VenueOrderID)
	cancel()

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.CancelGrace)
	defer cancelGrace()
	for {
		statusCtx, cancelStatus := context.WithTimeout(graceCtx, cfg.CallTimeout)
		status, serr := adapter.OrderStatus(statusCtx, exec.VenueOrderID)
		cancelStatus()
		if serr == nil {
			applyStatus(exec, status)
			if exec.Status.Terminal() {
				return
			}
		}
		select {
		case <-graceCtx.Done():
			if err != nil || !ok {
				exec.Status = model.OrderFailed
				exec.ErrorMsg = fmt.Sprintf("cancel unconfirmed (%s)", reason)
			} else {
				exec.Status = model.OrderExpired
				exec.ErrorMsg = reason
			}
			exec.LastUpdated = time.Now()
			return
		case <-time.After(jitter(cfg.PollInterval)):
		}
	}
}

// applyStatus folds a venue status report into the tracked execution.
func applyStatus(exec *model.OrderExecution, status model.OrderExecution) {
	exec.Status = status.Status
	exec.FilledQty = status.FilledQty
	exec.RemainingQty = status.RemainingQty
	exec.AvgFillPrice = status.AvgFillPrice
	exec.Fees = status.Fees
	if len(status.Fills) > 0 {
		exec.Fills = status.Fills
	}
	exec.LastUpdated = time.Now()
	if status.ErrorMsg != "" {
		exec.ErrorMsg = status.ErrorMsg
	}
}

// classify applies the outcome table to the two finished legs.
func (r *Router) classify(res *Result) {
	buyFilled := res.BuyLeg.Filled()
	sellFilled := res.SellLeg.Filled()
	res.TotalFees = res.BuyLeg.Fees.Add(res.SellLeg.Fees)

	switch {
	case buyFilled && sellFilled:
		res.TotalFilledQty = decimal.Min(res.BuyLeg.FilledQty, res.SellLeg.FilledQty)
		res.RealizedProfit = res.SellLeg.AvgFillPrice.Mul(res.SellLeg.FilledQty).
			Sub(res.BuyLeg.AvgFillPrice.Mul(res.BuyLeg.FilledQty)).
			Sub(res.TotalFees)
		if res.BuyLeg.FilledQty.Equal(res.SellLeg.FilledQty) {
			res.Outcome = model.ResultSuccess
		} else {
			res.Outcome = model.ResultPartialSuccess
			res.RequiresRollback = true
		}
	case buyFilled || sellFilled:
		filled := res.BuyLeg
		if sellFilled {
			filled = res.SellLeg
		}
		res.TotalFilledQty = decimal.Zero
		res.RealizedProfit = decimal.Zero.Sub(res.TotalFees)
		res.Outcome = model.ResultPartialSuccess
		res.RequiresRollback = true
		res.ErrorMsg = fmt.Sprintf("single leg filled on %s", filled.Order.Venue)
	default:
		if !res.BuyLeg.Status.Terminal() || !res.SellLeg.Status.Terminal() {
			res.Outcome = model.ResultTimeout
		} else {
			res.Outcome = model.ResultFailure
		}
		res.ErrorMsg = firstError(res.BuyLeg, res.SellLeg)
	}
}

// recordFill updates open exposure bookkeeping on confirmed fills only.
func (r *Router) recordFill(exec model.OrderExecution) {
	notional := exec.AvgFillPrice.Mul(exec.FilledQty)
	r.expMu.Lock()
	defer r.expMu.Unlock()
	symbol := exec.Order.Symbol
	if exec.Order.Side == model.Buy {
		r.exposure[symbol] = r.exposure[symbol].Add(notional)
	} else {
		r.exposure[symbol] = r.exposure[symbol].Sub(notional)
	}
}

func (r *Router) reserveExposure(symbol string, notional decimal.Decimal) {
	r.expMu.Lock()
	defer r.expMu.Unlock()
	r.exposure[symbol] = r.exposure[symbol].Add(notional)
}

func (r *Router) releaseExposure(symbol string, notional decimal.Decimal) {
	r.expMu.Lock()
	defer r.expMu.Unlock()
	r.exposure[symbol] = r.exposure[symbol].Sub(notional)
}

// OpenExposure returns the tracked quote-notional exposure for a symbol.
func (r *Router) OpenExposure(symbol string) decimal.Decimal {
	r.expMu.Lock()
	defer r.expMu.Unlock()
	return r.exposure[symbol]
}

func failureStatus(err error) model.OrderStatus {
	if errors.Is(err, venue.ErrOrderRejected) || errors.Is(err, venue.ErrInsufficientBalance) || errors.Is(err, venue.ErrInvalidSymbol) {
		return model.OrderRejected
	}
	return model.OrderFailed
}

func firstError(legs ...model.OrderExecution) string {
	for _, leg := range legs {
		if leg.ErrorMsg != "" {
			return leg.ErrorMsg
		}
	}
	return ""
}

// jitter spreads a duration by up to 20% to avoid synchronized polling.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

// quantize rounds a price to the venue tick, away from the protected side.
func quantize(price, tick decimal.Decimal, roundUp bool) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	steps := price.Div(tick)
	if roundUp {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(tick)
}
