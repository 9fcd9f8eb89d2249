// Package engine coordinates the trading pipeline: it owns the bounded
// opportunity queue, the worker pool, the lifecycle of every trade, and the
// emergency stop latch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"

	"arbiter/internal/audit"
	"arbiter/internal/config"
	"arbiter/internal/model"
	"arbiter/internal/rollback"
	"arbiter/internal/router"
	"arbiter/internal/stats"
)

// Submission gate rejections.
var (
	ErrNotRunning     = errors.New("engine not running")
	ErrQueueFull      = errors.New("opportunity queue full")
	ErrTooManyActive  = errors.New("max concurrent trades reached")
	ErrEmergencyStop  = errors.New("emergency stop engaged")
	ErrStillRunning   = errors.New("engine still running")
	ErrUnknownTrade   = errors.New("unknown trade id")
	ErrUnknownTickers = errors.New("no ticker for requested venue")
)

// Executor places both legs of an opportunity. Satisfied by router.Router.
type Executor interface {
	ExecuteArbitrage(ctx context.Context, opp model.Opportunity) (router.Result, error)
}

// Rollbacker unwinds a failed execution. Satisfied by rollback.Manager.
type Rollbacker interface {
	Rollback(ctx context.Context, failed router.Result, trigger model.RollbackTrigger, severity model.RollbackSeverity) model.RollbackResult
}

// TickerSource resolves fresh quotes for manual trade construction.
// Satisfied by feed.Processor.
type TickerSource interface {
	Latest(venue, symbol string) (model.Ticker, bool)
}

// Callbacks are invoked on the fan-out pool, never under engine locks. Any
// field may be nil.
type Callbacks struct {
	OnOpportunity func(model.Opportunity)
	OnExecution   func(model.TradeExecution)
	OnRollback    func(model.RollbackResult)
	OnError       func(tradeID string, err error)
}

const completedRetention = 1024

// Engine is the coordinator. One instance per process.
type Engine struct {
	logger  *slog.Logger
	stats   *stats.Statistics
	exec    Executor
	rb      Rollbacker
	sink    audit.Sink
	tickers TickerSource

	cfg       atomic.Pointer[config.TradingEngineConfig]
	callbacks atomic.Pointer[Callbacks]

	queue chan model.Opportunity
	pool  *ants.Pool

	mu        sync.RWMutex
	active    map[string]*model.TradeExecution
	cancels   map[string]context.CancelFunc
	completed []model.TradeExecution

	running   atomic.Bool
	stopped   atomic.Bool // latched by EmergencyStop
	cancel    context.CancelFunc
	emergency context.CancelFunc
	wg        sync.WaitGroup
}

// New builds an engine around its collaborators. rb and sink may be nil when
// rollback or auditing is disabled; tickers may be nil when manual trades are
// not used.
func New(logger *slog.Logger, st *stats.Statistics, cfg config.TradingEngineConfig, exec Executor, rb Rollbacker, sink audit.Sink, tickers TickerSource) (*Engine, error) {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxConcurrentTrades <= 0 {
		cfg.MaxConcurrentTrades = cfg.WorkerCount
	}
	pool, err := ants.NewPool(cfg.WorkerCount*2, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create callback pool: %w", err)
	}
	e := &Engine{
		logger:  logger,
		stats:   st,
		exec:    exec,
		rb:      rb,
		sink:    sink,
		tickers: tickers,
		queue:   make(chan model.Opportunity, cfg.MaxQueueSize),
		pool:    pool,
		active:  make(map[string]*model.TradeExecution),
		cancels: make(map[string]context.CancelFunc),
	}
	e.cfg.Store(&cfg)
	e.callbacks.Store(&Callbacks{})
	return e, nil
}

// UpdateConfig swaps the engine configuration. Workers snapshot it at the
// top of each iteration; queue capacity is fixed at construction.
func (e *Engine) UpdateConfig(cfg config.TradingEngineConfig) { e.cfg.Store(&cfg) }

// SetCallbacks replaces the callback set.
func (e *Engine) SetCallbacks(cb Callbacks) { e.callbacks.Store(&cb) }

// Start launches the worker pool. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	execCtx, emergency := context.WithCancel(runCtx)
	e.cancel = cancel
	e.emergency = emergency

	cfg := e.cfg.Load()
	e.logger.Info("trading engine starting",
		"workers", cfg.WorkerCount,
		"queue_size", cfg.MaxQueueSize,
		"max_concurrent", cfg.MaxConcurrentTrades,
		"paper_trading", cfg.EnablePaperTrading)
	for i := 0; i < cfg.WorkerCount; i++ {
		e.wg.Add(1)
		go e.worker(runCtx, execCtx, i)
	}
}

// Stop drains active trades within the drain timeout, then aborts the rest.
// Idempotent.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	cfg := e.cfg.Load()
	e.logger.Info("trading engine stopping", "active", e.activeCount())

	deadline := time.After(cfg.DrainTimeout())
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
drain:
	for e.activeCount() > 0 || len(e.queue) > 0 {
		select {
		case <-deadline:
			e.logger.Warn("drain timeout, aborting active trades", "active", e.activeCount())
			break drain
		case <-tick.C:
		}
	}
	e.cancel()
	e.wg.Wait()
	e.pool.Release()
	e.logger.Info("trading engine stopped")
}

// Submit enqueues an opportunity. It rejects with a backpressure reason when
// the queue is full, the concurrency cap is reached, the emergency stop is
// latched, or the engine is not running.
func (e *Engine) Submit(opp model.Opportunity) error {
	if e.stopped.Load() {
		e.stats.BackpressureReject()
		return ErrEmergencyStop
	}
	if !e.running.Load() {
		e.stats.BackpressureReject()
		return ErrNotRunning
	}
	cfg := e.cfg.Load()
	if e.activeCount() >= cfg.MaxConcurrentTrades {
		e.stats.BackpressureReject()
		return fmt.Errorf("%w: %d active", ErrTooManyActive, cfg.MaxConcurrentTrades)
	}
	select {
	case e.queue <- opp:
	default:
		e.stats.BackpressureReject()
		return fmt.Errorf("%w: capacity %d", ErrQueueFull, cap(e.queue))
	}
	e.fanOut(func(cb Callbacks) {
		if cb.OnOpportunity != nil {
			cb.OnOpportunity(opp)
		}
	})
	return nil
}

// SubmitManualTrade builds a synthetic opportunity from the freshest tickers
// and enqueues it through the normal gate.
func (e *Engine) SubmitManualTrade(symbol, buyVenue, sellVenue string, qty decimal.Decimal) (string, error) {
	if e.tickers == nil {
		return "", errors.New("manual trades require a ticker source")
	}
	buy, ok := e.tickers.Latest(buyVenue, symbol)
	if !ok {
		return "", fmt.Errorf("%w: %s %s", ErrUnknownTickers, buyVenue, symbol)
	}
	sell, ok := e.tickers.Latest(sellVenue, symbol)
	if !ok {
		return "", fmt.Errorf("%w: %s %s", ErrUnknownTickers, sellVenue, symbol)
	}
	cfg := e.cfg.Load()
	now := time.Now()
	opp := model.Opportunity{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		BuyVenue:       buyVenue,
		SellVenue:      sellVenue,
		BuyPrice:       buy.Ask,
		SellPrice:      sell.Bid,
		Quantity:       qty,
		ExpectedProfit: sell.Bid.Sub(buy.Ask).Mul(qty),
		Confidence:     1.0,
		DetectedAt:     now,
		ValidUntil:     now.Add(cfg.OpportunityValidity()),
		RiskApproved:   true,
	}
	if err := e.Submit(opp); err != nil {
		return "", err
	}
	return opp.ID, nil
}

// CancelTrade aborts an active trade. The worker observes the cancellation
// at its next suspension point; the trade then classifies and, if it has
// fills, rolls back.
func (e *Engine) CancelTrade(tradeID string) error {
	e.mu.RLock()
	cancel, ok := e.cancels[tradeID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrade, tradeID)
	}
	cancel()
	return nil
}

// EmergencyStop latches the stop flag and cancels every in-flight execution.
// Legs already placed are canceled by the router; any fills left behind roll
// back with EMERGENCY_STOP severity floors. The latch survives Stop/Start and
// only ResetEmergencyStop clears it.
func (e *Engine) EmergencyStop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.logger.Error("EMERGENCY STOP", "active", e.activeCount())
	if e.emergency != nil {
		e.emergency()
	}
}

// EmergencyStopped reports whether the latch is set.
func (e *Engine) EmergencyStopped() bool { return e.stopped.Load() }

// ResetEmergencyStop clears the latch so the engine can be started again.
// The engine must be stopped first; clearing the latch mid-flight would let
// new trades race the abort it promised.
func (e *Engine) ResetEmergencyStop() error {
	if e.running.Load() {
		return ErrStillRunning
	}
	if e.stopped.CompareAndSwap(true, false) {
		e.logger.Warn("emergency stop latch cleared")
	}
	return nil
}

// Active snapshots the in-flight trades.
func (e *Engine) Active() []model.TradeExecution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.TradeExecution, 0, len(e.active))
	for _, t := range e.active {
		out = append(out, *t)
	}
	return out
}

// Completed returns terminal trades finished within the lookback window.
func (e *Engine) Completed(window time.Duration) []model.TradeExecution {
	cutoff := time.Now().Add(-window)
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []model.TradeExecution
	for _, t := range e.completed {
		if t.CompletedAt.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// QueueDepth reports the current queue occupancy.
func (e *Engine) QueueDepth() int { return len(e.queue) }

func (e *Engine) activeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

// worker pops opportunities, re-validates freshness, and executes
// synchronously. runCtx governs the loop; execCtx is additionally cut by
// the emergency stop so in-flight legs cancel promptly.
func (e *Engine) worker(runCtx, execCtx context.Context, id int) {
	defer e.wg.Done()
	logger := e.logger.With("worker", id)
	for {
		select {
		case <-runCtx.Done():
			return
		case opp := <-e.queue:
			cfg := e.cfg.Load()
			if !cfg.Enabled {
				continue
			}
			if e.stopped.Load() {
				logger.Warn("discarding opportunity, emergency stop latched", "opportunity_id", opp.ID)
				continue
			}
			if !opp.Valid(time.Now()) {
				logger.Debug("opportunity expired in queue", "opportunity_id", opp.ID, "symbol", opp.Symbol)
				e.stats.ValidationDrop()
				continue
			}
			e.execute(execCtx, logger, cfg, opp)
		}
	}
}

func (e *Engine) execute(ctx context.Context, logger *slog.Logger, cfg *config.TradingEngineConfig, opp model.Opportunity) {
	trade := &model.TradeExecution{
		TradeID:        uuid.NewString(),
		OpportunityID:  opp.ID,
		Symbol:         opp.Symbol,
		BuyVenue:       opp.BuyVenue,
		SellVenue:      opp.SellVenue,
		Quantity:       opp.Quantity,
		ExpectedProfit: opp.ExpectedProfit,
		StartedAt:      time.Now(),
	}
	tradeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.active[trade.TradeID] = trade
	e.cancels[trade.TradeID] = cancel
	e.mu.Unlock()

	logger.Info("executing trade",
		"trade_id", trade.TradeID,
		"symbol", opp.Symbol,
		"buy_venue", opp.BuyVenue,
		"sell_venue", opp.SellVenue,
		"quantity", opp.Quantity,
		"expected_profit", opp.ExpectedProfit)
	e.stats.OpportunityExecuted()

	res, err := e.exec.ExecuteArbitrage(tradeCtx, opp)
	trade.BuyLeg = res.BuyLeg
	trade.SellLeg = res.SellLeg
	trade.ActualProfit = res.RealizedProfit
	trade.TotalFees = res.TotalFees
	trade.Result = res.Outcome
	trade.ErrorMsg = res.ErrorMsg
	if err != nil {
		// Gate rejection: nothing was placed.
		trade.ErrorMsg = err.Error()
		if trade.Result == "" {
			trade.Result = model.ResultRiskLimitExceeded
		}
		logger.Warn("trade rejected by pre-trade gate", "trade_id", trade.TradeID, "error", err)
		e.fanOut(func(cb Callbacks) {
			if cb.OnError != nil {
				cb.OnError(trade.TradeID, err)
			}
		})
	}

	if err == nil && res.RequiresRollback {
		e.rollbackFailed(ctx, logger, cfg, trade, res)
	}

	e.finalize(ctx, trade)
}

// rollbackFailed unwinds asymmetric fills. Trigger selection follows the
// failure mode; the emergency latch overrides it so the severity floor
// applies.
func (e *Engine) rollbackFailed(ctx context.Context, logger *slog.Logger, cfg *config.TradingEngineConfig, trade *model.TradeExecution, res router.Result) {
	if !cfg.EnableRollback || e.rb == nil {
		logger.Warn("rollback required but disabled",
			"trade_id", trade.TradeID, "outcome", res.Outcome)
		return
	}
	trigger := triggerFor(res)
	if e.stopped.Load() {
		trigger = model.TriggerEmergencyStop
	}
	severity := rollback.DeriveSeverity(rollback.Exposure(res), trigger)

	// The trade context may already be canceled; the rollback budget is
	// independent of it.
	rbCtx := context.WithoutCancel(ctx)
	result := e.rb.Rollback(rbCtx, res, trigger, severity)
	trade.RolledBack = true
	trade.RollbackID = result.RollbackID

	if e.sink != nil {
		if err := e.sink.RecordRollback(rbCtx, result); err != nil {
			logger.Error("rollback audit failed", "rollback_id", result.RollbackID, "error", err)
		}
	}
	e.fanOut(func(cb Callbacks) {
		if cb.OnRollback != nil {
			cb.OnRollback(result)
		}
	})
}

// triggerFor derives the rollback trigger from how the execution failed. A
// rejected or failed leg is an order failure even when the other leg filled;
// partial-fill timeout is reserved for legs that both accepted but filled
// unevenly.
func triggerFor(res router.Result) model.RollbackTrigger {
	if res.Outcome == model.ResultTimeout {
		return model.TriggerExecutionTimeout
	}
	for _, leg := range res.Legs() {
		if leg.Status == model.OrderRejected || leg.Status == model.OrderFailed {
			return model.TriggerOrderFailure
		}
	}
	if res.Outcome == model.ResultPartialSuccess {
		return model.TriggerPartialFillTimeout
	}
	return model.TriggerOrderFailure
}

func (e *Engine) finalize(ctx context.Context, trade *model.TradeExecution) {
	trade.CompletedAt = time.Now()
	trade.Latency = trade.CompletedAt.Sub(trade.StartedAt)

	e.mu.Lock()
	delete(e.active, trade.TradeID)
	delete(e.cancels, trade.TradeID)
	e.completed = append(e.completed, *trade)
	if len(e.completed) > completedRetention {
		e.completed = e.completed[len(e.completed)-completedRetention:]
	}
	done := *trade
	e.mu.Unlock()

	filled := decimal.Min(done.BuyLeg.FilledQty, done.SellLeg.FilledQty)
	volume := filled.Mul(done.BuyLeg.AvgFillPrice)
	e.stats.TradeRecorded(done.Result == model.ResultSuccess, done.ActualProfit, done.TotalFees, volume, done.Latency)

	e.logger.Info("trade complete",
		"trade_id", done.TradeID,
		"result", done.Result,
		"actual_profit", done.ActualProfit,
		"total_fees", done.TotalFees,
		"latency", done.Latency,
		"rolled_back", done.RolledBack)

	if e.sink != nil {
		if err := e.sink.RecordTrade(context.WithoutCancel(ctx), done); err != nil {
			e.logger.Error("trade audit failed", "trade_id", done.TradeID, "error", err)
		}
	}
	e.fanOut(func(cb Callbacks) {
		if cb.OnExecution != nil {
			cb.OnExecution(done)
		}
	})
}

// fanOut schedules callback invocation off the worker goroutine. When the
// pool is saturated the callback runs inline rather than being lost.
func (e *Engine) fanOut(fn func(Callbacks)) {
	cb := *e.callbacks.Load()
	if err := e.pool.Submit(func() { fn(cb) }); err != nil {
		fn(cb)
	}
}
