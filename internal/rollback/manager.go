// Package rollback restores net-zero exposure after a trade that left one
// leg filled. It borrows the order router for its corrective orders and never
// outlives the engine that owns both.
package rollback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbiter/internal/model"
	"arbiter/internal/router"
	"arbiter/internal/stats"
	"arbiter/internal/venue"
)

// OrderExecutor is the slice of the router the manager needs: a non-owning
// borrow, per the ownership rules.
type OrderExecutor interface {
	ExecuteOrder(ctx context.Context, adapter venue.Adapter, order model.Order) model.OrderExecution
	Venue(name string) (venue.Adapter, bool)
	VenueNames() []string
}

// Policy is the trigger/severity configuration for rollback decisions.
type Policy struct {
	Strategies      map[model.RollbackTrigger]model.RollbackStrategy
	Budgets         map[model.RollbackSeverity]time.Duration
	MaxMarketImpact decimal.Decimal // max fraction of visible book depth per child order
	MaxSlices       int
	Weights         Weights
}

// Weights tunes the smart-liquidation scoring. All three should sum to 1.
type Weights struct {
	Depth      float64
	Volatility float64
	Urgency    float64
}

// DefaultPolicy returns the documented trigger map and severity budgets.
func DefaultPolicy() Policy {
	return Policy{
		Strategies: map[model.RollbackTrigger]model.RollbackStrategy{
			model.TriggerOrderFailure:       model.ImmediateCancel,
			model.TriggerExecutionTimeout:   model.MarketClose,
			model.TriggerPartialFillTimeout: model.PartialRollback,
			model.TriggerRiskLimitBreach:    model.SmartLiquidation,
			model.TriggerMarketDisruption:   model.HedgePosition,
			model.TriggerEmergencyStop:      model.MarketClose,
		},
		Budgets: map[model.RollbackSeverity]time.Duration{
			model.SeverityLow:      120 * time.Second,
			model.SeverityMedium:   60 * time.Second,
			model.SeverityHigh:     30 * time.Second,
			model.SeverityCritical: 10 * time.Second,
		},
		MaxMarketImpact: decimal.NewFromFloat(0.01),
		MaxSlices:       5,
		Weights:         Weights{Depth: 0.4, Volatility: 0.3, Urgency: 0.3},
	}
}

// Alerter receives rollbacks that ended with remaining exposure.
type Alerter func(model.RollbackResult)

// Manager selects and executes rollback strategies.
type Manager struct {
	logger *slog.Logger
	stats  *stats.Statistics
	exec   OrderExecutor
	alert  Alerter

	mu      sync.RWMutex
	policy  Policy
	history []model.RollbackResult
}

// NewManager creates a manager bound to an order executor.
func NewManager(logger *slog.Logger, st *stats.Statistics, exec OrderExecutor, policy Policy, alert Alerter) *Manager {
	if policy.Strategies == nil {
		policy = DefaultPolicy()
	}
	return &Manager{logger: logger, stats: st, exec: exec, policy: policy, alert: alert}
}

// UpdatePolicy swaps the policy tables.
func (m *Manager) UpdatePolicy(policy Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = policy
}

func (m *Manager) currentPolicy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// History returns rollbacks concluded within the lookback window.
func (m *Manager) History(lookback time.Duration) []model.RollbackResult {
	cutoff := time.Now().Add(-lookback)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.RollbackResult
	for _, r := range m.history {
		if r.FinishedAt.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// DeriveSeverity maps quote-notional exposure and trigger urgency onto a
// severity level.
func DeriveSeverity(exposure decimal.Decimal, trigger model.RollbackTrigger) model.RollbackSeverity {
	var sev model.RollbackSeverity
	switch {
	case exposure.LessThan(decimal.NewFromInt(100)):
		sev = model.SeverityLow
	case exposure.LessThan(decimal.NewFromInt(1000)):
		sev = model.SeverityMedium
	case exposure.LessThan(decimal.NewFromInt(10000)):
		sev = model.SeverityHigh
	default:
		sev = model.SeverityCritical
	}
	if trigger == model.TriggerEmergencyStop && sev < model.SeverityHigh {
		sev = model.SeverityHigh
	}
	return sev
}

// Rollback unwinds a failed execution. It always returns exactly one
// terminal RollbackResult: success, or abandoned with remaining exposure
// after a single severity escalation.
func (m *Manager) Rollback(ctx context.Context, failed router.Result, trigger model.RollbackTrigger, severity model.RollbackSeverity) model.RollbackResult {
	policy := m.currentPolicy()
	exposures := legExposures(failed)
	initial := totalExposure(exposures)

	result := model.RollbackResult{
		RollbackID:        uuid.NewString(),
		TradeID:           failed.TradeID,
		Trigger:           trigger,
		Severity:          severity,
		InitialExposure:   initial,
		RemainingExposure: initial,
		StartedAt:         time.Now(),
	}

	if !initial.IsPositive() {
		// Nothing leaked; only unfilled orders may need canceling.
		result.Strategy = model.ImmediateCancel
		m.cancelOpen(ctx, failed, &result)
		result.Success = true
		result.FinishedAt = time.Now()
		m.conclude(&result)
		return result
	}

	assessment := m.assess(ctx, exposures)
	result.Strategy = m.selectStrategy(policy, trigger, severity, assessment, exposures)

	m.attempt(ctx, policy, severity, result.Strategy, exposures, &result)
	if !result.Success {
		// Escalate once, then give up and surface the remaining exposure.
		escalated := severity.Escalate()
		strategy := escalationStrategy(result.Strategy, policy.Weights, assessment)
		m.logger.Warn("rollback escalating",
			"rollback_id", result.RollbackID,
			"from_severity", severity, "to_severity", escalated,
			"strategy", strategy)
		result.Severity = escalated
		result.Strategy = strategy
		m.attempt(ctx, policy, escalated, strategy, legExposuresAfter(exposures, result.Orders), &result)
	}

	result.FinishedAt = time.Now()
	m.conclude(&result)
	return result
}

// attempt runs one strategy bounded by the severity time budget and folds
// the recovered amounts into the result.
func (m *Manager) attempt(ctx context.Context, policy Policy, severity model.RollbackSeverity, strategy model.RollbackStrategy, exposures []legExposure, result *model.RollbackResult) {
	budget := policy.Budgets[severity]
	if budget <= 0 {
		budget = 60 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	executed := m.runStrategy(attemptCtx, policy, strategy, severity, exposures)
	result.Orders = append(result.Orders, executed...)

	recovered := decimal.Zero
	cost := decimal.Zero
	for _, exec := range executed {
		recovered = recovered.Add(exec.AvgFillPrice.Mul(exec.FilledQty))
		cost = cost.Add(exec.Fees)
	}
	result.RecoveredAmount = result.RecoveredAmount.Add(recovered)
	result.Cost = result.Cost.Add(cost)
	result.RemainingExposure = result.InitialExposure.Sub(result.RecoveredAmount)
	if result.RemainingExposure.IsNegative() {
		result.RemainingExposure = decimal.Zero
	}
	result.Success = result.RemainingExposure.LessThanOrEqual(closeEnough(result.InitialExposure))
}

// closeEnough is the residual tolerance: 1% of initial exposure. Closing
// a position at market never recovers the exact notional.
func closeEnough(initial decimal.Decimal) decimal.Decimal {
	return initial.Mul(decimal.NewFromFloat(0.01))
}

func (m *Manager) conclude(result *model.RollbackResult) {
	m.stats.RollbackRecorded(result.Success)
	m.mu.Lock()
	m.history = append(m.history, *result)
	m.mu.Unlock()

	if result.Success {
		m.logger.Info("rollback concluded",
			"rollback_id", result.RollbackID, "trade_id", result.TradeID,
			"strategy", result.Strategy, "recovered", result.RecoveredAmount,
			"cost", result.Cost)
		return
	}
	m.logger.Error("rollback abandoned with remaining exposure",
		"rollback_id", result.RollbackID, "trade_id", result.TradeID,
		"strategy", result.Strategy, "remaining_exposure", result.RemainingExposure)
	if m.alert != nil {
		m.alert(*result)
	}
}

// Assessment captures market conditions feeding strategy selection.
type Assessment struct {
	Volatility float64
	Liquidity  float64 // 0 poor .. 1 deep
	DepthScore float64
	Urgency    float64
	MarketOpen bool
}

// assess inspects the closing venues' books to score the rollback risk.
func (m *Manager) assess(ctx context.Context, exposures []legExposure) Assessment {
	a := Assessment{Liquidity: 0.5, MarketOpen: true}
	for _, le := range exposures {
		adapter, ok := m.exec.Venue(le.venueName)
		if !ok {
			continue
		}
		if !adapter.IsMarketOpen() {
			a.MarketOpen = false
		}
		depth, err := adapter.Depth(ctx, le.symbol, 20)
		if err != nil || !depth.Valid() {
			continue
		}
		visible := decimal.Zero
		levels := depth.Bids
		if le.side == model.Sell {
			levels = depth.Asks
		}
		for _, lvl := range levels {
			visible = visible.Add(lvl.Quantity)
		}
		if visible.IsPositive() {
			ratio := le.quantity.Div(visible).InexactFloat64()
			score := 1.0 - ratio
			if score < 0 {
				score = 0
			}
			if score > a.DepthScore {
				a.DepthScore = score
			}
			a.Liquidity = a.DepthScore
		}
		if vol := spreadVolatility(depth); vol > a.Volatility {
			a.Volatility = vol
		}
	}
	a.Urgency = 1.0 - a.Liquidity
	return a
}

// spreadVolatility scores the top-of-book spread against a 1% reference:
// 0 for a touching book, 1 for a spread at or beyond 1% of mid.
func spreadVolatility(depth model.MarketDepth) float64 {
	if len(depth.Bids) == 0 || len(depth.Asks) == 0 {
		return 0
	}
	bid, ask := depth.Bids[0].Price, depth.Asks[0].Price
	if !bid.IsPositive() || !ask.IsPositive() || ask.LessThanOrEqual(bid) {
		return 0
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	ratio := ask.Sub(bid).Div(mid).InexactFloat64() / 0.01
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// smartScore folds the assessment into one number in [0, 1]. Above 0.5 the
// book is judged too fragile for a single market close and smart liquidation
// takes over.
func smartScore(w Weights, a Assessment) float64 {
	return w.Depth*(1.0-a.Liquidity) + w.Volatility*a.Volatility + w.Urgency*a.Urgency
}

// selectStrategy applies the policy map with severity and market overrides.
func (m *Manager) selectStrategy(policy Policy, trigger model.RollbackTrigger, severity model.RollbackSeverity, assessment Assessment, exposures []legExposure) model.RollbackStrategy {
	strategy, ok := policy.Strategies[trigger]
	if !ok {
		strategy = model.MarketClose
	}

	// CRITICAL always escalates toward the aggressive pair.
	if severity == model.SeverityCritical {
		if smartScore(policy.Weights, assessment) > 0.5 {
			return model.SmartLiquidation
		}
		return model.MarketClose
	}
	// Gradual liquidation is only permitted when there is time to spare.
	if strategy == model.GradualLiquidation && severity != model.SeverityLow {
		return model.MarketClose
	}
	// Immediate cancel cannot recover filled quantity.
	if strategy == model.ImmediateCancel && hasFills(exposures) {
		return model.MarketClose
	}
	return strategy
}

// escalationStrategy picks the retry strategy after a failed attempt.
func escalationStrategy(previous model.RollbackStrategy, weights Weights, assessment Assessment) model.RollbackStrategy {
	if previous == model.MarketClose && smartScore(weights, assessment) > 0.5 {
		return model.SmartLiquidation
	}
	return model.MarketClose
}

func hasFills(exposures []legExposure) bool {
	for _, le := range exposures {
		if le.quantity.IsPositive() {
			return true
		}
	}
	return false
}
