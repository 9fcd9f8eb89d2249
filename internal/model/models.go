package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the offsetting side, used when closing leaked exposure.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is the execution style of an order.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderFailed          OrderStatus = "FAILED"
)

// Terminal reports whether no further status transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired, OrderFailed:
		return true
	}
	return false
}

// ExecutionResult classifies the outcome of a two-leg trade.
type ExecutionResult string

const (
	ResultSuccess             ExecutionResult = "SUCCESS"
	ResultPartialSuccess      ExecutionResult = "PARTIAL_SUCCESS"
	ResultFailure             ExecutionResult = "FAILURE"
	ResultTimeout             ExecutionResult = "TIMEOUT"
	ResultInsufficientBalance ExecutionResult = "INSUFFICIENT_BALANCE"
	ResultRiskLimitExceeded   ExecutionResult = "RISK_LIMIT_EXCEEDED"
	ResultInvalidOrder        ExecutionResult = "INVALID_ORDER"
)

// RollbackStrategy selects how leaked exposure is unwound.
type RollbackStrategy string

const (
	ImmediateCancel    RollbackStrategy = "IMMEDIATE_CANCEL"
	MarketClose        RollbackStrategy = "MARKET_CLOSE"
	GradualLiquidation RollbackStrategy = "GRADUAL_LIQUIDATION"
	HedgePosition      RollbackStrategy = "HEDGE_POSITION"
	SmartLiquidation   RollbackStrategy = "SMART_LIQUIDATION"
	StopLossRollback   RollbackStrategy = "STOP_LOSS_ROLLBACK"
	PartialRollback    RollbackStrategy = "PARTIAL_ROLLBACK"
)

// RollbackTrigger names the condition that started a rollback.
type RollbackTrigger string

const (
	TriggerOrderFailure       RollbackTrigger = "ORDER_FAILURE"
	TriggerExecutionTimeout   RollbackTrigger = "EXECUTION_TIMEOUT"
	TriggerPartialFillTimeout RollbackTrigger = "PARTIAL_FILL_TIMEOUT"
	TriggerRiskLimitBreach    RollbackTrigger = "RISK_LIMIT_BREACH"
	TriggerMarketDisruption   RollbackTrigger = "MARKET_DISRUPTION"
	TriggerManual             RollbackTrigger = "MANUAL_TRIGGER"
	TriggerEmergencyStop      RollbackTrigger = "EMERGENCY_STOP"
)

// RollbackSeverity bounds the time budget and constrains strategy choice.
type RollbackSeverity int

const (
	SeverityLow RollbackSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s RollbackSeverity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// Escalate returns the next severity up, saturating at CRITICAL.
func (s RollbackSeverity) Escalate() RollbackSeverity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

// Ticker is a single freshest quote for a (venue, symbol) pair. Tickers are
// never mutated after creation; the feed cache replaces them wholesale.
type Ticker struct {
	Venue      string
	Symbol     string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Last       decimal.Decimal
	Volume24h  decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	At         time.Time
	ReceivedAt time.Time
}

// Age returns how old the quote is relative to now.
func (t Ticker) Age(now time.Time) time.Duration {
	return now.Sub(t.At)
}

// PriceLevel is one rung of an order book.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// MarketDepth is an order-book snapshot, replaced atomically on each push.
type MarketDepth struct {
	Venue  string
	Symbol string
	Bids   []PriceLevel
	Asks   []PriceLevel
	At     time.Time
}

// Valid reports whether the snapshot is usable for an order-book walk.
func (d MarketDepth) Valid() bool {
	return len(d.Bids) > 0 && len(d.Asks) > 0
}

// VolumeTier maps a 30-day traded volume floor to a fee rate.
type VolumeTier struct {
	MinVolume decimal.Decimal
	FeeRate   decimal.Decimal
}

// FeeStructure holds the fee schedule for one venue.
type FeeStructure struct {
	Venue           string
	Maker           decimal.Decimal
	Taker           decimal.Decimal
	Withdrawal      decimal.Decimal
	SymbolOverrides map[string]decimal.Decimal
	VolumeTiers     []VolumeTier
}

// SlippageModel is the linear slippage estimate for a (venue, symbol) pair,
// used whenever no depth snapshot is available.
type SlippageModel struct {
	Venue           string
	Symbol          string
	Base            decimal.Decimal
	LinearCoef      decimal.Decimal
	LiquidityFactor decimal.Decimal
}

// Opportunity is a validated candidate cross-venue arbitrage. It is immutable
// once emitted and is consumed exactly once or expires.
type Opportunity struct {
	ID             string
	Symbol         string
	BuyVenue       string
	SellVenue      string
	BuyPrice       decimal.Decimal
	SellPrice      decimal.Decimal
	Quantity       decimal.Decimal
	ExpectedProfit decimal.Decimal
	SpreadPct      float64
	Confidence     float64
	TotalFees      decimal.Decimal
	SlippageEst    decimal.Decimal
	DetectedAt     time.Time
	ValidUntil     time.Time
	RiskApproved   bool
}

// Valid checks the structural invariants and freshness of the opportunity.
func (o Opportunity) Valid(now time.Time) bool {
	return o.BuyVenue != o.SellVenue &&
		o.BuyPrice.LessThan(o.SellPrice) &&
		o.Quantity.IsPositive() &&
		!now.After(o.ValidUntil)
}

// Order is a request to trade on a single venue.
type Order struct {
	ID       string
	Venue    string
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal // limit/protection price; zero for pure market
}

// Fill records one partial execution of an order.
type Fill struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Fee      decimal.Decimal
	At       time.Time
}

// OrderExecution tracks one order from submission to a terminal state.
type OrderExecution struct {
	Order        Order
	VenueOrderID string
	Status       OrderStatus
	FilledQty    decimal.Decimal
	RemainingQty decimal.Decimal
	AvgFillPrice decimal.Decimal
	Fees         decimal.Decimal
	Fills        []Fill
	SubmittedAt  time.Time
	LastUpdated  time.Time
	Latency      time.Duration
	ErrorMsg     string
}

// Filled reports whether the order has any executed quantity.
func (e OrderExecution) Filled() bool {
	return e.FilledQty.IsPositive()
}

// TradeExecution is the lifecycle record of one arbitrage trade: exactly two
// legs on distinct venues.
type TradeExecution struct {
	TradeID        string
	OpportunityID  string
	Symbol         string
	BuyVenue       string
	SellVenue      string
	Quantity       decimal.Decimal
	ExpectedProfit decimal.Decimal
	ActualProfit   decimal.Decimal
	TotalFees      decimal.Decimal
	Result         ExecutionResult
	BuyLeg         OrderExecution
	SellLeg        OrderExecution
	StartedAt      time.Time
	CompletedAt    time.Time
	Latency        time.Duration
	ErrorMsg       string
	RolledBack     bool
	RollbackID     string
}

// Legs returns both order executions, buy first.
func (t TradeExecution) Legs() [2]OrderExecution {
	return [2]OrderExecution{t.BuyLeg, t.SellLeg}
}

// RollbackResult is the terminal record of one rollback attempt chain.
type RollbackResult struct {
	RollbackID        string
	TradeID           string
	Strategy          RollbackStrategy
	Trigger           RollbackTrigger
	Severity          RollbackSeverity
	Success           bool
	InitialExposure   decimal.Decimal
	RecoveredAmount   decimal.Decimal
	RemainingExposure decimal.Decimal
	Cost              decimal.Decimal
	Orders            []OrderExecution
	StartedAt         time.Time
	FinishedAt        time.Time
	Notes             string
}

// Balance is a venue account balance for one currency.
type Balance struct {
	Currency  string
	Free      decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Total returns free plus locked funds.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}
