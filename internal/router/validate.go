package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"arbiter/internal/model"
	"arbiter/internal/venue"
)

// Gate rejection sentinels. A rejection here means no order was placed and
// no rollback is needed.
var (
	ErrVenueNotRegistered = errors.New("router: venue not registered")
	ErrVenueDisconnected  = errors.New("router: venue not connected")
	ErrInsufficientFunds  = errors.New("router: insufficient balance for trade")
	ErrOrderSize          = errors.New("router: quantity outside venue order size limits")
	ErrTickAlignment      = errors.New("router: price not aligned to venue tick")
	ErrExposureLimit      = errors.New("router: symbol exposure limit exceeded")
	ErrInvalidOpportunity = errors.New("router: opportunity failed structural validation")
)

// rejectionOutcome maps a gate error onto the execution result taxonomy.
func rejectionOutcome(err error) model.ExecutionResult {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return model.ResultInsufficientBalance
	case errors.Is(err, ErrExposureLimit):
		return model.ResultRiskLimitExceeded
	default:
		return model.ResultInvalidOrder
	}
}

// validate runs the pre-trade gate: venue availability, balances (read
// through to the venue, not the cache), order size limits, tick alignment,
// and exposure limits.
func (r *Router) validate(ctx context.Context, cfg *Config, opp model.Opportunity) (buyVenue, sellVenue venue.Adapter, err error) {
	if !opp.Valid(time.Now()) {
		return nil, nil, ErrInvalidOpportunity
	}

	buyVenue, ok := r.Venue(opp.BuyVenue)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrVenueNotRegistered, opp.BuyVenue)
	}
	sellVenue, ok = r.Venue(opp.SellVenue)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrVenueNotRegistered, opp.SellVenue)
	}
	if !buyVenue.IsConnected() {
		return nil, nil, fmt.Errorf("%w: %s", ErrVenueDisconnected, opp.BuyVenue)
	}
	if !sellVenue.IsConnected() {
		return nil, nil, fmt.Errorf("%w: %s", ErrVenueDisconnected, opp.SellVenue)
	}

	base, quote, ok := model.SplitSymbol(opp.Symbol)
	if !ok {
		return nil, nil, fmt.Errorf("%w: symbol %q", ErrInvalidOpportunity, opp.Symbol)
	}

	if err := r.checkBalances(ctx, cfg, opp, buyVenue, sellVenue, base, quote); err != nil {
		return nil, nil, err
	}
	if err := checkOrderSize(buyVenue, opp.Symbol, opp.Quantity); err != nil {
		return nil, nil, err
	}
	if err := checkOrderSize(sellVenue, opp.Symbol, opp.Quantity); err != nil {
		return nil, nil, err
	}
	if err := checkTick(buyVenue, opp.Symbol, opp.BuyPrice); err != nil {
		return nil, nil, err
	}
	if err := checkTick(sellVenue, opp.Symbol, opp.SellPrice); err != nil {
		return nil, nil, err
	}

	notional := opp.Quantity.Mul(opp.BuyPrice)
	if r.OpenExposure(opp.Symbol).Add(notional).GreaterThan(cfg.MaxPositionSize) {
		return nil, nil, fmt.Errorf("%w: %s notional %s", ErrExposureLimit, opp.Symbol, notional)
	}
	return buyVenue, sellVenue, nil
}

// checkBalances reads both venue balances through the adapters so the gate
// never over-commits against a stale cache.
func (r *Router) checkBalances(ctx context.Context, cfg *Config, opp model.Opportunity, buyVenue, sellVenue venue.Adapter, base, quote string) error {
	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()

	quoteBal, err := buyVenue.Balance(callCtx, quote)
	if err != nil {
		return fmt.Errorf("router: balance check on %s: %w", opp.BuyVenue, err)
	}
	one := decimal.NewFromInt(1)
	needed := opp.Quantity.Mul(opp.BuyPrice).Mul(one.Add(cfg.FeeBuffer))
	if quoteBal.Free.LessThan(needed) {
		return fmt.Errorf("%w: need %s %s on %s, have %s",
			ErrInsufficientFunds, needed, quote, opp.BuyVenue, quoteBal.Free)
	}

	baseBal, err := sellVenue.Balance(callCtx, base)
	if err != nil {
		return fmt.Errorf("router: balance check on %s: %w", opp.SellVenue, err)
	}
	if baseBal.Free.LessThan(opp.Quantity) {
		return fmt.Errorf("%w: need %s %s on %s, have %s",
			ErrInsufficientFunds, opp.Quantity, base, opp.SellVenue, baseBal.Free)
	}
	return nil
}

func checkOrderSize(a venue.Adapter, symbol string, quantity decimal.Decimal) error {
	if min := a.MinOrderSize(symbol); min.IsPositive() && quantity.LessThan(min) {
		return fmt.Errorf("%w: %s below %s minimum %s", ErrOrderSize, quantity, a.Name(), min)
	}
	if max := a.MaxOrderSize(symbol); max.IsPositive() && quantity.GreaterThan(max) {
		return fmt.Errorf("%w: %s above %s maximum %s", ErrOrderSize, quantity, a.Name(), max)
	}
	return nil
}

func checkTick(a venue.Adapter, symbol string, price decimal.Decimal) error {
	tick := a.PriceTick(symbol)
	if !tick.IsPositive() {
		return nil
	}
	if !price.Mod(tick).IsZero() {
		return fmt.Errorf("%w: %s on %s (tick %s)", ErrTickAlignment, price, a.Name(), tick)
	}
	return nil
}
