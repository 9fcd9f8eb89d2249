package rollback

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbiter/internal/model"
	"arbiter/internal/router"
	"arbiter/internal/venue"
)

// legExposure is the unmatched filled quantity of one leg that must be
// offset to restore net-zero exposure.
type legExposure struct {
	venueName string
	symbol    string
	side      model.OrderSide // side of the original leg
	quantity  decimal.Decimal // unmatched quantity
	refPrice  decimal.Decimal // last known fill price, used for protection
}

// legExposures derives what leaked from a finished execution: for each leg,
// the fill quantity its counter-leg did not match.
func legExposures(res router.Result) []legExposure {
	var out []legExposure
	buyExcess := res.BuyLeg.FilledQty.Sub(res.SellLeg.FilledQty)
	if buyExcess.IsPositive() {
		out = append(out, legExposure{
			venueName: res.BuyLeg.Order.Venue,
			symbol:    res.BuyLeg.Order.Symbol,
			side:      model.Buy,
			quantity:  buyExcess,
			refPrice:  res.BuyLeg.AvgFillPrice,
		})
	}
	sellExcess := res.SellLeg.FilledQty.Sub(res.BuyLeg.FilledQty)
	if sellExcess.IsPositive() {
		out = append(out, legExposure{
			venueName: res.SellLeg.Order.Venue,
			symbol:    res.SellLeg.Order.Symbol,
			side:      model.Sell,
			quantity:  sellExcess,
			refPrice:  res.SellLeg.AvgFillPrice,
		})
	}
	return out
}

// Exposure reports the unmatched quote notional left by a failed execution.
func Exposure(res router.Result) decimal.Decimal {
	return totalExposure(legExposures(res))
}

func totalExposure(exposures []legExposure) decimal.Decimal {
	total := decimal.Zero
	for _, le := range exposures {
		total = total.Add(le.quantity.Mul(le.refPrice))
	}
	return total
}

// legExposuresAfter scales the exposures down by what the first attempt
// already recovered, so the escalation retry only chases the residue.
func legExposuresAfter(exposures []legExposure, executed []model.OrderExecution) []legExposure {
	recovered := map[string]decimal.Decimal{}
	for _, exec := range executed {
		recovered[exec.Order.Symbol] = recovered[exec.Order.Symbol].Add(exec.FilledQty)
	}
	var out []legExposure
	for _, le := range exposures {
		remaining := le.quantity.Sub(recovered[le.symbol])
		if !remaining.IsPositive() {
			continue
		}
		le.quantity = remaining
		out = append(out, le)
	}
	return out
}

// cancelOpen cancels any leg still open when nothing was filled.
func (m *Manager) cancelOpen(ctx context.Context, failed router.Result, result *model.RollbackResult) {
	for _, leg := range failed.Legs() {
		if leg.Status.Terminal() || leg.VenueOrderID == "" {
			continue
		}
		adapter, ok := m.exec.Venue(leg.Order.Venue)
		if !ok {
			continue
		}
		if _, err := adapter.CancelOrder(ctx, leg.VenueOrderID); err != nil {
			m.logger.Warn("rollback cancel failed",
				"rollback_id", result.RollbackID, "venue", leg.Order.Venue,
				"venue_order_id", leg.VenueOrderID, "error", err)
		}
	}
}

// runStrategy dispatches to the strategy implementations. Every returned
// execution went through the order router with full monitoring.
func (m *Manager) runStrategy(ctx context.Context, policy Policy, strategy model.RollbackStrategy, severity model.RollbackSeverity, exposures []legExposure) []model.OrderExecution {
	switch strategy {
	case model.ImmediateCancel:
		return nil
	case model.MarketClose, model.PartialRollback:
		// Partial rollback is market close against the excess only; the
		// exposure derivation already strips the matched quantity.
		return m.closeAtMarket(ctx, exposures, decimal.Zero)
	case model.StopLossRollback:
		return m.closeAtMarket(ctx, exposures, decimal.NewFromFloat(0.01))
	case model.HedgePosition:
		return m.hedge(ctx, exposures)
	case model.SmartLiquidation:
		return m.smartLiquidate(ctx, policy, exposures)
	case model.GradualLiquidation:
		return m.gradualLiquidate(ctx, policy, exposures)
	default:
		return m.closeAtMarket(ctx, exposures, decimal.Zero)
	}
}

// closeAtMarket submits one offsetting market order per exposure on the
// same venue. stopFraction widens the protection price for stop-loss style
// closes.
func (m *Manager) closeAtMarket(ctx context.Context, exposures []legExposure, stopFraction decimal.Decimal) []model.OrderExecution {
	var out []model.OrderExecution
	for _, le := range exposures {
		adapter, ok := m.exec.Venue(le.venueName)
		if !ok {
			continue
		}
		out = append(out, m.submitOffset(ctx, adapter, le, le.quantity, stopFraction))
	}
	return out
}

// hedge opens the offsetting position on any other venue quoting the
// symbol, for when closing locally would pay unacceptable slippage.
func (m *Manager) hedge(ctx context.Context, exposures []legExposure) []model.OrderExecution {
	var out []model.OrderExecution
	for _, le := range exposures {
		target := m.pickHedgeVenue(le.venueName)
		if target == nil {
			// No alternative venue; close locally rather than stay exposed.
			if local, ok := m.exec.Venue(le.venueName); ok {
				out = append(out, m.submitOffset(ctx, local, le, le.quantity, decimal.Zero))
			}
			continue
		}
		out = append(out, m.submitOffset(ctx, target, le, le.quantity, decimal.Zero))
	}
	return out
}

func (m *Manager) pickHedgeVenue(excluding string) venue.Adapter {
	for _, name := range m.exec.VenueNames() {
		if name == excluding {
			continue
		}
		if a, ok := m.exec.Venue(name); ok && a.IsConnected() {
			return a
		}
	}
	return nil
}

// smartLiquidate walks the closing venue's book and sizes child orders to
// stay within the market-impact bound.
func (m *Manager) smartLiquidate(ctx context.Context, policy Policy, exposures []legExposure) []model.OrderExecution {
	var out []model.OrderExecution
	for _, le := range exposures {
		adapter, ok := m.exec.Venue(le.venueName)
		if !ok {
			continue
		}
		remaining := le.quantity
		maxChildren := policy.MaxSlices * 2
		for child := 0; child < maxChildren && remaining.IsPositive() && ctx.Err() == nil; child++ {
			childQty := m.impactBoundedQty(ctx, policy, adapter, le, remaining)
			exec := m.submitOffset(ctx, adapter, le, childQty, decimal.Zero)
			out = append(out, exec)
			remaining = remaining.Sub(exec.FilledQty)
			if !exec.Filled() {
				break
			}
		}
	}
	return out
}

// impactBoundedQty sizes one child order against the visible book.
func (m *Manager) impactBoundedQty(ctx context.Context, policy Policy, adapter venue.Adapter, le legExposure, remaining decimal.Decimal) decimal.Decimal {
	depth, err := adapter.Depth(ctx, le.symbol, 20)
	if err != nil || !depth.Valid() {
		return remaining
	}
	levels := depth.Bids // closing a long hits the bids
	if le.side == model.Sell {
		levels = depth.Asks
	}
	visible := decimal.Zero
	for _, lvl := range levels {
		visible = visible.Add(lvl.Quantity)
	}
	bound := visible.Mul(policy.MaxMarketImpact)
	if bound.IsPositive() && bound.LessThan(remaining) {
		return bound
	}
	return remaining
}

// gradualLiquidate slices the exposure over the remaining budget. Only
// reachable at LOW severity.
func (m *Manager) gradualLiquidate(ctx context.Context, policy Policy, exposures []legExposure) []model.OrderExecution {
	slices := policy.MaxSlices
	if slices < 1 {
		slices = 1
	}
	var pause time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		pause = time.Until(deadline) / time.Duration(slices+1)
	}

	var out []model.OrderExecution
	for _, le := range exposures {
		adapter, ok := m.exec.Venue(le.venueName)
		if !ok {
			continue
		}
		sliceQty := le.quantity.DivRound(decimal.NewFromInt(int64(slices)), 8)
		remaining := le.quantity
		for i := 0; i < slices && remaining.IsPositive(); i++ {
			qty := sliceQty
			if remaining.LessThan(qty) || i == slices-1 {
				qty = remaining
			}
			exec := m.submitOffset(ctx, adapter, le, qty, decimal.Zero)
			out = append(out, exec)
			remaining = remaining.Sub(exec.FilledQty)
			if !exec.Filled() {
				break
			}
			if pause > 0 && i < slices-1 {
				select {
				case <-ctx.Done():
					return out
				case <-time.After(pause):
				}
			}
		}
	}
	return out
}

// submitOffset routes one offsetting order through the executor. The
// reference price protects the market order; stopFraction widens it.
func (m *Manager) submitOffset(ctx context.Context, adapter venue.Adapter, le legExposure, quantity, stopFraction decimal.Decimal) model.OrderExecution {
	one := decimal.NewFromInt(1)
	price := le.refPrice
	if le.side == model.Buy {
		// Closing a long sells; accept a price below reference.
		price = price.Mul(one.Sub(stopFraction))
	} else {
		price = price.Mul(one.Add(stopFraction))
	}
	order := model.Order{
		ID:       uuid.NewString(),
		Venue:    adapter.Name(),
		Symbol:   le.symbol,
		Side:     le.side.Opposite(),
		Type:     model.Market,
		Quantity: quantity,
		Price:    price,
	}
	return m.exec.ExecuteOrder(ctx, adapter, order)
}
