package spread

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"arbiter/internal/model"
)

var errInsufficientDepth = errors.New("spread: order book too shallow for quantity")

type pairKey struct {
	venue  string
	symbol string
}

// SlippageBook keeps the linear slippage models per (venue, symbol) and
// retrains them from observed fills.
type SlippageBook struct {
	mu     sync.RWMutex
	models map[pairKey]model.SlippageModel
}

// NewSlippageBook creates an empty book. Pairs without a model estimate zero
// slippage.
func NewSlippageBook() *SlippageBook {
	return &SlippageBook{models: make(map[pairKey]model.SlippageModel)}
}

// Update replaces the model for one pair.
func (s *SlippageBook) Update(m model.SlippageModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[pairKey{venue: m.Venue, symbol: m.Symbol}] = m
}

// Model returns the configured model for a pair, if any.
func (s *SlippageBook) Model(venue, symbol string) (model.SlippageModel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[pairKey{venue: venue, symbol: symbol}]
	return m, ok
}

// Estimate returns the expected per-unit price slip for executing quantity
// at refPrice:
//
//	slip = refPrice * (base + linearCoef*quantity*liquidityFactor)
//
// Zero quantity estimates zero; the estimate grows monotonically with
// quantity.
func (s *SlippageBook) Estimate(venue, symbol string, quantity, refPrice decimal.Decimal) decimal.Decimal {
	if !quantity.IsPositive() {
		return decimal.Zero
	}
	m, ok := s.Model(venue, symbol)
	if !ok {
		return decimal.Zero
	}
	fraction := m.Base.Add(m.LinearCoef.Mul(quantity).Mul(m.LiquidityFactor))
	return refPrice.Mul(fraction)
}

// observationWeight is the EWMA weight for retraining from realized fills.
var observationWeight = decimal.NewFromFloat(0.1)

// Observe retrains the base term from one realized fill. expected is the
// intended price, actual the volume-weighted fill price.
func (s *SlippageBook) Observe(venue, symbol string, quantity, expected, actual decimal.Decimal) {
	if !expected.IsPositive() || !quantity.IsPositive() {
		return
	}
	observed := actual.Sub(expected).Abs().Div(expected)

	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{venue: venue, symbol: symbol}
	m, ok := s.models[key]
	if !ok {
		m = model.SlippageModel{Venue: venue, Symbol: symbol, LiquidityFactor: decimal.NewFromInt(1)}
	}
	linearPart := m.LinearCoef.Mul(quantity).Mul(m.LiquidityFactor)
	target := observed.Sub(linearPart)
	if target.IsNegative() {
		target = decimal.Zero
	}
	keep := decimal.NewFromInt(1).Sub(observationWeight)
	m.Base = m.Base.Mul(keep).Add(target.Mul(observationWeight))
	s.models[key] = m
}

// walkBook accumulates levels until quantity is exhausted and returns the
// volume-weighted average price. Fails when the book is too shallow.
func walkBook(levels []model.PriceLevel, quantity decimal.Decimal) (decimal.Decimal, error) {
	if len(levels) == 0 || !quantity.IsPositive() {
		return decimal.Zero, errInsufficientDepth
	}
	remaining := quantity
	notional := decimal.Zero
	for _, lvl := range levels {
		take := lvl.Quantity
		if take.GreaterThan(remaining) {
			take = remaining
		}
		notional = notional.Add(lvl.Price.Mul(take))
		remaining = remaining.Sub(take)
		if !remaining.IsPositive() {
			return notional.Div(quantity), nil
		}
	}
	return decimal.Zero, errInsufficientDepth
}

// DepthSlip estimates per-unit slip by walking the book: the distance between
// the volume-weighted fill price for quantity and the best level.
func DepthSlip(depth model.MarketDepth, quantity decimal.Decimal, side model.OrderSide) (decimal.Decimal, error) {
	if !depth.Valid() {
		return decimal.Zero, errInsufficientDepth
	}
	if side == model.Buy {
		vwap, err := walkBook(depth.Asks, quantity)
		if err != nil {
			return decimal.Zero, err
		}
		return vwap.Sub(depth.Asks[0].Price), nil
	}
	vwap, err := walkBook(depth.Bids, quantity)
	if err != nil {
		return decimal.Zero, err
	}
	return depth.Bids[0].Price.Sub(vwap), nil
}
