package spread

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbiter/internal/model"
	"arbiter/internal/stats"
)

// TickerSource provides the freshest quotes, usually the feed processor.
type TickerSource interface {
	Latest(venue, symbol string) (model.Ticker, bool)
	Venues(symbol, excluding string) []model.Ticker
}

// Emitter receives validated opportunities, usually the trading engine.
type Emitter func(model.Opportunity)

// Config is the calculator's tunable snapshot. It is swapped wholesale on
// hot reload; readers load the pointer once per analysis.
type Config struct {
	SpreadThresholdPct float64
	MinProfitThreshold decimal.Decimal
	Validity           time.Duration
	VolumeFraction     decimal.Decimal
	HardQuantityCap    decimal.Decimal
	MaxTickerAge       time.Duration
	VolatilityCeiling  float64
}

// Analysis is the outcome of one directed venue-pair evaluation.
type Analysis struct {
	Symbol          string
	BuyVenue        string
	SellVenue       string
	BuyPrice        decimal.Decimal
	SellPrice       decimal.Decimal
	Quantity        decimal.Decimal
	RawSpread       decimal.Decimal
	SpreadPct       float64
	TotalFees       decimal.Decimal
	SlippageCost    decimal.Decimal
	EffectiveProfit decimal.Decimal
	BreakevenSpread decimal.Decimal
	Confidence      float64
	Profitable      bool
	Reason          string
}

// Calculator recomputes candidate arbitrage opportunities on every ticker
// update and emits the profitable ones.
type Calculator struct {
	logger *slog.Logger
	stats  *stats.Statistics
	source TickerSource
	fees   *FeeTable
	slips  *SlippageBook
	emit   Emitter

	cfg atomic.Pointer[Config]

	mu     sync.RWMutex
	depths map[pairKey]model.MarketDepth
}

// NewCalculator wires a calculator onto a ticker source.
func NewCalculator(logger *slog.Logger, st *stats.Statistics, source TickerSource, fees *FeeTable, slips *SlippageBook, cfg Config, emit Emitter) *Calculator {
	c := &Calculator{
		logger: logger,
		stats:  st,
		source: source,
		fees:   fees,
		slips:  slips,
		emit:   emit,
		depths: make(map[pairKey]model.MarketDepth),
	}
	c.cfg.Store(&cfg)
	return c
}

// UpdateConfig swaps the tunables. In-flight analyses keep the old snapshot.
func (c *Calculator) UpdateConfig(cfg Config) {
	c.cfg.Store(&cfg)
}

// UpdateDepth replaces the order-book snapshot for a pair atomically.
func (c *Calculator) UpdateDepth(depth model.MarketDepth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depths[pairKey{venue: depth.Venue, symbol: depth.Symbol}] = depth
}

func (c *Calculator) depth(venue, symbol string) (model.MarketDepth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.depths[pairKey{venue: venue, symbol: symbol}]
	return d, ok
}

// OnTicker evaluates every venue pair involving the updated ticker and emits
// profitable opportunities, best first.
func (c *Calculator) OnTicker(t model.Ticker) {
	cfg := c.cfg.Load()
	now := time.Now()
	if t.Age(now) > cfg.MaxTickerAge {
		c.stats.StaleTicker()
		return
	}

	peers := c.source.Venues(t.Symbol, t.Venue)
	var found []model.Opportunity
	for _, peer := range peers {
		if peer.Age(now) > cfg.MaxTickerAge {
			c.stats.StaleTicker()
			continue
		}
		for _, pair := range [2][2]model.Ticker{{t, peer}, {peer, t}} {
			buy, sell := pair[0], pair[1]
			qty := c.defaultQuantity(cfg, buy, sell)
			analysis := c.Analyze(buy, sell, qty)
			if !analysis.Profitable {
				continue
			}
			if analysis.EffectiveProfit.LessThan(cfg.MinProfitThreshold) {
				continue
			}
			found = append(found, c.mint(cfg, analysis, now))
		}
	}
	if len(found) == 0 {
		return
	}

	// Highest expected profit first, then confidence, then detection time.
	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].ExpectedProfit.Equal(found[j].ExpectedProfit) {
			return found[i].ExpectedProfit.GreaterThan(found[j].ExpectedProfit)
		}
		if found[i].Confidence != found[j].Confidence {
			return found[i].Confidence > found[j].Confidence
		}
		return found[i].DetectedAt.Before(found[j].DetectedAt)
	})

	for _, opp := range found {
		c.stats.OpportunityDetected()
		c.logger.Info("arbitrage opportunity",
			"symbol", opp.Symbol,
			"buy_venue", opp.BuyVenue,
			"sell_venue", opp.SellVenue,
			"qty", opp.Quantity,
			"expected_profit", opp.ExpectedProfit,
			"confidence", opp.Confidence)
		if c.emit != nil {
			c.emit(opp)
		}
	}
}

// mint turns an analysis into an opportunity. Prices come from the analyzed
// tickers, not a fresh source read, so the emitted numbers always agree with
// the profit math that approved them.
func (c *Calculator) mint(cfg *Config, a Analysis, now time.Time) model.Opportunity {
	return model.Opportunity{
		ID:             uuid.NewString(),
		Symbol:         a.Symbol,
		BuyVenue:       a.BuyVenue,
		SellVenue:      a.SellVenue,
		BuyPrice:       a.BuyPrice,
		SellPrice:      a.SellPrice,
		Quantity:       a.Quantity,
		ExpectedProfit: a.EffectiveProfit,
		SpreadPct:      a.SpreadPct,
		Confidence:     a.Confidence,
		TotalFees:      a.TotalFees,
		SlippageEst:    a.SlippageCost,
		DetectedAt:     now,
		ValidUntil:     now.Add(cfg.Validity),
		RiskApproved:   true,
	}
}

// defaultQuantity sizes the trade at a fraction of the thinner side's 24h
// volume, bounded by the hard cap. Unknown volume falls back to the cap.
func (c *Calculator) defaultQuantity(cfg *Config, buy, sell model.Ticker) decimal.Decimal {
	qty := cfg.HardQuantityCap
	minVol := buy.Volume24h
	if sell.Volume24h.LessThan(minVol) {
		minVol = sell.Volume24h
	}
	if minVol.IsPositive() {
		byVolume := minVol.Mul(cfg.VolumeFraction)
		if byVolume.LessThan(qty) {
			qty = byVolume
		}
	}
	return qty
}

// Analyze runs the full money math for one directed pair at a quantity.
func (c *Calculator) Analyze(buy, sell model.Ticker, quantity decimal.Decimal) Analysis {
	a := Analysis{
		Symbol:    buy.Symbol,
		BuyVenue:  buy.Venue,
		SellVenue: sell.Venue,
		BuyPrice:  buy.Ask,
		SellPrice: sell.Bid,
		Quantity:  quantity,
	}
	if buy.Venue == sell.Venue {
		a.Reason = "same venue"
		return a
	}
	if !quantity.IsPositive() {
		a.Reason = "non-positive quantity"
		return a
	}

	a.RawSpread = sell.Bid.Sub(buy.Ask)
	if !a.RawSpread.IsPositive() {
		a.Reason = "no raw spread"
		return a
	}
	a.SpreadPct = a.RawSpread.Div(buy.Ask).InexactFloat64()

	buyFee := c.fees.TradingFee(buy.Venue, buy.Symbol, quantity, buy.Ask, false)
	sellFee := c.fees.TradingFee(sell.Venue, sell.Symbol, quantity, sell.Bid, false)
	a.TotalFees = buyFee.Add(sellFee)

	buySlip := c.sideSlip(buy.Venue, buy.Symbol, quantity, buy.Ask, model.Buy)
	sellSlip := c.sideSlip(sell.Venue, sell.Symbol, quantity, sell.Bid, model.Sell)
	a.SlippageCost = buySlip.Add(sellSlip).Mul(quantity)

	a.EffectiveProfit = a.RawSpread.Mul(quantity).Sub(a.TotalFees).Sub(a.SlippageCost)
	a.BreakevenSpread = a.TotalFees.Add(a.SlippageCost).Div(quantity)
	a.Confidence = c.confidence(buy, sell, quantity)

	cfg := c.cfg.Load()
	if a.Confidence == 0 {
		a.Reason = "stale data"
		return a
	}
	if a.SpreadPct < cfg.SpreadThresholdPct {
		a.Reason = "below spread threshold"
		return a
	}
	if !a.EffectiveProfit.IsPositive() {
		a.Reason = "unprofitable after costs"
		return a
	}
	a.Profitable = true
	return a
}

// sideSlip walks the order book when a usable depth snapshot exists and
// falls back to the linear model otherwise.
func (c *Calculator) sideSlip(venue, symbol string, quantity, refPrice decimal.Decimal, side model.OrderSide) decimal.Decimal {
	if depth, ok := c.depth(venue, symbol); ok {
		if slip, err := DepthSlip(depth, quantity, side); err == nil {
			return slip
		}
	}
	return c.slips.Estimate(venue, symbol, quantity, refPrice)
}

// Breakeven returns the per-unit spread at which the pair turns profitable.
func (c *Calculator) Breakeven(buyVenue, sellVenue, symbol string, quantity, buyPrice, sellPrice decimal.Decimal) decimal.Decimal {
	buyFee := c.fees.TradingFee(buyVenue, symbol, quantity, buyPrice, false)
	sellFee := c.fees.TradingFee(sellVenue, symbol, quantity, sellPrice, false)
	buySlip := c.sideSlip(buyVenue, symbol, quantity, buyPrice, model.Buy)
	sellSlip := c.sideSlip(sellVenue, symbol, quantity, sellPrice, model.Sell)
	cost := buyFee.Add(sellFee).Add(buySlip.Add(sellSlip).Mul(quantity))
	return cost.Div(quantity)
}

// ObserveSlippage feeds a realized fill back into the slippage models.
func (c *Calculator) ObserveSlippage(venue, symbol string, quantity, expected, actual decimal.Decimal) {
	c.slips.Observe(venue, symbol, quantity, expected, actual)
}

// confidence scores the pair in [0.1, 1.0] from freshness, liquidity, and
// volatility. Zero means data too stale to trade on.
func (c *Calculator) confidence(buy, sell model.Ticker, quantity decimal.Decimal) float64 {
	cfg := c.cfg.Load()
	now := time.Now()

	age := buy.Age(now)
	if sellAge := sell.Age(now); sellAge > age {
		age = sellAge
	}
	if age > cfg.MaxTickerAge {
		return 0
	}
	freshness := freshnessFactor(age)
	liquidity := liquidityFactor(buy, sell, quantity)
	volatility := volatilityFactor(buy, sell, cfg.VolatilityCeiling)

	score := freshness * liquidity * volatility
	if score < 0.1 {
		score = 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// freshnessFactor is 1.0 up to 5s of age, decays linearly to 0.5 at 30s,
// then keeps decaying toward 0.1 at 60s.
func freshnessFactor(age time.Duration) float64 {
	s := age.Seconds()
	switch {
	case s <= 5:
		return 1.0
	case s <= 30:
		return 1.0 - 0.5*(s-5)/25
	default:
		f := 0.5 - 0.4*(s-30)/30
		if f < 0.1 {
			f = 0.1
		}
		return f
	}
}

// liquidityFactor is 1.0 when the quantity stays within 1% of the thinner
// side's 24h volume and decays linearly to 0.7 at 10%.
func liquidityFactor(buy, sell model.Ticker, quantity decimal.Decimal) float64 {
	minVol := buy.Volume24h
	if sell.Volume24h.LessThan(minVol) {
		minVol = sell.Volume24h
	}
	if !minVol.IsPositive() {
		return 1.0
	}
	r := quantity.Div(minVol).InexactFloat64()
	switch {
	case r <= 0.01:
		return 1.0
	case r >= 0.10:
		return 0.7
	default:
		return 1.0 - 0.3*(r-0.01)/0.09
	}
}

// volatilityFactor discounts pairs whose 24h range exceeds the ceiling.
func volatilityFactor(buy, sell model.Ticker, ceiling float64) float64 {
	worst := rangeRatio(buy)
	if r := rangeRatio(sell); r > worst {
		worst = r
	}
	if worst <= ceiling {
		return 1.0
	}
	return 0.9
}

func rangeRatio(t model.Ticker) float64 {
	if !t.Last.IsPositive() || !t.High.IsPositive() {
		return 0
	}
	return t.High.Sub(t.Low).Div(t.Last).InexactFloat64()
}
