// Package spread computes effective cross-venue spreads net of fees and
// slippage and emits validated arbitrage opportunities.
package spread

import (
	"sync"

	"github.com/shopspring/decimal"

	"arbiter/internal/model"
)

// FeeTable holds per-venue fee schedules plus the rolling traded volume used
// for tier selection. Hot-reloadable; readers take the read lock.
type FeeTable struct {
	mu      sync.RWMutex
	venues  map[string]model.FeeStructure
	volumes map[string]decimal.Decimal
}

// NewFeeTable creates an empty table.
func NewFeeTable() *FeeTable {
	return &FeeTable{
		venues:  make(map[string]model.FeeStructure),
		volumes: make(map[string]decimal.Decimal),
	}
}

// Update replaces the fee structure for a venue.
func (f *FeeTable) Update(fs model.FeeStructure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.venues[fs.Venue] = fs
}

// RecordVolume adds executed notional to a venue's rolling volume.
func (f *FeeTable) RecordVolume(venue string, notional decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[venue] = f.volumes[venue].Add(notional)
}

// defaultRate mirrors the common exchange taker fee, used when a venue has
// no configured schedule.
var defaultRate = decimal.NewFromFloat(0.001)

// Rate resolves the fee rate for one order. Resolution order: symbol
// override, then the volume tier the venue's rolling volume qualifies for,
// then the base maker/taker rate.
func (f *FeeTable) Rate(venue, symbol string, maker bool) decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()

	fs, ok := f.venues[venue]
	if !ok {
		return defaultRate
	}
	if override, ok := fs.SymbolOverrides[symbol]; ok {
		return override
	}

	rate := fs.Taker
	if maker {
		rate = fs.Maker
	}

	volume := f.volumes[venue]
	for _, tier := range fs.VolumeTiers {
		if volume.GreaterThanOrEqual(tier.MinVolume) {
			rate = tier.FeeRate
		}
	}
	return rate
}

// TradingFee returns the absolute fee for quantity at price.
func (f *FeeTable) TradingFee(venue, symbol string, quantity, price decimal.Decimal, maker bool) decimal.Decimal {
	return f.Rate(venue, symbol, maker).Mul(quantity).Mul(price)
}

// WithdrawalFee returns the venue's flat withdrawal fee.
func (f *FeeTable) WithdrawalFee(venue string) decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if fs, ok := f.venues[venue]; ok {
		return fs.Withdrawal
	}
	return decimal.Zero
}
