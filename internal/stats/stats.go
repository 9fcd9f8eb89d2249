// Package stats keeps process-wide trading counters. Counts are plain atomics
// so readers never block writers; money totals carry decimals and take a short
// mutex instead.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Statistics aggregates counters and running totals for the engine lifetime.
// All counters are monotonic non-decreasing.
type Statistics struct {
	opportunitiesDetected atomic.Int64
	opportunitiesExecuted atomic.Int64
	successfulTrades      atomic.Int64
	failedTrades          atomic.Int64
	rollbacks             atomic.Int64
	rollbacksFailed       atomic.Int64
	parseErrors           atomic.Int64
	validationDrops       atomic.Int64
	duplicateDrops        atomic.Int64
	staleTickers          atomic.Int64
	backpressureRejects   atomic.Int64
	tickersProcessed      atomic.Int64

	totalExecutionNS atomic.Int64
	executionSamples atomic.Int64
	fastestNS        atomic.Int64
	slowestNS        atomic.Int64

	mu          sync.Mutex
	profitLoss  decimal.Decimal
	feesPaid    decimal.Decimal
	volume      decimal.Decimal
	sessionFrom time.Time
}

// New creates a zeroed statistics aggregate.
func New() *Statistics {
	s := &Statistics{sessionFrom: time.Now()}
	s.fastestNS.Store(int64(time.Hour)) // sentinel until first sample
	return s
}

func (s *Statistics) OpportunityDetected() { s.opportunitiesDetected.Add(1) }
func (s *Statistics) OpportunityExecuted() { s.opportunitiesExecuted.Add(1) }
func (s *Statistics) ParseError()          { s.parseErrors.Add(1) }
func (s *Statistics) ValidationDrop()      { s.validationDrops.Add(1) }
func (s *Statistics) DuplicateDrop()       { s.duplicateDrops.Add(1) }
func (s *Statistics) StaleTicker()         { s.staleTickers.Add(1) }
func (s *Statistics) BackpressureReject()  { s.backpressureRejects.Add(1) }
func (s *Statistics) TickerProcessed()     { s.tickersProcessed.Add(1) }

// RollbackRecorded counts a concluded rollback; failed ones are counted twice,
// once here and once in the failure counter.
func (s *Statistics) RollbackRecorded(success bool) {
	s.rollbacks.Add(1)
	if !success {
		s.rollbacksFailed.Add(1)
	}
}

// TradeRecorded folds one terminal trade into the totals.
func (s *Statistics) TradeRecorded(success bool, profit, fees, volume decimal.Decimal, took time.Duration) {
	if success {
		s.successfulTrades.Add(1)
	} else {
		s.failedTrades.Add(1)
	}

	ns := took.Nanoseconds()
	s.totalExecutionNS.Add(ns)
	s.executionSamples.Add(1)
	for {
		fastest := s.fastestNS.Load()
		if ns >= fastest || s.fastestNS.CompareAndSwap(fastest, ns) {
			break
		}
	}
	for {
		slowest := s.slowestNS.Load()
		if ns <= slowest || s.slowestNS.CompareAndSwap(slowest, ns) {
			break
		}
	}

	s.mu.Lock()
	s.profitLoss = s.profitLoss.Add(profit)
	s.feesPaid = s.feesPaid.Add(fees)
	s.volume = s.volume.Add(volume)
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of every statistic.
type Snapshot struct {
	OpportunitiesDetected int64
	OpportunitiesExecuted int64
	SuccessfulTrades      int64
	FailedTrades          int64
	Rollbacks             int64
	RollbacksFailed       int64
	ParseErrors           int64
	ValidationDrops       int64
	DuplicateDrops        int64
	StaleTickers          int64
	BackpressureRejects   int64
	TickersProcessed      int64
	TotalProfitLoss       decimal.Decimal
	TotalFeesPaid         decimal.Decimal
	TotalVolume           decimal.Decimal
	AverageExecution      time.Duration
	FastestExecution      time.Duration
	SlowestExecution      time.Duration
	SuccessRate           float64
	Uptime                time.Duration
}

// Snapshot captures the current values. Counters are read individually, so
// the snapshot is not a transaction across them.
func (s *Statistics) Snapshot() Snapshot {
	snap := Snapshot{
		OpportunitiesDetected: s.opportunitiesDetected.Load(),
		OpportunitiesExecuted: s.opportunitiesExecuted.Load(),
		SuccessfulTrades:      s.successfulTrades.Load(),
		FailedTrades:          s.failedTrades.Load(),
		Rollbacks:             s.rollbacks.Load(),
		RollbacksFailed:       s.rollbacksFailed.Load(),
		ParseErrors:           s.parseErrors.Load(),
		ValidationDrops:       s.validationDrops.Load(),
		DuplicateDrops:        s.duplicateDrops.Load(),
		StaleTickers:          s.staleTickers.Load(),
		BackpressureRejects:   s.backpressureRejects.Load(),
		TickersProcessed:      s.tickersProcessed.Load(),
	}

	if samples := s.executionSamples.Load(); samples > 0 {
		snap.AverageExecution = time.Duration(s.totalExecutionNS.Load() / samples)
		snap.FastestExecution = time.Duration(s.fastestNS.Load())
		snap.SlowestExecution = time.Duration(s.slowestNS.Load())
	}
	if total := snap.SuccessfulTrades + snap.FailedTrades; total > 0 {
		snap.SuccessRate = float64(snap.SuccessfulTrades) / float64(total)
	}

	s.mu.Lock()
	snap.TotalProfitLoss = s.profitLoss
	snap.TotalFeesPaid = s.feesPaid
	snap.TotalVolume = s.volume
	snap.Uptime = time.Since(s.sessionFrom)
	s.mu.Unlock()

	return snap
}
