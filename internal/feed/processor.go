// Package feed ingests ticker updates from external publishers, keeps the
// freshest quote per (venue, symbol), and hands updates to the spread
// calculator in submit order.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"arbiter/internal/model"
	"arbiter/internal/stats"
)

// Handler receives validated tickers after the cache has been updated.
type Handler func(model.Ticker)

var (
	errEmptySymbol = errors.New("feed: empty symbol")
	errEmptyVenue  = errors.New("feed: empty venue")
	errBadQuote    = errors.New("feed: bid/ask out of order or non-positive")
	errClockSkew   = errors.New("feed: instant outside clock skew tolerance")
	errDuplicate   = errors.New("feed: stale or duplicate instant")
)

type tickerKey struct {
	venue  string
	symbol string
}

// Processor validates, deduplicates, and caches tickers. Updates for the same
// key are delivered to the handler in submit order; delivery runs on a single
// notifier goroutine so the handler never needs its own locking against us.
type Processor struct {
	logger  *slog.Logger
	stats   *stats.Statistics
	skew    time.Duration
	handler Handler

	mu      sync.RWMutex
	tickers map[tickerKey]model.Ticker

	queue  chan model.Ticker
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewProcessor creates a processor with the given clock-skew tolerance.
func NewProcessor(logger *slog.Logger, st *stats.Statistics, skew time.Duration, handler Handler) *Processor {
	return &Processor{
		logger:  logger,
		stats:   st,
		skew:    skew,
		handler: handler,
		tickers: make(map[tickerKey]model.Ticker),
		queue:   make(chan model.Ticker, 1024),
	}
}

// SetHandler installs the delivery target. Must be called before Start;
// it exists so the processor and its consumer can be built in either order.
func (p *Processor) SetHandler(h Handler) {
	p.handler = h
}

// Start launches the notifier goroutine. Safe to call once.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-p.queue:
				if p.handler != nil {
					p.handler(t)
				}
			}
		}
	}()
}

// Stop halts delivery. Pending queue entries are discarded.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Submit validates t, updates the cache, and queues notification. Invalid or
// late tickers are dropped and counted; the error reports why.
func (p *Processor) Submit(t model.Ticker) error {
	if err := p.validate(t); err != nil {
		p.stats.ValidationDrop()
		p.logger.Debug("ticker dropped", "venue", t.Venue, "symbol", t.Symbol, "reason", err)
		return err
	}

	t.ReceivedAt = time.Now()
	key := tickerKey{venue: t.Venue, symbol: t.Symbol}

	p.mu.Lock()
	if prev, ok := p.tickers[key]; ok && !t.At.After(prev.At) {
		p.mu.Unlock()
		p.stats.DuplicateDrop()
		return errDuplicate
	}
	p.tickers[key] = t
	// Enqueued before the lock is released so queue order matches cache
	// commit order. The send never blocks; a full queue drops the
	// notification but keeps the cache write.
	notified := true
	select {
	case p.queue <- t:
	default:
		notified = false
	}
	p.mu.Unlock()

	p.stats.TickerProcessed()
	if !notified {
		p.stats.BackpressureReject()
		p.logger.Warn("notification queue full, update not delivered",
			"venue", t.Venue, "symbol", t.Symbol)
	}
	return nil
}

func (p *Processor) validate(t model.Ticker) error {
	if t.Symbol == "" {
		return errEmptySymbol
	}
	if t.Venue == "" {
		return errEmptyVenue
	}
	if !t.Bid.IsPositive() || t.Ask.LessThan(t.Bid) {
		return errBadQuote
	}
	if p.skew > 0 && t.At.After(time.Now().Add(p.skew)) {
		return errClockSkew
	}
	return nil
}

// Latest returns the freshest ticker for (venue, symbol), if any.
func (p *Processor) Latest(venue, symbol string) (model.Ticker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tickers[tickerKey{venue: venue, symbol: symbol}]
	return t, ok
}

// Snapshot returns a consistent copy of every freshest ticker.
func (p *Processor) Snapshot() []model.Ticker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Ticker, 0, len(p.tickers))
	for _, t := range p.tickers {
		out = append(out, t)
	}
	return out
}

// Venues returns every venue currently quoting the symbol, excluding one.
func (p *Processor) Venues(symbol, excluding string) []model.Ticker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []model.Ticker
	for key, t := range p.tickers {
		if key.symbol == symbol && key.venue != excluding {
			out = append(out, t)
		}
	}
	return out
}
