package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/config"
	"arbiter/internal/model"
	"arbiter/internal/router"
	"arbiter/internal/stats"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// stubExecutor returns a canned result, optionally blocking until released or
// the trade context dies.
type stubExecutor struct {
	mu       sync.Mutex
	calls    []model.Opportunity
	result   router.Result
	err      error
	onCancel router.Result // returned instead when the context dies while blocked
	block    chan struct{} // nil means return immediately
}

func (s *stubExecutor) ExecuteArbitrage(ctx context.Context, opp model.Opportunity) (router.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, opp)
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return s.onCancel, nil
		}
	}
	return s.result, s.err
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubExecutor) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, opp := range s.calls {
		out[i] = opp.ID
	}
	return out
}

type stubRollbacker struct {
	mu       sync.Mutex
	triggers []model.RollbackTrigger
	result   model.RollbackResult
}

func (s *stubRollbacker) Rollback(_ context.Context, failed router.Result, trigger model.RollbackTrigger, severity model.RollbackSeverity) model.RollbackResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, trigger)
	r := s.result
	r.TradeID = failed.TradeID
	r.Trigger = trigger
	r.Severity = severity
	return r
}

// memSink records audit writes for assertions.
type memSink struct {
	mu            sync.Mutex
	opportunities []model.Opportunity
	trades        []model.TradeExecution
	rollbacks     []model.RollbackResult
}

func (s *memSink) RecordOpportunity(_ context.Context, opp model.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opportunities = append(s.opportunities, opp)
	return nil
}

func (s *memSink) RecordTrade(_ context.Context, trade model.TradeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trade)
	return nil
}

func (s *memSink) RecordRollback(_ context.Context, res model.RollbackResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks = append(s.rollbacks, res)
	return nil
}

func (s *memSink) tradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

type stubTickers map[string]model.Ticker

func (s stubTickers) Latest(venue, symbol string) (model.Ticker, bool) {
	t, ok := s[venue+"|"+symbol]
	return t, ok
}

func testConfig() config.TradingEngineConfig {
	return config.TradingEngineConfig{
		Enabled:               true,
		MaxConcurrentTrades:   4,
		MaxQueueSize:          8,
		WorkerCount:           1,
		DrainTimeoutMS:        2000,
		OpportunityValidityMS: 5000,
		EnableRollback:        true,
	}
}

func opportunity(id string) model.Opportunity {
	now := time.Now()
	return model.Opportunity{
		ID:             id,
		Symbol:         "BTC/USDT",
		BuyVenue:       "binance",
		SellVenue:      "upbit",
		BuyPrice:       dec("50050"),
		SellPrice:      dec("50150"),
		Quantity:       dec("0.1"),
		ExpectedProfit: dec("2.4875"),
		Confidence:     0.9,
		DetectedAt:     now,
		ValidUntil:     now.Add(5 * time.Second),
		RiskApproved:   true,
	}
}

func successResult() router.Result {
	return router.Result{
		BuyLeg: model.OrderExecution{
			Order:        model.Order{Venue: "binance", Symbol: "BTC/USDT", Side: model.Buy},
			Status:       model.OrderFilled,
			FilledQty:    dec("0.1"),
			AvgFillPrice: dec("50075"),
			Fees:         dec("5.0075"),
		},
		SellLeg: model.OrderExecution{
			Order:        model.Order{Venue: "upbit", Symbol: "BTC/USDT", Side: model.Sell},
			Status:       model.OrderFilled,
			FilledQty:    dec("0.1"),
			AvgFillPrice: dec("50125"),
			Fees:         dec("2.5063"),
		},
		Outcome:        model.ResultSuccess,
		RealizedProfit: dec("2.4862"),
		TotalFees:      dec("7.5138"),
	}
}

func newTestEngine(t *testing.T, cfg config.TradingEngineConfig, exec Executor, rb Rollbacker, sink *memSink, tickers TickerSource) (*Engine, *stats.Statistics) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	st := stats.New()
	e, err := New(logger, st, cfg, exec, rb, sink, tickers)
	require.NoError(t, err)
	return e, st
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEngine_ExecutesOpportunity(t *testing.T) {
	exec := &stubExecutor{result: successResult()}
	sink := &memSink{}
	e, st := newTestEngine(t, testConfig(), exec, &stubRollbacker{}, sink, nil)

	done := make(chan model.TradeExecution, 1)
	e.SetCallbacks(Callbacks{OnExecution: func(tr model.TradeExecution) { done <- tr }})

	e.Start(context.Background())
	defer e.Stop()

	require.NoError(t, e.Submit(opportunity("opp-1")))

	var trade model.TradeExecution
	select {
	case trade = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("execution callback never fired")
	}

	assert.Equal(t, "opp-1", trade.OpportunityID)
	assert.Equal(t, model.ResultSuccess, trade.Result)
	assert.True(t, dec("2.4862").Equal(trade.ActualProfit))
	assert.False(t, trade.RolledBack)

	waitFor(t, func() bool { return sink.tradeCount() == 1 }, "audit record")
	snap := st.Snapshot()
	assert.Equal(t, int64(1), snap.OpportunitiesExecuted)
	assert.Equal(t, int64(1), snap.SuccessfulTrades)
	assert.True(t, dec("2.4862").Equal(snap.TotalProfitLoss))

	completed := e.Completed(time.Minute)
	require.Len(t, completed, 1)
	assert.Equal(t, trade.TradeID, completed[0].TradeID)
}

func TestEngine_Backpressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	cfg.MaxConcurrentTrades = 5
	release := make(chan struct{})
	exec := &stubExecutor{result: successResult(), block: release}
	e, st := newTestEngine(t, cfg, exec, &stubRollbacker{}, &memSink{}, nil)

	e.Start(context.Background())
	defer e.Stop()

	// First submission is picked up by the single worker and blocks; the next
	// two occupy the queue; the fourth overflows.
	require.NoError(t, e.Submit(opportunity("opp-1")))
	waitFor(t, func() bool { return exec.callCount() == 1 }, "worker pickup")
	require.NoError(t, e.Submit(opportunity("opp-2")))
	require.NoError(t, e.Submit(opportunity("opp-3")))

	err := e.Submit(opportunity("opp-4"))
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), st.Snapshot().BackpressureRejects)
	assert.Equal(t, 2, e.QueueDepth())

	close(release)
	waitFor(t, func() bool { return len(e.Completed(time.Minute)) == 3 }, "queue drain")
	assert.Equal(t, []string{"opp-1", "opp-2", "opp-3"}, exec.callOrder(), "dispatch is first-in first-out")
}

func TestEngine_ConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentTrades = 1
	cfg.WorkerCount = 2
	release := make(chan struct{})
	exec := &stubExecutor{result: successResult(), block: release}
	e, st := newTestEngine(t, cfg, exec, &stubRollbacker{}, &memSink{}, nil)

	e.Start(context.Background())
	defer e.Stop()

	require.NoError(t, e.Submit(opportunity("opp-1")))
	waitFor(t, func() bool { return len(e.Active()) == 1 }, "first trade active")

	err := e.Submit(opportunity("opp-2"))
	require.ErrorIs(t, err, ErrTooManyActive)
	assert.Equal(t, int64(1), st.Snapshot().BackpressureRejects)

	close(release)
	waitFor(t, func() bool { return len(e.Active()) == 0 }, "trade completion")
	require.NoError(t, e.Submit(opportunity("opp-3")))
}

func TestEngine_EmergencyStop(t *testing.T) {
	partial := successResult()
	partial.SellLeg.Status = model.OrderCanceled
	partial.SellLeg.FilledQty = decimal.Zero
	partial.SellLeg.AvgFillPrice = decimal.Zero
	partial.Outcome = model.ResultPartialSuccess
	partial.RequiresRollback = true

	release := make(chan struct{})
	defer close(release)
	exec := &stubExecutor{result: successResult(), onCancel: partial, block: release}
	rb := &stubRollbacker{result: model.RollbackResult{RollbackID: "rb-1", Success: true}}
	e, _ := newTestEngine(t, testConfig(), exec, rb, &memSink{}, nil)

	rolled := make(chan model.RollbackResult, 1)
	e.SetCallbacks(Callbacks{OnRollback: func(r model.RollbackResult) { rolled <- r }})

	e.Start(context.Background())
	defer e.Stop()

	require.NoError(t, e.Submit(opportunity("opp-1")))
	waitFor(t, func() bool { return len(e.Active()) == 1 }, "trade in flight")

	e.EmergencyStop()
	assert.True(t, e.EmergencyStopped())
	require.ErrorIs(t, e.Submit(opportunity("opp-2")), ErrEmergencyStop)

	var res model.RollbackResult
	select {
	case res = <-rolled:
	case <-time.After(3 * time.Second):
		t.Fatal("rollback callback never fired")
	}
	assert.Equal(t, model.TriggerEmergencyStop, res.Trigger)
	assert.GreaterOrEqual(t, res.Severity, model.SeverityHigh)

	// The latch survives repeated invocation and further submissions.
	e.EmergencyStop()
	require.ErrorIs(t, e.Submit(opportunity("opp-3")), ErrEmergencyStop)
}

func TestEngine_ResetEmergencyStop(t *testing.T) {
	exec := &stubExecutor{result: successResult()}
	e, _ := newTestEngine(t, testConfig(), exec, &stubRollbacker{}, &memSink{}, nil)

	e.Start(context.Background())
	e.EmergencyStop()
	require.ErrorIs(t, e.Submit(opportunity("opp-1")), ErrEmergencyStop)

	// The latch cannot be cleared while the engine runs.
	require.ErrorIs(t, e.ResetEmergencyStop(), ErrStillRunning)
	assert.True(t, e.EmergencyStopped())

	e.Stop()
	require.NoError(t, e.ResetEmergencyStop())
	assert.False(t, e.EmergencyStopped())

	e.Start(context.Background())
	defer e.Stop()
	require.NoError(t, e.Submit(opportunity("opp-2")))
	waitFor(t, func() bool { return exec.callCount() == 1 }, "execution after reset")
}

func TestTriggerFor(t *testing.T) {
	rejectedSell := successResult()
	rejectedSell.SellLeg.Status = model.OrderRejected
	rejectedSell.SellLeg.FilledQty = decimal.Zero
	rejectedSell.Outcome = model.ResultPartialSuccess

	failedBuy := successResult()
	failedBuy.BuyLeg.Status = model.OrderFailed
	failedBuy.Outcome = model.ResultFailure

	timedOut := successResult()
	timedOut.Outcome = model.ResultTimeout

	unevenFills := successResult()
	unevenFills.SellLeg.FilledQty = dec("0.04")
	unevenFills.Outcome = model.ResultPartialSuccess

	cases := []struct {
		name string
		res  router.Result
		want model.RollbackTrigger
	}{
		{"rejected leg is an order failure", rejectedSell, model.TriggerOrderFailure},
		{"failed leg is an order failure", failedBuy, model.TriggerOrderFailure},
		{"timeout wins over leg status", timedOut, model.TriggerExecutionTimeout},
		{"uneven fills without rejection time out the partial", unevenFills, model.TriggerPartialFillTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, triggerFor(tc.res))
		})
	}
}

func TestEngine_RejectedLegRollsBackAsOrderFailure(t *testing.T) {
	res := successResult()
	res.SellLeg.Status = model.OrderRejected
	res.SellLeg.FilledQty = decimal.Zero
	res.SellLeg.AvgFillPrice = decimal.Zero
	res.Outcome = model.ResultPartialSuccess
	res.RequiresRollback = true

	exec := &stubExecutor{result: res}
	rb := &stubRollbacker{result: model.RollbackResult{RollbackID: "rb-1", Success: true}}
	e, _ := newTestEngine(t, testConfig(), exec, rb, &memSink{}, nil)

	rolled := make(chan model.RollbackResult, 1)
	e.SetCallbacks(Callbacks{OnRollback: func(r model.RollbackResult) { rolled <- r }})

	e.Start(context.Background())
	defer e.Stop()

	require.NoError(t, e.Submit(opportunity("opp-1")))

	select {
	case got := <-rolled:
		assert.Equal(t, model.TriggerOrderFailure, got.Trigger)
	case <-time.After(3 * time.Second):
		t.Fatal("rollback callback never fired")
	}
}

func TestEngine_StopIdempotent(t *testing.T) {
	exec := &stubExecutor{result: successResult()}
	e, _ := newTestEngine(t, testConfig(), exec, &stubRollbacker{}, &memSink{}, nil)

	e.Start(context.Background())
	e.Stop()
	e.Stop()

	require.ErrorIs(t, e.Submit(opportunity("opp-1")), ErrNotRunning)
}

func TestEngine_ExpiredOpportunitySkipped(t *testing.T) {
	exec := &stubExecutor{result: successResult()}
	e, st := newTestEngine(t, testConfig(), exec, &stubRollbacker{}, &memSink{}, nil)

	e.Start(context.Background())
	defer e.Stop()

	opp := opportunity("opp-1")
	opp.ValidUntil = time.Now().Add(-time.Second)
	require.NoError(t, e.Submit(opp), "the gate does not re-check freshness")

	waitFor(t, func() bool { return st.Snapshot().ValidationDrops == 1 }, "expiry drop")
	assert.Zero(t, exec.callCount())
}

func TestEngine_DisabledDiscardsWork(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	exec := &stubExecutor{result: successResult()}
	e, _ := newTestEngine(t, cfg, exec, &stubRollbacker{}, &memSink{}, nil)

	e.Start(context.Background())
	defer e.Stop()

	require.NoError(t, e.Submit(opportunity("opp-1")))
	waitFor(t, func() bool { return e.QueueDepth() == 0 }, "queue drain")
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, exec.callCount())
}

func TestEngine_SubmitManualTrade(t *testing.T) {
	now := time.Now()
	tickers := stubTickers{
		"binance|BTC/USDT": {Venue: "binance", Symbol: "BTC/USDT", Bid: dec("49950"), Ask: dec("50050"), At: now},
		"upbit|BTC/USDT":   {Venue: "upbit", Symbol: "BTC/USDT", Bid: dec("50150"), Ask: dec("50250"), At: now},
	}
	exec := &stubExecutor{result: successResult()}
	e, _ := newTestEngine(t, testConfig(), exec, &stubRollbacker{}, &memSink{}, tickers)

	e.Start(context.Background())
	defer e.Stop()

	t.Run("builds the opportunity from live quotes", func(t *testing.T) {
		id, err := e.SubmitManualTrade("BTC/USDT", "binance", "upbit", dec("0.1"))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		waitFor(t, func() bool { return exec.callCount() == 1 }, "manual trade execution")
		exec.mu.Lock()
		opp := exec.calls[0]
		exec.mu.Unlock()
		assert.Equal(t, id, opp.ID)
		assert.True(t, dec("50050").Equal(opp.BuyPrice), "buy at the buy venue ask")
		assert.True(t, dec("50150").Equal(opp.SellPrice), "sell at the sell venue bid")
		assert.Equal(t, 1.0, opp.Confidence)
	})

	t.Run("unknown venue", func(t *testing.T) {
		_, err := e.SubmitManualTrade("BTC/USDT", "kraken", "upbit", dec("0.1"))
		require.ErrorIs(t, err, ErrUnknownTickers)
	})
}

func TestEngine_CancelTrade(t *testing.T) {
	canceled := successResult()
	canceled.SellLeg.Status = model.OrderCanceled
	canceled.SellLeg.FilledQty = decimal.Zero
	canceled.Outcome = model.ResultFailure

	release := make(chan struct{})
	defer close(release)
	exec := &stubExecutor{result: successResult(), onCancel: canceled, block: release}
	e, _ := newTestEngine(t, testConfig(), exec, &stubRollbacker{}, &memSink{}, nil)

	e.Start(context.Background())
	defer e.Stop()

	require.NoError(t, e.Submit(opportunity("opp-1")))
	waitFor(t, func() bool { return len(e.Active()) == 1 }, "trade in flight")

	active := e.Active()
	require.Len(t, active, 1)
	require.NoError(t, e.CancelTrade(active[0].TradeID))

	waitFor(t, func() bool { return len(e.Completed(time.Minute)) == 1 }, "canceled trade completion")
	assert.Equal(t, model.ResultFailure, e.Completed(time.Minute)[0].Result)

	require.ErrorIs(t, e.CancelTrade("no-such-trade"), ErrUnknownTrade)
}
