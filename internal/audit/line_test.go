package audit

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestLineSink_RecordOpportunity(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLineSink(&buf)

	at := time.Date(2025, 6, 1, 12, 0, 0, 42, time.UTC)
	opp := model.Opportunity{
		Symbol:         "BTC/USDT",
		BuyVenue:       "binance",
		SellVenue:      "upbit",
		BuyPrice:       dec("50050"),
		SellPrice:      dec("50150"),
		Quantity:       dec("0.1"),
		SpreadPct:      0.1998,
		ExpectedProfit: dec("2.4875"),
		Confidence:     0.85,
		SlippageEst:    dec("1.1"),
		TotalFees:      dec("7.5125"),
		DetectedAt:     at,
	}
	require.NoError(t, sink.RecordOpportunity(context.Background(), opp))

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	line = strings.TrimSuffix(line, "\n")

	assert.True(t, strings.HasPrefix(line, "arbitrage_opportunity,symbol=BTC/USDT,buy_venue=binance,sell_venue=upbit "), line)
	assert.Contains(t, line, "buy_price=50050")
	assert.Contains(t, line, "spread_pct=0.1998")
	assert.Contains(t, line, "confidence=0.85")
	assert.True(t, strings.HasSuffix(line, " "+strconv.FormatInt(at.UnixNano(), 10)), "nanosecond epoch timestamp")
}

func TestLineSink_TagEscaping(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLineSink(&buf)

	opp := model.Opportunity{
		Symbol:    "BTC USDT,spot=1",
		BuyVenue:  "binance",
		SellVenue: "upbit",
	}
	require.NoError(t, sink.RecordOpportunity(context.Background(), opp))

	line := buf.String()
	assert.Contains(t, line, `symbol=BTC\ USDT\,spot\=1,`, line)
	fields := strings.SplitN(line, " buy_price", 2)
	require.Len(t, fields, 2, "escaped space must not terminate the tag set")
}

func TestLineSink_RecordTrade(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLineSink(&buf)

	completed := time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC)
	submitted := completed.Add(-45 * time.Millisecond)
	trade := model.TradeExecution{
		TradeID:        "trade-1",
		Symbol:         "BTC/USDT",
		BuyVenue:       "binance",
		SellVenue:      "upbit",
		Quantity:       dec("0.1"),
		ExpectedProfit: dec("2.4875"),
		ActualProfit:   dec("2.4862"),
		TotalFees:      dec("7.5138"),
		Result:         model.ResultSuccess,
		BuyLeg: model.OrderExecution{
			Order:        model.Order{ID: "o-buy", Venue: "binance", Symbol: "BTC/USDT", Side: model.Buy},
			VenueOrderID: "v-1",
			Status:       model.OrderFilled,
			FilledQty:    dec("0.1"),
			AvgFillPrice: dec("50075"),
			Fees:         dec("5.0075"),
			SubmittedAt:  submitted,
			Latency:      45 * time.Millisecond,
		},
		SellLeg: model.OrderExecution{
			Order:        model.Order{ID: "o-sell", Venue: "upbit", Symbol: "BTC/USDT", Side: model.Sell},
			VenueOrderID: "v-2",
			Status:       model.OrderFilled,
			FilledQty:    dec("0.1"),
			AvgFillPrice: dec("50125"),
			Fees:         dec("2.5063"),
			SubmittedAt:  submitted,
			Latency:      38 * time.Millisecond,
		},
		CompletedAt: completed,
		Latency:     60 * time.Millisecond,
	}
	require.NoError(t, sink.RecordTrade(context.Background(), trade))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3, "one trade line plus one per leg")

	assert.True(t, strings.HasPrefix(lines[0], "trade_execution,trade_id=trade-1,"), lines[0])
	assert.Contains(t, lines[0], "result=SUCCESS")
	assert.Contains(t, lines[0], "executed_quantity=0.1")
	assert.Contains(t, lines[0], "execution_latency_ms=60i", "integer fields carry the i suffix")
	assert.True(t, strings.HasSuffix(lines[0], strconv.FormatInt(completed.UnixNano(), 10)))

	assert.True(t, strings.HasPrefix(lines[1], "order_execution,trade_id=trade-1,order_id=o-buy,"), lines[1])
	assert.Contains(t, lines[1], "side=BUY")
	assert.Contains(t, lines[1], "execution_latency_ms=45i")
	assert.True(t, strings.HasPrefix(lines[2], "order_execution,trade_id=trade-1,order_id=o-sell,"), lines[2])
	assert.Contains(t, lines[2], "average_fill_price=50125")
}

func TestLineSink_RecordRollback(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLineSink(&buf)

	finished := time.Date(2025, 6, 1, 12, 0, 2, 0, time.UTC)
	res := model.RollbackResult{
		RollbackID:        "rb-1",
		TradeID:           "trade-1",
		Strategy:          model.MarketClose,
		Trigger:           model.TriggerExecutionTimeout,
		Severity:          model.SeverityHigh,
		Success:           true,
		InitialExposure:   dec("5002.5"),
		RecoveredAmount:   dec("4999.99"),
		RemainingExposure: dec("2.51"),
		Cost:              dec("5"),
		FinishedAt:        finished,
	}
	require.NoError(t, sink.RecordRollback(context.Background(), res))

	line := strings.TrimSuffix(buf.String(), "\n")
	assert.True(t, strings.HasPrefix(line, "rollback_execution,rollback_id=rb-1,trade_id=trade-1,"), line)
	assert.Contains(t, line, "strategy=MARKET_CLOSE")
	assert.Contains(t, line, "severity=HIGH")
	assert.Contains(t, line, "success=true", "booleans are bare true/false")
	assert.Contains(t, line, "remaining_exposure=2.51")
	assert.True(t, strings.HasSuffix(line, strconv.FormatInt(finished.UnixNano(), 10)))
}
