package audit

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"arbiter/internal/model"
)

// LineSink encodes audit records in influx line protocol
// (measurement,tag=v field=v... epoch_ns) and appends them to a writer,
// one line per record. Tag keys and values escape comma, space and equals.
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

var tagEscaper = strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`)

func escapeTag(s string) string {
	return tagEscaper.Replace(s)
}

// lineBuilder accumulates one line protocol entry.
type lineBuilder struct {
	b         strings.Builder
	hasFields bool
}

func newLine(measurement string) *lineBuilder {
	l := &lineBuilder{}
	l.b.WriteString(escapeTag(measurement))
	return l
}

func (l *lineBuilder) tag(key, value string) *lineBuilder {
	l.b.WriteByte(',')
	l.b.WriteString(escapeTag(key))
	l.b.WriteByte('=')
	l.b.WriteString(escapeTag(value))
	return l
}

func (l *lineBuilder) sep() {
	if l.hasFields {
		l.b.WriteByte(',')
	} else {
		l.b.WriteByte(' ')
		l.hasFields = true
	}
}

func (l *lineBuilder) dec(key string, value decimal.Decimal) *lineBuilder {
	l.sep()
	l.b.WriteString(key)
	l.b.WriteByte('=')
	l.b.WriteString(value.String())
	return l
}

func (l *lineBuilder) float(key string, value float64) *lineBuilder {
	l.sep()
	l.b.WriteString(key)
	l.b.WriteByte('=')
	l.b.WriteString(strconv.FormatFloat(value, 'g', -1, 64))
	return l
}

func (l *lineBuilder) int(key string, value int64) *lineBuilder {
	l.sep()
	l.b.WriteString(key)
	l.b.WriteByte('=')
	l.b.WriteString(strconv.FormatInt(value, 10))
	l.b.WriteByte('i')
	return l
}

func (l *lineBuilder) boolean(key string, value bool) *lineBuilder {
	l.sep()
	l.b.WriteString(key)
	l.b.WriteByte('=')
	l.b.WriteString(strconv.FormatBool(value))
	return l
}

func (l *lineBuilder) finish(epochNanos int64) string {
	l.b.WriteByte(' ')
	l.b.WriteString(strconv.FormatInt(epochNanos, 10))
	l.b.WriteByte('\n')
	return l.b.String()
}

func (s *LineSink) write(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, line); err != nil {
		return fmt.Errorf("write audit line: %w", err)
	}
	return nil
}

func (s *LineSink) RecordOpportunity(_ context.Context, opp model.Opportunity) error {
	line := newLine("arbitrage_opportunity").
		tag("symbol", opp.Symbol).
		tag("buy_venue", opp.BuyVenue).
		tag("sell_venue", opp.SellVenue).
		dec("buy_price", opp.BuyPrice).
		dec("sell_price", opp.SellPrice).
		dec("quantity", opp.Quantity).
		float("spread_pct", opp.SpreadPct).
		dec("expected_profit", opp.ExpectedProfit).
		float("confidence", opp.Confidence).
		dec("estimated_slippage", opp.SlippageEst).
		dec("total_fees", opp.TotalFees).
		finish(opp.DetectedAt.UnixNano())
	return s.write(line)
}

func (s *LineSink) RecordTrade(_ context.Context, trade model.TradeExecution) error {
	filled := decimal.Min(trade.BuyLeg.FilledQty, trade.SellLeg.FilledQty)
	line := newLine("trade_execution").
		tag("trade_id", trade.TradeID).
		tag("symbol", trade.Symbol).
		tag("buy_venue", trade.BuyVenue).
		tag("sell_venue", trade.SellVenue).
		tag("result", string(trade.Result)).
		dec("quantity", trade.Quantity).
		dec("executed_quantity", filled).
		dec("expected_profit", trade.ExpectedProfit).
		dec("actual_profit", trade.ActualProfit).
		dec("total_fees", trade.TotalFees).
		int("execution_latency_ms", trade.Latency.Milliseconds()).
		finish(trade.CompletedAt.UnixNano())
	if err := s.write(line); err != nil {
		return err
	}
	for _, leg := range trade.Legs() {
		if err := s.recordLeg(trade.TradeID, leg); err != nil {
			return err
		}
	}
	return nil
}

func (s *LineSink) recordLeg(tradeID string, leg model.OrderExecution) error {
	line := newLine("order_execution").
		tag("trade_id", tradeID).
		tag("order_id", leg.Order.ID).
		tag("venue_order_id", leg.VenueOrderID).
		tag("venue", leg.Order.Venue).
		tag("symbol", leg.Order.Symbol).
		tag("side", string(leg.Order.Side)).
		tag("status", string(leg.Status)).
		dec("filled_quantity", leg.FilledQty).
		dec("remaining_quantity", leg.RemainingQty).
		dec("average_fill_price", leg.AvgFillPrice).
		dec("total_fees", leg.Fees).
		int("execution_latency_ms", leg.Latency.Milliseconds()).
		finish(leg.SubmittedAt.UnixNano())
	return s.write(line)
}

func (s *LineSink) RecordRollback(_ context.Context, result model.RollbackResult) error {
	line := newLine("rollback_execution").
		tag("rollback_id", result.RollbackID).
		tag("trade_id", result.TradeID).
		tag("strategy", string(result.Strategy)).
		tag("trigger", string(result.Trigger)).
		tag("severity", result.Severity.String()).
		boolean("success", result.Success).
		dec("initial_exposure", result.InitialExposure).
		dec("recovered_amount", result.RecoveredAmount).
		dec("remaining_exposure", result.RemainingExposure).
		dec("cost", result.Cost).
		finish(result.FinishedAt.UnixNano())
	return s.write(line)
}
