package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arbiter/internal/model"
)

// Schema creates the audit tables. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS arbitrage_opportunities (
	id              VARCHAR(64) PRIMARY KEY,
	symbol          VARCHAR(20) NOT NULL,
	buy_venue       VARCHAR(50) NOT NULL,
	sell_venue      VARCHAR(50) NOT NULL,
	buy_price       NUMERIC(20, 8) NOT NULL,
	sell_price      NUMERIC(20, 8) NOT NULL,
	quantity        NUMERIC(20, 8) NOT NULL,
	expected_profit NUMERIC(20, 8) NOT NULL,
	spread_pct      DOUBLE PRECISION NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL,
	total_fees      NUMERIC(20, 8) NOT NULL,
	slippage_est    NUMERIC(20, 8) NOT NULL,
	detected_at     TIMESTAMPTZ NOT NULL,
	valid_until     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_executions (
	trade_id        VARCHAR(64) PRIMARY KEY,
	opportunity_id  VARCHAR(64) NOT NULL,
	symbol          VARCHAR(20) NOT NULL,
	buy_venue       VARCHAR(50) NOT NULL,
	sell_venue      VARCHAR(50) NOT NULL,
	quantity        NUMERIC(20, 8) NOT NULL,
	expected_profit NUMERIC(20, 8) NOT NULL,
	actual_profit   NUMERIC(20, 8) NOT NULL,
	total_fees      NUMERIC(20, 8) NOT NULL,
	result          VARCHAR(30) NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ NOT NULL,
	latency_ms      BIGINT NOT NULL,
	error_msg       TEXT NOT NULL DEFAULT '',
	rolled_back     BOOLEAN NOT NULL DEFAULT FALSE,
	rollback_id     VARCHAR(64) NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS order_executions (
	id             SERIAL PRIMARY KEY,
	trade_id       VARCHAR(64) NOT NULL,
	order_id       VARCHAR(64) NOT NULL,
	venue_order_id VARCHAR(64) NOT NULL DEFAULT '',
	venue          VARCHAR(50) NOT NULL,
	symbol         VARCHAR(20) NOT NULL,
	side           VARCHAR(10) NOT NULL,
	order_type     VARCHAR(10) NOT NULL,
	status         VARCHAR(20) NOT NULL,
	quantity       NUMERIC(20, 8) NOT NULL,
	price          NUMERIC(20, 8) NOT NULL,
	filled_qty     NUMERIC(20, 8) NOT NULL,
	avg_fill_price NUMERIC(20, 8) NOT NULL,
	fees           NUMERIC(20, 8) NOT NULL,
	submitted_at   TIMESTAMPTZ NOT NULL,
	error_msg      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rollback_results (
	rollback_id        VARCHAR(64) PRIMARY KEY,
	trade_id           VARCHAR(64) NOT NULL,
	strategy           VARCHAR(30) NOT NULL,
	trigger_reason     VARCHAR(40) NOT NULL,
	severity           VARCHAR(10) NOT NULL,
	success            BOOLEAN NOT NULL,
	initial_exposure   NUMERIC(20, 8) NOT NULL,
	recovered_amount   NUMERIC(20, 8) NOT NULL,
	remaining_exposure NUMERIC(20, 8) NOT NULL,
	cost               NUMERIC(20, 8) NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL,
	finished_at        TIMESTAMPTZ NOT NULL,
	notes              TEXT NOT NULL DEFAULT ''
);
`

// PostgresSink writes audit records to postgres through a pgx pool.
type PostgresSink struct {
	Pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{Pool: pool}
}

// EnsureSchema creates the audit tables if they do not exist yet.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) RecordOpportunity(ctx context.Context, opp model.Opportunity) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO arbitrage_opportunities (
			id, symbol, buy_venue, sell_venue, buy_price, sell_price, quantity,
			expected_profit, spread_pct, confidence, total_fees, slippage_est,
			detected_at, valid_until
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		opp.ID, opp.Symbol, opp.BuyVenue, opp.SellVenue, opp.BuyPrice, opp.SellPrice,
		opp.Quantity, opp.ExpectedProfit, opp.SpreadPct, opp.Confidence, opp.TotalFees,
		opp.SlippageEst, opp.DetectedAt, opp.ValidUntil)
	if err != nil {
		return fmt.Errorf("insert opportunity: %w", err)
	}
	return nil
}

// RecordTrade stores the trade and both legs in one transaction.
func (s *PostgresSink) RecordTrade(ctx context.Context, trade model.TradeExecution) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin trade insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO trade_executions (
			trade_id, opportunity_id, symbol, buy_venue, sell_venue, quantity,
			expected_profit, actual_profit, total_fees, result, started_at,
			completed_at, latency_ms, error_msg, rolled_back, rollback_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		trade.TradeID, trade.OpportunityID, trade.Symbol, trade.BuyVenue, trade.SellVenue,
		trade.Quantity, trade.ExpectedProfit, trade.ActualProfit, trade.TotalFees,
		string(trade.Result), trade.StartedAt, trade.CompletedAt,
		trade.Latency.Milliseconds(), trade.ErrorMsg, trade.RolledBack, trade.RollbackID)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", trade.TradeID, err)
	}

	for _, leg := range trade.Legs() {
		if err := insertLeg(ctx, tx, trade.TradeID, leg); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit trade %s: %w", trade.TradeID, err)
	}
	return nil
}

func insertLeg(ctx context.Context, tx pgx.Tx, tradeID string, leg model.OrderExecution) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_executions (
			trade_id, order_id, venue_order_id, venue, symbol, side, order_type,
			status, quantity, price, filled_qty, avg_fill_price, fees,
			submitted_at, error_msg
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		tradeID, leg.Order.ID, leg.VenueOrderID, leg.Order.Venue, leg.Order.Symbol,
		string(leg.Order.Side), string(leg.Order.Type), string(leg.Status),
		leg.Order.Quantity, leg.Order.Price, leg.FilledQty, leg.AvgFillPrice,
		leg.Fees, leg.SubmittedAt, leg.ErrorMsg)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", leg.Order.ID, err)
	}
	return nil
}

func (s *PostgresSink) RecordRollback(ctx context.Context, result model.RollbackResult) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO rollback_results (
			rollback_id, trade_id, strategy, trigger_reason, severity, success,
			initial_exposure, recovered_amount, remaining_exposure, cost,
			started_at, finished_at, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		result.RollbackID, result.TradeID, string(result.Strategy), string(result.Trigger),
		result.Severity.String(), result.Success, result.InitialExposure,
		result.RecoveredAmount, result.RemainingExposure, result.Cost,
		result.StartedAt, result.FinishedAt, result.Notes)
	if err != nil {
		return fmt.Errorf("insert rollback %s: %w", result.RollbackID, err)
	}
	return nil
}
