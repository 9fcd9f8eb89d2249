package audit

import (
	"context"
	"log/slog"

	"arbiter/internal/model"
)

// Sink persists the audit trail of the engine. Implementations must be safe
// for concurrent use; a failing sink must never block the trade path.
type Sink interface {
	RecordOpportunity(ctx context.Context, opp model.Opportunity) error
	RecordTrade(ctx context.Context, trade model.TradeExecution) error
	RecordRollback(ctx context.Context, result model.RollbackResult) error
}

// MultiSink fans each record out to every child sink. Child errors are
// logged and swallowed so one broken sink cannot starve the others.
type MultiSink struct {
	logger *slog.Logger
	sinks  []Sink
}

func NewMultiSink(logger *slog.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{logger: logger, sinks: sinks}
}

func (m *MultiSink) RecordOpportunity(ctx context.Context, opp model.Opportunity) error {
	for _, s := range m.sinks {
		if err := s.RecordOpportunity(ctx, opp); err != nil {
			m.logger.Error("audit sink failed", "record", "opportunity", "id", opp.ID, "error", err)
		}
	}
	return nil
}

func (m *MultiSink) RecordTrade(ctx context.Context, trade model.TradeExecution) error {
	for _, s := range m.sinks {
		if err := s.RecordTrade(ctx, trade); err != nil {
			m.logger.Error("audit sink failed", "record", "trade", "trade_id", trade.TradeID, "error", err)
		}
	}
	return nil
}

func (m *MultiSink) RecordRollback(ctx context.Context, result model.RollbackResult) error {
	for _, s := range m.sinks {
		if err := s.RecordRollback(ctx, result); err != nil {
			m.logger.Error("audit sink failed", "record", "rollback", "rollback_id", result.RollbackID, "error", err)
		}
	}
	return nil
}
