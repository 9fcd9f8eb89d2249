package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"arbiter/internal/audit"
	"arbiter/internal/config"
	"arbiter/internal/engine"
	"arbiter/internal/feed"
	"arbiter/internal/model"
	"arbiter/internal/rollback"
	"arbiter/internal/router"
	"arbiter/internal/spread"
	"arbiter/internal/stats"
	"arbiter/internal/venue"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("cannot load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, &cfg); err != nil {
		logger.Error("engine exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	st := stats.New()

	fees := spread.NewFeeTable()
	for name, fc := range cfg.Fees {
		fees.Update(feeStructure(name, fc))
	}
	slips := spread.NewSlippageBook()
	for name, sc := range cfg.Slippage {
		vc, ok := cfg.Venues[name]
		if !ok {
			continue
		}
		for _, symbol := range vc.Symbols {
			slips.Update(model.SlippageModel{
				Venue:           name,
				Symbol:          symbol,
				Base:            decimal.NewFromFloat(sc.Base),
				LinearCoef:      decimal.NewFromFloat(sc.LinearCoef),
				LiquidityFactor: decimal.NewFromFloat(sc.LiquidityFactor),
			})
		}
	}

	rtr := router.New(logger, routerConfig(cfg.TradingEngine))
	registerVenues(logger, rtr, cfg)

	sink, closeSink, err := buildSink(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	rb := rollback.NewManager(logger, st, rtr, rollbackPolicy(cfg.Rollback), func(res model.RollbackResult) {
		logger.Error("ROLLBACK ABANDONED, manual intervention required",
			"rollback_id", res.RollbackID,
			"trade_id", res.TradeID,
			"remaining_exposure", res.RemainingExposure)
	})

	processor := feed.NewProcessor(logger, st, cfg.Spread.ClockSkew(), nil)

	eng, err := engine.New(logger, st, cfg.TradingEngine, rtr, rb, sink, processor)
	if err != nil {
		return err
	}

	calc := spread.NewCalculator(logger, st, processor, fees, slips, spreadConfig(cfg), func(opp model.Opportunity) {
		if sink != nil {
			if err := sink.RecordOpportunity(ctx, opp); err != nil {
				logger.Error("opportunity audit failed", "opportunity_id", opp.ID, "error", err)
			}
		}
		if err := eng.Submit(opp); err != nil {
			logger.Debug("opportunity rejected", "opportunity_id", opp.ID, "reason", err)
		}
	})
	processor.SetHandler(calc.OnTicker)
	processor.Start(ctx)
	defer processor.Stop()

	// Realized fills retrain the slippage model and advance fee volume tiers.
	eng.SetCallbacks(engine.Callbacks{
		OnExecution: func(trade model.TradeExecution) {
			for _, leg := range trade.Legs() {
				if !leg.Filled() {
					continue
				}
				calc.ObserveSlippage(leg.Order.Venue, leg.Order.Symbol, leg.FilledQty, leg.Order.Price, leg.AvgFillPrice)
				fees.RecordVolume(leg.Order.Venue, leg.AvgFillPrice.Mul(leg.FilledQty))
			}
		},
	})

	eng.Start(ctx)
	defer eng.Stop()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()
	sub := feed.NewRedisSubscriber(logger, client, processor, st, cfg.Redis.Channels)
	go func() {
		if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("ticker subscriber stopped", "error", err)
		}
	}()

	// Periodic order-book refresh so the calculator can walk real depth
	// instead of the linear model.
	go func() {
		tick := time.NewTicker(5 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				for _, name := range rtr.VenueNames() {
					adapter, ok := rtr.Venue(name)
					if !ok {
						continue
					}
					for _, symbol := range cfg.Venues[name].Symbols {
						depth, err := adapter.Depth(ctx, symbol, 20)
						if err != nil || !depth.Valid() {
							continue
						}
						calc.UpdateDepth(depth)
					}
				}
			}
		}
	}()

	if vc, ok := cfg.Venues["binance"]; ok && vc.Enabled && vc.DirectWSFeed {
		for _, symbol := range vc.Symbols {
			bridge := feed.NewBinanceBridge(logger, processor, symbol)
			go func() {
				if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("binance bridge stopped", "error", err)
				}
			}()
		}
	}

	logger.Info("arbiter running",
		"venues", rtr.VenueNames(),
		"redis", cfg.Redis.Address,
		"paper_trading", cfg.TradingEngine.EnablePaperTrading)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

// registerVenues wires a paper adapter per configured venue. Live adapters
// replace this once venue credentials are plumbed through.
func registerVenues(logger *slog.Logger, rtr *router.Router, cfg *config.Config) {
	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		pc := venue.DefaultPaperConfig()
		pc.SyntheticSlippage = decimal.NewFromFloat(cfg.TradingEngine.PaperSyntheticSlippage)
		if fc, ok := cfg.Fees[name]; ok {
			pc.TakerFee = decimal.NewFromFloat(fc.Taker)
			pc.MakerFee = decimal.NewFromFloat(fc.Maker)
		}
		if vc.MinOrderSize > 0 {
			pc.MinOrder = decimal.NewFromFloat(vc.MinOrderSize)
		}
		if vc.MaxOrderSize > 0 {
			pc.MaxOrder = decimal.NewFromFloat(vc.MaxOrderSize)
		}
		if vc.PriceTick > 0 {
			pc.Tick = decimal.NewFromFloat(vc.PriceTick)
		}
		balances := map[string]decimal.Decimal{
			"USDT": decimal.NewFromInt(100000),
			"EUR":  decimal.NewFromInt(100000),
			"BTC":  decimal.NewFromInt(10),
			"ETH":  decimal.NewFromInt(100),
		}
		rtr.Register(venue.NewPaperAdapter(name, pc, balances, logger))
	}
}

func buildSink(ctx context.Context, logger *slog.Logger, cfg *config.Config) (audit.Sink, func(), error) {
	var sinks []audit.Sink

	lineFile, err := os.OpenFile("trades.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	sinks = append(sinks, audit.NewLineSink(lineFile))

	var pool *pgxpool.Pool
	if cfg.Database.Host != "" {
		pool, err = pgxpool.New(ctx, cfg.Database.ConnString())
		if err != nil {
			lineFile.Close()
			return nil, nil, err
		}
		pg := audit.NewPostgresSink(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			lineFile.Close()
			pool.Close()
			return nil, nil, err
		}
		sinks = append(sinks, pg)
	}

	closer := func() {
		lineFile.Close()
		if pool != nil {
			pool.Close()
		}
	}
	return audit.NewMultiSink(logger, sinks...), closer, nil
}

func feeStructure(name string, fc config.FeeConfig) model.FeeStructure {
	fs := model.FeeStructure{
		Venue:           name,
		Maker:           decimal.NewFromFloat(fc.Maker),
		Taker:           decimal.NewFromFloat(fc.Taker),
		Withdrawal:      decimal.NewFromFloat(fc.Withdrawal),
		SymbolOverrides: make(map[string]decimal.Decimal, len(fc.SymbolOverrides)),
	}
	for symbol, rate := range fc.SymbolOverrides {
		fs.SymbolOverrides[symbol] = decimal.NewFromFloat(rate)
	}
	for _, tier := range fc.VolumeTiers {
		fs.VolumeTiers = append(fs.VolumeTiers, model.VolumeTier{
			MinVolume: decimal.NewFromFloat(tier.MinVolume),
			FeeRate:   decimal.NewFromFloat(tier.FeeRate),
		})
	}
	return fs
}

func routerConfig(tc config.TradingEngineConfig) router.Config {
	rc := router.DefaultConfig()
	rc.OrderTimeout = tc.OrderTimeout()
	rc.ExecutionTimeout = tc.ExecutionTimeout()
	rc.PollInterval = tc.PollInterval()
	rc.CancelGrace = tc.CancelGrace()
	rc.MaxRetryAttempts = tc.MaxRetryAttempts
	rc.RetryDelay = tc.RetryDelay()
	rc.SlippageTolerance = decimal.NewFromFloat(tc.SlippageTolerance)
	rc.FeeBuffer = decimal.NewFromFloat(tc.FeeBuffer)
	rc.MaxPositionSize = decimal.NewFromFloat(tc.MaxPositionSize)
	return rc
}

func spreadConfig(cfg *config.Config) spread.Config {
	return spread.Config{
		SpreadThresholdPct: cfg.TradingEngine.MinSpreadThreshold,
		MinProfitThreshold: decimal.NewFromFloat(cfg.TradingEngine.MinProfitThreshold),
		Validity:           cfg.TradingEngine.OpportunityValidity(),
		VolumeFraction:     decimal.NewFromFloat(cfg.Spread.VolumeFraction),
		HardQuantityCap:    decimal.NewFromFloat(cfg.Spread.HardQuantityCap),
		MaxTickerAge:       cfg.Spread.MaxTickerAge(),
		VolatilityCeiling:  cfg.Spread.VolatilityCeiling,
	}
}

// rollbackPolicy overlays the configured strategy and budget maps on the
// defaults. Viper lowercases map keys on unmarshal, so keys are normalized
// back to the upper-case enum spellings before lookup.
func rollbackPolicy(rc config.RollbackConfig) rollback.Policy {
	policy := rollback.DefaultPolicy()
	for trigger, strategy := range rc.DefaultStrategies {
		policy.Strategies[model.RollbackTrigger(strings.ToUpper(trigger))] = model.RollbackStrategy(strings.ToUpper(strategy))
	}
	for severity, ms := range rc.MaxRollbackTimesMS {
		if sev, ok := severityByName(strings.ToUpper(severity)); ok {
			policy.Budgets[sev] = time.Duration(ms) * time.Millisecond
		}
	}
	if rc.MaxMarketImpact > 0 {
		policy.MaxMarketImpact = decimal.NewFromFloat(rc.MaxMarketImpact)
	}
	if rc.MaxSlicesPerLeg > 0 {
		policy.MaxSlices = rc.MaxSlicesPerLeg
	}
	if rc.SmartWeights != (config.SmartWeights{}) {
		policy.Weights = rollback.Weights{
			Depth:      rc.SmartWeights.Depth,
			Volatility: rc.SmartWeights.Volatility,
			Urgency:    rc.SmartWeights.Urgency,
		}
	}
	return policy
}

func severityByName(name string) (model.RollbackSeverity, bool) {
	switch name {
	case "LOW":
		return model.SeverityLow, true
	case "MEDIUM":
		return model.SeverityMedium, true
	case "HIGH":
		return model.SeverityHigh, true
	case "CRITICAL":
		return model.SeverityCritical, true
	}
	return 0, false
}
