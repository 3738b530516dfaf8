package main

import (
	"context"
	"log" // Use standard log only for fatal errors before the logger is set up

	"optionbot/config"
	"optionbot/internal/adapters/logger"
	"optionbot/internal/adapters/paperbroker"
	"optionbot/internal/adapters/sqlite"
	"optionbot/internal/adapters/tickfeed"
	"optionbot/internal/app"
	"optionbot/internal/domain"
	"optionbot/internal/execution"
	"optionbot/internal/ledger"
	"optionbot/internal/market"
	"optionbot/internal/risk"
	"optionbot/internal/strategy"
)

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
	})
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized", map[string]interface{}{"path": cfg.DBPath})

	// 4. Initialize the Simulated Broker
	broker, err := paperbroker.New(paperbroker.Config{
		InitialCash:      cfg.InitialCapital,
		LimitOrderWindow: cfg.LimitOrderWindow,
	}, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize paper broker")
		log.Fatalf("FATAL: Failed to initialize paper broker: %v", err)
	}
	appLogger.Info(ctx, "Paper broker initialized", map[string]interface{}{"cash": cfg.InitialCapital})

	// 5. Initialize the Synthetic Tick Feed
	underlying := domain.Contract{
		Symbol:   cfg.UnderlyingSymbol,
		Token:    cfg.UnderlyingToken,
		Exchange: cfg.UnderlyingExchange,
		LotSize:  cfg.LotSize,
	}
	feed, err := tickfeed.New(tickfeed.Config{
		Underlying:    underlying,
		StartPrice:    cfg.SpotStartPrice,
		TickInterval:  cfg.TickInterval,
		VolatilityPct: cfg.VolatilityPct,
	}, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize tick feed")
		log.Fatalf("FATAL: Failed to initialize tick feed: %v", err)
	}

	// 6. Option chain and contract resolution
	chain, err := market.BuildChain(market.ChainParams{
		Underlying:  cfg.UnderlyingSymbol,
		Exchange:    cfg.OptionExchange,
		Spot:        cfg.SpotStartPrice,
		StrikeStep:  cfg.StrikeStep,
		StrikeCount: cfg.StrikeCount,
		LotSize:     cfg.LotSize,
		Expiry:      cfg.Expiry,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to build option chain")
		log.Fatalf("FATAL: Failed to build option chain: %v", err)
	}
	resolver, err := market.NewOptionResolver(chain)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize option resolver")
		log.Fatalf("FATAL: Failed to initialize option resolver: %v", err)
	}
	appLogger.Info(ctx, "Option chain built", map[string]interface{}{"contracts": len(chain)})

	// 7. Market clock
	clock, err := market.NewClock(market.ClockConfig{
		OpenTime:      cfg.MarketOpen,
		CloseTime:     cfg.MarketClose,
		SquareoffTime: cfg.SquareoffTime,
		Timezone:      cfg.Timezone,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize market clock")
		log.Fatalf("FATAL: Failed to initialize market clock: %v", err)
	}

	// 8. Risk governor and position ledger
	governor, err := risk.NewGovernor(risk.Config{
		MaxDailyLoss: cfg.MaxDailyLoss,
		SizingMode:   cfg.SizingMode,
		SizingValue:  cfg.SizingValue,
	}, broker, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize risk governor")
		log.Fatalf("FATAL: Failed to initialize risk governor: %v", err)
	}
	posLedger := ledger.New(repo, appLogger)

	// 9. Execution: entry controller and exit manager
	controller, err := execution.NewController(execution.ControllerConfig{
		EntryKind:         cfg.EntryOrderKind,
		LimitTolerancePct: cfg.LimitTolerancePct,
		OrderTimeout:      cfg.OrderTimeout,
		MaxDriftPct:       cfg.MaxDriftPct,
		LTPRetries:        cfg.LTPRetries,
		LTPInterval:       cfg.LTPInterval,
	}, broker, feed, resolver, governor, posLedger, repo, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize execution controller")
		log.Fatalf("FATAL: Failed to initialize execution controller: %v", err)
	}

	exits, err := execution.NewExitManager(execution.ExitConfig{
		SLPct:               cfg.StopLossPct,
		TPPct:               cfg.TakeProfitPct,
		TrailingEnabled:     cfg.TrailingEnabled,
		BreakevenTriggerPct: cfg.BreakevenTriggerPct,
		MinStopMovePct:      cfg.MinStopMovePct,
		UseBrokerExits:      cfg.UseBrokerExits,
	}, broker, controller, governor, posLedger, clock, repo, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize exit manager")
		log.Fatalf("FATAL: Failed to initialize exit manager: %v", err)
	}

	// 10. Strategy
	strat, err := strategy.NewEMACrossover(strategy.EMACrossoverConfig{
		FastPeriod: cfg.FastEMAPeriod,
		SlowPeriod: cfg.SlowEMAPeriod,
	}, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize strategy")
		log.Fatalf("FATAL: Failed to initialize strategy: %v", err)
	}

	// 11. Session service
	aggregator := market.NewCandleAggregator(cfg.UnderlyingSymbol, cfg.CandleInterval)
	service, err := app.NewService(app.ServiceConfig{
		Underlying: underlying,
	}, appLogger, feed, broker, broker, controller, exits, posLedger, strat, clock, aggregator, repo)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize session service")
		log.Fatalf("FATAL: Failed to initialize session service: %v", err)
	}
	appLogger.Info(ctx, "Session service initialized")

	// 12. Run
	if err := service.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Trading session exited with error")
		log.Fatalf("FATAL: Trading session exited with error: %v", err)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}
