package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BenFisher1984/web-execution-agent/config"
	"github.com/BenFisher1984/web-execution-agent/internal/adapters/binancebroker"
	"github.com/BenFisher1984/web-execution-agent/internal/adapters/logger"
	"github.com/BenFisher1984/web-execution-agent/internal/adapters/paperbroker"
	"github.com/BenFisher1984/web-execution-agent/internal/adapters/sqlite"
	"github.com/BenFisher1984/web-execution-agent/internal/domain"
	"github.com/BenFisher1984/web-execution-agent/internal/engine"
	"github.com/BenFisher1984/web-execution-agent/internal/engine/evaluator"
	"github.com/BenFisher1984/web-execution-agent/internal/engine/ticks"
	"github.com/BenFisher1984/web-execution-agent/internal/ports"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	if cfg.LogFormat == "json" {
		appLogger = logger.NewLogrusLogger(cfg.LogLevel, cfg.LogFormat)
	} else {
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Broker and Market Data Adapters
	var (
		broker ports.BrokerAdapter
		paper  *paperbroker.Broker
	)
	switch cfg.Broker {
	case "binance":
		binanceBroker, err := binancebroker.New(binancebroker.Config{
			APIKey:               cfg.APIKey,
			SecretKey:            cfg.SecretKey,
			UseTestnet:           cfg.IsTestnet,
			Logger:               appLogger,
			ReconnectDelay:       cfg.ReconnectDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance broker")
			log.Fatalf("FATAL: Failed to initialize Binance broker: %v", err)
		}
		broker = binanceBroker
	default:
		paper = paperbroker.New(appLogger)
		broker = paper
	}
	appLogger.Info(context.Background(), "Broker initialized", map[string]interface{}{"broker": cfg.Broker})

	// Tick streams are public endpoints; the paper broker rides them too.
	marketData, err := binancebroker.NewMarketData(binancebroker.Config{
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize market data client")
		log.Fatalf("FATAL: Failed to initialize market data client: %v", err)
	}

	// 5. Initialize Engine
	executor, err := engine.NewExecutor(broker, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize order executor")
		log.Fatalf("FATAL: Failed to initialize order executor: %v", err)
	}

	manager, err := engine.NewManager(engine.ManagerConfig{
		Logger:   appLogger,
		Repo:     repo,
		Executor: executor,
		Broker:   broker,
		Limits: evaluator.PortfolioLimits{
			BuyingPower:     cfg.BuyingPower,
			MaxPositionSize: cfg.MaxPositionSize,
			MaxLossPerTrade: cfg.MaxLossPerTrade,
			MaxOpenTrades:   cfg.MaxOpenTrades,
		},
		VolLookback: cfg.VolatilityLookback,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trade manager")
		log.Fatalf("FATAL: Failed to initialize trade manager: %v", err)
	}

	consume := func(ctx context.Context, tick domain.Tick, window []float64) {
		if paper != nil {
			paper.SetPrice(tick.Symbol, tick.Price)
		}
		manager.OnTick(ctx, tick, window)
	}
	tickHandler := ticks.NewHandler(appLogger, consume, cfg.TickQueueSize, cfg.RollingWindowSize)

	agent, err := engine.NewAgent(engine.AgentConfig{
		Logger:     appLogger,
		Manager:    manager,
		Executor:   executor,
		Broker:     broker,
		MarketData: marketData,
		Ticks:      tickHandler,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize agent")
		log.Fatalf("FATAL: Failed to initialize agent: %v", err)
	}
	appLogger.Info(context.Background(), "Engine initialized")

	// 6. Metrics endpoint
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			appLogger.Info(context.Background(), "Metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				appLogger.Error(context.Background(), err, "Metrics endpoint failed")
			}
		}()
	}

	// 7. Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Engine failed to start")
		log.Fatalf("FATAL: Engine failed to start: %v", err)
	}

	<-ctx.Done()
	appLogger.Info(context.Background(), "Shutdown signal received")

	shutdownCtx := context.Background()
	agent.Stop(shutdownCtx)
	appLogger.Info(shutdownCtx, "Application finished gracefully.")
}
