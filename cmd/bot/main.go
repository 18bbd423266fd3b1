package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pairtrader/internal/engine"
	"pairtrader/internal/gateway"
	"pairtrader/internal/orchestrator"
	"pairtrader/internal/receiver"
	"pairtrader/internal/store"
	"pairtrader/internal/strategy"
	"pairtrader/internal/types"
)

// Config holds the application configuration
type Config struct {
	APIKey    string
	SecretKey string
	Port      int
	MockMode  bool
	LogLevel  string

	Mode                types.Mode
	Interval            string
	Pairs               []string
	ConfidenceThreshold float64
	FeeRate             float64
	MaxOpenTrades       int
	DefaultLeverage     int
	DefaultQuantity     float64
	DefaultINRAmount    float64
	INRPerUSDT          float64
	PaperStartBalance   float64
	ActiveStrategy      string

	PollInterval  time.Duration
	CycleInterval time.Duration
	BatchSize     int
	BufferSize    int
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := loadConfig()
	logger := setupLogger(cfg.LogLevel)

	logger.Info("Starting pairtrader",
		"mode", cfg.Mode,
		"mock_mode", cfg.MockMode,
		"interval", cfg.Interval,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Persistence: Postgres when configured, memory otherwise
	var st store.Store
	if os.Getenv("POSTGRES_HOST") != "" {
		pg, err := store.NewPostgres(ctx, logger)
		if err != nil {
			logger.Error("Failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		st = pg
	} else {
		logger.Info("No POSTGRES_HOST set, using in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	if err := st.InitSchema(ctx); err != nil {
		logger.Error("Failed to initialize schema", "error", err)
		os.Exit(1)
	}

	// Seed pair configs from the environment on first run
	if err := seedPairConfigs(ctx, st, cfg); err != nil {
		logger.Error("Failed to seed pair configs", "error", err)
		os.Exit(1)
	}

	// Strategy registry; a persisted runtime switch wins over the env default
	activeName := cfg.ActiveStrategy
	if persisted, err := st.ActiveStrategy(ctx); err == nil && persisted != "" {
		activeName = persisted
	}
	registry, err := strategy.NewRegistry(activeName, logger)
	if err != nil {
		logger.Error("Invalid active strategy", "name", activeName, "error", err)
		os.Exit(1)
	}

	// Gateway: mock when requested, Binance futures otherwise
	var gw gateway.Gateway
	if cfg.MockMode {
		logger.Info("Running in MOCK MODE - no real exchange calls")
		gw = gateway.NewMock()
	} else {
		if cfg.Mode == types.ModeReal && (cfg.APIKey == "" || cfg.SecretKey == "") {
			logger.Error("API_KEY and SECRET_KEY are required for real mode")
			os.Exit(1)
		}
		gw = gateway.NewBinanceFutures(cfg.APIKey, cfg.SecretKey, logger)
	}

	wallet := engine.NewPaperWallet(st, logger)

	orch := orchestrator.New(orchestrator.Config{
		Mode:                cfg.Mode,
		Interval:            cfg.Interval,
		PollInterval:        cfg.PollInterval,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		FeeRate:             cfg.FeeRate,
		MaxOpenTrades:       cfg.MaxOpenTrades,
		BufferSize:          cfg.BufferSize,
		INRPerUSDT:          cfg.INRPerUSDT,
	}, gw, st, registry, wallet, logger)

	sched := orchestrator.NewScheduler(orchestrator.SchedulerConfig{
		CycleInterval:       cfg.CycleInterval,
		BatchSize:           cfg.BatchSize,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Interval:            cfg.Interval,
		BufferSize:          cfg.BufferSize,
		DefaultLeverage:     cfg.DefaultLeverage,
		DefaultQuantity:     cfg.DefaultQuantity,
		DefaultINRAmount:    cfg.DefaultINRAmount,
	}, gw, st, registry, logger)

	httpReceiver := receiver.NewHTTPReceiver(cfg.Port, st, sched, orch, registry, wallet, cfg.PaperStartBalance, logger)

	go func() {
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Orchestrator exited", "error", err)
		}
	}()
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Batch scheduler exited", "error", err)
		}
	}()
	if err := httpReceiver.Start(ctx); err != nil {
		logger.Error("Failed to start HTTP receiver", "error", err)
		os.Exit(1)
	}

	logger.Info("pairtrader is running",
		"http_endpoint", "http://127.0.0.1:"+strconv.Itoa(cfg.Port),
	)
	logger.Info("Press Ctrl+C to stop")

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpReceiver.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP receiver", "error", err)
	}

	cancel()
	if err := gw.Close(); err != nil {
		logger.Error("Error closing gateway", "error", err)
	}

	logger.Info("pairtrader stopped gracefully")
}

// seedPairConfigs inserts rows for PAIRS that the store does not know yet.
// Existing rows win so scheduler and operator toggles survive restarts.
func seedPairConfigs(ctx context.Context, st store.Store, cfg Config) error {
	existing, err := st.PairConfigs(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, pc := range existing {
		known[pc.Pair] = true
	}
	for _, pair := range cfg.Pairs {
		if known[pair] {
			continue
		}
		err := st.UpsertPairConfig(ctx, types.PairConfig{
			Pair:      pair,
			Enabled:   true,
			Leverage:  cfg.DefaultLeverage,
			Quantity:  cfg.DefaultQuantity,
			INRAmount: cfg.DefaultINRAmount,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// loadConfig loads configuration from environment variables
func loadConfig() Config {
	port := 9090
	if p := os.Getenv("PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			port = parsed
		}
	}

	mockMode := false
	if m := os.Getenv("MOCK_MODE"); m != "" {
		mockMode = m == "true" || m == "1" || m == "yes"
	}

	// paper is the default for safety
	mode := types.ModePaper
	if strings.EqualFold(os.Getenv("TRADING_MODE"), "real") {
		mode = types.ModeReal
	}

	var pairs []string
	for _, p := range strings.Split(os.Getenv("PAIRS"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			pairs = append(pairs, strings.ToUpper(p))
		}
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	activeStrategy := os.Getenv("ACTIVE_STRATEGY")
	if activeStrategy == "" {
		activeStrategy = strategy.NameComposite
	}

	return Config{
		APIKey:              os.Getenv("API_KEY"),
		SecretKey:           os.Getenv("SECRET_KEY"),
		Port:                port,
		MockMode:            mockMode,
		LogLevel:            logLevel,
		Mode:                mode,
		Interval:            envOr("CANDLE_INTERVAL", "5m"),
		Pairs:               pairs,
		ConfidenceThreshold: envFloat("CONFIDENCE_THRESHOLD", 75),
		FeeRate:             envFloat("FEE_RATE", 0.0005),
		MaxOpenTrades:       envInt("MAX_OPEN_TRADES", 5),
		DefaultLeverage:     envInt("DEFAULT_LEVERAGE", 1),
		DefaultQuantity:     envFloat("DEFAULT_QUANTITY", 0),
		DefaultINRAmount:    envFloat("DEFAULT_INR_AMOUNT", 1000),
		INRPerUSDT:          envFloat("INR_PER_USDT", 84),
		PaperStartBalance:   envFloat("PAPER_START_BALANCE", 10000),
		ActiveStrategy:      activeStrategy,
		PollInterval:        envDuration("POLL_INTERVAL", 30*time.Second),
		CycleInterval:       envDuration("BATCH_CYCLE_INTERVAL", 10*time.Minute),
		BatchSize:           envInt("BATCH_SIZE", 5),
		BufferSize:          envInt("CANDLE_BUFFER_SIZE", 200),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// setupLogger configures the structured logger
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}
