// Package main is the coordinator process entry point: it wires the quote
// cache, idempotency store, risk gate, executor, priority queue, event
// router, coordinator runtime, cycle engine, meta-governor clocks, and the
// operator control surface into one running process. Flag parsing and the
// zap encoder config follow cmd/server/main.go's setupLogger exactly
// (teacher convention); config loading adds a viper layer (a config file
// plus COORDINATOR_* environment variables) that is read only for
// quotes.history_cap. The market/strategy/risk/governor settings are not
// loaded from it; those components start from their Default* configs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/trading-backend/internal/control"
	"github.com/atlas-desktop/trading-backend/internal/coordinator"
	"github.com/atlas-desktop/trading-backend/internal/cryptoagent"
	"github.com/atlas-desktop/trading-backend/internal/cycle"
	"github.com/atlas-desktop/trading-backend/internal/domain"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/executor"
	"github.com/atlas-desktop/trading-backend/internal/executor/adapters"
	"github.com/atlas-desktop/trading-backend/internal/governor"
	"github.com/atlas-desktop/trading-backend/internal/idempotency"
	"github.com/atlas-desktop/trading-backend/internal/position"
	"github.com/atlas-desktop/trading-backend/internal/queue"
	"github.com/atlas-desktop/trading-backend/internal/quotes"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/straddle"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file layered under env/flag overrides")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	controlAddr := flag.String("control-addr", ":8090", "operator control surface listen address")
	dryRun := flag.Bool("paper", true, "run the executor in dry-run (paper) mode")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	v := loadConfig(*configPath)

	logger.Info("starting coordinator",
		zap.String("control_addr", *controlAddr),
		zap.Bool("paper", *dryRun))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- A: quote cache -------------------------------------------------
	quoteCache := quotes.NewCache(logger, v.GetInt("quotes.history_cap"))

	// --- B: idempotency store -------------------------------------------
	idemStore := idempotency.NewStore(logger)

	// --- C: risk gate -----------------------------------------------------
	riskCfg := risk.DefaultGlobalConfig()
	riskMgr := risk.NewManager(logger, riskCfg)
	riskMgr.RegisterAgent("crypto-arb-1", risk.AgentConfig{
		MaxOrderValue:        decimal.NewFromInt(1000),
		MaxTotalExposure:     decimal.NewFromInt(5000),
		MaxUnhedgedPositions: 1,
		MaxDailyLoss:         decimal.NewFromInt(500),
		AllowedMarkets:       map[string]struct{}{},
	})

	// --- D: order executor ------------------------------------------------
	paperAdapter := adapters.NewPaperAdapter(logger)
	execCfg := executor.DefaultConfig()
	exec, err := executor.New(logger, paperAdapter, execCfg, idemStore)
	if err != nil {
		logger.Fatal("failed to build executor", zap.Error(err))
	}

	// --- E: priority queue -------------------------------------------------
	q := queue.New(logger, queue.DefaultConfig())

	// --- G: event router ---------------------------------------------------
	router := events.NewRouter(logger)

	// --- H: coordinator runtime ---------------------------------------------
	coordCfg := coordinator.DefaultConfig()
	coord := coordinator.New(logger, coordCfg, router, q)

	// --- F: position aggregator, tracking open exposure per agent x market
	// x token x side as execution reports land -- fed directly by the
	// cycle engine on every leg1/leg2 fill and unwind.
	positions := position.New(logger)

	// --- I: two-leg cycle engine, wrapped as an events.Agent ----------------
	cycleCfg := cycle.DefaultConfig()
	engine := cycle.New(logger, cycleCfg, riskMgr, quoteCache, exec, cycle.NopPersister{}, positions, "crypto")
	cryptoAgent := cryptoagent.New(logger, "crypto-arb-1", "crypto", engine, coord)

	// --- K: straddle coordinator, driven by the crypto agent alongside its
	// two-leg cycle on the same underlying spot symbol.
	straddleMgr := straddle.NewManager(logger, straddle.DefaultConfig())
	cryptoAgent.WithStraddle(straddleMgr, "BTCUSDT", cycleCfg.Shares, quoteCache, exec)

	if err := coord.RegisterAgent("crypto-arb-1", "Crypto Arb", "crypto", cryptoAgent, events.KindQuoteUpdate); err != nil {
		logger.Fatal("failed to register crypto agent", zap.Error(err))
	}
	cmds, _ := coord.Commands("crypto-arb-1")
	cryptoAgent.BindCommands(cmds)

	// --- J: meta-governor clocks --------------------------------------------
	regimeDetector := governor.NewRegimeDetector(logger, governor.DefaultRegimeConfig(), quoteCache)
	perfTracker := governor.NewPerformanceTracker(logger, governor.DefaultPerformanceConfig())
	allocator := governor.NewAllocator(logger, governor.DefaultPerformanceConfig())
	conflicts := governor.NewConflictDetector(logger)

	if err := coord.Start(ctx); err != nil {
		logger.Fatal("failed to start coordinator", zap.Error(err))
	}
	go cryptoAgent.Run(ctx, 10*time.Second)
	go runGovernorClocks(ctx, logger, coord, regimeDetector, perfTracker, allocator, conflicts, positions)

	controlCfg := control.DefaultConfig()
	controlCfg.Addr = *controlAddr
	controlSrv := control.NewServer(logger, controlCfg, coord)
	controlSrv.MountMetrics("queue", q.Registry())
	go func() {
		if err := controlSrv.Start(); err != nil {
			logger.Warn("control surface stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := controlSrv.Stop(shutdownCtx); err != nil {
		logger.Warn("control surface shutdown error", zap.Error(err))
	}
	coord.Stop()
	logger.Info("coordinator stopped cleanly")
}

// runGovernorClocks drives the regime/performance/allocation clocks on
// their own tickers per spec.md 4.J, publishing merged policy updates and
// applying pause/resume actions through the coordinator.
func runGovernorClocks(
	ctx context.Context,
	logger *zap.Logger,
	coord *coordinator.Coordinator,
	regimeDetector *governor.RegimeDetector,
	perfTracker *governor.PerformanceTracker,
	allocator *governor.Allocator,
	conflicts *governor.ConflictDetector,
	positions *position.Aggregator,
) {
	regimeTicker := time.NewTicker(30 * time.Second)
	perfTicker := time.NewTicker(60 * time.Second)
	allocTicker := time.NewTicker(120 * time.Second)
	defer regimeTicker.Stop()
	defer perfTicker.Stop()
	defer allocTicker.Stop()

	var currentRegime domain.MarketRegime = domain.RegimeRanging

	for {
		select {
		case <-ctx.Done():
			return
		case <-regimeTicker.C:
			snap := regimeDetector.Tick()
			currentRegime = snap.Regime
			logger.Info("regime tick", zap.String("regime", string(snap.Regime)), zap.Float64("confidence", snap.Confidence))
		case <-perfTicker.C:
			state := coord.State()
			now := time.Now()
			for id, snap := range state.Agents {
				if id == "meta-governor" {
					continue
				}
				perfTracker.Observe(id, snap.DailyPnL, now)
			}
		case <-allocTicker.C:
			state := coord.State()
			scores := make(map[string]domain.AgentPerformance)
			running := coord.RunningAgentIDs()
			now := time.Now()
			for id := range state.Agents {
				scores[id] = perfTracker.Score(id, now)
			}
			update, actions := allocator.Decide(currentRegime, scores, running, now)
			for _, action := range actions {
				if action.Pause {
					if err := coord.Pause(action.AgentID); err != nil {
						logger.Warn("allocator pause failed", zap.String("agent_id", action.AgentID), zap.Error(err))
					}
				} else {
					if err := coord.Resume(action.AgentID); err != nil {
						logger.Warn("allocator resume failed", zap.String("agent_id", action.AgentID), zap.Error(err))
					}
				}
			}
			coord.PublishPolicy(update)

			views := make([]governor.PositionView, 0)
			for _, p := range positions.AllOpenPositions() {
				views = append(views, governor.PositionView{AgentID: p.AgentID, MarketSlug: p.MarketSlug, Side: p.Side})
			}
			pairs := conflicts.Detect(views)
			for _, action := range conflicts.Resolve(pairs, scores, running, now) {
				if err := coord.Pause(action.AgentID); err != nil {
					logger.Warn("conflict pause failed", zap.String("agent_id", action.AgentID), zap.Error(err))
				}
			}
		}
	}
}

func loadConfig(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("COORDINATOR")
	v.AutomaticEnv()
	v.SetDefault("quotes.history_cap", 512)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not read config file %s: %v\n", path, err)
		}
	}
	return v
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
