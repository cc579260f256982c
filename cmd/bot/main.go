package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"adaptive-grid-bot/internal/api"
	"adaptive-grid-bot/internal/config"
	"adaptive-grid-bot/internal/downloader"
	"adaptive-grid-bot/internal/exchange"
	"adaptive-grid-bot/internal/feed"
	"adaptive-grid-bot/internal/logger"
	"adaptive-grid-bot/internal/models"
	"adaptive-grid-bot/internal/ordertracker"
	"adaptive-grid-bot/internal/persistence"
	"adaptive-grid-bot/internal/reporter"
	"adaptive-grid-bot/internal/statemanager"
	"adaptive-grid-bot/internal/storage"
	"adaptive-grid-bot/internal/trader"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// 已提交但长时间未成交的订单会被撤销
const orderTimeout = 30 * time.Second

type options struct {
	configPath string
	feedKind   string
}

func main() {
	// --- 命令行参数定义 ---
	var opts options
	flag.StringVar(&opts.configPath, "config", "config.yaml", "path to the config file (.yaml or .json)")
	flag.StringVar(&opts.feedKind, "feed", "stream", "price source: stream or poll (poll needs live mode)")
	flag.Parse()

	// 先用默认配置初始化日志，加载配置文件时也能记录
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	config.LoadCredentials(cfg)

	log := logger.InitLogger(cfg.LogConfig)
	defer log.Sync() // 确保在main函数退出时刷新所有缓冲的日志

	if opts.feedKind != "stream" && opts.feedKind != "poll" {
		log.Fatal("未知的价格源，请选择 'stream' 或 'poll'。", zap.String("feed", opts.feedKind))
	}
	if err := run(cfg, opts, log); err != nil {
		log.Fatal("Bot exited with error", zap.Error(err))
	}
}

// run trades against the live exchange or the simulated ledger with real prices.
func run(cfg *models.Config, opts options, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	journal, err := storage.NewJournal(cfg.JournalPath, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("open order journal: %w", err)
	}
	defer journal.Close()

	// 通过 API 请求的模式切换在重启后生效
	if requested, err := journal.GetMetadata(trader.RequestedModeKey); err != nil {
		log.Warn("Failed to read requested mode", zap.Error(err))
	} else if requested != "" && models.TradingMode(requested) != cfg.TradingMode {
		log.Info("Applying requested trading mode", zap.String("configured", string(cfg.TradingMode)), zap.String("requested", requested))
		cfg.TradingMode = models.TradingMode(requested)
	}
	mode, err := config.ResolveMode(cfg)
	if err != nil {
		return err
	}

	ex, err := newExchange(ctx, cfg, mode, log)
	if err != nil {
		return err
	}

	repo, err := persistence.NewBadgerRepository(cfg.StateDBPath, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer repo.Close()

	restored, err := repo.LoadState()
	if err != nil {
		log.Warn("无法加载状态，将以全新状态启动。", zap.Error(err))
		restored = nil
	}
	if restored != nil && restored.Mode != "" && restored.Mode != mode {
		log.Warn("Persisted state belongs to another trading mode, starting fresh",
			zap.String("persisted", string(restored.Mode)), zap.String("mode", string(mode)))
		restored = nil
	}
	if restored == nil {
		// 状态库丢失时，用订单日志里未完成的订单做一次对账
		active, err := journal.GetActiveOrders()
		if err != nil {
			log.Warn("Failed to read open orders from the journal", zap.Error(err))
		} else if len(active) > 0 {
			log.Warn("No persisted state, reconciling open orders from the journal", zap.Int("orders", len(active)))
			restored = &models.EngineState{Symbol: cfg.Symbol, Mode: mode, OpenOrders: active}
		}
	}

	return runEngine(ctx, engineSetup{
		cfg:       cfg,
		mode:      mode,
		ex:        ex,
		repo:      repo,
		journal:   journal,
		restored:  restored,
		feed:      newFeed(cfg, mode, opts.feedKind, ex, log),
		serveAPI:  cfg.APIListen != "",
		modeStore: journal,
	}, log)
}

type engineSetup struct {
	cfg       *models.Config
	mode      models.TradingMode
	ex        exchange.Exchange
	repo      persistence.StateRepository
	journal   *storage.Journal // nil disables the journal
	restored  *models.EngineState
	feed      feed.Feed
	serveAPI  bool
	modeStore trader.ModeStore
}

func runEngine(ctx context.Context, s engineSetup, log *zap.Logger) error {
	params := config.Params(s.cfg)
	startedAt := time.Now()

	var journal ordertracker.Journal
	if s.journal != nil {
		journal = s.journal
	}
	tracker := ordertracker.NewTracker(s.ex, ordertracker.Config{
		MaxRetries:     params.MaxRetries,
		Cooldown:       params.Cooldown,
		OrderTimeout:   orderTimeout,
		ThrottleLimit:  s.cfg.OrderThrottleLimit,
		ThrottleWindow: time.Duration(s.cfg.OrderThrottleWindowSec) * time.Second,
	}, journal, log)

	initial := s.restored
	if initial == nil {
		initial = &models.EngineState{Symbol: s.cfg.Symbol, Mode: s.mode}
	}
	state := statemanager.NewStateManager(initial, s.repo, log)
	state.Start()

	gridTrader := trader.NewGridTrader(trader.Options{
		Config:    s.cfg,
		Mode:      s.mode,
		Exchange:  s.ex,
		Tracker:   tracker,
		State:     state,
		Restored:  s.restored,
		ModeStore: s.modeStore,
		Logger:    log,
	})
	if err := gridTrader.Start(ctx); err != nil {
		tracker.Drain(time.Second)
		state.Stop()
		return fmt.Errorf("机器人启动失败: %w", err)
	}

	if s.cfg.WarmupKlines > 0 {
		gridTrader.WarmUp(warmupSamples(ctx, s.cfg, log))
	}

	var server *api.Server
	if s.serveAPI {
		var history api.History
		if s.journal != nil {
			history = s.journal
		}
		server = api.NewServer(gridTrader, history, s.cfg.APIListen, log)
		go func() {
			if err := server.Start(); err != nil {
				log.Error("API server stopped", zap.Error(err))
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	ticks := make(chan feed.Tick)
	go func() {
		defer close(ticks)
		if err := s.feed.Run(runCtx, ticks); err != nil {
			log.Error("Price feed stopped", zap.Error(err))
		}
	}()

	runErr := gridTrader.Run(runCtx, ticks)
	cancel()
	if runErr != nil {
		log.Error("Price loop stopped on a fatal fault", zap.Error(runErr))
	}

	if server != nil {
		if err := server.Shutdown(); err != nil {
			log.Warn("API server shutdown", zap.Error(err))
		}
	}
	pending := gridTrader.Shutdown(time.Duration(s.cfg.DrainTimeoutSec) * time.Second)

	snapshot := gridTrader.Snapshot()
	reporter.GenerateReport(os.Stdout, reporter.Input{
		Symbol:        s.cfg.Symbol,
		QuoteAsset:    s.cfg.QuoteAsset,
		BaseAsset:     s.cfg.BaseAsset,
		Mode:          s.mode,
		StartTime:     startedAt,
		EndTime:       time.Now(),
		InitialEquity: gridTrader.InitialEquity(),
		State:         *snapshot,
		Stats:         gridTrader.Stats(),
		EquityCurve:   gridTrader.EquityCurve(),
	})
	if len(pending) > 0 {
		fmt.Println("以下订单在退出时仍未确认，请在交易所核对:")
		reporter.RenderOrders(os.Stdout, pending)
	}
	return runErr
}

// warmupSamples downloads recent hourly klines and caches them next to the
// journal; the cache is used when the download fails.
func warmupSamples(ctx context.Context, cfg *models.Config, log *zap.Logger) []models.PriceSample {
	cache := filepath.Join(filepath.Dir(cfg.JournalPath), cfg.Symbol+"-warmup.csv")
	d := downloader.NewKlineDownloader(cfg.IsTestnet, log)
	samples, err := d.Warmup(ctx, cfg.Symbol, cfg.WarmupKlines, time.Now())
	if err == nil && len(samples) > 0 {
		if err := downloader.SaveCSV(cache, samples); err != nil {
			log.Warn("Failed to cache warm-up klines", zap.Error(err))
		}
		return samples
	}

	log.Warn("Volatility warm-up download failed, trying the local cache", zap.Error(err))
	cached, cacheErr := downloader.LoadCSV(cache)
	if cacheErr != nil {
		log.Warn("No warm-up cache, starting with an empty window", zap.Error(cacheErr))
		return nil
	}
	return cached
}

func newExchange(ctx context.Context, cfg *models.Config, mode models.TradingMode, log *zap.Logger) (exchange.Exchange, error) {
	if mode == models.ModeSimulation {
		log.Info("--- 启动模拟盘模式 ---", zap.Float64("principal", cfg.InitialPrincipal), zap.Float64("base", cfg.InitialBaseBalance))
		return newSimulated(cfg), nil
	}
	if cfg.IsTestnet {
		log.Info("正在使用币安测试网...")
	} else {
		log.Info("正在使用币安生产网...")
	}
	live, err := exchange.NewLiveExchange(ctx, exchange.LiveConfig{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		Symbol:     cfg.Symbol,
		BaseAsset:  cfg.BaseAsset,
		QuoteAsset: cfg.QuoteAsset,
		Testnet:    cfg.IsTestnet,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所失败: %w", err)
	}
	return live, nil
}

func newSimulated(cfg *models.Config) *exchange.SimulatedExchange {
	return exchange.NewSimulatedExchange(exchange.SimulatedConfig{
		Symbol:       cfg.Symbol,
		BaseAsset:    cfg.BaseAsset,
		QuoteAsset:   cfg.QuoteAsset,
		QuoteBalance: cfg.InitialPrincipal,
		BaseBalance:  cfg.InitialBaseBalance,
		FeeRate:      cfg.FeeRate,
		SlippageRate: cfg.SlippageRate,
		StepSize:     cfg.StepSize,
		MinNotional:  cfg.MinNotional,
	})
}

// newFeed picks the price source. The simulated ledger has no market of its
// own, so it always follows the public trade stream.
func newFeed(cfg *models.Config, mode models.TradingMode, kind string, ex exchange.Exchange, log *zap.Logger) feed.Feed {
	if kind == "poll" && mode == models.ModeLive {
		return feed.NewPollingFeed(ex, time.Duration(cfg.TickIntervalMs)*time.Millisecond, log)
	}
	return feed.NewStreamFeed(cfg.WSBaseURL, cfg.Symbol, log)
}
