package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"Citadel-Core/internal/advisor"
	"Citadel-Core/internal/api"
	"Citadel-Core/internal/cex"
	"Citadel-Core/internal/chain"
	"Citadel-Core/internal/config"
	"Citadel-Core/internal/custody"
	"Citadel-Core/internal/deposit"
	"Citadel-Core/internal/hearing"
	"Citadel-Core/internal/market"
	"Citadel-Core/internal/observability/alerting"
	"Citadel-Core/internal/storage"
	"Citadel-Core/internal/sweeper"
	"Citadel-Core/pkg/logger"
)

// main 是 Citadel 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("citadeld 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 缺席不是错误，生产环境直接注入环境变量。
	_ = godotenv.Load()

	configPath := os.Getenv("CITADEL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "citadel.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		AuditPath:   cfg.Logging.AuditPath,
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 主助记词只通过环境变量注入，永远不落盘。
	mnemonic, err := cfg.MasterSeed()
	if err != nil {
		return err
	}
	provider, err := custody.NewKeyProvider(mnemonic)
	if err != nil {
		return err
	}
	manager, err := custody.NewManager(provider, custody.Policy{
		UserIndexStart:   cfg.Custody.UserIndexStart,
		UserIndexEnd:     cfg.Custody.UserIndexEnd,
		SigningIndex:     cfg.Custody.SigningIndex,
		RotationInterval: time.Duration(cfg.Custody.RotationIntervalDays) * 24 * time.Hour,
		GracePeriod:      time.Duration(cfg.Custody.GracePeriodDays) * 24 * time.Hour,
	})
	if err != nil {
		return err
	}
	treasury, ok := manager.TreasuryWallet()
	if !ok {
		return errors.New("金库钱包未初始化")
	}

	registry, err := chain.NewRegistry(ctx, cfg.Chains.DefinitionsPath)
	if err != nil {
		return err
	}
	defer registry.Close()

	exchange := cex.NewClient(cex.Options{
		BaseURL: cfg.CEX.BaseURL,
		Credentials: cex.Credentials{
			APIKey:    os.Getenv(cfg.CEX.APIKeyEnv),
			APISecret: os.Getenv(cfg.CEX.APISecretEnv),
		},
		Simulation: cfg.CEX.Simulation,
	})

	feed := market.NewFeed(market.Options{
		CEX:       exchange,
		YieldsURL: cfg.Market.YieldsURL,
		CacheTTL:  time.Duration(cfg.Market.CacheTTLSeconds) * time.Second,
	})

	var adv hearing.Advisor
	if cfg.Advisor.Enabled {
		client, err := advisor.New(advisor.Options{
			Proposer: advisor.Endpoint{
				BaseURL: cfg.Advisor.ProposerURL,
				Model:   cfg.Advisor.ProposerModel,
				KeyEnv:  cfg.Advisor.ProposerKeyEnv,
			},
			Critic: advisor.Endpoint{
				BaseURL: cfg.Advisor.CriticURL,
				Model:   cfg.Advisor.CriticModel,
				KeyEnv:  cfg.Advisor.CriticKeyEnv,
			},
			Timeout: time.Duration(cfg.Advisor.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		adv = client
	}

	tokenChains := make(map[string]string, len(cfg.Tokens))
	tokenRefs := make(map[string]hearing.TokenRef, len(cfg.Tokens))
	for symbol, token := range cfg.Tokens {
		tokenChains[symbol] = token.Chain
		tokenRefs[symbol] = hearing.TokenRef{Chain: token.Chain, Contract: token.Contract}
	}

	perception := hearing.NewPerception(hearing.PerceptionOptions{
		TokenChains:     tokenChains,
		Aliases:         cfg.Aliases,
		TreasuryAddress: treasury.Address,
		Quotes:          feed,
		Snapshotter:     exchange,
	})
	memory := hearing.NewMemory(manager.Directory(), staticCredentials{
		configured: os.Getenv(cfg.CEX.APIKeyEnv) != "" && os.Getenv(cfg.CEX.APISecretEnv) != "",
	})
	risk := hearing.NewRisk(hearing.RiskPolicy{
		GlobalMax:        cfg.Risk.GlobalMax,
		AssetLimits:      cfg.Risk.AssetLimits,
		DefaultLimit:     cfg.Risk.DefaultLimit,
		TrustedAddresses: append([]string{treasury.Address}, cfg.Risk.TrustedAddresses...),
		OverrideKeywords: cfg.Risk.OverrideKeywords,
	})
	strategy := hearing.NewStrategy(cfg.Market.SpreadThreshold, feed, adv)
	executor := hearing.NewExecutor(hearing.ExecutorOptions{
		Registry:        registry,
		Manager:         manager,
		Exchange:        exchange,
		Tokens:          tokenRefs,
		TreasuryAddress: treasury.Address,
		AllowSimulation: cfg.Execution.AllowSimulation,
	})
	arena := hearing.NewArena(perception, memory, risk, strategy, executor)

	var hearingStore storage.HearingStore
	switch cfg.Storage.Driver {
	case "", "memory":
		hearingStore = storage.NewMemoryHearingStore()
	case "mysql":
		store, err := storage.NewMySQLHearingStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		hearingStore = store
	default:
		return errors.New("未知的存储驱动: " + cfg.Storage.Driver)
	}
	defer hearingStore.Close()

	// 入金台账与听证底账共用存储驱动配置。
	var depositStore deposit.Store
	switch cfg.Storage.Driver {
	case "", "memory":
		depositStore = deposit.NewMemoryStore()
	case "mysql":
		store, err := deposit.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		depositStore = store
		defer store.Close()
	default:
		return errors.New("未知的存储驱动: " + cfg.Storage.Driver)
	}

	depositService := deposit.NewService(depositStore, manager.Directory(), deposit.Config{
		RewardRatio:     cfg.Deposit.RewardRatio,
		DefaultMinSweep: cfg.Deposit.MinSweep,
	})
	// 通知渠道按部署环境挂接，缺席时告警只进审计日志。
	depositService.SetAlerts(alerting.NewFanout())

	var depositQueue deposit.Queue
	switch cfg.Deposit.QueueDriver {
	case "", "memory":
		depositQueue = deposit.NewMemoryQueue(1024)
	case "rabbitmq":
		queue, err := deposit.NewAMQPQueue(deposit.AMQPConfig{
			URL:     cfg.Deposit.AMQPURL,
			Queue:   cfg.Deposit.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
		depositQueue = queue
	default:
		return errors.New("未知的队列驱动: " + cfg.Deposit.QueueDriver)
	}
	defer func() {
		if err := depositQueue.Close(); err != nil {
			logger.L().Warn("关闭入金队列失败", "error", err)
		}
	}()

	listener := deposit.NewListener(depositQueue, depositService, 2)
	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("入金监听器异常退出", "error", err)
		}
	}()

	var cache sweeper.BalanceCache
	if cfg.Sweeper.RedisAddress != "" {
		cache = sweeper.NewRedisCache(cfg.Sweeper.RedisAddress, cfg.Sweeper.RedisPassword, cfg.Sweeper.RedisDB)
	} else {
		cache = sweeper.NewMemoryCache()
	}

	assets := make([]sweeper.Asset, 0, len(cfg.Sweeper.Assets))
	for _, a := range cfg.Sweeper.Assets {
		assets = append(assets, sweeper.Asset{
			Chain:    a.Chain,
			Symbol:   a.Symbol,
			Contract: a.Contract,
			MinSweep: a.MinSweep,
		})
	}
	sw := sweeper.New(registry, manager, arena, cache, sweeper.Config{
		Interval:        time.Duration(cfg.Sweeper.IntervalSeconds) * time.Second,
		Assets:          assets,
		TreasuryAddress: treasury.Address,
		Autopilot:       cfg.Sweeper.Autopilot,
	})
	go sw.Run(ctx)

	logger.L().Info("citadeld 已启动",
		"address", cfg.Server.Address,
		"chains", registry.Chains(),
		"autopilot", cfg.Sweeper.Autopilot,
	)

	server := api.NewServer(cfg.Server.Address, arena, manager, hearingStore)
	return server.Start(ctx)
}

// staticCredentials 以进程级配置回答凭据检查：当前部署共享一套
// 交易所凭据，按用户隔离的凭据还没有需求。
type staticCredentials struct {
	configured bool
}

func (s staticCredentials) HasCredentials(string) bool { return s.configured }
