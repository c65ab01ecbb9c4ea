package sweeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"Citadel-Core/internal/chain"
	"Citadel-Core/internal/custody"
	"Citadel-Core/internal/hearing"
	"Citadel-Core/internal/observability/metrics"
	"Citadel-Core/pkg/logger"
)

// Asset 是归集器跟踪的一个资产。Contract 为空表示原生资产。
type Asset struct {
	Chain    string
	Symbol   string
	Contract string
	MinSweep float64
}

// Config 控制归集循环。
type Config struct {
	Interval        time.Duration
	Assets          []Asset
	TreasuryAddress string
	// Autopilot 打开后归集经过完整听证并真实执行；
	// 关闭时只做试运行记录，不移动资金。
	Autopilot bool
}

// Sweeper 是定时驱动器：每个周期对每个 (用户, 资产) 对做一次
// 余额检查，并在需要时发起归集。各对之间相互独立，单个资产的
// 失败不会中止本周期其余工作。
type Sweeper struct {
	registry *chain.Registry
	manager  *custody.Manager
	arena    *hearing.Arena
	cache    BalanceCache
	cfg      Config
	log      interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
		Error(msg string, args ...any)
	}
}

// New 构造归集器。
func New(registry *chain.Registry, manager *custody.Manager, arena *hearing.Arena, cache BalanceCache, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Sweeper{
		registry: registry,
		manager:  manager,
		arena:    arena,
		cache:    cache,
		cfg:      cfg,
		log:      logger.Named("sweeper"),
	}
}

// Run 以固定间隔执行归集循环，直到上下文取消。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle 执行一轮归集。顶层捕获保证任何单项失败都不会让调度停摆。
func (s *Sweeper) Cycle(ctx context.Context) {
	failed := false
	defer func() {
		if r := recover(); r != nil {
			failed = true
			s.log.Error("归集周期内部故障", "panic", fmt.Sprint(r))
		}
		metrics.ObserveSweepCycle(failed)
	}()

	for _, wallet := range s.manager.Directory().All() {
		if wallet.Tier != custody.TierUser {
			continue
		}
		if !s.sweepWallet(ctx, wallet) {
			failed = true
		}
	}

	// 已轮换出去的旧钱包不再接收新入金，但残余余额仍要清空：
	// 失陷钱包立即清、轮换钱包在宽限期内照常清。
	for _, wallet := range s.manager.Directory().History() {
		if wallet.Tier != custody.TierUser {
			continue
		}
		if wallet.Status != custody.StatusCompromised && wallet.Status != custody.StatusRotating {
			continue
		}
		if !s.sweepWallet(ctx, wallet) {
			failed = true
		}
	}
}

func (s *Sweeper) sweepWallet(ctx context.Context, wallet *custody.Wallet) bool {
	ok := true
	for _, asset := range s.cfg.Assets {
		if err := s.sweepPair(ctx, wallet, asset); err != nil {
			ok = false
			s.log.Warn("归集单项失败",
				"wallet", wallet.Address, "asset", asset.Symbol, "error", err)
		}
	}
	return ok
}

// sweepPair 处理一个 (钱包, 资产) 对：读余额、对比缓存、发起归集。
func (s *Sweeper) sweepPair(ctx context.Context, wallet *custody.Wallet, asset Asset) error {
	client, ok := s.registry.Client(asset.Chain)
	if !ok {
		var err error
		client, err = s.registry.DefaultClient()
		if err != nil {
			return err
		}
	}

	balance, err := s.readBalance(ctx, client, wallet.Address, asset)
	if err != nil {
		return err
	}

	// 余额与上一轮处理过的值相同就跳过，避免对着同一笔余额反复归集。
	if last, ok := s.cache.Get(ctx, wallet.Address, asset.Symbol); ok && last == balance {
		return nil
	}
	if balance < asset.MinSweep {
		s.cache.Set(ctx, wallet.Address, asset.Symbol, balance)
		return nil
	}

	// 每次归集都走一遍完整听证，风控否决的归集不会执行。
	intent := fmt.Sprintf("Sweep %.6f %s to treasury", balance, asset.Symbol)
	record := s.arena.Conduct(ctx, hearing.AutopilotUserID, intent, false)
	if record.FinalVerdict != hearing.VerdictAllowed {
		s.log.Warn("归集听证未放行",
			"wallet", wallet.Address, "asset", asset.Symbol,
			"verdict", string(record.FinalVerdict), "reason", record.FinalReason)
		s.cache.Set(ctx, wallet.Address, asset.Symbol, balance)
		return nil
	}
	if !s.cfg.Autopilot {
		s.log.Info("试运行: 归集已获放行但未执行",
			"wallet", wallet.Address, "asset", asset.Symbol, "balance", balance)
		s.cache.Set(ctx, wallet.Address, asset.Symbol, balance)
		return nil
	}

	key, err := s.manager.KeyFor(wallet.Index)
	if err != nil {
		return err
	}

	var txHash string
	if asset.Contract == "" {
		txHash, err = client.SweepNative(ctx, key, s.cfg.TreasuryAddress)
	} else {
		txHash, err = client.TransferTokenAll(ctx, key, s.cfg.TreasuryAddress, asset.Contract)
	}

	var shortfall *chain.GasShortfallError
	if errors.As(err, &shortfall) {
		// 先补燃料，本轮不归集；等注资确认后下一轮再试。
		// 缓存不更新，保证下一轮重新触发。
		if fundErr := s.fundGas(ctx, client, wallet.Address, shortfall.Shortfall); fundErr != nil {
			return fundErr
		}
		s.log.Info("已补充燃料, 归集推迟到下一周期",
			"wallet", wallet.Address, "asset", asset.Symbol)
		return nil
	}
	if err != nil {
		return err
	}
	if txHash == "" {
		// 余额不足以覆盖燃料费, 无事可做。
		s.cache.Set(ctx, wallet.Address, asset.Symbol, balance)
		return nil
	}

	s.cache.Set(ctx, wallet.Address, asset.Symbol, balance)
	logger.Audit().Info("sweep broadcast",
		"wallet", wallet.Address,
		"asset", asset.Symbol,
		"balance", balance,
		"tx_hash", txHash,
	)
	return nil
}

func (s *Sweeper) readBalance(ctx context.Context, client *chain.Client, address string, asset Asset) (float64, error) {
	if asset.Contract == "" {
		wei, err := client.NativeBalance(ctx, address)
		if err != nil {
			return 0, err
		}
		f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
		return f, nil
	}
	return client.TokenBalance(ctx, address, asset.Contract)
}

// fundGas 从金库钱包给用户钱包注入燃料，金额在缺口上加 10% 余量，
// 避免广播时的手续费波动让注资白费。
func (s *Sweeper) fundGas(ctx context.Context, client *chain.Client, to string, shortfall *big.Int) error {
	treasuryKey, err := s.manager.KeyFor(custody.TreasuryIndex)
	if err != nil {
		return err
	}
	amount := new(big.Int).Div(new(big.Int).Mul(shortfall, big.NewInt(11)), big.NewInt(10))
	txHash, err := client.TransferNative(ctx, treasuryKey, to, amount)
	if err != nil {
		return fmt.Errorf("燃料注资失败: %w", err)
	}
	s.log.Info("燃料注资已广播", "to", to, "amount_wei", amount.String(), "tx_hash", txHash)
	return nil
}
