package sweeper

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"Citadel-Core/internal/chain"
	"Citadel-Core/internal/custody"
	"Citadel-Core/internal/hearing"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

const tokenContract = "0x00000000000000000000000000000000000000cc"

type stubBackend struct {
	mu           sync.Mutex
	native       map[common.Address]*big.Int
	tokenBalance *big.Int
	sent         []*coretypes.Transaction
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		native:       make(map[common.Address]*big.Int),
		tokenBalance: big.NewInt(0),
	}
}

func (s *stubBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (s *stubBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.native[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (s *stubBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.sent)), nil
}

func (s *stubBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (s *stubBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (s *stubBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// decimals() 的调用数据只有 4 字节选择器。
	if len(msg.Data) == 4 {
		return common.LeftPadBytes(big.NewInt(18).Bytes(), 32), nil
	}
	return common.LeftPadBytes(s.tokenBalance.Bytes(), 32), nil
}

func (s *stubBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	s.mu.Lock()
	s.sent = append(s.sent, tx)
	s.mu.Unlock()
	return nil
}

func (s *stubBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}, nil
}

type fixture struct {
	sweeper *Sweeper
	backend *stubBackend
	wallet  *custody.Wallet
}

func newFixture(t *testing.T, autopilot bool) *fixture {
	t.Helper()

	provider, err := custody.NewKeyProvider(testMnemonic)
	if err != nil {
		t.Fatalf("构造派生器失败: %v", err)
	}
	manager, err := custody.NewManager(provider, custody.Policy{
		RotationInterval: 90 * 24 * time.Hour,
		GracePeriod:      30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("构造钱包管理器失败: %v", err)
	}
	wallet, err := manager.EnsureUserWallet("alice")
	if err != nil {
		t.Fatalf("分配钱包失败: %v", err)
	}

	backend := newStubBackend()
	client, err := chain.NewClientWithBackend(chain.Config{Name: "testnet", ChainID: 1337, NativeToken: "ETH"}, backend)
	if err != nil {
		t.Fatalf("构造链客户端失败: %v", err)
	}
	registry, err := chain.NewRegistryWithClients("testnet", map[string]*chain.Client{"testnet": client})
	if err != nil {
		t.Fatalf("构造注册表失败: %v", err)
	}

	treasury, _ := manager.TreasuryWallet()

	perception := hearing.NewPerception(hearing.PerceptionOptions{
		TreasuryAddress: treasury.Address,
	})
	memory := hearing.NewMemory(manager.Directory(), nil)
	risk := hearing.NewRisk(hearing.RiskPolicy{
		GlobalMax:        1_000_000,
		AssetLimits:      map[string]float64{"TST": 1000},
		DefaultLimit:     100,
		TrustedAddresses: []string{treasury.Address},
		OverrideKeywords: []string{"OVERRIDE"},
	})
	strategy := hearing.NewStrategy(1.0, nil, nil)
	executor := hearing.NewExecutor(hearing.ExecutorOptions{
		Registry:        registry,
		Manager:         manager,
		TreasuryAddress: treasury.Address,
	})
	arena := hearing.NewArena(perception, memory, risk, strategy, executor)

	sw := New(registry, manager, arena, NewMemoryCache(), Config{
		Interval:        time.Minute,
		TreasuryAddress: treasury.Address,
		Autopilot:       autopilot,
		Assets: []Asset{
			{Chain: "testnet", Symbol: "TST", Contract: tokenContract, MinSweep: 1.0},
		},
	})
	return &fixture{sweeper: sw, backend: backend, wallet: wallet}
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestCycleSweepsTokenBalance(t *testing.T) {
	f := newFixture(t, true)
	f.backend.tokenBalance = tokens(50)
	f.backend.native[common.HexToAddress(f.wallet.Address)] = tokens(1)

	f.sweeper.Cycle(context.Background())

	if len(f.backend.sent) != 1 {
		t.Fatalf("应广播 1 笔归集交易, 实际 %d", len(f.backend.sent))
	}
	tx := f.backend.sent[0]
	if tx.To() == nil || *tx.To() != common.HexToAddress(tokenContract) {
		t.Fatalf("归集应调用代币合约, 实际目标 %v", tx.To())
	}

	// 余额未变化的下一轮不应重复归集。
	f.sweeper.Cycle(context.Background())
	if len(f.backend.sent) != 1 {
		t.Fatalf("余额未变化时不应重复归集, 实际 %d 笔", len(f.backend.sent))
	}
}

func TestGasShortfallFundsAndDefers(t *testing.T) {
	f := newFixture(t, true)
	f.backend.tokenBalance = tokens(50)
	// 用户钱包没有原生余额, 无法支付代币转账的燃料费。

	f.sweeper.Cycle(context.Background())

	if len(f.backend.sent) != 1 {
		t.Fatalf("本轮应只广播 1 笔燃料注资, 实际 %d", len(f.backend.sent))
	}
	fund := f.backend.sent[0]
	if fund.To() == nil || *fund.To() != common.HexToAddress(f.wallet.Address) {
		t.Fatalf("注资应打给用户钱包, 实际 %v", fund.To())
	}
	if fund.Value().Sign() <= 0 {
		t.Fatal("注资金额应为正")
	}

	// 注资确认后的下一轮才真正归集。
	f.backend.native[common.HexToAddress(f.wallet.Address)] = tokens(1)
	f.sweeper.Cycle(context.Background())
	if len(f.backend.sent) != 2 {
		t.Fatalf("下一轮应广播归集交易, 实际共 %d 笔", len(f.backend.sent))
	}
	sweep := f.backend.sent[1]
	if sweep.To() == nil || *sweep.To() != common.HexToAddress(tokenContract) {
		t.Fatalf("第二笔应为代币归集, 实际目标 %v", sweep.To())
	}
}

func TestCompromisedWalletResidueIsSwept(t *testing.T) {
	f := newFixture(t, true)
	old, fresh, err := f.sweeper.manager.MarkCompromised("alice")
	if err != nil {
		t.Fatalf("标记失陷失败: %v", err)
	}

	f.backend.tokenBalance = tokens(50)
	f.backend.native[common.HexToAddress(old.Address)] = tokens(1)
	f.backend.native[common.HexToAddress(fresh.Address)] = tokens(1)

	f.sweeper.Cycle(context.Background())

	// 新钱包与失陷旧钱包各清一次。
	if len(f.backend.sent) != 2 {
		t.Fatalf("应广播 2 笔归集交易, 实际 %d", len(f.backend.sent))
	}
}

func TestBelowMinimumIsSkipped(t *testing.T) {
	f := newFixture(t, true)
	f.backend.tokenBalance = big.NewInt(5e17) // 0.5 个代币
	f.backend.native[common.HexToAddress(f.wallet.Address)] = tokens(1)

	f.sweeper.Cycle(context.Background())

	if len(f.backend.sent) != 0 {
		t.Fatalf("低于最小归集金额不应广播交易, 实际 %d 笔", len(f.backend.sent))
	}
}

func TestDryRunDoesNotMoveFunds(t *testing.T) {
	f := newFixture(t, false)
	f.backend.tokenBalance = tokens(50)
	f.backend.native[common.HexToAddress(f.wallet.Address)] = tokens(1)

	f.sweeper.Cycle(context.Background())

	if len(f.backend.sent) != 0 {
		t.Fatalf("关闭自动驾驶时不应移动资金, 实际 %d 笔", len(f.backend.sent))
	}
}
