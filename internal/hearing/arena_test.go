package hearing

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"Citadel-Core/internal/chain"
	"Citadel-Core/internal/custody"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type stubBackend struct {
	sent    []*coretypes.Transaction
	sendErr error
}

func (s *stubBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }
func (s *stubBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil), nil
}
func (s *stubBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(s.sent)), nil
}
func (s *stubBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (s *stubBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 21_000, nil
}
func (s *stubBackend) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(0).Bytes(), 32), nil
}
func (s *stubBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, tx)
	return nil
}
func (s *stubBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}, nil
}

type stubQuotes struct {
	cex map[string]float64
	dex map[string]float64
}

func (s *stubQuotes) CEXPrice(_ context.Context, symbol string) (float64, error) {
	return s.cex[symbol], nil
}
func (s *stubQuotes) DEXPrice(_ context.Context, symbol string) (float64, error) {
	return s.dex[symbol], nil
}

type stubSnapshotter struct {
	balances map[string]float64
}

func (s *stubSnapshotter) Balances(context.Context) (map[string]float64, error) {
	return s.balances, nil
}

type stubExchange struct {
	withdrawals int
}

func (s *stubExchange) Withdraw(_ context.Context, asset string, amount float64, address, network string) (string, error) {
	s.withdrawals++
	return "wd-" + asset, nil
}

type testFixture struct {
	arena    *Arena
	manager  *custody.Manager
	backend  *stubBackend
	exchange *stubExchange
}

const trustedAddress = "0x571E00000000000000000000000000000B806279"

func newFixture(t *testing.T) *testFixture {
	return newFixtureAllowingSimulation(t, false)
}

func newFixtureAllowingSimulation(t *testing.T, allowSimulation bool) *testFixture {
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
	if _, err := manager.EnsureUserWallet("alice"); err != nil {
		t.Fatalf("分配钱包失败: %v", err)
	}

	backend := &stubBackend{}
	client, err := chain.NewClientWithBackend(chain.Config{Name: "testnet", ChainID: 1337, NativeToken: "ETH"}, backend)
	if err != nil {
		t.Fatalf("构造链客户端失败: %v", err)
	}
	registry, err := chain.NewRegistryWithClients("testnet", map[string]*chain.Client{"testnet": client})
	if err != nil {
		t.Fatalf("构造注册表失败: %v", err)
	}

	treasury, _ := manager.TreasuryWallet()
	exchange := &stubExchange{}

	perception := NewPerception(PerceptionOptions{
		Aliases:         map[string]string{"alice": trustedAddress},
		TreasuryAddress: treasury.Address,
		Quotes:          &stubQuotes{cex: map[string]float64{"ETH": 3000}, dex: map[string]float64{"ETH": 3004}},
		Snapshotter:     &stubSnapshotter{balances: map[string]float64{"ETH": 1.5, "USDT": 0}},
	})
	memory := NewMemory(manager.Directory(), nil)
	risk := NewRisk(RiskPolicy{
		GlobalMax:        1_000_000,
		AssetLimits:      map[string]float64{"ETH": 5.0, "TST": 1000, "USDT": 5000},
		DefaultLimit:     100,
		TrustedAddresses: []string{trustedAddress, treasury.Address},
		OverrideKeywords: []string{"OVERRIDE", "CONFIRM"},
	})
	strategy := NewStrategy(1.0, nil, nil)
	executor := NewExecutor(ExecutorOptions{
		Registry:        registry,
		Manager:         manager,
		Exchange:        exchange,
		TreasuryAddress: treasury.Address,
		AllowSimulation: allowSimulation,
	})

	return &testFixture{
		arena:    NewArena(perception, memory, risk, strategy, executor),
		manager:  manager,
		backend:  backend,
		exchange: exchange,
	}
}

func TestOversizedTransferIsBlocked(t *testing.T) {
	f := newFixture(t)

	record := f.arena.Conduct(context.Background(), "alice",
		"Send 2000000 ETH to "+trustedAddress, true)

	if record.FinalVerdict != VerdictBlocked {
		t.Fatalf("超额转账应被阻断, 实际 %s", record.FinalVerdict)
	}
	if record.Risk == nil || record.Risk.Verdict != RiskVeto {
		t.Fatal("风控应给出 VETO")
	}
	if !strings.Contains(record.FinalReason, "ETH safety limit") {
		t.Fatalf("终局原因应引用 ETH 限额: %s", record.FinalReason)
	}
	if record.Strategy != nil || record.Execution != nil {
		t.Fatal("VETO 后策略与执行阶段不应运行")
	}
}

func TestUntrustedRecipientVetoedOnBothRules(t *testing.T) {
	f := newFixture(t)

	record := f.arena.Conduct(context.Background(), "alice",
		"Send 2000 TST to 0x9999999999999999999999999999999999999999", true)

	if record.FinalVerdict != VerdictBlocked {
		t.Fatalf("期望 BLOCKED, 实际 %s", record.FinalVerdict)
	}
	if len(record.Risk.Blockers) != 2 {
		t.Fatalf("限额与白名单都应列入阻断原因, 实际 %d 条: %v",
			len(record.Risk.Blockers), record.Risk.Blockers)
	}
}

func TestOverrideKeywordFlipsAllowList(t *testing.T) {
	f := newFixture(t)

	record := f.arena.Conduct(context.Background(), "alice",
		"Send 50 TST to 0x9999999999999999999999999999999999999999 OVERRIDE", false)

	if record.Risk.Verdict != RiskApprove {
		t.Fatalf("放行关键词应让白名单规则通过: %v", record.Risk.Blockers)
	}
	overridden := false
	for _, rule := range record.Risk.Rules {
		if rule.RuleID == "destination_allow_list" && rule.Passed && strings.Contains(rule.Reason, "overridden") {
			overridden = true
		}
	}
	if !overridden {
		t.Fatal("放行应留下明确的 overridden 记录而不是静默通过")
	}
}

func TestEscrowLockExecutesWithFreshAgreement(t *testing.T) {
	f := newFixture(t)

	record := f.arena.Conduct(context.Background(), "alice",
		"Lock 500 TST for Alice, Context: Consulting", true)

	if record.FinalVerdict != VerdictAllowed {
		t.Fatalf("期望 ALLOWED, 实际 %s (%s)", record.FinalVerdict, record.FinalReason)
	}
	plan, ok := record.SelectedPlan()
	if !ok || plan.ActionType != ActionEscrowLock {
		t.Fatalf("期望选中 ESCROW_LOCK 计划, 实际 %+v", plan)
	}
	if plan.Reference == "" {
		t.Fatal("托管计划应携带新生成的协议号")
	}
	if record.Execution.Status != ExecSuccess || record.Execution.Reference == "" {
		t.Fatalf("执行应成功并返回交易引用: %+v", record.Execution)
	}
	if len(f.backend.sent) != 1 {
		t.Fatalf("应广播 1 笔锁仓交易, 实际 %d", len(f.backend.sent))
	}
}

func TestDryRunSkipsExecution(t *testing.T) {
	f := newFixture(t)

	record := f.arena.Conduct(context.Background(), "alice",
		"Send 2 ETH to "+trustedAddress, false)

	if record.FinalVerdict != VerdictAllowed {
		t.Fatalf("试运行应返回 ALLOWED, 实际 %s (%s)", record.FinalVerdict, record.FinalReason)
	}
	if record.Execution != nil {
		t.Fatal("试运行不应调用执行阶段")
	}
	if len(f.backend.sent) != 0 {
		t.Fatal("试运行不应广播任何交易")
	}
}

func TestNoFeasiblePlanIsBlocked(t *testing.T) {
	f := newFixture(t)

	record := f.arena.Conduct(context.Background(), "alice", "hello there", true)

	if record.FinalVerdict != VerdictBlocked {
		t.Fatalf("无可行计划应返回 BLOCKED, 实际 %s", record.FinalVerdict)
	}
	if record.Execution != nil {
		t.Fatal("零计划时执行阶段不应运行")
	}
}

func TestEvacuationWithdrawsEveryNonzeroBalance(t *testing.T) {
	f := newFixture(t)

	record := f.arena.Conduct(context.Background(), "alice", "Evacuate everything now", true)

	if record.FinalVerdict != VerdictAllowed {
		t.Fatalf("撤离应执行成功, 实际 %s (%s)", record.FinalVerdict, record.FinalReason)
	}
	plan, _ := record.SelectedPlan()
	if plan.ActionType != ActionCEXWithdrawalBatch {
		t.Fatalf("期望批量提现计划, 实际 %s", plan.ActionType)
	}
	// 快照里只有 ETH 非零。
	if f.exchange.withdrawals != 1 {
		t.Fatalf("只应对非零余额发起提现, 实际 %d 笔", f.exchange.withdrawals)
	}
}

func TestLiquidityShortfallFallsBackToSimulation(t *testing.T) {
	f := newFixtureAllowingSimulation(t, true)
	f.backend.sendErr = errors.New("insufficient funds for gas * price + value")

	record := f.arena.Conduct(context.Background(), "alice",
		"Send 2 ETH to "+trustedAddress, true)

	if record.FinalVerdict != VerdictAllowed {
		t.Fatalf("模拟回退应让听证以 ALLOWED 收尾, 实际 %s (%s)",
			record.FinalVerdict, record.FinalReason)
	}
	if record.Execution.Status != ExecSuccess {
		t.Fatalf("模拟回退应标记执行成功: %+v", record.Execution)
	}
	if !strings.HasPrefix(record.Execution.Reference, "sim_") {
		t.Fatalf("模拟执行引用应带 sim_ 前缀, 实际 %s", record.Execution.Reference)
	}
	if len(f.backend.sent) != 0 {
		t.Fatal("模拟回退不应留下真实广播")
	}
	simulated := false
	for _, line := range record.Execution.Logs {
		if strings.Contains(line, "SIMULATED") {
			simulated = true
		}
	}
	if !simulated {
		t.Fatalf("模拟执行必须显式标注: %v", record.Execution.Logs)
	}
}

func TestLiquidityShortfallWithoutFallbackFails(t *testing.T) {
	f := newFixture(t)
	f.backend.sendErr = errors.New("insufficient funds for gas * price + value")

	record := f.arena.Conduct(context.Background(), "alice",
		"Send 2 ETH to "+trustedAddress, true)

	if record.Execution == nil || record.Execution.Status != ExecFailed {
		t.Fatalf("未开启模拟回退时流动性不足应如实失败: %+v", record.Execution)
	}
	if strings.HasPrefix(record.Execution.Reference, "sim_") {
		t.Fatal("未开启模拟回退时不应出现模拟引用")
	}
}

func TestPerceptionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	intent := "Send 2 ETH to " + trustedAddress

	first := f.arena.Conduct(context.Background(), "alice", intent, false)
	second := f.arena.Conduct(context.Background(), "alice", intent, false)

	a, b := first.Perception.Facts, second.Perception.Facts
	if len(a) != len(b) {
		t.Fatalf("两次感知的事实数不同: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Key != b[i].Key || a[i].Value != b[i].Value {
			t.Fatalf("事实 %d 不一致: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestRecordSectionsAreWriteOnce(t *testing.T) {
	record := NewRecord("alice", "noop")
	if err := record.AttachRisk(&RiskOutput{Verdict: RiskApprove}); err != nil {
		t.Fatalf("首次写入失败: %v", err)
	}
	if err := record.AttachRisk(&RiskOutput{Verdict: RiskVeto}); err == nil {
		t.Fatal("重复写入风控分段应被拒绝")
	}
	if record.Risk.Verdict != RiskApprove {
		t.Fatal("已写入的分段不应被覆盖")
	}
}
