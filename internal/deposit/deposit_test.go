package deposit

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"Citadel-Core/internal/custody"
	cerrors "Citadel-Core/internal/errors"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testService(t *testing.T) (*Service, *custody.Manager) {
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
	service := NewService(NewMemoryStore(), manager.Directory(), Config{
		RewardRatio:     0.01,
		DefaultMinSweep: 1.0,
	})
	return service, manager
}

func depositEvent(to string, amount string) TransferEvent {
	return TransferEvent{
		TxHash:      "0xdead" + amount,
		FromAddress: "0x1111111111111111111111111111111111111111",
		ToAddress:   to,
		Amount:      amount,
		Asset:       "USDT",
		Chain:       "ethereum",
		BlockNumber: 100,
	}
}

func TestDepositLifecycleInOrder(t *testing.T) {
	service, manager := testService(t)
	ctx := context.Background()

	wallet, err := manager.EnsureUserWallet("alice")
	if err != nil {
		t.Fatalf("分配钱包失败: %v", err)
	}

	event := depositEvent(wallet.Address, "150.00")
	d, err := service.Detect(ctx, event)
	if err != nil {
		t.Fatalf("建档失败: %v", err)
	}
	if d.Status != StatusDetected {
		t.Fatalf("新入金应为 DETECTED, 实际 %s", d.Status)
	}

	if d, err = service.Verify(ctx, event.TxHash); err != nil {
		t.Fatalf("身份关联失败: %v", err)
	}
	if d.UserID != "alice" {
		t.Fatalf("应关联到 alice, 实际 %s", d.UserID)
	}

	if d, err = service.Approve(ctx, event.TxHash); err != nil {
		t.Fatalf("复核失败: %v", err)
	}
	want := decimal.RequireFromString("1.50")
	if !d.Reward.Equal(want) {
		t.Fatalf("返利应为金额的 1%%: 期望 %s, 实际 %s", want, d.Reward)
	}

	req, err := service.BeginSweep(ctx, event.TxHash)
	if err != nil {
		t.Fatalf("构造归集审批失败: %v", err)
	}
	if req.Required != 2 || req.Total != 3 {
		t.Fatalf("金库归集应为 2-of-3, 实际 %d-of-%d", req.Required, req.Total)
	}

	// 阈值未满足前归集交易不可广播。
	if _, err := service.MarkSwept(ctx, event.TxHash, "0xsweep"); err == nil {
		t.Fatal("未达阈值时 MarkSwept 应被拒绝")
	}

	if err := req.Approve("guardian-1"); err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	if err := req.Approve("guardian-2"); err != nil {
		t.Fatalf("签名失败: %v", err)
	}

	if d, err = service.MarkSwept(ctx, event.TxHash, "0xsweep"); err != nil {
		t.Fatalf("记录归集交易失败: %v", err)
	}
	if d.SweepTxHash != "0xsweep" {
		t.Fatal("应记录归集交易哈希")
	}

	if d, err = service.Settle(ctx, event.TxHash); err != nil {
		t.Fatalf("入账失败: %v", err)
	}
	if d.Status != StatusSettled || d.SettledAt.IsZero() {
		t.Fatalf("入金应为 SETTLED 并带入账时间: %+v", d)
	}
}

func TestSettleRequiresFullOrder(t *testing.T) {
	service, manager := testService(t)
	ctx := context.Background()

	wallet, _ := manager.EnsureUserWallet("alice")
	event := depositEvent(wallet.Address, "50")
	if _, err := service.Detect(ctx, event); err != nil {
		t.Fatalf("建档失败: %v", err)
	}

	// DETECTED 直接入账必须被拒绝。
	_, err := service.Settle(ctx, event.TxHash)
	if err == nil {
		t.Fatal("跳过中间状态的入账应被拒绝")
	}
	if cerrors.CodeOf(err) != cerrors.CodeConflict {
		t.Fatalf("非法转移应返回冲突错误码, 实际 %s", cerrors.CodeOf(err))
	}

	d, _ := service.store.Get(ctx, event.TxHash)
	if d.Status != StatusDetected {
		t.Fatalf("失败的转移不应改变状态, 实际 %s", d.Status)
	}
}

func TestBelowMinimumStaysDetected(t *testing.T) {
	service, manager := testService(t)
	ctx := context.Background()

	wallet, _ := manager.EnsureUserWallet("alice")
	event := depositEvent(wallet.Address, "0.5")
	if _, err := service.Detect(ctx, event); err != nil {
		t.Fatalf("建档失败: %v", err)
	}

	if _, err := service.Verify(ctx, event.TxHash); err == nil {
		t.Fatal("低于最小归集金额的入金不应被推进")
	}
	d, _ := service.store.Get(ctx, event.TxHash)
	if d.Status != StatusDetected {
		t.Fatalf("入金应停在 DETECTED, 实际 %s", d.Status)
	}
}

func TestFailedEscapeFromAnyNonTerminalState(t *testing.T) {
	service, manager := testService(t)
	ctx := context.Background()

	wallet, _ := manager.EnsureUserWallet("alice")
	event := depositEvent(wallet.Address, "80")
	if _, err := service.Detect(ctx, event); err != nil {
		t.Fatalf("建档失败: %v", err)
	}
	if _, err := service.Verify(ctx, event.TxHash); err != nil {
		t.Fatalf("身份关联失败: %v", err)
	}

	d, err := service.Fail(ctx, event.TxHash, "chain reorg dropped the transaction")
	if err != nil {
		t.Fatalf("失败转移被拒绝: %v", err)
	}
	if d.Status != StatusFailed || d.FailureReason == "" {
		t.Fatalf("入金应为 FAILED 并带原因: %+v", d)
	}

	// 终态之后不允许任何转移。
	if _, err := service.Fail(ctx, event.TxHash, "again"); err == nil {
		t.Fatal("终态入金不应再转移")
	}
}

func TestDetectIsIdempotent(t *testing.T) {
	service, manager := testService(t)
	ctx := context.Background()

	wallet, _ := manager.EnsureUserWallet("alice")
	event := depositEvent(wallet.Address, "42")

	first, err := service.Detect(ctx, event)
	if err != nil {
		t.Fatalf("建档失败: %v", err)
	}
	second, err := service.Detect(ctx, event)
	if err != nil {
		t.Fatalf("重复事件应幂等返回: %v", err)
	}
	if first.TxHash != second.TxHash || second.Status != StatusDetected {
		t.Fatal("重复事件不应创建新档案")
	}
}

func TestListenerDrivesDepositToSweeping(t *testing.T) {
	service, manager := testService(t)
	wallet, err := manager.EnsureUserWallet("alice")
	if err != nil {
		t.Fatalf("分配钱包失败: %v", err)
	}

	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewListener(queue, service, 1)
	go func() { _ = listener.Run(ctx) }()

	event := depositEvent(wallet.Address, "200")
	if err := queue.Publish(ctx, event); err != nil {
		t.Fatalf("投递失败: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		d, err := service.store.Get(ctx, event.TxHash)
		if err == nil && d.Status == StatusSweeping {
			if d.UserID != "alice" {
				t.Fatalf("应关联到 alice, 实际 %s", d.UserID)
			}
			want := decimal.RequireFromString("2.00")
			if !d.Reward.Equal(want) {
				t.Fatalf("返利应在审批前算好: 期望 %s, 实际 %s", want, d.Reward)
			}
			req, ok := service.SigningRequest(event.TxHash)
			if !ok || req.Required != 2 {
				t.Fatalf("应持有 2-of-3 归集审批单: %+v", req)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("入金未在期限内推进到 SWEEPING: %+v", d)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMemoryQueueDeliversEvents(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())

	received := make(chan TransferEvent, 1)
	go func() {
		_ = queue.Consume(ctx, 1, func(_ context.Context, event TransferEvent) error {
			received <- event
			return nil
		})
	}()

	event := TransferEvent{TxHash: "0xabc", Amount: "5", Asset: "ETH"}
	if err := queue.Publish(ctx, event); err != nil {
		t.Fatalf("投递失败: %v", err)
	}

	select {
	case got := <-received:
		if got.TxHash != event.TxHash {
			t.Fatalf("事件内容不一致: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("事件未被消费")
	}
	cancel()
}
