package custody

import (
	"errors"
	"testing"
	"time"

	cerrors "Citadel-Core/internal/errors"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testProvider(t *testing.T) *KeyProvider {
	t.Helper()
	provider, err := NewKeyProvider(testMnemonic)
	if err != nil {
		t.Fatalf("构造派生器失败: %v", err)
	}
	return provider
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(testProvider(t), Policy{
		RotationInterval: 90 * 24 * time.Hour,
		GracePeriod:      30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("构造钱包管理器失败: %v", err)
	}
	return mgr
}

func TestDerivationIsDeterministic(t *testing.T) {
	provider := testProvider(t)

	first, err := provider.Address(7)
	if err != nil {
		t.Fatalf("派生地址失败: %v", err)
	}
	second, err := provider.Address(7)
	if err != nil {
		t.Fatalf("重复派生失败: %v", err)
	}
	if first != second {
		t.Fatalf("同一索引两次派生地址不一致: %s vs %s", first, second)
	}

	other, err := provider.Address(8)
	if err != nil {
		t.Fatalf("派生相邻索引失败: %v", err)
	}
	if other == first {
		t.Fatal("不同索引派生出了相同地址")
	}
}

func TestInvalidMnemonicRejected(t *testing.T) {
	_, err := NewKeyProvider("not a valid mnemonic phrase at all")
	if err == nil {
		t.Fatal("非法助记词应被拒绝")
	}
	if cerrors.CodeOf(err) != cerrors.CodeSecurityAlert {
		t.Fatalf("期望安全告警错误码, 实际 %s", cerrors.CodeOf(err))
	}
}

func TestTierThresholds(t *testing.T) {
	cases := []struct {
		tier     Tier
		required int
		total    int
	}{
		{TierMaster, 2, 3},
		{TierSigning, 3, 3},
		{TierUser, 1, 1},
	}
	for _, tc := range cases {
		required, total := Threshold(tc.tier)
		if required != tc.required || total != tc.total {
			t.Fatalf("层级 %s 阈值错误: 期望 %d-of-%d, 实际 %d-of-%d",
				tc.tier, tc.required, tc.total, required, total)
		}
	}
}

func TestSigningRequestThreshold(t *testing.T) {
	req := NewSigningRequest("0xabc", TierMaster, 0)

	if err := req.Approve("guardian-1"); err != nil {
		t.Fatalf("首个签名失败: %v", err)
	}
	if req.Satisfied() {
		t.Fatal("1 个签名不应满足 2-of-3")
	}

	if err := req.Approve("guardian-1"); err == nil {
		t.Fatal("重复签名应被拒绝")
	} else if cerrors.CodeOf(err) != cerrors.CodeConflict {
		t.Fatalf("重复签名应返回冲突错误码, 实际 %s", cerrors.CodeOf(err))
	}

	if err := req.Approve("guardian-2"); err != nil {
		t.Fatalf("第二个签名失败: %v", err)
	}
	if !req.Satisfied() {
		t.Fatal("2 个不同签名应满足 2-of-3")
	}
}

func TestUserWalletAssignmentIsStable(t *testing.T) {
	mgr := testManager(t)

	alice, err := mgr.EnsureUserWallet("alice")
	if err != nil {
		t.Fatalf("分配钱包失败: %v", err)
	}
	again, err := mgr.EnsureUserWallet("alice")
	if err != nil {
		t.Fatalf("二次获取失败: %v", err)
	}
	if alice.Index != again.Index || alice.Address != again.Address {
		t.Fatal("同一用户两次获取应返回同一钱包")
	}

	bob, err := mgr.EnsureUserWallet("bob")
	if err != nil {
		t.Fatalf("分配第二个钱包失败: %v", err)
	}
	if bob.Index == alice.Index {
		t.Fatal("不同用户分到了相同索引")
	}
	if bob.Index == TreasuryIndex || bob.Index == 255 {
		t.Fatal("用户钱包占用了保留索引")
	}
}

func TestRotationKeepsLineageAndGrace(t *testing.T) {
	mgr := testManager(t)

	old, err := mgr.EnsureUserWallet("alice")
	if err != nil {
		t.Fatalf("分配钱包失败: %v", err)
	}
	oldAddress := old.Address

	next, err := mgr.Rotate("alice")
	if err != nil {
		t.Fatalf("轮换失败: %v", err)
	}
	if next.Index != old.Index+1000 {
		t.Fatalf("轮换索引应远离原区间: 期望 %d, 实际 %d", old.Index+1000, next.Index)
	}
	if next.PreviousAddress != oldAddress {
		t.Fatal("新钱包应记录旧地址谱系")
	}
	if old.Status != StatusRotating {
		t.Fatalf("旧钱包应进入 ROTATING, 实际 %s", old.Status)
	}
	if old.GraceUntil.IsZero() || time.Until(old.GraceUntil) <= 0 {
		t.Fatal("旧钱包应持有未来的宽限期截止时间")
	}

	// 宽限期内旧地址仍可反查到用户。
	if w, ok := mgr.Directory().ByAddress(oldAddress); !ok || w.UserID != "alice" {
		t.Fatal("宽限期内旧地址应仍然有效")
	}
	if w, ok := mgr.Directory().ByUser("alice"); !ok || w.Address != next.Address {
		t.Fatal("用户当前钱包应为轮换后的新钱包")
	}
}

func TestGraceExpiryRetiresRotatingWallet(t *testing.T) {
	mgr := testManager(t)

	old, err := mgr.EnsureUserWallet("alice")
	if err != nil {
		t.Fatalf("分配钱包失败: %v", err)
	}
	if _, err := mgr.Rotate("alice"); err != nil {
		t.Fatalf("轮换失败: %v", err)
	}
	old.GraceUntil = time.Now().Add(-time.Minute)

	if _, ok := mgr.Directory().ByAddress(old.Address); ok {
		t.Fatal("宽限期过后旧地址不应再被认可")
	}
	retired := false
	for _, w := range mgr.Directory().History() {
		if w.Address == old.Address && w.Status == StatusRotated {
			retired = true
		}
	}
	if !retired {
		t.Fatal("宽限期过后旧钱包应进入 ROTATED 终态")
	}
}

func TestCompromiseTriggersImmediateRotation(t *testing.T) {
	mgr := testManager(t)

	if _, err := mgr.EnsureUserWallet("alice"); err != nil {
		t.Fatalf("分配钱包失败: %v", err)
	}
	old, next, err := mgr.MarkCompromised("alice")
	if err != nil {
		t.Fatalf("失陷处理失败: %v", err)
	}
	if old.Status != StatusCompromised {
		t.Fatalf("旧钱包应为 COMPROMISED, 实际 %s", old.Status)
	}
	if next.PreviousAddress != old.Address {
		t.Fatal("新钱包应记录失陷钱包地址")
	}
	// 失陷地址立刻失效，不享受宽限期。
	if _, ok := mgr.Directory().ByAddress(old.Address); ok {
		t.Fatal("失陷地址不应再被认可")
	}
}

func TestVerifyRecovery(t *testing.T) {
	mgr := testManager(t)
	if _, err := mgr.EnsureUserWallet("alice"); err != nil {
		t.Fatalf("分配钱包失败: %v", err)
	}

	if err := mgr.VerifyRecovery(testMnemonic); err != nil {
		t.Fatalf("相同助记词的恢复校验应通过: %v", err)
	}

	err := mgr.VerifyRecovery("legal winner thank year wave sausage worth useful legal winner thank yellow")
	if err == nil {
		t.Fatal("不同助记词的恢复校验应失败")
	}
	var ce *cerrors.Error
	if !errors.As(err, &ce) || ce.Code() != cerrors.CodeSecurityAlert {
		t.Fatalf("恢复失败应返回安全告警错误: %v", err)
	}
}
