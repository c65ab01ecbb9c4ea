package custody

import (
	"crypto/ecdsa"
	"sync"
	"time"

	cerrors "Citadel-Core/internal/errors"
)

// TreasuryIndex 是金库合并钱包保留的派生索引。
const TreasuryIndex uint32 = 0

// rotationOffset 保证轮换后的新索引与原用户区间远离，避免与
// 尚未分配的用户索引冲突。
const rotationOffset uint32 = 1000

// Policy 描述钱包层级区间与轮换参数。
type Policy struct {
	UserIndexStart   uint32
	UserIndexEnd     uint32
	SigningIndex     uint32
	RotationInterval time.Duration
	GracePeriod      time.Duration
	DefaultChain     string
}

// Manager 管理所有派生钱包的生命周期：分配、轮换、失陷处理与恢复校验。
type Manager struct {
	mu        sync.Mutex
	provider  *KeyProvider
	directory *Directory
	policy    Policy
	nextIndex uint32
}

// NewManager 构造钱包管理器并登记两个保留钱包：
// 索引 0 的金库钱包（2-of-3）与保留顶端索引的签名钱包（3-of-3）。
func NewManager(provider *KeyProvider, policy Policy) (*Manager, error) {
	if provider == nil {
		return nil, cerrors.New(cerrors.CodeInitializationFailure, "缺少密钥派生器")
	}
	if policy.UserIndexStart == 0 {
		policy.UserIndexStart = 1
	}
	if policy.UserIndexEnd == 0 {
		policy.UserIndexEnd = 254
	}
	if policy.SigningIndex == 0 {
		policy.SigningIndex = 255
	}
	if policy.UserIndexEnd >= policy.SigningIndex {
		return nil, cerrors.New(cerrors.CodeInvalidArgument, "用户索引区间与签名钱包索引重叠")
	}
	if policy.DefaultChain == "" {
		policy.DefaultChain = "ethereum"
	}

	m := &Manager{
		provider:  provider,
		directory: NewDirectory(),
		policy:    policy,
		nextIndex: policy.UserIndexStart,
	}
	if _, err := m.register("treasury", TreasuryIndex, TierMaster); err != nil {
		return nil, err
	}
	if _, err := m.register("signing", policy.SigningIndex, TierSigning); err != nil {
		return nil, err
	}
	return m, nil
}

// Directory 暴露钱包登记表供记忆阶段与 API 层查询。
func (m *Manager) Directory() *Directory { return m.directory }

func (m *Manager) register(userID string, index uint32, tier Tier) (*Wallet, error) {
	address, err := m.provider.Address(index)
	if err != nil {
		return nil, err
	}
	w := &Wallet{
		UserID:    userID,
		Index:     index,
		Path:      DerivationPath(index),
		Address:   address,
		Chain:     m.policy.DefaultChain,
		Tier:      tier,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.directory.Put(w); err != nil {
		return nil, err
	}
	return w, nil
}

// TreasuryWallet 返回金库钱包。
func (m *Manager) TreasuryWallet() (*Wallet, bool) {
	return m.directory.ByIndex(TreasuryIndex)
}

// SigningWallet 返回 3-of-3 签名钱包。
func (m *Manager) SigningWallet() (*Wallet, bool) {
	return m.directory.ByIndex(m.policy.SigningIndex)
}

// EnsureUserWallet 返回用户当前钱包，不存在则在用户区间内分配
// 下一个空闲索引。索引一经分配永不复用。
func (m *Manager) EnsureUserWallet(userID string) (*Wallet, error) {
	if userID == "" {
		return nil, cerrors.New(cerrors.CodeInvalidArgument, "用户标识为空")
	}
	if w, ok := m.directory.ByUser(userID); ok {
		return w, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.directory.ByUser(userID); ok {
		return w, nil
	}
	for idx := m.nextIndex; idx <= m.policy.UserIndexEnd; idx++ {
		if m.directory.IndexAssigned(idx) {
			continue
		}
		w, err := m.register(userID, idx, TierUser)
		if err != nil {
			return nil, err
		}
		m.nextIndex = idx + 1
		return w, nil
	}
	return nil, cerrors.New(cerrors.CodeConflict, "用户钱包索引区间已耗尽")
}

// RotationDue 报告钱包是否到达轮换周期。
func (m *Manager) RotationDue(w *Wallet) bool {
	if w == nil || m.policy.RotationInterval <= 0 {
		return false
	}
	return time.Since(w.CreatedAt) >= m.policy.RotationInterval
}

// Rotate 为用户创建远离原区间的新钱包。旧钱包进入 ROTATING 并保留
// 宽限期，期内旧地址仍是有效入金目标；谱系通过 previous_address 记录。
// 轮换永不删除历史。
func (m *Manager) Rotate(userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.directory.ByUser(userID)
	if !ok {
		return nil, cerrors.New(cerrors.CodeNotFound, "用户没有可轮换的钱包")
	}

	newIndex := old.Index + rotationOffset
	for m.directory.IndexAssigned(newIndex) {
		newIndex += rotationOffset
	}

	address, err := m.provider.Address(newIndex)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if old.Status != StatusCompromised {
		old.Status = StatusRotating
		old.GraceUntil = now.Add(m.policy.GracePeriod)
	}

	next := &Wallet{
		UserID:          userID,
		Index:           newIndex,
		Path:            DerivationPath(newIndex),
		Address:         address,
		Chain:           old.Chain,
		Tier:            old.Tier,
		Status:          StatusActive,
		CreatedAt:       now,
		PreviousAddress: old.Address,
	}
	if err := m.directory.Put(next); err != nil {
		return nil, err
	}
	return next, nil
}

// MarkCompromised 将钱包标记为失陷并立即轮换。失陷钱包没有宽限期，
// 其旧地址立刻停止被认可。返回 (旧钱包, 新钱包) 供调用方把余额排入
// 归集队列。
func (m *Manager) MarkCompromised(userID string) (*Wallet, *Wallet, error) {
	old, ok := m.directory.ByUser(userID)
	if !ok {
		return nil, nil, cerrors.New(cerrors.CodeNotFound, "用户没有钱包")
	}
	old.Status = StatusCompromised
	old.GraceUntil = time.Time{}

	next, err := m.Rotate(userID)
	if err != nil {
		return nil, nil, err
	}
	return old, next, nil
}

// KeyFor 返回指定索引的私钥，仅供执行与归集路径内部使用。
func (m *Manager) KeyFor(index uint32) (*ecdsa.PrivateKey, error) {
	return m.provider.DeriveKey(index)
}

// VerifyRecovery 用候选助记词重放所有已登记索引并比对地址。
// 全部一致时将钱包标记为 RECOVERED；任何不一致都视为安全事件。
func (m *Manager) VerifyRecovery(mnemonic string) error {
	candidate, err := NewKeyProvider(mnemonic)
	if err != nil {
		return err
	}
	for _, w := range m.directory.All() {
		address, err := candidate.Address(w.Index)
		if err != nil {
			return err
		}
		if address != w.Address {
			return cerrors.New(cerrors.CodeSecurityAlert, "恢复校验失败: 派生地址不匹配")
		}
	}
	for _, w := range m.directory.All() {
		if w.Status == StatusActive {
			w.Status = StatusRecovered
		}
	}
	return nil
}
