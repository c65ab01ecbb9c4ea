package custody

import (
	"strings"
	"sync"
	"time"

	cerrors "Citadel-Core/internal/errors"
)

// Tier 表示钱包的角色层级，决定其签名阈值。
type Tier string

const (
	TierMaster  Tier = "master"
	TierUser    Tier = "user"
	TierSigning Tier = "signing"
)

// Status 表示钱包的生命周期状态。钱包只会被取代，永远不会被删除。
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusRotating    Status = "ROTATING"
	StatusRotated     Status = "ROTATED"
	StatusCompromised Status = "COMPROMISED"
	StatusRecovered   Status = "RECOVERED"
)

// Threshold 返回指定层级的 m-of-n 签名阈值。
func Threshold(tier Tier) (required, total int) {
	switch tier {
	case TierMaster:
		return 2, 3
	case TierSigning:
		return 3, 3
	default:
		return 1, 1
	}
}

// Wallet 是一个派生钱包的完整描述。索引一经分配永不复用。
type Wallet struct {
	UserID          string    `json:"user_id"`
	Index           uint32    `json:"index"`
	Path            string    `json:"path"`
	Address         string    `json:"address"`
	Chain           string    `json:"chain"`
	Tier            Tier      `json:"tier"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	PreviousAddress string    `json:"previous_address,omitempty"`
	GraceUntil      time.Time `json:"grace_until,omitempty"`
}

// Directory 维护内存中的钱包登记表，按用户与地址双向索引。
// 宽限期内被轮换钱包的旧地址仍可反查到所属用户。
type Directory struct {
	mu        sync.RWMutex
	byUser    map[string]*Wallet
	byAddress map[string]*Wallet
	byIndex   map[uint32]*Wallet
	history   []*Wallet
}

// NewDirectory 构造一个空登记表。
func NewDirectory() *Directory {
	return &Directory{
		byUser:    make(map[string]*Wallet),
		byAddress: make(map[string]*Wallet),
		byIndex:   make(map[uint32]*Wallet),
	}
}

// Put 登记或替换某用户的当前钱包。旧钱包保留在历史与地址索引中。
func (d *Directory) Put(w *Wallet) error {
	if w == nil {
		return cerrors.New(cerrors.CodeInvalidArgument, "钱包为空")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.byIndex[w.Index]; ok && existing.UserID != w.UserID {
		return cerrors.New(cerrors.CodeConflict, "派生索引已被其他用户占用")
	}
	d.byUser[w.UserID] = w
	d.byAddress[strings.ToLower(w.Address)] = w
	d.byIndex[w.Index] = w
	d.history = append(d.history, w)
	return nil
}

// ByUser 返回用户当前生效的钱包。
func (d *Directory) ByUser(userID string) (*Wallet, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.byUser[userID]
	return w, ok
}

// ByAddress 按地址反查钱包。轮换宽限期内旧地址仍然可查，
// 宽限期过后旧地址不再被认可为有效入金目标。
func (d *Directory) ByAddress(address string) (*Wallet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireRotationsLocked(time.Now())
	w, ok := d.byAddress[strings.ToLower(address)]
	if !ok {
		return nil, false
	}
	if w.Status == StatusRotated || w.Status == StatusCompromised {
		return nil, false
	}
	return w, true
}

// expireRotationsLocked 把宽限期已过的轮换钱包推进到 ROTATED 终态。
// 调用方必须持有写锁。
func (d *Directory) expireRotationsLocked(now time.Time) {
	for _, w := range d.history {
		if w.Status == StatusRotating && !w.GraceUntil.IsZero() && now.After(w.GraceUntil) {
			w.Status = StatusRotated
		}
	}
}

// ByIndex 按派生索引查钱包。
func (d *Directory) ByIndex(index uint32) (*Wallet, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.byIndex[index]
	return w, ok
}

// IndexAssigned 报告某索引是否已被占用。
func (d *Directory) IndexAssigned(index uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byIndex[index]
	return ok
}

// Users 返回所有持有当前钱包的用户 ID。
func (d *Directory) Users() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	users := make([]string, 0, len(d.byUser))
	for id := range d.byUser {
		users = append(users, id)
	}
	return users
}

// All 返回所有当前生效的钱包快照。
func (d *Directory) All() []*Wallet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	wallets := make([]*Wallet, 0, len(d.byUser))
	for _, w := range d.byUser {
		wallets = append(wallets, w)
	}
	return wallets
}

// History 返回完整的钱包谱系，含已被取代的钱包。
func (d *Directory) History() []*Wallet {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireRotationsLocked(time.Now())
	out := make([]*Wallet, len(d.history))
	copy(out, d.history)
	return out
}
