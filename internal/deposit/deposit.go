package deposit

import (
	"time"

	"github.com/shopspring/decimal"

	cerrors "Citadel-Core/internal/errors"
)

// Status 是入金生命周期状态。
type Status string

const (
	StatusDetected Status = "DETECTED"
	StatusVerified Status = "VERIFIED"
	StatusApproved Status = "APPROVED"
	StatusSweeping Status = "SWEEPING"
	StatusSwept    Status = "SWEPT"
	StatusSettled  Status = "SETTLED"
	StatusFailed   Status = "FAILED"
)

// forwardTransitions 定义严格的前向状态机。FAILED 可从任何
// 非终态进入，是唯一的逃生分支。
var forwardTransitions = map[Status]Status{
	StatusDetected: StatusVerified,
	StatusVerified: StatusApproved,
	StatusApproved: StatusSweeping,
	StatusSweeping: StatusSwept,
	StatusSwept:    StatusSettled,
}

// Deposit 是一笔链上入金的完整描述。交易哈希、金额、资产与链
// 在创建后不可变。
type Deposit struct {
	TxHash      string          `json:"tx_hash"`
	FromAddress string          `json:"from_address"`
	ToAddress   string          `json:"to_address"`
	Amount      decimal.Decimal `json:"amount"`
	Asset       string          `json:"asset"`
	Chain       string          `json:"chain"`
	BlockNumber uint64          `json:"block_number"`
	DetectedAt  time.Time       `json:"detected_at"`
	Status      Status          `json:"status"`

	UserID        string          `json:"user_id,omitempty"`
	Reward        decimal.Decimal `json:"reward,omitempty"`
	SweepTxHash   string          `json:"sweep_tx_hash,omitempty"`
	SettledAt     time.Time       `json:"settled_at,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// Terminal 报告入金是否已到达终态。
func (d *Deposit) Terminal() bool {
	return d.Status == StatusSettled || d.Status == StatusFailed
}

// advance 校验并执行一次前向转移。跳级与回退都会被拒绝。
func (d *Deposit) advance(next Status) error {
	if next == StatusFailed {
		if d.Terminal() {
			return cerrors.New(cerrors.CodeConflict, "终态入金不能再转移")
		}
		d.Status = StatusFailed
		return nil
	}
	expected, ok := forwardTransitions[d.Status]
	if !ok || expected != next {
		return cerrors.New(cerrors.CodeConflict,
			"非法的入金状态转移: "+string(d.Status)+" -> "+string(next))
	}
	d.Status = next
	return nil
}
