package hearing

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	cerrors "Citadel-Core/internal/errors"
)

// Verdict 是听证记录的终局裁决。
type Verdict string

const (
	VerdictAllowed Verdict = "ALLOWED"
	VerdictBlocked Verdict = "BLOCKED"
	VerdictError   Verdict = "ERROR"
)

// PerceptionStatus 表示感知阶段的结果状态。
// 没有提取到任何事实是合法的 CLEAR，只有内部故障才是 OBSTRUCTED。
type PerceptionStatus string

const (
	PerceptionClear      PerceptionStatus = "CLEAR"
	PerceptionObstructed PerceptionStatus = "OBSTRUCTED"
)

// RiskVerdict 表示风控阶段的裁决。
type RiskVerdict string

const (
	RiskApprove RiskVerdict = "APPROVE"
	RiskVeto    RiskVerdict = "VETO"
)

// RuleSeverity 表示单条风控规则的严重程度。
// 只有 CRITICAL 级别的失败才会触发 VETO。
type RuleSeverity string

const (
	RuleInfo     RuleSeverity = "INFO"
	RuleWarning  RuleSeverity = "WARNING"
	RuleCritical RuleSeverity = "CRITICAL"
)

// ExecStatus 表示执行阶段的终态。
type ExecStatus string

const (
	ExecSuccess ExecStatus = "SUCCESS"
	ExecFailed  ExecStatus = "FAILED"
	ExecPending ExecStatus = "PENDING"
)

// ActionType 是策略计划的动作类型，封闭但可扩展的枚举。
type ActionType string

const (
	ActionTransfer           ActionType = "TRANSFER"
	ActionEscrowLock         ActionType = "ESCROW_LOCK"
	ActionEscrowRelease      ActionType = "ESCROW_RELEASE"
	ActionSwap               ActionType = "SWAP"
	ActionWithdrawCEX        ActionType = "WITHDRAW_CEX"
	ActionCEXWithdrawalBatch ActionType = "CEX_WITHDRAWAL_BATCH"
	ActionSubscription       ActionType = "SUBSCRIPTION"
	ActionInvest             ActionType = "INVEST"
	ActionArbitrageSignal    ActionType = "ARBITRAGE_SIGNAL"
	ActionWait               ActionType = "WAIT"
)

// hardActions 是会真实移动资金的动作类型。当候选计划同时包含
// 硬动作与纯信号时，选择策略优先硬动作。
var hardActions = map[ActionType]bool{
	ActionTransfer:      true,
	ActionSwap:          true,
	ActionEscrowLock:    true,
	ActionEscrowRelease: true,
	ActionWithdrawCEX:   true,
}

// IsHardAction 报告动作类型是否为资金移动类硬动作。
func IsHardAction(a ActionType) bool { return hardActions[a] }

// Fact 是感知阶段提取的一条类型化事实。
type Fact struct {
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
}

// RuleResult 是单条风控规则的评估结论。
type RuleResult struct {
	RuleID   string       `json:"rule_id"`
	Passed   bool         `json:"passed"`
	Reason   string       `json:"reason"`
	Severity RuleSeverity `json:"severity"`
}

// Plan 是策略阶段产出的一个候选行动计划。
type Plan struct {
	ActionType  ActionType `json:"action_type"`
	TargetChain string     `json:"target_chain"`
	Reference   string     `json:"reference"`
	Steps       []string   `json:"steps"`
}

// PerceptionOutput 是感知阶段写入的记录分段。
type PerceptionOutput struct {
	Status PerceptionStatus `json:"status"`
	Facts  []Fact           `json:"facts"`
}

// MemoryOutput 是记忆阶段写入的记录分段。
// 身份解析失败不是错误，用 Known=false 表达。
type MemoryOutput struct {
	Known          bool   `json:"known"`
	UserID         string `json:"user_id,omitempty"`
	WalletIndex    uint32 `json:"wallet_index,omitempty"`
	WalletAddress  string `json:"wallet_address,omitempty"`
	Tier           string `json:"tier,omitempty"`
	HasCredentials bool   `json:"has_credentials"`
}

// RiskOutput 是风控阶段写入的记录分段。
type RiskOutput struct {
	Verdict  RiskVerdict  `json:"verdict"`
	Rules    []RuleResult `json:"rules"`
	Blockers []string     `json:"blockers,omitempty"`
}

// StrategyOutput 是策略阶段写入的记录分段。
type StrategyOutput struct {
	Plans         []Plan `json:"plans"`
	SelectedIndex int    `json:"selected_index"`
	Rationale     string `json:"rationale"`
}

// ExecutionOutput 是执行阶段写入的记录分段。
type ExecutionOutput struct {
	Status    ExecStatus `json:"status"`
	Reference string     `json:"reference,omitempty"`
	Logs      []string   `json:"logs,omitempty"`
}

// Record 是贯穿流水线的听证记录。身份字段不可变；每个阶段分段
// 只允许写入一次，写入后对下游只读。
type Record struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UserID    string    `json:"user_id"`
	Intent    string    `json:"intent"`

	Perception *PerceptionOutput `json:"perception,omitempty"`
	Memory     *MemoryOutput     `json:"memory,omitempty"`
	Risk       *RiskOutput       `json:"risk,omitempty"`
	Strategy   *StrategyOutput   `json:"strategy,omitempty"`
	Execution  *ExecutionOutput  `json:"execution,omitempty"`

	FinalVerdict Verdict `json:"final_verdict,omitempty"`
	FinalReason  string  `json:"final_reason,omitempty"`
}

// NewRecord 创建一条新的听证记录。
func NewRecord(userID, intent string) *Record {
	return &Record{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		UserID:    userID,
		Intent:    intent,
	}
}

// AttachPerception 写入感知分段，重复写入视为冲突。
func (r *Record) AttachPerception(out *PerceptionOutput) error {
	if r.Perception != nil {
		return cerrors.New(cerrors.CodeConflict, "感知分段已写入")
	}
	r.Perception = out
	return nil
}

// AttachMemory 写入记忆分段，重复写入视为冲突。
func (r *Record) AttachMemory(out *MemoryOutput) error {
	if r.Memory != nil {
		return cerrors.New(cerrors.CodeConflict, "记忆分段已写入")
	}
	r.Memory = out
	return nil
}

// AttachRisk 写入风控分段，重复写入视为冲突。
func (r *Record) AttachRisk(out *RiskOutput) error {
	if r.Risk != nil {
		return cerrors.New(cerrors.CodeConflict, "风控分段已写入")
	}
	r.Risk = out
	return nil
}

// AttachStrategy 写入策略分段，重复写入视为冲突。
func (r *Record) AttachStrategy(out *StrategyOutput) error {
	if r.Strategy != nil {
		return cerrors.New(cerrors.CodeConflict, "策略分段已写入")
	}
	r.Strategy = out
	return nil
}

// AttachExecution 写入执行分段，重复写入视为冲突。
func (r *Record) AttachExecution(out *ExecutionOutput) error {
	if r.Execution != nil {
		return cerrors.New(cerrors.CodeConflict, "执行分段已写入")
	}
	r.Execution = out
	return nil
}

// Finalize 写入终局裁决，只能由编排器调用一次。
func (r *Record) Finalize(verdict Verdict, reason string) {
	if r.FinalVerdict != "" {
		return
	}
	r.FinalVerdict = verdict
	r.FinalReason = reason
}

// Fact 按 key 查找感知事实。
func (r *Record) Fact(key string) (Fact, bool) {
	if r.Perception == nil {
		return Fact{}, false
	}
	for _, f := range r.Perception.Facts {
		if f.Key == key {
			return f, true
		}
	}
	return Fact{}, false
}

// FactValue 返回事实的字符串值，不存在时为空串。
func (r *Record) FactValue(key string) string {
	if f, ok := r.Fact(key); ok {
		return f.Value
	}
	return ""
}

// FactFloat 把事实值解析为浮点数，解析失败或不存在时返回 0。
func (r *Record) FactFloat(key string) float64 {
	v := r.FactValue(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

// SelectedPlan 返回策略阶段选中的计划。
func (r *Record) SelectedPlan() (Plan, bool) {
	if r.Strategy == nil || len(r.Strategy.Plans) == 0 {
		return Plan{}, false
	}
	idx := r.Strategy.SelectedIndex
	if idx < 0 || idx >= len(r.Strategy.Plans) {
		return Plan{}, false
	}
	return r.Strategy.Plans[idx], true
}
