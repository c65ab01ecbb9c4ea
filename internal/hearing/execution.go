package hearing

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"Citadel-Core/internal/chain"
	"Citadel-Core/internal/custody"
	"Citadel-Core/pkg/logger"
)

// AutopilotUserID 是归集器使用的系统身份。该身份永远用金库保留索引签名。
const AutopilotUserID = "sweeper-autopilot"

// Exchange 是执行阶段需要的交易所能力子集。
type Exchange interface {
	Withdraw(ctx context.Context, asset string, amount float64, address, network string) (string, error)
}

// TokenRef 把代币符号定位到链与合约。
type TokenRef struct {
	Chain    string
	Contract string
}

// Executor 把选中的策略计划派发到链上或交易所操作。
// 所有失败都在各自分支内捕获并转为 FAILED，绝不越过阶段边界。
type Executor struct {
	registry *chain.Registry
	manager  *custody.Manager
	exchange Exchange
	tokens   map[string]TokenRef
	treasury string
	// allowSimulation 打开后，测试网流动性不足时落入模拟回退。
	allowSimulation bool
}

// ExecutorOptions 配置执行阶段。
type ExecutorOptions struct {
	Registry        *chain.Registry
	Manager         *custody.Manager
	Exchange        Exchange
	Tokens          map[string]TokenRef
	TreasuryAddress string
	AllowSimulation bool
}

// NewExecutor 构造执行阶段。
func NewExecutor(opts ExecutorOptions) *Executor {
	tokens := make(map[string]TokenRef, len(opts.Tokens))
	for sym, ref := range opts.Tokens {
		tokens[strings.ToUpper(sym)] = ref
	}
	return &Executor{
		registry:        opts.Registry,
		manager:         opts.Manager,
		exchange:        opts.Exchange,
		tokens:          tokens,
		treasury:        opts.TreasuryAddress,
		allowSimulation: opts.AllowSimulation,
	}
}

// Run 要求策略阶段已选出计划。签名使用记忆阶段解析出的派生索引，
// 唯一例外是自动驾驶身份固定使用金库保留索引。
func (e *Executor) Run(ctx context.Context, record *Record) error {
	plan, ok := record.SelectedPlan()
	if !ok {
		return record.AttachExecution(&ExecutionOutput{
			Status: ExecFailed,
			Logs:   []string{"no selected plan to execute"},
		})
	}

	index, err := e.signingIndex(record)
	if err != nil {
		return record.AttachExecution(e.failed(err, nil))
	}

	out := e.dispatch(ctx, record, plan, index)
	return record.AttachExecution(out)
}

func (e *Executor) signingIndex(record *Record) (uint32, error) {
	if record.UserID == AutopilotUserID {
		return custody.TreasuryIndex, nil
	}
	if record.Memory == nil || !record.Memory.Known {
		return 0, fmt.Errorf("acting identity unresolved, refusing to sign")
	}
	return record.Memory.WalletIndex, nil
}

// dispatch 是动作类型上的封闭开关。未覆盖的动作类型是硬性的
// 未实现失败，而不是静默跳过。
func (e *Executor) dispatch(ctx context.Context, record *Record, plan Plan, index uint32) *ExecutionOutput {
	amount := record.FactFloat(FactAmount)
	token := record.FactValue(FactToken)

	switch plan.ActionType {
	case ActionTransfer:
		return e.execTransfer(ctx, plan, index, amount, token)
	case ActionEscrowLock:
		return e.execEscrowLock(ctx, plan, index, amount, token)
	case ActionEscrowRelease:
		return e.execEscrowRelease(ctx, record, plan)
	case ActionSwap:
		return e.execSwap(plan, amount, token)
	case ActionInvest:
		return e.execInvest(ctx, plan, index, amount, token)
	case ActionSubscription:
		return e.execSubscription(ctx, plan, index, amount, token)
	case ActionWithdrawCEX:
		return e.execWithdrawCEX(ctx, record, plan, amount, token)
	case ActionCEXWithdrawalBatch:
		return e.execEvacuation(ctx, record)
	case ActionArbitrageSignal, ActionWait:
		// 纯信号动作不移动资金，零金额是合法的。
		return &ExecutionOutput{
			Status:    ExecSuccess,
			Reference: "signal:" + record.ID,
			Logs:      append([]string{"no funds moved"}, plan.Steps...),
		}
	default:
		return &ExecutionOutput{
			Status: ExecFailed,
			Logs:   []string{fmt.Sprintf("action type %s not implemented", plan.ActionType)},
		}
	}
}

func (e *Executor) execTransfer(ctx context.Context, plan Plan, index uint32, amount float64, token string) *ExecutionOutput {
	if amount <= 0 {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"transfer requires a positive amount"}}
	}
	hash, err := e.sendFunds(ctx, plan.TargetChain, index, plan.Reference, amount, token)
	if err != nil {
		return e.fallbackOrFailed(plan, err,
			fmt.Sprintf("transfer %.4f %s to %s", amount, token, plan.Reference),
			[]string{"transfer broadcast failed"})
	}
	return &ExecutionOutput{
		Status:    ExecSuccess,
		Reference: hash,
		Logs:      []string{fmt.Sprintf("transferred %.4f %s to %s", amount, token, plan.Reference)},
	}
}

// execEscrowLock 把托管金额划入金库锁仓，协议号来自策略阶段。
func (e *Executor) execEscrowLock(ctx context.Context, plan Plan, index uint32, amount float64, token string) *ExecutionOutput {
	if amount <= 0 {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"escrow lock requires a positive amount"}}
	}
	if e.treasury == "" {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"no escrow vault configured"}}
	}
	hash, err := e.sendFunds(ctx, plan.TargetChain, index, e.treasury, amount, token)
	if err != nil {
		return e.fallbackOrFailed(plan, err,
			fmt.Sprintf("escrow lock of %.4f %s (agreement %s)", amount, token, plan.Reference),
			[]string{"escrow lock broadcast failed"})
	}
	return &ExecutionOutput{
		Status:    ExecSuccess,
		Reference: hash,
		Logs: []string{
			fmt.Sprintf("locked %.4f %s under agreement %s", amount, token, plan.Reference),
		},
	}
}

// execEscrowRelease 从金库钱包向受益人放款，使用金库保留索引签名。
func (e *Executor) execEscrowRelease(ctx context.Context, record *Record, plan Plan) *ExecutionOutput {
	beneficiary := record.FactValue(FactRecipient)
	if beneficiary == "" && record.Memory != nil {
		beneficiary = record.Memory.WalletAddress
	}
	if beneficiary == "" {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"no beneficiary resolved for escrow release"}}
	}
	amount := record.FactFloat(FactAmount)
	token := record.FactValue(FactToken)
	if amount <= 0 {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"escrow release requires a positive amount"}}
	}
	hash, err := e.sendFunds(ctx, plan.TargetChain, custody.TreasuryIndex, beneficiary, amount, token)
	if err != nil {
		return e.fallbackOrFailed(plan, err,
			fmt.Sprintf("escrow release of agreement %s to %s", plan.Reference, beneficiary),
			[]string{"escrow release broadcast failed"})
	}
	return &ExecutionOutput{
		Status:    ExecSuccess,
		Reference: hash,
		Logs:      []string{fmt.Sprintf("released agreement %s to %s", plan.Reference, beneficiary)},
	}
}

// execSwap 当前没有接入链上兑换路由，只有显式打开模拟回退时
// 才能以可辨识的模拟引用完成，否则如实失败。
func (e *Executor) execSwap(plan Plan, amount float64, token string) *ExecutionOutput {
	if amount <= 0 {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"swap requires a positive amount"}}
	}
	if out, ok := e.simulated(plan, fmt.Sprintf("swap %.4f %s (%s)", amount, token, plan.Reference)); ok {
		return out
	}
	return &ExecutionOutput{Status: ExecFailed, Logs: []string{"no swap liquidity route available"}}
}

// execInvest 将投资金额划入金库管理的头寸。
func (e *Executor) execInvest(ctx context.Context, plan Plan, index uint32, amount float64, token string) *ExecutionOutput {
	if amount <= 0 {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"investment requires a positive amount"}}
	}
	if e.treasury == "" {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"no treasury vault configured"}}
	}
	hash, err := e.sendFunds(ctx, plan.TargetChain, index, e.treasury, amount, token)
	if err != nil {
		return e.fallbackOrFailed(plan, err,
			fmt.Sprintf("investment of %.4f %s (%s)", amount, token, plan.Reference),
			[]string{"investment transfer failed"})
	}
	logs := []string{fmt.Sprintf("moved %.4f %s into the managed position (%s)", amount, token, plan.Reference)}
	logs = append(logs, plan.Steps...)
	return &ExecutionOutput{Status: ExecSuccess, Reference: hash, Logs: logs}
}

// execSubscription 立即执行首期付款，后续周期由调用方调度。
func (e *Executor) execSubscription(ctx context.Context, plan Plan, index uint32, amount float64, token string) *ExecutionOutput {
	if amount <= 0 {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"subscription requires a positive amount"}}
	}
	hash, err := e.sendFunds(ctx, plan.TargetChain, index, plan.Reference, amount, token)
	if err != nil {
		return e.fallbackOrFailed(plan, err,
			fmt.Sprintf("first subscription payment of %.4f %s to %s", amount, token, plan.Reference),
			[]string{"first subscription payment failed"})
	}
	return &ExecutionOutput{
		Status:    ExecSuccess,
		Reference: hash,
		Logs: []string{
			fmt.Sprintf("first payment of %.4f %s sent to %s", amount, token, plan.Reference),
			"subsequent cycles follow the recorded frequency",
		},
	}
}

func (e *Executor) execWithdrawCEX(ctx context.Context, record *Record, plan Plan, amount float64, token string) *ExecutionOutput {
	if e.exchange == nil {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"no exchange collaborator configured"}}
	}
	if amount <= 0 {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"exchange withdrawal requires a positive amount"}}
	}
	address := record.FactValue(FactRecipient)
	if address == "" && record.Memory != nil {
		address = record.Memory.WalletAddress
	}
	if address == "" {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"no destination address for exchange withdrawal"}}
	}
	ref, err := e.exchange.Withdraw(ctx, token, amount, address, plan.TargetChain)
	if err != nil {
		return e.failed(err, []string{"exchange withdrawal failed"})
	}
	return &ExecutionOutput{
		Status:    ExecSuccess,
		Reference: ref,
		Logs:      []string{fmt.Sprintf("withdrew %.4f %s from the exchange to %s", amount, token, address)},
	}
}

// execEvacuation 对感知快照中的每个非零余额发起一笔提现，
// 单个资产失败不会中止其余资产。零金额对批量撤离是合法的。
func (e *Executor) execEvacuation(ctx context.Context, record *Record) *ExecutionOutput {
	if e.exchange == nil {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"no exchange collaborator configured"}}
	}
	destination := e.treasury
	if record.Memory != nil && record.Memory.WalletAddress != "" {
		destination = record.Memory.WalletAddress
	}
	if destination == "" {
		return &ExecutionOutput{Status: ExecFailed, Logs: []string{"no evacuation destination resolved"}}
	}

	out := &ExecutionOutput{Status: ExecSuccess, Reference: "evacuation:" + record.ID}
	withdrawn := 0
	if record.Perception != nil {
		for _, f := range record.Perception.Facts {
			asset, ok := strings.CutPrefix(f.Key, "detected_cex_balance_")
			if !ok {
				continue
			}
			balance := record.FactFloat(f.Key)
			if balance <= 0 {
				continue
			}
			ref, err := e.exchange.Withdraw(ctx, asset, balance, destination, "ethereum")
			if err != nil {
				out.Logs = append(out.Logs, fmt.Sprintf("withdrawal of %s failed: %s", asset, sanitizeReason(err)))
				continue
			}
			withdrawn++
			out.Logs = append(out.Logs, fmt.Sprintf("withdrew %s %s (ref %s)", f.Value, asset, ref))
		}
	}
	if withdrawn == 0 && len(out.Logs) > 0 {
		out.Status = ExecFailed
	}
	if len(out.Logs) == 0 {
		out.Logs = []string{"no nonzero balances to evacuate"}
	}
	return out
}

// sendFunds 解析目标链并按代币配置选择原生或合约转账。
func (e *Executor) sendFunds(ctx context.Context, chainName string, index uint32, to string, amount float64, token string) (string, error) {
	client, err := e.clientFor(chainName, token)
	if err != nil {
		return "", err
	}
	key, err := e.manager.KeyFor(index)
	if err != nil {
		return "", err
	}
	if ref, ok := e.tokens[strings.ToUpper(token)]; ok && ref.Contract != "" {
		return client.TransferToken(ctx, key, to, ref.Contract, amount)
	}
	wei, _ := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e18)).Int(nil)
	return client.TransferNative(ctx, key, to, wei)
}

func (e *Executor) clientFor(chainName, token string) (*chain.Client, error) {
	if ref, ok := e.tokens[strings.ToUpper(token)]; ok && ref.Chain != "" {
		chainName = ref.Chain
	}
	if client, ok := e.registry.Client(chainName); ok {
		return client, nil
	}
	return e.registry.DefaultClient()
}

// simulated 在允许模拟回退时生成确定可辨识的模拟引用。
// 模拟结果永远带 sim_ 前缀并显式标注，绝不与真实广播混淆。
func (e *Executor) simulated(plan Plan, summary string) (*ExecutionOutput, bool) {
	if !e.allowSimulation {
		return nil, false
	}
	ref := "sim_" + uuid.NewString()
	logger.L().Warn("执行落入模拟回退", "action", string(plan.ActionType), "reference", ref)
	return &ExecutionOutput{
		Status:    ExecSuccess,
		Reference: ref,
		Logs: []string{
			"SIMULATED: no real broadcast occurred (testnet liquidity fallback)",
			summary,
		},
	}, true
}

// fallbackOrFailed 统一收束资金划转分支的广播失败：流动性不足
// 且允许模拟回退时落入模拟执行，其余失败如实转为 FAILED。
func (e *Executor) fallbackOrFailed(plan Plan, err error, summary string, logs []string) *ExecutionOutput {
	if liquidityShortfall(err) {
		if out, ok := e.simulated(plan, summary); ok {
			return out
		}
	}
	return e.failed(err, logs)
}

// liquidityShortfall 判定一次广播失败是否属于测试网流动性不足：
// 发起方付不起本金或燃料费。其余链上错误不在此列。
func liquidityShortfall(err error) bool {
	var shortfall *chain.GasShortfallError
	if stderrors.As(err, &shortfall) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

// failed 把分支内捕获的错误转为 FAILED 输出，敏感信息先行清洗。
func (e *Executor) failed(err error, logs []string) *ExecutionOutput {
	var shortfall *chain.GasShortfallError
	if stderrors.As(err, &shortfall) {
		logs = append(logs, "insufficient native gas, funding required before retry")
	}
	logs = append(logs, sanitizeReason(err))
	return &ExecutionOutput{Status: ExecFailed, Logs: logs}
}

// sanitizeReason 重写可能泄露配置或助记词细节的错误信息。
// 密钥材料在任何情况下都不允许出现在对外的失败原因里。
func sanitizeReason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	for _, sensitive := range []string{"mnemonic", "seed", "助记词", "密钥", "credential", "secret", "api key"} {
		if strings.Contains(lowered, sensitive) {
			return "security alert: request rejected by custody policy"
		}
	}
	return msg
}
