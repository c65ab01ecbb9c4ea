package hearing

import (
	"context"
	"fmt"
	"strings"

	"Citadel-Core/internal/observability/metrics"
	"Citadel-Core/pkg/logger"
)

// Arena 按固定顺序驱动五个阶段。它本身不持有任何按次调用的状态，
// 不同用户的听证可以并发进行。
type Arena struct {
	perception *Perception
	memory     *Memory
	risk       *Risk
	strategy   *Strategy
	executor   *Executor
}

// NewArena 组装编排器。
func NewArena(perception *Perception, memory *Memory, risk *Risk, strategy *Strategy, executor *Executor) *Arena {
	return &Arena{
		perception: perception,
		memory:     memory,
		risk:       risk,
		strategy:   strategy,
		executor:   executor,
	}
}

// Conduct 对一条意图完成一次完整听证。无论内部发生什么，
// 都返回一条带终局裁决的记录，永不向调用方抛出异常。
func (a *Arena) Conduct(ctx context.Context, userID, intent string, allowExecution bool) (record *Record) {
	record = NewRecord(userID, intent)

	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("听证流水线内部故障", "record_id", record.ID, "panic", fmt.Sprint(r))
			record.Finalize(VerdictError, sanitizePanic(r))
		}
		metrics.ObserveHearing(string(record.FinalVerdict))
		logger.Audit().Info("hearing finalized",
			"record_id", record.ID,
			"user_id", record.UserID,
			"verdict", string(record.FinalVerdict),
			"reason", record.FinalReason,
		)
	}()

	if err := a.perception.Run(ctx, record); err != nil {
		record.Finalize(VerdictError, sanitizeReason(err))
		return record
	}
	if record.Perception.Status == PerceptionObstructed {
		record.Finalize(VerdictBlocked, "perception obstructed, cannot evaluate the intent")
		return record
	}

	if err := a.memory.Run(ctx, record); err != nil {
		record.Finalize(VerdictError, sanitizeReason(err))
		return record
	}

	if err := a.risk.Run(ctx, record); err != nil {
		record.Finalize(VerdictError, sanitizeReason(err))
		return record
	}
	if record.Risk.Verdict == RiskVeto {
		record.Finalize(VerdictBlocked, strings.Join(record.Risk.Blockers, "; "))
		return record
	}

	if err := a.strategy.Run(ctx, record); err != nil {
		record.Finalize(VerdictError, sanitizeReason(err))
		return record
	}
	if len(record.Strategy.Plans) == 0 {
		record.Finalize(VerdictBlocked, record.Strategy.Rationale)
		return record
	}

	if !allowExecution {
		record.Finalize(VerdictAllowed, "dry run: plan approved, execution not requested")
		return record
	}

	if err := a.executor.Run(ctx, record); err != nil {
		record.Finalize(VerdictError, sanitizeReason(err))
		return record
	}
	switch record.Execution.Status {
	case ExecSuccess:
		record.Finalize(VerdictAllowed, "plan executed")
	case ExecPending:
		record.Finalize(VerdictAllowed, "plan accepted, execution pending")
	default:
		record.Finalize(VerdictError, strings.Join(record.Execution.Logs, "; "))
	}
	return record
}

// sanitizePanic 保证 panic 文本中的配置或密钥细节不会进入终局原因。
func sanitizePanic(r any) string {
	msg := fmt.Sprint(r)
	lowered := strings.ToLower(msg)
	for _, sensitive := range []string{"mnemonic", "seed", "助记词", "密钥", "credential", "secret"} {
		if strings.Contains(lowered, sensitive) {
			return "security alert: internal failure withheld"
		}
	}
	return "internal failure: " + msg
}
