package hearing

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"Citadel-Core/pkg/logger"
)

// YieldVenue 描述一个可投资的收益场所。
type YieldVenue struct {
	Name  string
	Chain string
	Asset string
	APY   float64
}

// YieldSource 查询某资产当前可用的最优收益场所。
type YieldSource interface {
	BestYield(ctx context.Context, asset string) (YieldVenue, error)
}

// Advice 是外部顾问机制给出的结构化建议。
type Advice struct {
	Action    string  `json:"action"`
	Amount    float64 `json:"amount"`
	Target    string  `json:"target"`
	Reasoning string  `json:"reasoning"`
}

// Advisor 把自由文本意图交给外部顾问（两路独立提案合成一个决定）。
// 顾问缺席或输出畸形都只是"无建议"信号，永远不会让策略阶段失败。
type Advisor interface {
	Advise(ctx context.Context, intent string) (Advice, error)
}

// Strategy 把事实与风控裁决映射为候选行动计划并选出一个。
// 确定性模板优先，外部顾问只是兜底输入之一。
type Strategy struct {
	// SpreadThreshold 是触发套利信号的跨市场价差百分比。
	spreadThreshold float64
	yields          YieldSource
	advisor         Advisor
}

// NewStrategy 构造策略阶段。yields 与 advisor 均可为 nil。
func NewStrategy(spreadThreshold float64, yields YieldSource, advisor Advisor) *Strategy {
	if spreadThreshold <= 0 {
		spreadThreshold = 1.0
	}
	return &Strategy{spreadThreshold: spreadThreshold, yields: yields, advisor: advisor}
}

var advisoryKeywords = []string{"should i", "what do you think", "advise", "advice", "recommend", "best way", "help me decide"}

// Run 按固定优先级构造候选计划。后台套利信号永远参与候选，
// 但绝不遮蔽用户明确表达的意图。
func (s *Strategy) Run(ctx context.Context, record *Record) error {
	out := &StrategyOutput{SelectedIndex: -1}

	verb := Verb(record.FactValue(FactVerb))
	amount := record.FactFloat(FactAmount)
	recipient := record.FactValue(FactRecipient)
	token := record.FactValue(FactToken)
	chain := record.FactValue(FactChain)
	if chain == "" {
		chain = "ethereum"
	}

	if arb, ok := s.arbitrageSignal(record, token, chain); ok {
		out.Plans = append(out.Plans, arb)
	}

	intentPlan, rationale := s.intentPlan(ctx, record, verb, amount, recipient, token, chain)
	if intentPlan != nil {
		out.Plans = append(out.Plans, *intentPlan)
	}

	switch {
	case len(out.Plans) == 0:
		out.Rationale = "no feasible plan for this intent"
	case intentPlan == nil:
		out.SelectedIndex = 0
		out.Rationale = "no explicit intent, acting on the background arbitrage signal"
	default:
		out.SelectedIndex = s.selectPlan(out.Plans)
		out.Rationale = rationale
	}

	return record.AttachStrategy(out)
}

// selectPlan 在候选中优先选择资金移动类硬动作。
func (s *Strategy) selectPlan(plans []Plan) int {
	for i, plan := range plans {
		if IsHardAction(plan.ActionType) {
			return i
		}
	}
	return len(plans) - 1
}

// arbitrageSignal 比对同一代币的中心化与去中心化报价，
// 价差持续超过阈值时生成套利信号计划。
func (s *Strategy) arbitrageSignal(record *Record, token, chain string) (Plan, bool) {
	if token == "" {
		return Plan{}, false
	}
	cex := record.FactFloat("cex_price_" + token)
	dex := record.FactFloat("dex_price_" + token)
	if cex <= 0 || dex <= 0 {
		return Plan{}, false
	}
	low := math.Min(cex, dex)
	spread := math.Abs(cex-dex) / low * 100
	if spread < s.spreadThreshold {
		return Plan{}, false
	}
	direction := "buy on DEX, sell on CEX"
	if dex > cex {
		direction = "buy on CEX, sell on DEX"
	}
	return Plan{
		ActionType:  ActionArbitrageSignal,
		TargetChain: chain,
		Reference:   fmt.Sprintf("arb:%s:%.2f%%", token, spread),
		Steps: []string{
			fmt.Sprintf("spread of %.2f%% detected on %s (cex %.4f vs dex %.4f)", spread, token, cex, dex),
			direction,
		},
	}, true
}

// intentPlan 按决策顺序匹配第一个可执行模板，命中即返回单个计划。
func (s *Strategy) intentPlan(ctx context.Context, record *Record, verb Verb, amount float64, recipient, token, chain string) (*Plan, string) {
	switch {
	case verb == VerbEscrow && amount > 0:
		agreementID := uuid.NewString()
		return &Plan{
			ActionType:  ActionEscrowLock,
			TargetChain: chain,
			Reference:   agreementID,
			Steps: []string{
				fmt.Sprintf("lock %.4f %s into escrow", amount, token),
				"agreement " + agreementID + " created",
			},
		}, "explicit escrow intent"

	case verb == VerbRelease && record.FactValue(FactAgreement) != "":
		agreementID := record.FactValue(FactAgreement)
		return &Plan{
			ActionType:  ActionEscrowRelease,
			TargetChain: chain,
			Reference:   agreementID,
			Steps:       []string{"release escrow agreement " + agreementID},
		}, "explicit release intent"

	case record.FactValue(FactSwapPair) != "" && amount > 0 && token != "":
		target := record.FactValue(FactSwapPair)
		return &Plan{
			ActionType:  ActionSwap,
			TargetChain: chain,
			Reference:   fmt.Sprintf("%s->%s", token, target),
			Steps:       []string{fmt.Sprintf("swap %.4f %s into %s", amount, token, target)},
		}, "explicit swap intent"

	case verb == VerbInvest && amount > 0:
		return s.investPlan(ctx, amount, token, chain)

	case record.FactValue(FactFrequency) != "" && amount > 0 && recipient != "":
		return &Plan{
			ActionType:  ActionSubscription,
			TargetChain: chain,
			Reference:   recipient,
			Steps: []string{
				fmt.Sprintf("schedule a %s payment of %.4f %s to %s",
					record.FactValue(FactFrequency), amount, token, recipient),
			},
		}, "recurring payment intent"

	case verb == VerbEvacuate:
		return s.evacuationPlan(record), "exchange evacuation intent"
	}

	if s.advisorApplies(record, amount, recipient) {
		if plan, ok := s.consultAdvisor(ctx, record, chain); ok {
			return plan, "external advisor recommendation"
		}
	}

	if amount > 0 && recipient != "" {
		return &Plan{
			ActionType:  ActionTransfer,
			TargetChain: chain,
			Reference:   recipient,
			Steps:       []string{fmt.Sprintf("transfer %.4f %s to %s", amount, token, recipient)},
		}, "direct transfer intent"
	}
	return nil, ""
}

func (s *Strategy) investPlan(ctx context.Context, amount float64, token, chain string) (*Plan, string) {
	steps := []string{fmt.Sprintf("invest %.4f %s", amount, token)}
	reference := "invest:" + token
	if s.yields != nil {
		if venue, err := s.yields.BestYield(ctx, token); err == nil {
			steps = append(steps, fmt.Sprintf("best venue %s on %s at %.2f%% APY", venue.Name, venue.Chain, venue.APY))
			reference = "invest:" + venue.Name
		} else {
			logger.L().Warn("查询收益场所失败", "token", token, "error", err)
			steps = append(steps, "no live yield data, holding venue selection")
		}
	}
	return &Plan{
		ActionType:  ActionInvest,
		TargetChain: chain,
		Reference:   reference,
		Steps:       steps,
	}, "explicit investment intent"
}

// evacuationPlan 把感知阶段拿到的每个非零余额列为一条撤离步骤。
func (s *Strategy) evacuationPlan(record *Record) *Plan {
	plan := &Plan{
		ActionType:  ActionCEXWithdrawalBatch,
		TargetChain: "ethereum",
		Reference:   "evacuation:" + record.ID,
	}
	if record.Perception != nil {
		for _, f := range record.Perception.Facts {
			if asset, ok := strings.CutPrefix(f.Key, "detected_cex_balance_"); ok {
				plan.Steps = append(plan.Steps, fmt.Sprintf("withdraw %s %s from the exchange", f.Value, asset))
			}
		}
	}
	if len(plan.Steps) == 0 {
		plan.Steps = []string{"no nonzero exchange balances found, nothing to evacuate"}
	}
	return plan
}

// advisorApplies 判断是否进入顾问兜底路径：咨询类措辞、有金额没有
// 收款方、或意图同时出现 from 与 to 的复杂表达。
func (s *Strategy) advisorApplies(record *Record, amount float64, recipient string) bool {
	lowered := strings.ToLower(record.Intent)
	for _, keyword := range advisoryKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	if amount > 0 && recipient == "" {
		return true
	}
	return strings.Contains(lowered, "from") && strings.Contains(lowered, "to")
}

// consultAdvisor 调用顾问并把建议转成计划。顾问的任何失败都
// 只是降级信号，落回默认模板而不是让阶段失败。
func (s *Strategy) consultAdvisor(ctx context.Context, record *Record, chain string) (*Plan, bool) {
	if s.advisor == nil {
		return nil, false
	}
	advice, err := s.advisor.Advise(ctx, record.Intent)
	if err != nil {
		logger.L().Warn("外部顾问不可用", "error", err)
		return nil, false
	}
	action := ActionType(strings.ToUpper(strings.TrimSpace(advice.Action)))
	switch action {
	case ActionTransfer, ActionSwap, ActionInvest, ActionWait,
		ActionEscrowLock, ActionEscrowRelease, ActionWithdrawCEX:
	default:
		return nil, false
	}
	steps := []string{fmt.Sprintf("advisor recommends %s", action)}
	if advice.Reasoning != "" {
		steps = append(steps, advice.Reasoning)
	}
	reference := advice.Target
	if reference == "" {
		reference = "advisor:" + record.ID
	}
	return &Plan{
		ActionType:  action,
		TargetChain: chain,
		Reference:   reference,
		Steps:       steps,
	}, true
}
