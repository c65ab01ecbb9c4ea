package hearing

import (
	"context"
	"fmt"
	"strings"
)

// RiskPolicy 是风控阶段的参数表。
type RiskPolicy struct {
	// GlobalMax 是与资产无关的绝对金额上限。
	GlobalMax float64
	// AssetLimits 是按资产的单笔限额表。
	AssetLimits map[string]float64
	// DefaultLimit 是未知资产的保守默认限额。
	DefaultLimit float64
	// TrustedAddresses 是收款方白名单。
	TrustedAddresses []string
	// OverrideKeywords 出现在原始意图中时放行白名单外的收款方。
	OverrideKeywords []string
}

// Risk 按固定顺序评估否决规则。规则彼此独立、全部无条件执行，
// 因此阻断原因列表对调用方总是完整的。
type Risk struct {
	policy  RiskPolicy
	trusted map[string]bool
}

// NewRisk 构造风控阶段。
func NewRisk(policy RiskPolicy) *Risk {
	trusted := make(map[string]bool, len(policy.TrustedAddresses))
	for _, addr := range policy.TrustedAddresses {
		trusted[strings.ToLower(addr)] = true
	}
	return &Risk{policy: policy, trusted: trusted}
}

// Run 评估全部规则并写入风控分段。只有 CRITICAL 级别的失败才触发
// VETO；INFO/WARNING 永不否决。
func (r *Risk) Run(ctx context.Context, record *Record) error {
	out := &RiskOutput{Verdict: RiskApprove}

	amount := record.FactFloat(FactAmount)
	token := record.FactValue(FactToken)
	recipient := record.FactValue(FactRecipient)

	rules := []RuleResult{
		r.globalSanityCap(amount),
		r.assetVelocityCap(amount, token),
		r.destinationAllowList(recipient, record.Intent),
	}
	for _, rule := range rules {
		out.Rules = append(out.Rules, rule)
		if !rule.Passed && rule.Severity == RuleCritical {
			out.Verdict = RiskVeto
			out.Blockers = append(out.Blockers, rule.Reason)
		}
	}

	return record.AttachRisk(out)
}

// globalSanityCap 与资产无关的绝对金额上限。
func (r *Risk) globalSanityCap(amount float64) RuleResult {
	rule := RuleResult{RuleID: "global_sanity_cap", Severity: RuleCritical, Passed: true}
	if amount > r.policy.GlobalMax {
		rule.Passed = false
		rule.Reason = fmt.Sprintf("amount %.2f exceeds the global sanity cap of %.2f", amount, r.policy.GlobalMax)
		return rule
	}
	rule.Reason = "amount within global cap"
	return rule
}

// assetVelocityCap 按资产限额，未知资产使用保守默认值。
func (r *Risk) assetVelocityCap(amount float64, token string) RuleResult {
	rule := RuleResult{RuleID: "asset_velocity_cap", Severity: RuleCritical, Passed: true}
	if amount <= 0 {
		rule.Reason = "no amount perceived"
		return rule
	}
	limit, ok := r.policy.AssetLimits[token]
	if !ok {
		limit = r.policy.DefaultLimit
	}
	if amount > limit {
		rule.Passed = false
		rule.Reason = fmt.Sprintf("amount %.2f %s exceeds the %s safety limit of %.2f", amount, token, token, limit)
		return rule
	}
	rule.Reason = fmt.Sprintf("amount within the %s safety limit", token)
	return rule
}

// destinationAllowList 白名单外的收款方默认否决，原始意图包含
// 放行关键词时改为通过并留下明确的 overridden 记录。
func (r *Risk) destinationAllowList(recipient, intent string) RuleResult {
	rule := RuleResult{RuleID: "destination_allow_list", Severity: RuleCritical, Passed: true}
	if recipient == "" {
		rule.Reason = "no recipient perceived"
		return rule
	}
	if r.trusted[strings.ToLower(recipient)] {
		rule.Reason = "recipient on the trusted list"
		return rule
	}
	upper := strings.ToUpper(intent)
	for _, keyword := range r.policy.OverrideKeywords {
		if strings.Contains(upper, strings.ToUpper(keyword)) {
			rule.Reason = fmt.Sprintf("recipient %s not on the trusted list, shield overridden by explicit keyword", recipient)
			return rule
		}
	}
	rule.Passed = false
	rule.Reason = fmt.Sprintf("recipient %s is not on the trusted list (shield active)", recipient)
	return rule
}
