package hearing

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"Citadel-Core/pkg/logger"
)

// Verb 是意图动词分类的封闭枚举。
type Verb string

const (
	VerbEscrow   Verb = "ESCROW"
	VerbRelease  Verb = "RELEASE"
	VerbInvest   Verb = "INVEST"
	VerbEvacuate Verb = "EVACUATE"
	VerbAnalyze  Verb = "ANALYZE"
)

// 感知事实的约定键名。
const (
	FactAmount    = "detected_amount"
	FactRecipient = "detected_recipient"
	FactToken     = "detected_token"
	FactChain     = "detected_chain"
	FactVerb      = "detected_verb"
	FactAgreement = "detected_agreement_id"
	FactFrequency = "detected_frequency"
	FactSwapPair  = "detected_swap_target"
)

// QuoteSource 提供同一代币在中心化与去中心化市场的基准报价。
type QuoteSource interface {
	CEXPrice(ctx context.Context, symbol string) (float64, error)
	DEXPrice(ctx context.Context, symbol string) (float64, error)
}

// BalanceSnapshotter 拉取配置的外部交易所账户余额快照。
type BalanceSnapshotter interface {
	Balances(ctx context.Context) (map[string]float64, error)
}

var (
	addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]{40}`)
	numberPattern  = regexp.MustCompile(`\d+(?:\.\d+)?`)
	agreementRef   = regexp.MustCompile(`(?i)(?:#|agreement[\s:]*|id[\s:]+)(\d+)`)
)

var verbKeywords = map[Verb][]string{
	VerbRelease:  {"release", "unlock"},
	VerbEscrow:   {"escrow", "lock"},
	VerbEvacuate: {"evacuate", "emergency exit", "pull everything"},
	VerbInvest:   {"invest", "stake", "yield", "apy"},
	VerbAnalyze:  {"analyze", "analyse", "scan", "market", "arbitrage"},
}

// verbOrder 决定关键词冲突时的归类优先级，RELEASE 高于 ESCROW。
var verbOrder = []Verb{VerbRelease, VerbEscrow, VerbEvacuate, VerbInvest, VerbAnalyze}

var nativeChains = map[string]string{
	"ETH":  "ethereum",
	"BNB":  "bsc",
	"BTC":  "bitcoin",
	"POL":  "polygon",
	"TST":  "bsc_testnet",
	"USDT": "ethereum",
	"USDC": "ethereum",
}

var frequencyKeywords = []string{"weekly", "monthly", "daily", "every week", "every month", "recurring"}

// Perception 从自由文本意图与实时行情中提取类型化事实。
type Perception struct {
	tokens       map[string]string
	aliases      map[string]string
	treasury     string
	quotes       QuoteSource
	snapshotter  BalanceSnapshotter
	defaultToken string
}

// PerceptionOptions 配置感知阶段的静态表与外部协作者。
type PerceptionOptions struct {
	// TokenChains 把代币符号映射到链名，覆盖内置默认。
	TokenChains map[string]string
	// Aliases 把具名收款方映射到地址。
	Aliases map[string]string
	// TreasuryAddress 是 treasury/admin 别名的落点。
	TreasuryAddress string
	Quotes          QuoteSource
	Snapshotter     BalanceSnapshotter
}

// NewPerception 构造感知阶段。
func NewPerception(opts PerceptionOptions) *Perception {
	tokens := make(map[string]string, len(nativeChains)+len(opts.TokenChains))
	for sym, chain := range nativeChains {
		tokens[sym] = chain
	}
	for sym, chain := range opts.TokenChains {
		tokens[strings.ToUpper(sym)] = chain
	}
	aliases := make(map[string]string, len(opts.Aliases))
	for name, addr := range opts.Aliases {
		aliases[strings.ToLower(name)] = addr
	}
	return &Perception{
		tokens:       tokens,
		aliases:      aliases,
		treasury:     opts.TreasuryAddress,
		quotes:       opts.Quotes,
		snapshotter:  opts.Snapshotter,
		defaultToken: "ETH",
	}
}

// Run 提取事实并写入感知分段。提取不到任何事实是合法的 CLEAR；
// 只有内部故障才将状态置为 OBSTRUCTED。
func (p *Perception) Run(ctx context.Context, record *Record) error {
	out := &PerceptionOutput{Status: PerceptionClear}
	now := time.Now().UTC()
	text := record.Intent

	fact := func(source, key, value string, confidence float64) {
		out.Facts = append(out.Facts, Fact{
			Source:     source,
			Timestamp:  now,
			Key:        key,
			Value:      value,
			Confidence: confidence,
		})
	}

	// 协议编号先行提取，其数字序列不参与金额识别。
	agreementID := ""
	masked := text
	if m := agreementRef.FindStringSubmatchIndex(text); m != nil {
		agreementID = text[m[2]:m[3]]
		masked = text[:m[2]] + strings.Repeat("x", m[3]-m[2]) + text[m[3]:]
		fact("intent_parser", FactAgreement, agreementID, 0.9)
	}

	verb := classifyVerb(text)
	if verb != "" {
		fact("intent_parser", FactVerb, string(verb), 0.85)
	}

	amount, amountPos := extractAmount(masked)
	if amount != "" {
		fact("intent_parser", FactAmount, amount, 0.9)
	}

	recipient := p.extractRecipient(text)
	if recipient != "" {
		fact("intent_parser", FactRecipient, recipient, 0.85)
	}

	token := p.matchToken(text, amountPos)
	if token == "" && verb == VerbAnalyze {
		// 行情扫描类意图没有点名代币时退回默认基准资产。
		token = p.defaultToken
	}
	if token != "" {
		fact("intent_parser", FactToken, token, 0.8)
		fact("intent_parser", FactChain, p.chainFor(token), 0.8)
	}

	if freq := matchFrequency(text); freq != "" {
		fact("intent_parser", FactFrequency, freq, 0.75)
	}
	if target := matchSwapTarget(text, token); target != "" {
		fact("intent_parser", FactSwapPair, target, 0.7)
	}

	// 实时增强：行情报价失败只降级跳过，不算故障。
	if token != "" && p.quotes != nil {
		if price, err := p.quotes.CEXPrice(ctx, token); err == nil {
			fact("market_feed", "cex_price_"+token, formatPrice(price), 0.95)
		} else {
			logger.L().Warn("获取中心化报价失败", "token", token, "error", err)
		}
		if price, err := p.quotes.DEXPrice(ctx, token); err == nil {
			fact("market_feed", "dex_price_"+token, formatPrice(price), 0.9)
		} else {
			logger.L().Warn("获取去中心化报价失败", "token", token, "error", err)
		}
	}

	// 撤离意图必须拿到交易所余额快照，失败即为感知受阻。
	if verb == VerbEvacuate {
		if p.snapshotter == nil {
			out.Status = PerceptionObstructed
			return record.AttachPerception(out)
		}
		balances, err := p.snapshotter.Balances(ctx)
		if err != nil {
			logger.L().Error("获取交易所余额快照失败", "error", err)
			out.Status = PerceptionObstructed
			return record.AttachPerception(out)
		}
		for asset, balance := range balances {
			if balance <= 0 {
				continue
			}
			fact("exchange_snapshot", "detected_cex_balance_"+strings.ToUpper(asset),
				strconv.FormatFloat(balance, 'f', -1, 64), 1.0)
		}
	}

	return record.AttachPerception(out)
}

func classifyVerb(text string) Verb {
	lowered := strings.ToLower(text)
	for _, verb := range verbOrder {
		for _, keyword := range verbKeywords[verb] {
			if strings.Contains(lowered, keyword) {
				return verb
			}
		}
	}
	return ""
}

// extractAmount 返回第一个未被识别为编号引用的数字字面量及其位置。
// 落在十六进制地址内部的数字序列不是金额。
func extractAmount(text string) (string, int) {
	addressSpans := addressPattern.FindAllStringIndex(text, -1)
	inAddress := func(start, end int) bool {
		for _, span := range addressSpans {
			if start >= span[0] && end <= span[1] {
				return true
			}
		}
		return false
	}
	for _, loc := range numberPattern.FindAllStringIndex(text, -1) {
		if inAddress(loc[0], loc[1]) {
			continue
		}
		return text[loc[0]:loc[1]], loc[0]
	}
	return "", -1
}

func (p *Perception) extractRecipient(text string) string {
	if addr := addressPattern.FindString(text); addr != "" {
		return addr
	}
	lowered := strings.ToLower(text)
	if p.treasury != "" && (strings.Contains(lowered, "treasury") || strings.Contains(lowered, "admin")) {
		return p.treasury
	}
	for name, addr := range p.aliases {
		if strings.Contains(lowered, name) {
			return addr
		}
	}
	return ""
}

// matchToken 优先匹配金额附近的代币符号，其次全文匹配。
func (p *Perception) matchToken(text string, amountPos int) string {
	upper := strings.ToUpper(text)
	if amountPos >= 0 {
		window := upper[amountPos:min(len(upper), amountPos+24)]
		for sym := range p.tokens {
			if containsWord(window, sym) {
				return sym
			}
		}
	}
	for sym := range p.tokens {
		if containsWord(upper, sym) {
			return sym
		}
	}
	return ""
}

func (p *Perception) chainFor(token string) string {
	if chain, ok := p.tokens[token]; ok && chain != "" {
		return chain
	}
	return "ethereum"
}

func matchFrequency(text string) string {
	lowered := strings.ToLower(text)
	for _, keyword := range frequencyKeywords {
		if strings.Contains(lowered, keyword) {
			return keyword
		}
	}
	return ""
}

// matchSwapTarget 识别 "swap X for/to Y" 形态的目标代币。
func matchSwapTarget(text, sourceToken string) string {
	lowered := strings.ToLower(text)
	if !strings.Contains(lowered, "swap") {
		return ""
	}
	pattern := regexp.MustCompile(`(?i)(?:for|to|into)\s+([A-Za-z]{2,6})\b`)
	matches := pattern.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		candidate := strings.ToUpper(m[1])
		if candidate != sourceToken {
			if _, ok := nativeChains[candidate]; ok {
				return candidate
			}
		}
	}
	return ""
}

func containsWord(haystack, word string) bool {
	idx := strings.Index(haystack, word)
	for idx >= 0 {
		before := idx == 0 || !isAlnum(haystack[idx-1])
		afterIdx := idx + len(word)
		after := afterIdx >= len(haystack) || !isAlnum(haystack[afterIdx])
		if before && after {
			return true
		}
		next := strings.Index(haystack[idx+1:], word)
		if next < 0 {
			return false
		}
		idx += 1 + next
	}
	return false
}

func isAlnum(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func formatPrice(price float64) string {
	return fmt.Sprintf("%.6f", price)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
