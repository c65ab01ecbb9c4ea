package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	cerrors "Citadel-Core/internal/errors"
	"Citadel-Core/internal/hearing"
	"Citadel-Core/pkg/logger"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 20 * time.Second
)

// Endpoint 描述一路外部模型的调用方式。密钥只通过环境变量注入。
type Endpoint struct {
	BaseURL string
	Model   string
	KeyEnv  string
}

// Options 配置两路顾问。提案者负责给出行动建议，
// 评审者独立复核后输出最终决定。
type Options struct {
	Proposer Endpoint
	Critic   Endpoint
	Timeout  time.Duration
}

// Client 通过两路独立模型的辩论产出结构化建议，实现 hearing.Advisor。
// 任何一路失败都直接返回错误，由策略阶段降级为"无建议"。
type Client struct {
	proposer   Endpoint
	critic     Endpoint
	httpClient *http.Client
}

// New 构造顾问客户端。
func New(opts Options) (*Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	proposer, err := normalize(opts.Proposer)
	if err != nil {
		return nil, fmt.Errorf("提案者配置非法: %w", err)
	}
	critic, err := normalize(opts.Critic)
	if err != nil {
		return nil, fmt.Errorf("评审者配置非法: %w", err)
	}
	return &Client{
		proposer:   proposer,
		critic:     critic,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func normalize(ep Endpoint) (Endpoint, error) {
	if strings.TrimSpace(ep.KeyEnv) == "" {
		return Endpoint{}, fmt.Errorf("未指定 API Key 环境变量")
	}
	if os.Getenv(ep.KeyEnv) == "" {
		return Endpoint{}, fmt.Errorf("环境变量 %s 未设置", ep.KeyEnv)
	}
	if strings.TrimSpace(ep.BaseURL) == "" {
		ep.BaseURL = defaultBaseURL
	}
	ep.BaseURL = strings.TrimRight(ep.BaseURL, "/")
	if strings.TrimSpace(ep.Model) == "" {
		ep.Model = defaultModel
	}
	return ep, nil
}

const proposerPrompt = "" +
	"You are the proposer in a custody fund-management debate. " +
	"Given a user intent, propose exactly one action. " +
	"Respond only with a compact JSON object: " +
	`{"action": string, "amount": number, "target": string, "reasoning": string}. ` +
	"Valid actions: TRANSFER, SWAP, INVEST, ESCROW_LOCK, ESCROW_RELEASE, WITHDRAW_CEX, WAIT."

const criticPrompt = "" +
	"You are the critic in a custody fund-management debate. " +
	"Review the proposer's suggestion against the user intent. " +
	"If it is sound, repeat it; if not, correct it or answer WAIT. " +
	"Respond only with a compact JSON object: " +
	`{"action": string, "amount": number, "target": string, "reasoning": string}.`

// Advise 先让提案者给出建议，再交由评审者复核，返回评审后的决定。
func (c *Client) Advise(ctx context.Context, intent string) (hearing.Advice, error) {
	proposal, err := c.complete(ctx, c.proposer, proposerPrompt, "用户意图:\n"+intent)
	if err != nil {
		return hearing.Advice{}, err
	}

	review := fmt.Sprintf("用户意图:\n%s\n\n提案者的建议:\n%s", intent, proposal)
	verdict, err := c.complete(ctx, c.critic, criticPrompt, review)
	if err != nil {
		return hearing.Advice{}, err
	}

	advice, err := parseAdvice(verdict)
	if err != nil {
		return hearing.Advice{}, err
	}
	logger.Named("advisor").Debug("顾问辩论完成",
		"action", advice.Action, "target", advice.Target)
	return advice, nil
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete 调用一路 Chat Completions 接口并返回原始文本回复。
func (c *Client) complete(ctx context.Context, ep Endpoint, system, user string) (string, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	body := map[string]any{
		"model": ep.Model,
		"messages": []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		"temperature": 0.2,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", cerrors.Wrap(cerrors.CodeInvalidArgument, err, "序列化顾问请求失败")
	}

	endpoint := ep.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", cerrors.Wrap(cerrors.CodeInvalidArgument, err, "构建顾问请求失败")
	}
	req.Header.Set("Authorization", "Bearer "+os.Getenv(ep.KeyEnv))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", cerrors.Wrap(cerrors.CodeTimeout, err, "请求顾问失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", cerrors.New(cerrors.CodeChainFailure,
			fmt.Sprintf("顾问返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", cerrors.Wrap(cerrors.CodeChainFailure, err, "解析顾问响应失败")
	}
	if len(decoded.Choices) == 0 {
		return "", cerrors.New(cerrors.CodeChainFailure, "顾问响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", cerrors.New(cerrors.CodeChainFailure, "顾问响应内容为空")
	}
	return content, nil
}

// parseAdvice 从模型回复中提取结构化建议。模型偶尔会在 JSON
// 前后包一层说明文字或代码栅栏，这里只取第一个完整对象。
func parseAdvice(content string) (hearing.Advice, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return hearing.Advice{}, cerrors.New(cerrors.CodeChainFailure, "顾问回复中没有 JSON 对象")
	}

	var advice hearing.Advice
	if err := json.Unmarshal([]byte(content[start:end+1]), &advice); err != nil {
		return hearing.Advice{}, cerrors.Wrap(cerrors.CodeChainFailure, err, "解析顾问建议失败")
	}
	advice.Action = strings.ToUpper(strings.TrimSpace(advice.Action))
	if advice.Action == "" {
		return hearing.Advice{}, cerrors.New(cerrors.CodeChainFailure, "顾问建议缺少 action 字段")
	}
	return advice, nil
}
