package cex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	cerrors "Citadel-Core/internal/errors"
	"Citadel-Core/pkg/logger"
)

// 交易所接入的专属错误码。鉴权失败与流动性下限失败必须可区分。
const (
	CodeAuthFailure    cerrors.Code = "CEX_AUTH_FAILURE"
	CodeLiquidityFloor cerrors.Code = "CEX_LIQUIDITY_FLOOR"
)

func init() {
	cerrors.Register(CodeAuthFailure, cerrors.Attributes{
		Message:   "exchange authentication failed",
		Severity:  cerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	cerrors.Register(CodeLiquidityFloor, cerrors.Attributes{
		Message:   "amount below the exchange liquidity minimum",
		Severity:  cerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Credentials 是交易所 API 凭据，只通过环境变量注入。
type Credentials struct {
	APIKey    string
	APISecret string
}

// Client 以签名 REST 调用访问中心化交易所。
// 鉴权调用对规范化查询串做 HMAC-SHA256 签名。
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	// simulation 打开时所有调用返回确定性的本地结果，不触网。
	simulation bool
}

// Options 配置交易所客户端。
type Options struct {
	BaseURL     string
	Credentials Credentials
	Timeout     time.Duration
	Simulation  bool
}

// NewClient 构造交易所客户端。
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		creds:      opts.Credentials,
		httpClient: &http.Client{Timeout: timeout},
		simulation: opts.Simulation,
	}
}

// sign 对规范化查询串计算 HMAC-SHA256 十六进制签名。
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery 附加时间戳并生成带签名的最终查询串。
// url.Values.Encode 按键名排序，两端以同一规范化形式参与签名。
func (c *Client) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	canonical := params.Encode()
	return canonical + "&signature=" + c.sign(canonical)
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// classifyError 把交易所返回的失败映射到统一错误码。
func classifyError(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	if status == http.StatusUnauthorized || status == http.StatusForbidden ||
		apiErr.Code == -2014 || apiErr.Code == -1022 {
		return cerrors.New(CodeAuthFailure, "",
			cerrors.WithMetadata("status", strconv.Itoa(status)))
	}
	lowered := strings.ToLower(apiErr.Message)
	if strings.Contains(lowered, "minimum") || strings.Contains(lowered, "min amount") {
		return cerrors.New(CodeLiquidityFloor, apiErr.Message)
	}
	return cerrors.New(cerrors.CodeChainFailure,
		fmt.Sprintf("exchange call failed with status %d: %s", status, apiErr.Message))
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.creds.APIKey == "" || c.creds.APISecret == "" {
		return nil, cerrors.New(CodeAuthFailure, "exchange credentials not configured")
	}
	endpoint := c.baseURL + path + "?" + c.signedQuery(params)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeInvalidArgument, err, "构造交易所请求失败")
	}
	req.Header.Set("X-MBX-APIKEY", c.creds.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeTimeout, err, "交易所请求失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeChainFailure, err, "读取交易所响应失败")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyError(resp.StatusCode, body)
	}
	return body, nil
}

type accountResponse struct {
	Balances []struct {
		Asset string `json:"asset"`
		Free  string `json:"free"`
	} `json:"balances"`
}

// Balances 拉取账户余额快照，只返回非零资产。
func (c *Client) Balances(ctx context.Context) (map[string]float64, error) {
	if c.simulation {
		return map[string]float64{"ETH": 2.5, "USDT": 1200}, nil
	}

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var account accountResponse
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, cerrors.Wrap(cerrors.CodeChainFailure, err, "解析账户响应失败")
	}

	balances := make(map[string]float64)
	for _, b := range account.Balances {
		free, err := strconv.ParseFloat(b.Free, 64)
		if err != nil || free <= 0 {
			continue
		}
		balances[strings.ToUpper(b.Asset)] = free
	}
	return balances, nil
}

type withdrawResponse struct {
	ID string `json:"id"`
}

// Withdraw 发起提现并返回交易所侧的引用号。
func (c *Client) Withdraw(ctx context.Context, asset string, amount float64, address, network string) (string, error) {
	if amount <= 0 {
		return "", cerrors.New(cerrors.CodeInvalidArgument, "提现金额必须为正")
	}
	if c.simulation {
		ref := "sim_wd_" + uuid.NewString()
		logger.Named("cex").Warn("模拟提现, 未触达真实交易所",
			"asset", asset, "amount", amount, "reference", ref)
		return ref, nil
	}

	params := url.Values{}
	params.Set("coin", strings.ToUpper(asset))
	params.Set("amount", strconv.FormatFloat(amount, 'f', -1, 64))
	params.Set("address", address)
	if network != "" {
		params.Set("network", strings.ToUpper(network))
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/sapi/v1/capital/withdraw/apply", params)
	if err != nil {
		return "", err
	}
	var result withdrawResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", cerrors.Wrap(cerrors.CodeChainFailure, err, "解析提现响应失败")
	}
	if result.ID == "" {
		return "", cerrors.New(cerrors.CodeChainFailure, "交易所未返回提现引用号")
	}
	return result.ID, nil
}

type tickerResponse struct {
	Price string `json:"price"`
}

// Price 查询公开行情，无需鉴权。symbol 形如 ETH，报价对 USDT。
func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	if c.simulation {
		return simulatedPrice(symbol), nil
	}

	endpoint := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%sUSDT",
		c.baseURL, strings.ToUpper(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.CodeInvalidArgument, err, "构造行情请求失败")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.CodeTimeout, err, "行情请求失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.CodeChainFailure, err, "读取行情响应失败")
	}
	if resp.StatusCode != http.StatusOK {
		return 0, classifyError(resp.StatusCode, body)
	}
	var ticker tickerResponse
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, cerrors.Wrap(cerrors.CodeChainFailure, err, "解析行情响应失败")
	}
	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.CodeChainFailure, err, "行情价格格式非法")
	}
	return price, nil
}

// simulatedPrice 给常见资产一个稳定的演示报价。
func simulatedPrice(symbol string) float64 {
	switch strings.ToUpper(symbol) {
	case "BTC":
		return 65000
	case "ETH":
		return 3000
	case "BNB":
		return 550
	default:
		return 1
	}
}
