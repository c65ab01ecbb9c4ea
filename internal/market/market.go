package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	cerrors "Citadel-Core/internal/errors"
	"Citadel-Core/internal/hearing"
	"Citadel-Core/pkg/logger"
)

// CEXPriceSource 提供中心化市场的基准报价。
type CEXPriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// coinIDs 把代币符号映射到聚合行情接口使用的币种标识。
var coinIDs = map[string]string{
	"ETH":  "coingecko:ethereum",
	"BTC":  "coingecko:bitcoin",
	"BNB":  "coingecko:binancecoin",
	"USDT": "coingecko:tether",
	"USDC": "coingecko:usd-coin",
}

// fallbackPrices 在所有数据源都不可用时兜底，保证感知阶段
// 永远拿得到一个报价而不是挂起。
var fallbackPrices = map[string]float64{
	"ETH": 3000, "BTC": 65000, "BNB": 550, "USDT": 1, "USDC": 1,
}

type cachedValue struct {
	price float64
	at    time.Time
}

// Feed 聚合中心化与去中心化两路报价并附带 TTL 缓存。
type Feed struct {
	cex        CEXPriceSource
	dexURL     string
	yieldsURL  string
	httpClient *http.Client
	ttl        time.Duration

	mu         sync.Mutex
	priceCache map[string]cachedValue
	yieldCache []poolEntry
	yieldAt    time.Time
}

// Options 配置行情聚合器。
type Options struct {
	CEX       CEXPriceSource
	DEXURL    string
	YieldsURL string
	CacheTTL  time.Duration
	Timeout   time.Duration
}

// NewFeed 构造行情聚合器。
func NewFeed(opts Options) *Feed {
	if opts.DEXURL == "" {
		opts.DEXURL = "https://coins.llama.fi"
	}
	if opts.YieldsURL == "" {
		opts.YieldsURL = "https://yields.llama.fi"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Feed{
		cex:        opts.CEX,
		dexURL:     strings.TrimRight(opts.DEXURL, "/"),
		yieldsURL:  strings.TrimRight(opts.YieldsURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		ttl:        opts.CacheTTL,
		priceCache: make(map[string]cachedValue),
	}
}

// CEXPrice 返回中心化市场报价，失败时退回静态兜底价。
func (f *Feed) CEXPrice(ctx context.Context, symbol string) (float64, error) {
	if f.cex != nil {
		price, err := f.cex.Price(ctx, symbol)
		if err == nil && price > 0 {
			return price, nil
		}
		logger.Named("market").Warn("中心化报价失败, 使用兜底价", "symbol", symbol, "error", err)
	}
	if price, ok := fallbackPrices[strings.ToUpper(symbol)]; ok {
		return price, nil
	}
	return 0, cerrors.New(cerrors.CodeNotFound, "没有该代币的报价来源")
}

type dexPriceResponse struct {
	Coins map[string]struct {
		Price float64 `json:"price"`
	} `json:"coins"`
}

// DEXPrice 查询去中心化聚合行情，带 TTL 缓存与兜底价。
func (f *Feed) DEXPrice(ctx context.Context, symbol string) (float64, error) {
	upper := strings.ToUpper(symbol)

	f.mu.Lock()
	if cached, ok := f.priceCache[upper]; ok && time.Since(cached.at) < f.ttl {
		f.mu.Unlock()
		return cached.price, nil
	}
	f.mu.Unlock()

	coinID, ok := coinIDs[upper]
	if !ok {
		if price, ok := fallbackPrices[upper]; ok {
			return price, nil
		}
		return 0, cerrors.New(cerrors.CodeNotFound, "没有该代币的链上行情标识")
	}

	price, err := f.fetchDEXPrice(ctx, coinID)
	if err != nil {
		logger.Named("market").Warn("链上行情失败, 使用兜底价", "symbol", upper, "error", err)
		if fallback, ok := fallbackPrices[upper]; ok {
			return fallback, nil
		}
		return 0, err
	}

	f.mu.Lock()
	f.priceCache[upper] = cachedValue{price: price, at: time.Now()}
	f.mu.Unlock()
	return price, nil
}

func (f *Feed) fetchDEXPrice(ctx context.Context, coinID string) (float64, error) {
	endpoint := fmt.Sprintf("%s/prices/current/%s", f.dexURL, coinID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.CodeInvalidArgument, err, "构造行情请求失败")
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.CodeTimeout, err, "链上行情请求失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return 0, cerrors.New(cerrors.CodeChainFailure,
			fmt.Sprintf("链上行情返回状态 %d", resp.StatusCode))
	}
	var parsed dexPriceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, cerrors.Wrap(cerrors.CodeChainFailure, err, "解析链上行情失败")
	}
	entry, ok := parsed.Coins[coinID]
	if !ok || entry.Price <= 0 {
		return 0, cerrors.New(cerrors.CodeNotFound, "行情响应中没有该币种")
	}
	return entry.Price, nil
}

type poolEntry struct {
	Project string  `json:"project"`
	Chain   string  `json:"chain"`
	Symbol  string  `json:"symbol"`
	APY     float64 `json:"apy"`
}

type poolsResponse struct {
	Data []poolEntry `json:"data"`
}

// BestYield 在可用收益场所中按 APY 选最优，结果带 TTL 缓存。
func (f *Feed) BestYield(ctx context.Context, asset string) (hearing.YieldVenue, error) {
	upper := strings.ToUpper(asset)

	f.mu.Lock()
	pools := f.yieldCache
	fresh := time.Since(f.yieldAt) < f.ttl
	f.mu.Unlock()

	if !fresh {
		fetched, err := f.fetchPools(ctx)
		if err != nil {
			if len(pools) == 0 {
				return hearing.YieldVenue{}, err
			}
			logger.Named("market").Warn("刷新收益数据失败, 沿用缓存", "error", err)
		} else {
			pools = fetched
			f.mu.Lock()
			f.yieldCache = fetched
			f.yieldAt = time.Now()
			f.mu.Unlock()
		}
	}

	best := hearing.YieldVenue{}
	for _, pool := range pools {
		if !strings.Contains(strings.ToUpper(pool.Symbol), upper) {
			continue
		}
		if pool.APY > best.APY {
			best = hearing.YieldVenue{
				Name:  pool.Project,
				Chain: pool.Chain,
				Asset: upper,
				APY:   pool.APY,
			}
		}
	}
	if best.Name == "" {
		return hearing.YieldVenue{}, cerrors.New(cerrors.CodeNotFound, "没有该资产的收益场所")
	}
	return best, nil
}

func (f *Feed) fetchPools(ctx context.Context) ([]poolEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.yieldsURL+"/pools", nil)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeInvalidArgument, err, "构造收益请求失败")
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeTimeout, err, "收益数据请求失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return nil, cerrors.New(cerrors.CodeChainFailure,
			fmt.Sprintf("收益接口返回状态 %d", resp.StatusCode))
	}
	var parsed poolsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, cerrors.Wrap(cerrors.CodeChainFailure, err, "解析收益数据失败")
	}
	return parsed.Data, nil
}
