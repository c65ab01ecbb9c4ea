package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 Citadel 守护进程启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig           `json:"server"`
	Storage   StorageConfig          `json:"storage"`
	Custody   CustodyConfig          `json:"custody"`
	Risk      RiskConfig             `json:"risk"`
	Chains    ChainsConfig           `json:"chains"`
	Tokens    map[string]TokenConfig `json:"tokens"`
	Aliases   map[string]string      `json:"aliases"`
	CEX       CEXConfig              `json:"cex"`
	Advisor   AdvisorConfig          `json:"advisor"`
	Market    MarketConfig           `json:"market"`
	Sweeper   SweeperConfig          `json:"sweeper"`
	Execution ExecutionConfig        `json:"execution"`
	Deposit   DepositConfig          `json:"deposit"`
	Logging   LoggingConfig          `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述审计存储后端的连接信息。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// CustodyConfig 描述派生钱包的层级与轮换策略。
// 主助记词永远不写入配置文件，只通过环境变量注入。
type CustodyConfig struct {
	SeedEnv              string `json:"seed_env"`
	UserIndexStart       uint32 `json:"user_index_start"`
	UserIndexEnd         uint32 `json:"user_index_end"`
	SigningIndex         uint32 `json:"signing_index"`
	RotationIntervalDays int    `json:"rotation_interval_days"`
	GracePeriodDays      int    `json:"grace_period_days"`
}

// RiskConfig 描述风控规则的参数表。
type RiskConfig struct {
	GlobalMax        float64            `json:"global_max"`
	AssetLimits      map[string]float64 `json:"asset_limits"`
	DefaultLimit     float64            `json:"default_limit"`
	TrustedAddresses []string           `json:"trusted_addresses"`
	OverrideKeywords []string           `json:"override_keywords"`
}

// ChainsConfig 指向链端点定义文件。
type ChainsConfig struct {
	DefinitionsPath string `json:"definitions_path"`
}

// TokenConfig 把代币符号映射到链与合约地址。
type TokenConfig struct {
	Chain    string `json:"chain"`
	Contract string `json:"contract"`
}

// CEXConfig 描述交易所 REST 接入方式。密钥通过环境变量注入。
type CEXConfig struct {
	Exchange     string `json:"exchange"`
	BaseURL      string `json:"base_url"`
	APIKeyEnv    string `json:"api_key_env"`
	APISecretEnv string `json:"api_secret_env"`
	Simulation   bool   `json:"simulation"`
}

// AdvisorConfig 描述外部顾问（提案者/评审者两路模型）的调用方式。
type AdvisorConfig struct {
	Enabled        bool   `json:"enabled"`
	ProposerURL    string `json:"proposer_url"`
	ProposerModel  string `json:"proposer_model"`
	ProposerKeyEnv string `json:"proposer_key_env"`
	CriticURL      string `json:"critic_url"`
	CriticModel    string `json:"critic_model"`
	CriticKeyEnv   string `json:"critic_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// MarketConfig 描述行情与收益率数据源。
type MarketConfig struct {
	YieldsURL       string  `json:"yields_url"`
	CacheTTLSeconds int     `json:"cache_ttl_seconds"`
	SpreadThreshold float64 `json:"spread_threshold_pct"`
}

// SweeperAsset 是归集器跟踪的单个资产。
type SweeperAsset struct {
	Chain    string  `json:"chain"`
	Symbol   string  `json:"symbol"`
	Contract string  `json:"contract"`
	MinSweep float64 `json:"min_sweep"`
}

// SweeperConfig 控制定时归集循环。
type SweeperConfig struct {
	IntervalSeconds int            `json:"interval_seconds"`
	Assets          []SweeperAsset `json:"assets"`
	TreasuryAddress string         `json:"treasury_address"`
	Autopilot       bool           `json:"autopilot"`
	GasLimit        uint64         `json:"gas_limit"`
	RedisAddress    string         `json:"redis_address"`
	RedisPassword   string         `json:"redis_password"`
	RedisDB         int            `json:"redis_db"`
}

// ExecutionConfig 控制执行阶段的行为开关。
type ExecutionConfig struct {
	// AllowSimulation 允许在测试网流动性不足时落入模拟回退。
	// 生产部署必须保持 false。
	AllowSimulation bool `json:"allow_simulation"`
}

// DepositConfig 控制入金监听与结算。
type DepositConfig struct {
	QueueDriver string  `json:"queue_driver"`
	AMQPURL     string  `json:"amqp_url"`
	Queue       string  `json:"queue"`
	RewardRatio float64 `json:"reward_ratio"`
	MinSweep    float64 `json:"min_sweep"`
}

// LoggingConfig 透传给 pkg/logger。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// MasterSeed 从配置指向的环境变量读取助记词。
func (c *Config) MasterSeed() (string, error) {
	env := c.Custody.SeedEnv
	if env == "" {
		env = "CITADEL_MASTER_SEED"
	}
	seed := os.Getenv(env)
	if seed == "" {
		return "", fmt.Errorf("环境变量 %s 未设置主助记词", env)
	}
	return seed, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Custody.SeedEnv == "" {
		c.Custody.SeedEnv = "CITADEL_MASTER_SEED"
	}
	if c.Custody.UserIndexStart == 0 {
		c.Custody.UserIndexStart = 1
	}
	if c.Custody.UserIndexEnd == 0 {
		c.Custody.UserIndexEnd = 254
	}
	if c.Custody.SigningIndex == 0 {
		c.Custody.SigningIndex = 255
	}
	if c.Custody.RotationIntervalDays == 0 {
		c.Custody.RotationIntervalDays = 90
	}
	if c.Custody.GracePeriodDays == 0 {
		c.Custody.GracePeriodDays = 30
	}

	if c.Risk.GlobalMax == 0 {
		c.Risk.GlobalMax = 1_000_000
	}
	if c.Risk.DefaultLimit == 0 {
		c.Risk.DefaultLimit = 100
	}
	if len(c.Risk.OverrideKeywords) == 0 {
		c.Risk.OverrideKeywords = []string{"OVERRIDE", "CONFIRM"}
	}

	if c.Chains.DefinitionsPath == "" {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, "chain.yaml")
	} else if !filepath.IsAbs(c.Chains.DefinitionsPath) {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, c.Chains.DefinitionsPath)
	}

	if c.CEX.BaseURL == "" {
		c.CEX.BaseURL = "https://api.binance.com"
	}
	if c.CEX.Exchange == "" {
		c.CEX.Exchange = "binance"
	}

	if c.Market.YieldsURL == "" {
		c.Market.YieldsURL = "https://yields.llama.fi"
	}
	if c.Market.CacheTTLSeconds == 0 {
		c.Market.CacheTTLSeconds = 600
	}
	if c.Market.SpreadThreshold == 0 {
		c.Market.SpreadThreshold = 1.0
	}

	if c.Sweeper.IntervalSeconds == 0 {
		c.Sweeper.IntervalSeconds = 60
	}
	if c.Sweeper.GasLimit == 0 {
		c.Sweeper.GasLimit = 100_000
	}

	if c.Deposit.QueueDriver == "" {
		c.Deposit.QueueDriver = "memory"
	}
	if c.Deposit.Queue == "" {
		c.Deposit.Queue = "citadel.deposits"
	}
	if c.Deposit.RewardRatio == 0 {
		c.Deposit.RewardRatio = 0.01
	}
	if c.Deposit.MinSweep == 0 {
		c.Deposit.MinSweep = 1.0
	}

	if c.Advisor.TimeoutSeconds == 0 {
		c.Advisor.TimeoutSeconds = 20
	}
}
