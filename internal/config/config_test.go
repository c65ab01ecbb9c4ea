package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "citadel.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"server":{"address":":9090"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("显式配置不应被默认值覆盖: %s", cfg.Server.Address)
	}
	if cfg.Custody.SigningIndex != 255 {
		t.Fatalf("签名索引默认值应为 255, 实际 %d", cfg.Custody.SigningIndex)
	}
	if cfg.Custody.UserIndexStart != 1 || cfg.Custody.UserIndexEnd != 254 {
		t.Fatalf("用户索引区间默认值不正确: %d-%d",
			cfg.Custody.UserIndexStart, cfg.Custody.UserIndexEnd)
	}
	if cfg.Deposit.RewardRatio != 0.01 {
		t.Fatalf("返利比例默认值应为 0.01, 实际 %f", cfg.Deposit.RewardRatio)
	}
	if cfg.Chains.DefinitionsPath != filepath.Join(filepath.Dir(path), "chain.yaml") {
		t.Fatalf("链配置路径应相对配置目录解析: %s", cfg.Chains.DefinitionsPath)
	}
}

func TestMasterSeedComesFromEnvironment(t *testing.T) {
	path := writeConfig(t, `{"custody":{"seed_env":"CITADEL_TEST_SEED"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if _, err := cfg.MasterSeed(); err == nil {
		t.Fatal("环境变量缺席时应报错")
	}

	t.Setenv("CITADEL_TEST_SEED", "abandon abandon about")
	seed, err := cfg.MasterSeed()
	if err != nil {
		t.Fatalf("读取主助记词失败: %v", err)
	}
	if seed != "abandon abandon about" {
		t.Fatal("助记词读取不完整")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("不存在的配置文件应报错")
	}
}
