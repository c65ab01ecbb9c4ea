package cex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	cerrors "Citadel-Core/internal/errors"
)

func testClient(serverURL string) *Client {
	return NewClient(Options{
		BaseURL: serverURL,
		Credentials: Credentials{
			APIKey:    "test-key",
			APISecret: "test-secret",
		},
	})
}

func TestSignedRequestCarriesValidSignature(t *testing.T) {
	var captured *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		_, _ = w.Write([]byte(`{"balances":[{"asset":"ETH","free":"1.5"},{"asset":"DUST","free":"0"}]}`))
	}))
	defer server.Close()

	client := testClient(server.URL)
	balances, err := client.Balances(context.Background())
	if err != nil {
		t.Fatalf("拉取余额失败: %v", err)
	}
	if balances["ETH"] != 1.5 {
		t.Fatalf("应解析出 ETH 余额 1.5, 实际 %v", balances)
	}
	if _, ok := balances["DUST"]; ok {
		t.Fatal("零余额资产不应出现在快照中")
	}

	if captured.Header.Get("X-MBX-APIKEY") != "test-key" {
		t.Fatal("请求应携带 API Key 头")
	}

	// 服务端按同样的规范化形式重算签名。
	query := captured.URL.Query()
	signature := query.Get("signature")
	query.Del("signature")
	canonical := query.Encode()

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(canonical))
	expected := hex.EncodeToString(mac.Sum(nil))
	if signature != expected {
		t.Fatalf("签名不匹配: 期望 %s, 实际 %s", expected, signature)
	}
}

func TestAuthFailureIsDistinguishable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":-2014,"msg":"API-key format invalid."}`))
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.Balances(context.Background())
	if cerrors.CodeOf(err) != CodeAuthFailure {
		t.Fatalf("鉴权失败应返回专属错误码, 实际 %s", cerrors.CodeOf(err))
	}
}

func TestLiquidityFloorIsDistinguishable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-4026,"msg":"Withdrawal amount is below the minimum."}`))
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.Withdraw(context.Background(), "ETH", 0.0001,
		"0x571E00000000000000000000000000000B806279", "ethereum")
	if cerrors.CodeOf(err) != CodeLiquidityFloor {
		t.Fatalf("流动性下限失败应返回专属错误码, 实际 %s", cerrors.CodeOf(err))
	}
}

func TestWithdrawReturnsReference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("提现应使用 POST, 实际 %s", r.Method)
		}
		if !strings.Contains(r.URL.Path, "/sapi/v1/capital/withdraw/apply") {
			t.Errorf("提现路径不正确: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"wd-7788"}`))
	}))
	defer server.Close()

	client := testClient(server.URL)
	ref, err := client.Withdraw(context.Background(), "ETH", 1.0,
		"0x571E00000000000000000000000000000B806279", "ethereum")
	if err != nil {
		t.Fatalf("提现失败: %v", err)
	}
	if ref != "wd-7788" {
		t.Fatalf("应返回交易所引用号, 实际 %s", ref)
	}
}

func TestPublicPriceNeedsNoAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "ETHUSDT" {
			t.Errorf("交易对应为 ETHUSDT, 实际 %s", r.URL.Query().Get("symbol"))
		}
		if r.URL.Query().Get("signature") != "" {
			t.Error("公开行情不应携带签名")
		}
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","price":"3123.45"}`))
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	price, err := client.Price(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("查询行情失败: %v", err)
	}
	if price != 3123.45 {
		t.Fatalf("期望 3123.45, 实际 %f", price)
	}
}

func TestSimulationModeStaysLocal(t *testing.T) {
	client := NewClient(Options{BaseURL: "http://127.0.0.1:1", Simulation: true})

	ref, err := client.Withdraw(context.Background(), "ETH", 1.0, "0xabc", "ethereum")
	if err != nil {
		t.Fatalf("模拟提现失败: %v", err)
	}
	if !strings.HasPrefix(ref, "sim_wd_") {
		t.Fatalf("模拟引用必须可辨识: %s", ref)
	}

	if _, err := client.Balances(context.Background()); err != nil {
		t.Fatalf("模拟余额失败: %v", err)
	}
}

func TestURLValuesEncodeIsCanonical(t *testing.T) {
	params := url.Values{}
	params.Set("coin", "ETH")
	params.Set("amount", "1")
	params.Set("address", "0xabc")
	first := params.Encode()
	second := params.Encode()
	if first != second {
		t.Fatal("规范化查询串应当稳定")
	}
	if !strings.HasPrefix(first, "address=") {
		t.Fatalf("Encode 应按键名排序: %s", first)
	}
}
