package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeBackend struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	gasPrice *big.Int
	sent     []*coretypes.Transaction
	callFn   func(msg gethcore.CallMsg) ([]byte, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		gasPrice: big.NewInt(1_000_000_000),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (f *fakeBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeBackend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callFn != nil {
		return f.callFn(msg)
	}
	return nil, errors.New("no contract handler")
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	signer := coretypes.LatestSignerForChainID(big.NewInt(1337))
	from, err := coretypes.Sender(signer, tx)
	if err != nil {
		return err
	}
	f.nonces[from]++
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}, nil
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成测试密钥失败: %v", err)
	}
	return key
}

func newTestClient(t *testing.T, backend Backend) *Client {
	t.Helper()
	client, err := NewClientWithBackend(Config{Name: "testnet", ChainID: 1337, NativeToken: "ETH"}, backend)
	if err != nil {
		t.Fatalf("构造测试客户端失败: %v", err)
	}
	return client
}

func TestSweepNativeLeavesGasReserve(t *testing.T) {
	backend := newFakeBackend()
	key := testKey(t)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	backend.balances[sender] = one

	client := newTestClient(t, backend)
	hash, err := client.SweepNative(context.Background(), key, "0x00000000000000000000000000000000000000aa")
	if err != nil {
		t.Fatalf("归集原生余额失败: %v", err)
	}
	if hash == "" {
		t.Fatal("归集应当广播一笔交易")
	}
	if len(backend.sent) != 1 {
		t.Fatalf("期望广播 1 笔交易, 实际 %d", len(backend.sent))
	}

	tx := backend.sent[0]
	cost := new(big.Int).Mul(backend.gasPrice, big.NewInt(nativeTransferGas))
	want := new(big.Int).Sub(one, cost)
	if tx.Value().Cmp(want) != 0 {
		t.Fatalf("归集金额应扣除燃料费: 期望 %s, 实际 %s", want, tx.Value())
	}
}

func TestSweepNativeSkipsDustBalance(t *testing.T) {
	backend := newFakeBackend()
	key := testKey(t)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	backend.balances[sender] = big.NewInt(1000)

	client := newTestClient(t, backend)
	hash, err := client.SweepNative(context.Background(), key, "0x00000000000000000000000000000000000000aa")
	if err != nil {
		t.Fatalf("灰尘余额不应报错: %v", err)
	}
	if hash != "" || len(backend.sent) != 0 {
		t.Fatal("不足以覆盖燃料费时不应广播交易")
	}
}

func TestTransferTokenAllReportsGasShortfall(t *testing.T) {
	backend := newFakeBackend()
	key := testKey(t)

	tokenBalance := big.NewInt(500_000)
	backend.callFn = func(msg gethcore.CallMsg) ([]byte, error) {
		return common.LeftPadBytes(tokenBalance.Bytes(), 32), nil
	}

	client := newTestClient(t, backend)
	_, err := client.TransferTokenAll(context.Background(), key, "0x00000000000000000000000000000000000000aa", "0x00000000000000000000000000000000000000bb")

	var shortfall *GasShortfallError
	if !errors.As(err, &shortfall) {
		t.Fatalf("原生余额为零时应返回燃料缺口错误, 实际: %v", err)
	}
	if shortfall.Shortfall.Sign() <= 0 {
		t.Fatalf("燃料缺口应为正数, 实际 %s", shortfall.Shortfall)
	}
}

func TestTransferNativeSerializesNonces(t *testing.T) {
	backend := newFakeBackend()
	key := testKey(t)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	funds := new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)
	backend.balances[sender] = funds

	client := newTestClient(t, backend)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.TransferNative(context.Background(), key, "0x00000000000000000000000000000000000000aa", big.NewInt(1)); err != nil {
				t.Errorf("并发转账失败: %v", err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, tx := range backend.sent {
		if seen[tx.Nonce()] {
			t.Fatalf("nonce %d 被重复使用", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
	if len(seen) != 8 {
		t.Fatalf("期望 8 个不同的 nonce, 实际 %d", len(seen))
	}
}
