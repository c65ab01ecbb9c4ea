package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// erc20ABI covers the minimal surface the sweeper and executor need.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const (
	defaultCallTimeout  = 15 * time.Second
	nativeTransferGas   = 21_000
	tokenTransferGasCap = 100_000
)

// GasShortfallError 表示钱包原生余额不足以支付代币转账的燃料费。
// 归集器捕获该错误后会先补充燃料并把归集推迟到下一轮。
type GasShortfallError struct {
	Shortfall *big.Int
}

func (e *GasShortfallError) Error() string {
	return fmt.Sprintf("insufficient native balance for gas, shortfall %s wei", e.Shortfall)
}

// Backend mirrors the subset of ethclient.Client the custody core relies on,
// so tests can substitute a deterministic implementation.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	RPCURL      string
	ChainID     int64
	NativeToken string
	Notes       string
}

// Client implements chain access for one EVM compatible network.
type Client struct {
	name        string
	nativeToken string
	notes       string
	rpcClient   *gethrpc.Client
	backend     Backend
	chainID     *big.Int
	timeout     time.Duration
	erc20       abi.ABI

	nonceMu    sync.Mutex
	nonceLocks map[common.Address]*sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置链的 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链 %s 节点失败: %w", cfg.Name, err)
	}
	eth := ethclient.NewClient(rpcClient)

	client, err := newClient(cfg, eth)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient

	if client.chainID == nil {
		dialCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
		id, err := eth.ChainID(dialCtx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("获取链 %s 的 chain id 失败: %w", cfg.Name, err)
		}
		client.chainID = id
	}
	return client, nil
}

// NewClientWithBackend wires an arbitrary backend, used by tests.
func NewClientWithBackend(cfg Config, backend Backend) (*Client, error) {
	if backend == nil {
		return nil, errors.New("缺少链访问后端")
	}
	return newClient(cfg, backend)
}

func newClient(cfg Config, backend Backend) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}
	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	}
	return &Client{
		name:        cfg.Name,
		nativeToken: cfg.NativeToken,
		notes:       cfg.Notes,
		backend:     backend,
		chainID:     chainID,
		timeout:     defaultCallTimeout,
		erc20:       parsed,
		nonceLocks:  make(map[common.Address]*sync.Mutex),
	}, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// NativeToken returns the gas token symbol for this chain.
func (c *Client) NativeToken() string { return c.nativeToken }

// ChainID returns the cached chain identifier.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c != nil && c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// lockNonce serializes the reserve→broadcast window for one sender address.
// Two concurrent transactions from the same wallet must never observe the
// same pending nonce.
func (c *Client) lockNonce(addr common.Address) func() {
	c.nonceMu.Lock()
	mu, ok := c.nonceLocks[addr]
	if !ok {
		mu = &sync.Mutex{}
		c.nonceLocks[addr] = mu
	}
	c.nonceMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// NativeBalance fetches the native balance of an address in wei.
func (c *Client) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	balance, err := c.backend.BalanceAt(callCtx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("查询 %s 原生余额失败: %w", c.name, err)
	}
	return balance, nil
}

// TokenBalance fetches an ERC-20 balance in major units.
func (c *Client) TokenBalance(ctx context.Context, owner, contract string) (float64, error) {
	raw, decimals, err := c.tokenBalanceRaw(ctx, common.HexToAddress(owner), common.HexToAddress(contract))
	if err != nil {
		return 0, err
	}
	return weiToMajor(raw, decimals), nil
}

func (c *Client) tokenBalanceRaw(ctx context.Context, owner, contract common.Address) (*big.Int, uint8, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	data, err := c.erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, 0, fmt.Errorf("编码 balanceOf 调用失败: %w", err)
	}
	out, err := c.backend.CallContract(callCtx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("查询代币余额失败: %w", err)
	}
	results, err := c.erc20.Unpack("balanceOf", out)
	if err != nil || len(results) == 0 {
		return nil, 0, fmt.Errorf("解码代币余额失败: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, 0, errors.New("代币余额返回了非整数类型")
	}
	return balance, c.tokenDecimals(callCtx, contract), nil
}

// tokenDecimals falls back to 18 when the contract omits decimals().
func (c *Client) tokenDecimals(ctx context.Context, contract common.Address) uint8 {
	data, err := c.erc20.Pack("decimals")
	if err != nil {
		return 18
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return 18
	}
	results, err := c.erc20.Unpack("decimals", out)
	if err != nil || len(results) == 0 {
		return 18
	}
	if d, ok := results[0].(uint8); ok {
		return d
	}
	return 18
}

// SuggestGasPrice proxies the node's fee suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	price, err := c.backend.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, fmt.Errorf("查询 %s gas price 失败: %w", c.name, err)
	}
	return price, nil
}

// Receipt fetches the receipt for a broadcast transaction.
func (c *Client) Receipt(ctx context.Context, txHash string) (*coretypes.Receipt, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	receipt, err := c.backend.TransactionReceipt(callCtx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}
	return receipt, nil
}

// TransferNative sends native currency from the key's address.
func (c *Client) TransferNative(ctx context.Context, key *ecdsa.PrivateKey, toAddress string, amountWei *big.Int) (string, error) {
	if amountWei == nil || amountWei.Sign() <= 0 {
		return "", errors.New("原生转账金额必须为正")
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)
	unlock := c.lockNonce(sender)
	defer unlock()
	return c.sendNativeLocked(ctx, key, sender, common.HexToAddress(toAddress), amountWei)
}

// SweepNative empties the key's native balance into the target address,
// leaving just enough behind to cover gas. Returns empty hash when the
// balance cannot cover gas at all.
func (c *Client) SweepNative(ctx context.Context, key *ecdsa.PrivateKey, toAddress string) (string, error) {
	sender := crypto.PubkeyToAddress(key.PublicKey)
	unlock := c.lockNonce(sender)
	defer unlock()

	callCtx, cancel := c.callCtx(ctx)
	balance, err := c.backend.BalanceAt(callCtx, sender, nil)
	cancel()
	if err != nil {
		return "", fmt.Errorf("查询余额失败: %w", err)
	}
	gasPrice, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}

	cost := new(big.Int).Mul(gasPrice, big.NewInt(nativeTransferGas))
	// 10% buffer so a fee fluctuation between estimate and broadcast
	// cannot strand the transaction.
	safeCost := new(big.Int).Div(new(big.Int).Mul(cost, big.NewInt(11)), big.NewInt(10))
	if balance.Cmp(safeCost) <= 0 {
		return "", nil
	}
	amount := new(big.Int).Sub(balance, cost)
	return c.sendNativeLocked(ctx, key, sender, common.HexToAddress(toAddress), amount)
}

func (c *Client) sendNativeLocked(ctx context.Context, key *ecdsa.PrivateKey, sender, receiver common.Address, amountWei *big.Int) (string, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	nonce, err := c.backend.PendingNonceAt(callCtx, sender)
	if err != nil {
		return "", fmt.Errorf("查询 nonce 失败: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(callCtx)
	if err != nil {
		return "", fmt.Errorf("查询 gas price 失败: %w", err)
	}

	tx := coretypes.NewTransaction(nonce, receiver, amountWei, nativeTransferGas, gasPrice, nil)
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return "", fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(callCtx, signed); err != nil {
		return "", fmt.Errorf("广播交易失败: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// TransferTokenAll moves the full ERC-20 balance of the key's address to the
// target. Returns GasShortfallError when the sender cannot pay for gas and
// an empty hash when there is nothing to move.
func (c *Client) TransferTokenAll(ctx context.Context, key *ecdsa.PrivateKey, toAddress, contractAddress string) (string, error) {
	sender := crypto.PubkeyToAddress(key.PublicKey)
	receiver := common.HexToAddress(toAddress)
	contract := common.HexToAddress(contractAddress)

	unlock := c.lockNonce(sender)
	defer unlock()

	balance, _, err := c.tokenBalanceRaw(ctx, sender, contract)
	if err != nil {
		return "", err
	}
	if balance.Sign() == 0 {
		return "", nil
	}

	data, err := c.erc20.Pack("transfer", receiver, balance)
	if err != nil {
		return "", fmt.Errorf("编码 transfer 调用失败: %w", err)
	}

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	gasLimit, err := c.backend.EstimateGas(callCtx, gethcore.CallMsg{From: sender, To: &contract, Data: data})
	if err != nil {
		gasLimit = tokenTransferGasCap
	}
	gasPrice, err := c.backend.SuggestGasPrice(callCtx)
	if err != nil {
		return "", fmt.Errorf("查询 gas price 失败: %w", err)
	}

	required := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	native, err := c.backend.BalanceAt(callCtx, sender, nil)
	if err != nil {
		return "", fmt.Errorf("查询原生余额失败: %w", err)
	}
	if native.Cmp(required) < 0 {
		return "", &GasShortfallError{Shortfall: new(big.Int).Sub(required, native)}
	}

	nonce, err := c.backend.PendingNonceAt(callCtx, sender)
	if err != nil {
		return "", fmt.Errorf("查询 nonce 失败: %w", err)
	}
	tx := coretypes.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return "", fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(callCtx, signed); err != nil {
		return "", fmt.Errorf("广播交易失败: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// TransferToken sends an exact ERC-20 amount (major units) from the key's address.
func (c *Client) TransferToken(ctx context.Context, key *ecdsa.PrivateKey, toAddress, contractAddress string, amount float64) (string, error) {
	if amount <= 0 {
		return "", errors.New("代币转账金额必须为正")
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)
	receiver := common.HexToAddress(toAddress)
	contract := common.HexToAddress(contractAddress)

	unlock := c.lockNonce(sender)
	defer unlock()

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	decimals := c.tokenDecimals(callCtx, contract)
	value := majorToWei(amount, decimals)

	data, err := c.erc20.Pack("transfer", receiver, value)
	if err != nil {
		return "", fmt.Errorf("编码 transfer 调用失败: %w", err)
	}
	gasLimit, err := c.backend.EstimateGas(callCtx, gethcore.CallMsg{From: sender, To: &contract, Data: data})
	if err != nil {
		gasLimit = tokenTransferGasCap
	}
	gasPrice, err := c.backend.SuggestGasPrice(callCtx)
	if err != nil {
		return "", fmt.Errorf("查询 gas price 失败: %w", err)
	}

	required := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	native, err := c.backend.BalanceAt(callCtx, sender, nil)
	if err != nil {
		return "", fmt.Errorf("查询原生余额失败: %w", err)
	}
	if native.Cmp(required) < 0 {
		return "", &GasShortfallError{Shortfall: new(big.Int).Sub(required, native)}
	}

	nonce, err := c.backend.PendingNonceAt(callCtx, sender)
	if err != nil {
		return "", fmt.Errorf("查询 nonce 失败: %w", err)
	}
	tx := coretypes.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return "", fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(callCtx, signed); err != nil {
		return "", fmt.Errorf("广播交易失败: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func weiToMajor(raw *big.Int, decimals uint8) float64 {
	f := new(big.Float).SetInt(raw)
	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	result, _ := new(big.Float).Quo(f, divisor).Float64()
	return result
}

func majorToWei(amount float64, decimals uint8) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(amount), new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	result, _ := f.Int(nil)
	return result
}
