package custody

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"

	cerrors "Citadel-Core/internal/errors"
)

// KeyProvider 基于主助记词做确定性 BIP44 派生。
// 同一 (助记词, index) 永远得到同一把私钥，纯函数、无副作用。
type KeyProvider struct {
	master *hdkeychain.ExtendedKey
}

// NewKeyProvider 校验助记词并构造派生器。助记词只在内存中存在，
// 绝不写入日志或错误信息。
func NewKeyProvider(mnemonic string) (*KeyProvider, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, cerrors.New(cerrors.CodeSecurityAlert, "主助记词校验失败")
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeSecurityAlert, err, "派生主密钥失败")
	}
	return &KeyProvider{master: master}, nil
}

// DerivationPath 返回给定账户索引的标准路径。
func DerivationPath(index uint32) string {
	return fmt.Sprintf("m/44'/60'/0'/0/%d", index)
}

// DeriveKey 沿 m/44'/60'/0'/0/index 派生以太坊私钥。
func (p *KeyProvider) DeriveKey(index uint32) (*ecdsa.PrivateKey, error) {
	steps := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + 0,
		0,
		index,
	}
	key := p.master
	var err error
	for _, step := range steps {
		key, err = key.Derive(step)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.CodeSecurityAlert, err, "派生子密钥失败")
		}
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeSecurityAlert, err, "导出私钥失败")
	}
	// go-ethereum 的签名要求曲线实例为 gethcrypto.S256()，btcec 的
	// ToECDSA 返回的曲线实例与之不同，需经 geth 自身的构造器转换。
	ethKey, err := gethcrypto.ToECDSA(privKey.Serialize())
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeSecurityAlert, err, "导出私钥失败")
	}
	return ethKey, nil
}

// Address 返回给定索引对应的以太坊地址（EIP-55 格式）。
func (p *KeyProvider) Address(index uint32) (string, error) {
	key, err := p.DeriveKey(index)
	if err != nil {
		return "", err
	}
	return gethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}
