package wallet

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/weisyn/ledger-flow-go/utils"
)

// CompressedPublicKeyLength 压缩公钥长度
const CompressedPublicKeyLength = 33

// Wallet 钱包接口（身份/密钥服务）
type Wallet interface {
	// Address 获取钱包地址（HASH160(压缩公钥)）
	Address() []byte

	// PublicKey 获取 33 字节压缩公钥，作为参与方身份
	PublicKey() []byte

	// SignHash 签名 32 字节哈希，返回 65 字节 [R || S || V]
	SignHash(hash []byte) ([]byte, error)

	// SignMessage 签名消息（先做 SHA256）
	SignMessage(msg []byte) ([]byte, error)

	// PrivateKey 获取私钥（谨慎使用）
	PrivateKey() *ecdsa.PrivateKey
}

// SimpleWallet 简单钱包实现
type SimpleWallet struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte
	address    []byte
	createdAt  time.Time
}

// NewWallet 创建新钱包
func NewWallet() (Wallet, error) {
	// 生成 secp256k1 私钥
	privateKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return newSimpleWallet(privateKey), nil
}

// NewWalletFromPrivateKey 从十六进制私钥创建钱包
func NewWalletFromPrivateKey(privateKeyHex string) (Wallet, error) {
	privateKeyHex = hexRemovePrefix(privateKeyHex)

	privateKeyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return NewWalletFromPrivateKeyBytes(privateKeyBytes)
}

// NewWalletFromPrivateKeyBytes 从原始私钥字节创建钱包
func NewWalletFromPrivateKeyBytes(privateKeyBytes []byte) (Wallet, error) {
	// ECDSA 私钥应该是 32 字节
	if len(privateKeyBytes) != 32 {
		return nil, fmt.Errorf("invalid private key length: expected 32 bytes, got %d", len(privateKeyBytes))
	}

	privateKey, err := ethcrypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse secp256k1 private key failed: %w", err)
	}
	return newSimpleWallet(privateKey), nil
}

func newSimpleWallet(privateKey *ecdsa.PrivateKey) *SimpleWallet {
	pub := ethcrypto.CompressPubkey(&privateKey.PublicKey)
	return &SimpleWallet{
		privateKey: privateKey,
		publicKey:  pub,
		address:    utils.PublicKeyToAddress(pub),
		createdAt:  time.Now(),
	}
}

// Address 获取钱包地址
func (w *SimpleWallet) Address() []byte {
	return w.address
}

// PublicKey 获取压缩公钥
func (w *SimpleWallet) PublicKey() []byte {
	out := make([]byte, len(w.publicKey))
	copy(out, w.publicKey)
	return out
}

// SignHash 签名哈希值
//
// 使用 go-ethereum 的可恢复签名，S 值规范化到低半区，
// 因此同一签名可被 VerifySignature 稳定验证。
func (w *SimpleWallet) SignHash(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := ethcrypto.Sign(hash, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("secp256k1 sign: %w", err)
	}
	return sig, nil
}

// SignMessage 签名消息
func (w *SimpleWallet) SignMessage(msg []byte) ([]byte, error) {
	hash := sha256.Sum256(msg)
	return w.SignHash(hash[:])
}

// PrivateKey 获取私钥
func (w *SimpleWallet) PrivateKey() *ecdsa.PrivateKey {
	return w.privateKey
}

// PrivateKeyBytes 导出 32 字节私钥（用于写入 Keystore）
func PrivateKeyBytes(w Wallet) []byte {
	return ethcrypto.FromECDSA(w.PrivateKey())
}

// VerifySignature 验证签名
//
// sig 可以是 64 字节 [R || S] 或 65 字节 [R || S || V]。
func VerifySignature(publicKey []byte, hash []byte, sig []byte) bool {
	if len(hash) != 32 {
		return false
	}
	if len(sig) != 64 && len(sig) != 65 {
		return false
	}
	if len(publicKey) != CompressedPublicKeyLength {
		return false
	}
	return ethcrypto.VerifySignature(publicKey, hash, sig[:64])
}

// ValidatePublicKey 检查是否为合法的压缩 secp256k1 公钥
func ValidatePublicKey(publicKey []byte) error {
	if len(publicKey) != CompressedPublicKeyLength {
		return fmt.Errorf("invalid public key length: expected %d bytes, got %d", CompressedPublicKeyLength, len(publicKey))
	}
	if _, err := ethcrypto.DecompressPubkey(publicKey); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return nil
}

// hexRemovePrefix 移除十六进制字符串的0x前缀
func hexRemovePrefix(hexStr string) string {
	if len(hexStr) >= 2 && hexStr[:2] == "0x" {
		return hexStr[2:]
	}
	return hexStr
}
