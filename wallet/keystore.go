package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/weisyn/ledger-flow-go/utils"
)

// DefaultKDFIterations PBKDF2 默认迭代次数
const DefaultKDFIterations = 262144

// ErrInvalidPassword 口令错误（MAC 校验失败）
var ErrInvalidPassword = errors.New("invalid password")

// Keystore Keystore 文件结构
type Keystore struct {
	Version int    `json:"version"`
	ID      string `json:"id"`
	Address string `json:"address"`
	Crypto  Crypto `json:"crypto"`
}

// Crypto 加密信息
type Crypto struct {
	Cipher       string       `json:"cipher"`
	CipherText   string       `json:"ciphertext"`
	CipherParams CipherParams `json:"cipherparams"`
	KDF          string       `json:"kdf"`
	KDFParams    KDFParams    `json:"kdfparams"`
	MAC          string       `json:"mac"`
}

// CipherParams 加密参数
type CipherParams struct {
	IV string `json:"iv"`
}

// KDFParams PBKDF2 参数
type KDFParams struct {
	C     int    `json:"c"`
	DKLen int    `json:"dklen"`
	PRF   string `json:"prf"`
	Salt  string `json:"salt"`
}

// KeystoreManager Keystore 管理器
type KeystoreManager struct {
	keystoreDir string
	iterations  int
}

// NewKeystoreManager 创建 Keystore 管理器
func NewKeystoreManager(keystoreDir string) (*KeystoreManager, error) {
	return NewKeystoreManagerWithIterations(keystoreDir, DefaultKDFIterations)
}

// NewKeystoreManagerWithIterations 指定 PBKDF2 迭代次数（测试中使用较小值）
func NewKeystoreManagerWithIterations(keystoreDir string, iterations int) (*KeystoreManager, error) {
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}
	if err := os.MkdirAll(keystoreDir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &KeystoreManager{
		keystoreDir: keystoreDir,
		iterations:  iterations,
	}, nil
}

// SaveWallet 加密保存钱包，返回 Base58 地址与文件路径
func (km *KeystoreManager) SaveWallet(w Wallet, password string) (string, string, error) {
	address, err := utils.AddressBytesToBase58(w.Address())
	if err != nil {
		return "", "", err
	}
	path, err := km.Save(address, PrivateKeyBytes(w), password)
	if err != nil {
		return "", "", err
	}
	return address, path, nil
}

// LoadWallet 解密并恢复钱包
func (km *KeystoreManager) LoadWallet(address string, password string) (Wallet, error) {
	privateKey, err := km.Load(address, password)
	if err != nil {
		return nil, err
	}
	return NewWalletFromPrivateKeyBytes(privateKey)
}

// Save 保存私钥到 Keystore
func (km *KeystoreManager) Save(address string, privateKey []byte, password string) (string, error) {
	// 1. 生成随机 salt 和 IV
	salt := make([]byte, 32)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	// 2. 派生密钥：前 16 字节加密，后 16 字节参与 MAC
	derived := pbkdf2.Key([]byte(password), salt, km.iterations, 32, sha256.New)

	// 3. 加密私钥
	ciphertext, err := xorAESCTR(derived[:16], privateKey, iv)
	if err != nil {
		return "", fmt.Errorf("encrypt private key: %w", err)
	}

	// 4. 构建 Keystore 结构
	keystore := &Keystore{
		Version: 1,
		ID:      uuid.New().String(),
		Address: address,
		Crypto: Crypto{
			Cipher:     "aes-128-ctr",
			CipherText: hex.EncodeToString(ciphertext),
			CipherParams: CipherParams{
				IV: hex.EncodeToString(iv),
			},
			KDF: "pbkdf2",
			KDFParams: KDFParams{
				C:     km.iterations,
				DKLen: 32,
				PRF:   "hmac-sha256",
				Salt:  hex.EncodeToString(salt),
			},
			MAC: hex.EncodeToString(computeMAC(derived[16:32], ciphertext)),
		},
	}

	// 5. 保存到文件
	data, err := json.MarshalIndent(keystore, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode keystore: %w", err)
	}
	keystorePath := km.path(address)
	if err := os.WriteFile(keystorePath, data, 0600); err != nil {
		return "", fmt.Errorf("write keystore file: %w", err)
	}

	return keystorePath, nil
}

// Load 从 Keystore 加载私钥
func (km *KeystoreManager) Load(address string, password string) ([]byte, error) {
	data, err := os.ReadFile(km.path(address))
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}

	var keystore Keystore
	if err := json.Unmarshal(data, &keystore); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	if keystore.Crypto.KDF != "pbkdf2" || keystore.Crypto.KDFParams.DKLen != 32 {
		return nil, fmt.Errorf("unsupported kdf %q (dklen %d)", keystore.Crypto.KDF, keystore.Crypto.KDFParams.DKLen)
	}

	salt, err := hex.DecodeString(keystore.Crypto.KDFParams.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	iv, err := hex.DecodeString(keystore.Crypto.CipherParams.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(keystore.Crypto.CipherText)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	actualMAC, err := hex.DecodeString(keystore.Crypto.MAC)
	if err != nil {
		return nil, fmt.Errorf("decode mac: %w", err)
	}

	derived := pbkdf2.Key([]byte(password), salt, keystore.Crypto.KDFParams.C, 32, sha256.New)

	// 先验证 MAC 再解密
	if subtle.ConstantTimeCompare(computeMAC(derived[16:32], ciphertext), actualMAC) != 1 {
		return nil, ErrInvalidPassword
	}

	privateKey, err := xorAESCTR(derived[:16], ciphertext, iv)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return privateKey, nil
}

func (km *KeystoreManager) path(address string) string {
	return filepath.Join(km.keystoreDir, fmt.Sprintf("%s.json", address))
}

// xorAESCTR AES-CTR 加解密（对称）
func xorAESCTR(key, in, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}

// computeMAC MAC = Keccak256(macKey || ciphertext)
func computeMAC(macKey, ciphertext []byte) []byte {
	return ethcrypto.Keccak256(macKey, ciphertext)
}
