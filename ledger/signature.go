package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/weisyn/ledger-flow-go/wallet"
)

var (
	// ErrDuplicateSigner 同一签名者提交了不同的签名
	ErrDuplicateSigner = errors.New("signer already present with a different signature")
	// ErrInvalidSignature 签名无法通过公钥验证
	ErrInvalidSignature = errors.New("signature does not verify")
	// ErrUnexpectedSigner 签名者不在意图要求的签名集合中
	ErrUnexpectedSigner = errors.New("signer is not a required signer")
	// ErrIncompleteSignatures 签名集合尚未覆盖全部必须签名者
	ErrIncompleteSignatures = errors.New("signature set is incomplete")
)

// TransactionSignature 对提案 ID 的签名
type TransactionSignature struct {
	Signer    []byte `json:"signer"`    // 33 字节压缩公钥
	Signature []byte `json:"signature"` // 65 字节 [R || S || V]
}

// Verify 验证签名是否覆盖给定哈希
func (s TransactionSignature) Verify(hash Hash) error {
	if !wallet.VerifySignature(s.Signer, hash.Bytes(), s.Signature) {
		return fmt.Errorf("%w: signer 0x%x", ErrInvalidSignature, s.Signer)
	}
	return nil
}

// SignatureSet 只增不减的签名集合，按签名者公钥去重
type SignatureSet struct {
	sigs []TransactionSignature
}

// NewSignatureSet 从签名列表构建集合
func NewSignatureSet(sigs ...TransactionSignature) (SignatureSet, error) {
	var set SignatureSet
	for _, s := range sigs {
		if err := set.Add(s); err != nil {
			return SignatureSet{}, err
		}
	}
	return set, nil
}

// Add 添加签名；同一签名者重复提交相同签名时为空操作
func (s *SignatureSet) Add(sig TransactionSignature) error {
	for _, existing := range s.sigs {
		if bytes.Equal(existing.Signer, sig.Signer) {
			if bytes.Equal(existing.Signature, sig.Signature) {
				return nil
			}
			return fmt.Errorf("%w: 0x%x", ErrDuplicateSigner, sig.Signer)
		}
	}
	s.sigs = append(s.sigs, TransactionSignature{
		Signer:    common.CopyBytes(sig.Signer),
		Signature: common.CopyBytes(sig.Signature),
	})
	return nil
}

// Has 是否已有该签名者的签名
func (s SignatureSet) Has(signer []byte) bool {
	for _, existing := range s.sigs {
		if bytes.Equal(existing.Signer, signer) {
			return true
		}
	}
	return false
}

// Len 签名数量
func (s SignatureSet) Len() int {
	return len(s.sigs)
}

// List 返回签名副本
func (s SignatureSet) List() []TransactionSignature {
	out := make([]TransactionSignature, len(s.sigs))
	copy(out, s.sigs)
	return out
}

// Missing 返回尚未签名的必须签名者
func (s SignatureSet) Missing(required [][]byte) [][]byte {
	var missing [][]byte
	for _, r := range required {
		if !s.Has(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

// Complete 是否覆盖全部必须签名者
func (s SignatureSet) Complete(required [][]byte) bool {
	return len(s.Missing(required)) == 0
}

func (s SignatureSet) clone() SignatureSet {
	return SignatureSet{sigs: s.List()}
}

func (s SignatureSet) MarshalJSON() ([]byte, error) {
	if s.sigs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.sigs)
}

func (s *SignatureSet) UnmarshalJSON(data []byte) error {
	var sigs []TransactionSignature
	if err := json.Unmarshal(data, &sigs); err != nil {
		return err
	}
	set, err := NewSignatureSet(sigs...)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
