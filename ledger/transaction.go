package ledger

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// SignedTransition 提案 + 签名集合
type SignedTransition struct {
	Proposal   TransitionProposal `json:"proposal"`
	Signatures SignatureSet       `json:"signatures"`
}

// NewSignedTransition 以提案副本创建未签名的交易
func NewSignedTransition(p *TransitionProposal) *SignedTransition {
	return &SignedTransition{Proposal: *p.Clone()}
}

// ID 交易 ID（等于提案 ID）
func (t *SignedTransition) ID() Hash {
	return t.Proposal.ID()
}

// WithSignature 返回附加了签名的副本，原交易不变
func (t *SignedTransition) WithSignature(sig TransactionSignature) (*SignedTransition, error) {
	out := t.Clone()
	if err := out.Signatures.Add(sig); err != nil {
		return nil, err
	}
	return out, nil
}

// Clone 深拷贝
func (t *SignedTransition) Clone() *SignedTransition {
	return &SignedTransition{
		Proposal:   *t.Proposal.Clone(),
		Signatures: t.Signatures.clone(),
	}
}

// Verify 验证已有的每个签名：签名者必须是必须签名者，签名必须覆盖交易 ID
func (t *SignedTransition) Verify() error {
	id := t.ID()
	for _, sig := range t.Signatures.List() {
		if !t.Proposal.Intent.RequiresSigner(sig.Signer) {
			return fmt.Errorf("%w: 0x%x", ErrUnexpectedSigner, sig.Signer)
		}
		if err := sig.Verify(id); err != nil {
			return err
		}
	}
	return nil
}

// VerifyComplete 在 Verify 基础上要求签名集合完整
func (t *SignedTransition) VerifyComplete() error {
	if err := t.Verify(); err != nil {
		return err
	}
	if missing := t.Signatures.Missing(t.Proposal.Intent.Signers); len(missing) > 0 {
		return fmt.Errorf("%w: %d signature(s) missing", ErrIncompleteSignatures, len(missing))
	}
	return nil
}

// NotarySeal 公证人印章：排序序号 + 公证人签名
type NotarySeal struct {
	Sequence  uint64 `json:"sequence"`
	TxID      Hash   `json:"tx_id"`
	Notary    []byte `json:"notary"`
	Signature []byte `json:"signature"`
}

// SealHash 公证人签名的消息哈希
func SealHash(txID Hash, sequence uint64) Hash {
	return hashRLP(struct {
		TxID     Hash
		Sequence uint64
	}{txID, sequence})
}

// Verify 验证印章签名
func (s NotarySeal) Verify() error {
	sig := TransactionSignature{Signer: s.Notary, Signature: s.Signature}
	if err := sig.Verify(SealHash(s.TxID, s.Sequence)); err != nil {
		return fmt.Errorf("notary seal: %w", err)
	}
	return nil
}

// FinalizedTransition 已公证的交易，账本状态的最小单位
type FinalizedTransition struct {
	Signed SignedTransition `json:"signed"`
	Seal   NotarySeal       `json:"seal"`
}

// ID 交易 ID
func (f *FinalizedTransition) ID() Hash {
	return f.Signed.ID()
}

// Verify 验证签名完整性以及印章与提案指定公证人的一致性
func (f *FinalizedTransition) Verify() error {
	if err := f.Signed.VerifyComplete(); err != nil {
		return err
	}
	if f.Seal.TxID != f.ID() {
		return fmt.Errorf("notary seal covers %s, transaction is %s", f.Seal.TxID.Hex(), f.ID().Hex())
	}
	if !bytes.Equal(f.Seal.Notary, f.Signed.Proposal.Notary.PublicKey) {
		return fmt.Errorf("notary seal signed by 0x%x, proposal names %s", f.Seal.Notary, f.Signed.Proposal.Notary)
	}
	return f.Seal.Verify()
}

// OutputRefs 本交易产生的全部状态引用
func (f *FinalizedTransition) OutputRefs() []StateRef {
	refs := make([]StateRef, len(f.Signed.Proposal.Outputs))
	for i := range refs {
		refs[i] = f.Signed.Proposal.OutputRef(i)
	}
	return refs
}

// Clone 深拷贝
func (f *FinalizedTransition) Clone() *FinalizedTransition {
	return &FinalizedTransition{
		Signed: *f.Signed.Clone(),
		Seal: NotarySeal{
			Sequence:  f.Seal.Sequence,
			TxID:      f.Seal.TxID,
			Notary:    common.CopyBytes(f.Seal.Notary),
			Signature: common.CopyBytes(f.Seal.Signature),
		},
	}
}
