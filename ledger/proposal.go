package ledger

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
)

// IntentKind 意图（命令）标签，决定适用的校验规则
type IntentKind string

const (
	IntentLendingBorrower   IntentKind = "LendingBorrower"
	IntentBankDetailsUpdate IntentKind = "BankDetailsUpdate"
)

// Intent 意图：规则标签 + 必须签名的公钥集合
type Intent struct {
	Kind    IntentKind `json:"kind"`
	Signers [][]byte   `json:"signers"`
}

// RequiresSigner 公钥是否在必须签名集合中
func (i Intent) RequiresSigner(pub []byte) bool {
	for _, s := range i.Signers {
		if bytes.Equal(s, pub) {
			return true
		}
	}
	return false
}

// TransitionProposal 待签名的状态迁移提案
//
// 提案一旦进入签名轮次即不可变，以内容哈希 ID() 标识。
type TransitionProposal struct {
	Inputs  []StateRef     `json:"inputs"`
	Outputs []StatePayload `json:"outputs"`
	Intent  Intent         `json:"intent"`
	Notary  Party          `json:"notary"`
}

// ID 提案内容哈希
func (p *TransitionProposal) ID() Hash {
	return hashRLP(p)
}

// Clone 深拷贝
func (p *TransitionProposal) Clone() *TransitionProposal {
	out := &TransitionProposal{
		Intent: Intent{Kind: p.Intent.Kind},
		Notary: Party{Name: p.Notary.Name, PublicKey: common.CopyBytes(p.Notary.PublicKey)},
	}
	if p.Inputs != nil {
		out.Inputs = append([]StateRef(nil), p.Inputs...)
	}
	if p.Outputs != nil {
		out.Outputs = make([]StatePayload, len(p.Outputs))
		for i, o := range p.Outputs {
			out.Outputs[i] = o.Clone()
		}
	}
	if p.Intent.Signers != nil {
		out.Intent.Signers = make([][]byte, len(p.Intent.Signers))
		for i, s := range p.Intent.Signers {
			out.Intent.Signers[i] = common.CopyBytes(s)
		}
	}
	return out
}

// OutputRef 第 index 个输出被提交后的状态引用
func (p *TransitionProposal) OutputRef(index int) StateRef {
	return StateRef{
		TxID:        p.ID(),
		Index:       uint32(index),
		ContentHash: p.Outputs[index].Hash(),
	}
}
