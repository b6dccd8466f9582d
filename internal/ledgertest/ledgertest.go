// Package ledgertest 提供测试用的身份、提案与签名构造工具。
package ledgertest

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/wallet"
)

// Identity 测试身份：参与方 + 钱包
type Identity struct {
	Party  ledger.Party
	Wallet wallet.Wallet
}

// NewIdentity 生成随机身份
func NewIdentity(t testing.TB, name string) Identity {
	t.Helper()
	w, err := wallet.NewWallet()
	require.NoError(t, err, "创建测试钱包失败")
	return Identity{Party: ledger.Party{Name: name, PublicKey: w.PublicKey()}, Wallet: w}
}

// LendingPayload 借贷状态：A 为发起方，B 为对手方
func LendingPayload(a, b ledger.Party, company, amount string) ledger.StatePayload {
	return ledger.StatePayload{
		Type:         ledger.StateTypeLenderBorrower,
		Participants: []ledger.Party{a, b},
		Attributes: []ledger.Attribute{
			{Key: "company", Value: company},
			{Key: "amount", Value: amount},
		},
	}
}

// BankDetailsPayload 银行信息状态
func BankDetailsPayload(a, b ledger.Party, account, bank string) ledger.StatePayload {
	return ledger.StatePayload{
		Type:         ledger.StateTypeUserBankDetails,
		Participants: []ledger.Party{a, b},
		Attributes: []ledger.Attribute{
			{Key: "accountNumber", Value: account},
			{Key: "bankName", Value: bank},
		},
	}
}

// Proposal 以参与方公钥为必须签名者构造提案
func Proposal(kind ledger.IntentKind, input ledger.StateRef, out ledger.StatePayload, notary ledger.Party) *ledger.TransitionProposal {
	signers := make([][]byte, len(out.Participants))
	for i, p := range out.Participants {
		signers[i] = common.CopyBytes(p.PublicKey)
	}
	return &ledger.TransitionProposal{
		Inputs:  []ledger.StateRef{input},
		Outputs: []ledger.StatePayload{out},
		Intent:  ledger.Intent{Kind: kind, Signers: signers},
		Notary:  notary,
	}
}

// Sign 依次用给定身份签名
func Sign(t testing.TB, stx *ledger.SignedTransition, ids ...Identity) *ledger.SignedTransition {
	t.Helper()
	for _, id := range ids {
		sig, err := id.Wallet.SignHash(stx.ID().Bytes())
		require.NoError(t, err)
		stx, err = stx.WithSignature(ledger.TransactionSignature{Signer: id.Party.PublicKey, Signature: sig})
		require.NoError(t, err)
	}
	return stx
}

// SignedLending 构造一笔双方都已签名的借贷交易
func SignedLending(t testing.TB, input ledger.StateRef, a, b, notary Identity, amount string) *ledger.SignedTransition {
	t.Helper()
	p := Proposal(ledger.IntentLendingBorrower, input, LendingPayload(a.Party, b.Party, "Acme", amount), notary.Party)
	return Sign(t, ledger.NewSignedTransition(p), a, b)
}

// Ref 用种子构造一个任意状态引用
func Ref(seed string) ledger.StateRef {
	return ledger.StateRef{TxID: common.BytesToHash([]byte(seed)), Index: 0}
}
