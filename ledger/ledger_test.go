package ledger

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/ledger-flow-go/wallet"
)

func newParty(t *testing.T, name string) (Party, wallet.Wallet) {
	t.Helper()
	w, err := wallet.NewWallet()
	require.NoError(t, err)
	return Party{Name: name, PublicKey: w.PublicKey()}, w
}

func sampleProposal(t *testing.T) (*TransitionProposal, wallet.Wallet, wallet.Wallet, wallet.Wallet) {
	t.Helper()
	a, wa := newParty(t, "A")
	b, wb := newParty(t, "B")
	n, wn := newParty(t, "Notary")
	p := &TransitionProposal{
		Inputs: []StateRef{{TxID: common.HexToHash("0x01"), Index: 0, ContentHash: common.HexToHash("0x02")}},
		Outputs: []StatePayload{{
			Type:         StateTypeLenderBorrower,
			Participants: []Party{a, b},
			Attributes:   []Attribute{{Key: "company", Value: "Acme"}, {Key: "amount", Value: "100"}},
		}},
		Intent: Intent{Kind: IntentLendingBorrower, Signers: [][]byte{a.PublicKey, b.PublicKey}},
		Notary: n,
	}
	return p, wa, wb, wn
}

func sign(t *testing.T, w wallet.Wallet, hash Hash) TransactionSignature {
	t.Helper()
	sig, err := w.SignHash(hash.Bytes())
	require.NoError(t, err)
	return TransactionSignature{Signer: w.PublicKey(), Signature: sig}
}

func TestProposalID_ContentAddressed(t *testing.T) {
	p, _, _, _ := sampleProposal(t)

	id := p.ID()
	assert.Equal(t, id, p.Clone().ID(), "clone must hash identically")

	changed := p.Clone()
	changed.Outputs[0].Attributes[1].Value = "101"
	assert.NotEqual(t, id, changed.ID())
	assert.Equal(t, id, p.ID(), "mutating a clone must not affect the original")
}

func TestProposalID_SurvivesJSON(t *testing.T) {
	p, _, _, _ := sampleProposal(t)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	var decoded TransitionProposal
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, p.ID(), decoded.ID())
}

func TestStateRefKey(t *testing.T) {
	ref := StateRef{TxID: common.HexToHash("0xabcdef"), Index: 3}

	parsed, err := ParseStateRefKey(ref.Key())
	require.NoError(t, err)
	assert.Equal(t, ref.TxID, parsed.TxID)
	assert.Equal(t, ref.Index, parsed.Index)

	for _, bad := range []string{"", "0x01", "0x01:1", "zz:1", ref.TxID.Hex() + ":x"} {
		_, err := ParseStateRefKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestOutputRef(t *testing.T) {
	p, _, _, _ := sampleProposal(t)

	ref := p.OutputRef(0)
	assert.Equal(t, p.ID(), ref.TxID)
	assert.Equal(t, uint32(0), ref.Index)
	assert.Equal(t, p.Outputs[0].Hash(), ref.ContentHash)
}

func TestSignatureSet_Monotonic(t *testing.T) {
	p, wa, wb, _ := sampleProposal(t)
	id := p.ID()

	var set SignatureSet
	sa := sign(t, wa, id)
	require.NoError(t, set.Add(sa))
	require.NoError(t, set.Add(sa), "re-adding the identical signature is a no-op")
	assert.Equal(t, 1, set.Len())

	other := sign(t, wa, common.HexToHash("0x99"))
	err := set.Add(other)
	assert.ErrorIs(t, err, ErrDuplicateSigner)
	assert.Equal(t, 1, set.Len(), "a rejected add must not replace the member")

	assert.False(t, set.Complete(p.Intent.Signers))
	assert.Equal(t, [][]byte{wb.PublicKey()}, set.Missing(p.Intent.Signers))

	require.NoError(t, set.Add(sign(t, wb, id)))
	assert.True(t, set.Complete(p.Intent.Signers))
}

func TestSignatureSet_JSON(t *testing.T) {
	p, wa, wb, _ := sampleProposal(t)
	set, err := NewSignatureSet(sign(t, wa, p.ID()), sign(t, wb, p.ID()))
	require.NoError(t, err)

	data, err := json.Marshal(set)
	require.NoError(t, err)
	var decoded SignatureSet
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, set.List(), decoded.List())

	empty, err := json.Marshal(SignatureSet{})
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(empty))
}

func TestSignedTransition_Verify(t *testing.T) {
	p, wa, wb, _ := sampleProposal(t)
	stx := NewSignedTransition(p)

	withA, err := stx.WithSignature(sign(t, wa, p.ID()))
	require.NoError(t, err)
	assert.Equal(t, 0, stx.Signatures.Len(), "WithSignature must not modify the receiver")

	require.NoError(t, withA.Verify())
	assert.ErrorIs(t, withA.VerifyComplete(), ErrIncompleteSignatures)

	full, err := withA.WithSignature(sign(t, wb, p.ID()))
	require.NoError(t, err)
	require.NoError(t, full.VerifyComplete())

	_, ws := newParty(t, "C")
	bad, err := withA.WithSignature(sign(t, ws, p.ID()))
	require.NoError(t, err)
	assert.ErrorIs(t, bad.Verify(), ErrUnexpectedSigner)

	forged, err := stx.WithSignature(TransactionSignature{Signer: wb.PublicKey(), Signature: sign(t, wb, common.HexToHash("0x42")).Signature})
	require.NoError(t, err)
	assert.ErrorIs(t, forged.Verify(), ErrInvalidSignature)
}

func TestFinalizedTransition_Verify(t *testing.T) {
	p, wa, wb, wn := sampleProposal(t)
	stx := NewSignedTransition(p)
	stx, err := stx.WithSignature(sign(t, wa, p.ID()))
	require.NoError(t, err)
	stx, err = stx.WithSignature(sign(t, wb, p.ID()))
	require.NoError(t, err)

	sealSig, err := wn.SignHash(SealHash(p.ID(), 7).Bytes())
	require.NoError(t, err)
	ft := &FinalizedTransition{
		Signed: *stx,
		Seal:   NotarySeal{Sequence: 7, TxID: p.ID(), Notary: wn.PublicKey(), Signature: sealSig},
	}
	require.NoError(t, ft.Verify())
	assert.Equal(t, []StateRef{p.OutputRef(0)}, ft.OutputRefs())

	t.Run("wrong sequence", func(t *testing.T) {
		bad := ft.Clone()
		bad.Seal.Sequence = 8
		assert.Error(t, bad.Verify())
	})

	t.Run("seal by another notary", func(t *testing.T) {
		_, other := newParty(t, "Other")
		bad := ft.Clone()
		bad.Seal.Notary = other.PublicKey()
		bad.Seal.Signature, err = other.SignHash(SealHash(p.ID(), 7).Bytes())
		require.NoError(t, err)
		assert.Error(t, bad.Verify())
	})

	t.Run("seal for another transaction", func(t *testing.T) {
		bad := ft.Clone()
		bad.Seal.TxID = common.HexToHash("0x01")
		assert.Error(t, bad.Verify())
	})
}

func TestStatePayload_Attr(t *testing.T) {
	s := StatePayload{Attributes: []Attribute{{Key: "bankName", Value: "First"}}}

	v, ok := s.Attr("bankName")
	assert.True(t, ok)
	assert.Equal(t, "First", v)

	_, ok = s.Attr("missing")
	assert.False(t, ok)
}

func TestParty(t *testing.T) {
	a, _ := newParty(t, "A")

	require.NoError(t, a.Validate())
	assert.Len(t, a.Address(), 20)
	assert.Contains(t, a.String(), "A(")
	assert.True(t, a.Equal(Party{Name: "other name", PublicKey: a.PublicKey}))

	assert.Error(t, Party{Name: "bad", PublicKey: []byte{1, 2, 3}}.Validate())
}
