package notary

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/ledger-flow-go/internal/ledgertest"
	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/types"
)

type notaryFixture struct {
	a, b, n ledgertest.Identity
	notary  *Uniqueness
}

func newNotaryFixture(t *testing.T) *notaryFixture {
	t.Helper()
	n := ledgertest.NewIdentity(t, "Notary")
	return &notaryFixture{
		a:      ledgertest.NewIdentity(t, "A"),
		b:      ledgertest.NewIdentity(t, "B"),
		n:      n,
		notary: NewUniqueness(n.Wallet, &Config{Name: "Notary"}),
	}
}

func (f *notaryFixture) signed(t *testing.T, input ledger.StateRef, amount string) *ledger.SignedTransition {
	return ledgertest.SignedLending(t, input, f.a, f.b, f.n, amount)
}

func TestUniqueness_Seal(t *testing.T) {
	f := newNotaryFixture(t)
	ctx := context.Background()
	input := ledgertest.Ref("R@v1")

	stx := f.signed(t, input, "100")
	seal, err := f.notary.RequestSeal(ctx, stx)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seal.Sequence)
	assert.Equal(t, stx.ID(), seal.TxID)
	require.NoError(t, seal.Verify())
	require.NoError(t, (&ledger.FinalizedTransition{Signed: *stx, Seal: *seal}).Verify())

	by, ok := f.notary.ConsumedBy(input)
	assert.True(t, ok)
	assert.Equal(t, stx.ID(), by)
	assert.Equal(t, uint64(1), f.notary.Height())
}

func TestUniqueness_Idempotent(t *testing.T) {
	f := newNotaryFixture(t)
	ctx := context.Background()
	stx := f.signed(t, ledgertest.Ref("R@v1"), "100")

	first, err := f.notary.RequestSeal(ctx, stx)
	require.NoError(t, err)
	second, err := f.notary.RequestSeal(ctx, stx.Clone())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, uint64(1), f.notary.Height())
}

func TestUniqueness_Conflict(t *testing.T) {
	f := newNotaryFixture(t)
	ctx := context.Background()
	input := ledgertest.Ref("R@v1")

	winner := f.signed(t, input, "100")
	_, err := f.notary.RequestSeal(ctx, winner)
	require.NoError(t, err)

	loser := f.signed(t, input, "200")
	_, err = f.notary.RequestSeal(ctx, loser)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConflictingTransition)

	fe, ok := types.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, types.LayerNotary, fe.Layer)
	assert.Equal(t, winner.ID().Hex(), fe.Details["consumedBy"])
	assert.False(t, fe.Retriable())
}

func TestUniqueness_ConflictLeavesNoPartialMarks(t *testing.T) {
	f := newNotaryFixture(t)
	ctx := context.Background()
	taken, fresh := ledgertest.Ref("taken"), ledgertest.Ref("fresh")

	_, err := f.notary.RequestSeal(ctx, f.signed(t, taken, "1"))
	require.NoError(t, err)

	p := ledgertest.Proposal(ledger.IntentLendingBorrower, fresh,
		ledgertest.LendingPayload(f.a.Party, f.b.Party, "Acme", "2"), f.n.Party)
	p.Inputs = append(p.Inputs, taken)
	stx := ledgertest.Sign(t, ledger.NewSignedTransition(p), f.a, f.b)

	_, err = f.notary.RequestSeal(ctx, stx)
	assert.ErrorIs(t, err, types.ErrConflictingTransition)

	_, consumed := f.notary.ConsumedBy(fresh)
	assert.False(t, consumed, "a rejected transaction must not consume any of its inputs")
}

func TestUniqueness_Malformed(t *testing.T) {
	f := newNotaryFixture(t)
	ctx := context.Background()
	other := ledgertest.NewIdentity(t, "OtherNotary")

	tests := []struct {
		name string
		stx  func() *ledger.SignedTransition
	}{
		{name: "nil", stx: func() *ledger.SignedTransition { return nil }},
		{name: "missing signature", stx: func() *ledger.SignedTransition {
			p := ledgertest.Proposal(ledger.IntentLendingBorrower, ledgertest.Ref("x"),
				ledgertest.LendingPayload(f.a.Party, f.b.Party, "Acme", "1"), f.n.Party)
			return ledgertest.Sign(t, ledger.NewSignedTransition(p), f.a)
		}},
		{name: "different notary", stx: func() *ledger.SignedTransition {
			return ledgertest.SignedLending(t, ledgertest.Ref("x"), f.a, f.b, other, "1")
		}},
		{name: "no inputs", stx: func() *ledger.SignedTransition {
			p := ledgertest.Proposal(ledger.IntentLendingBorrower, ledgertest.Ref("x"),
				ledgertest.LendingPayload(f.a.Party, f.b.Party, "Acme", "1"), f.n.Party)
			p.Inputs = nil
			return ledgertest.Sign(t, ledger.NewSignedTransition(p), f.a, f.b)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.notary.RequestSeal(ctx, tt.stx())
			assert.ErrorIs(t, err, types.ErrMalformedProposal)
		})
	}
	assert.Equal(t, uint64(0), f.notary.Height())
}

func TestUniqueness_ConcurrentDoubleSpend(t *testing.T) {
	f := newNotaryFixture(t)
	ctx := context.Background()
	input := ledgertest.Ref("contested")

	const contenders = 16
	txs := make([]*ledger.SignedTransition, contenders)
	for i := range txs {
		txs[i] = f.signed(t, input, string(rune('1'+i)))
	}

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	start := make(chan struct{})
	for i := range txs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.notary.RequestSeal(ctx, txs[i])
		}(i)
	}
	close(start)
	wg.Wait()

	sealed := 0
	for _, err := range errs {
		if err == nil {
			sealed++
			continue
		}
		assert.ErrorIs(t, err, types.ErrConflictingTransition)
	}
	assert.Equal(t, 1, sealed)
	assert.Equal(t, uint64(1), f.notary.Height())
}

func TestUniqueness_CanceledContext(t *testing.T) {
	f := newNotaryFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.notary.RequestSeal(ctx, f.signed(t, ledgertest.Ref("x"), "1"))
	assert.ErrorIs(t, err, context.Canceled)
}
