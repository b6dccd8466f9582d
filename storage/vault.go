// Package storage 提供本地账本视图（Vault）。
//
// Vault 只暴露已最终化交易的输出；输入在本地被标记为已消费，
// 但全局唯一性以公证人的裁决为准。
package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"

	"github.com/weisyn/ledger-flow-go/ledger"
)

var (
	// ErrNotFound 本地不存在该状态
	ErrNotFound = errors.New("state not found")
	// ErrTransactionConflict 同一 ID 已记录了内容不同的交易，或输入已被另一笔交易消费
	ErrTransactionConflict = errors.New("transaction conflicts with local ledger")
)

// StateAndRef 状态及其引用
type StateAndRef struct {
	Ref   ledger.StateRef
	State ledger.StatePayload
}

// Vault 本地账本存储接口
type Vault interface {
	// Get 读取未消费或已消费的状态；不存在返回 ErrNotFound
	Get(ref ledger.StateRef) (ledger.StatePayload, error)

	// IsConsumed 本地视图中该状态是否已被消费
	IsConsumed(ref ledger.StateRef) bool

	// Put 记录已最终化的交易：输入标记为已消费，输出变为可见
	Put(ft *ledger.FinalizedTransition) error

	// Transaction 按 ID 查询已记录的交易
	Transaction(id ledger.Hash) (*ledger.FinalizedTransition, bool)

	// Issue 发行创世状态（无输入），返回其引用
	Issue(payload ledger.StatePayload) (ledger.StateRef, error)

	// Unconsumed 列出指定类型的未消费状态，typ 为空表示全部
	Unconsumed(typ ledger.StateType) []StateAndRef
}

// MemoryVault 内存实现，并发安全
type MemoryVault struct {
	mu           sync.RWMutex
	states       map[string]StateAndRef
	consumedBy   map[string]ledger.Hash
	transactions map[ledger.Hash]*ledger.FinalizedTransition
}

// NewMemoryVault 创建内存 Vault
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		states:       make(map[string]StateAndRef),
		consumedBy:   make(map[string]ledger.Hash),
		transactions: make(map[ledger.Hash]*ledger.FinalizedTransition),
	}
}

func (v *MemoryVault) Get(ref ledger.StateRef) (ledger.StatePayload, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.states[ref.Key()]
	if !ok {
		return ledger.StatePayload{}, fmt.Errorf("%w: %s", ErrNotFound, ref.Key())
	}
	return s.State.Clone(), nil
}

func (v *MemoryVault) IsConsumed(ref ledger.StateRef) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.consumedBy[ref.Key()]
	return ok
}

func (v *MemoryVault) Put(ft *ledger.FinalizedTransition) error {
	if ft == nil {
		return errors.New("nil finalized transition")
	}
	if err := ft.Verify(); err != nil {
		return fmt.Errorf("refusing to record unverifiable transaction: %w", err)
	}
	id := ft.ID()

	v.mu.Lock()
	defer v.mu.Unlock()

	// 重复记录同一交易为空操作
	if existing, ok := v.transactions[id]; ok {
		if existing.Seal.Sequence == ft.Seal.Sequence {
			return nil
		}
		return fmt.Errorf("%w: %s recorded with sequence %d, got %d",
			ErrTransactionConflict, id.Hex(), existing.Seal.Sequence, ft.Seal.Sequence)
	}

	// 先检查再写入，保证失败时不留下部分状态
	for _, in := range ft.Signed.Proposal.Inputs {
		if by, ok := v.consumedBy[in.Key()]; ok && by != id {
			return fmt.Errorf("%w: input %s already consumed by %s", ErrTransactionConflict, in.Key(), by.Hex())
		}
	}

	for _, in := range ft.Signed.Proposal.Inputs {
		v.consumedBy[in.Key()] = id
	}
	for i, ref := range ft.OutputRefs() {
		v.states[ref.Key()] = StateAndRef{Ref: ref, State: ft.Signed.Proposal.Outputs[i].Clone()}
	}
	v.transactions[id] = ft.Clone()
	return nil
}

func (v *MemoryVault) Transaction(id ledger.Hash) (*ledger.FinalizedTransition, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ft, ok := v.transactions[id]
	if !ok {
		return nil, false
	}
	return ft.Clone(), true
}

func (v *MemoryVault) Issue(payload ledger.StatePayload) (ledger.StateRef, error) {
	for _, p := range payload.Participants {
		if err := p.Validate(); err != nil {
			return ledger.StateRef{}, err
		}
	}

	nonce := uuid.New()
	enc, err := rlp.EncodeToBytes(struct {
		Nonce   []byte
		Payload ledger.Hash
	}{nonce[:], payload.Hash()})
	if err != nil {
		return ledger.StateRef{}, fmt.Errorf("encode issuance: %w", err)
	}
	ref := ledger.StateRef{
		TxID:        ethcrypto.Keccak256Hash(enc),
		Index:       0,
		ContentHash: payload.Hash(),
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.states[ref.Key()] = StateAndRef{Ref: ref, State: payload.Clone()}
	return ref, nil
}

func (v *MemoryVault) Unconsumed(typ ledger.StateType) []StateAndRef {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []StateAndRef
	for key, s := range v.states {
		if _, consumed := v.consumedBy[key]; consumed {
			continue
		}
		if typ != "" && s.State.Type != typ {
			continue
		}
		out = append(out, StateAndRef{Ref: s.Ref, State: s.State.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Key() < out[j].Ref.Key() })
	return out
}
