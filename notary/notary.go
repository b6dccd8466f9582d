// Package notary 实现唯一性公证人：原子地检查并标记输入状态的消费，
// 为每笔通过检查的交易签发带全局序号的印章。
package notary

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/types"
	"github.com/weisyn/ledger-flow-go/wallet"
)

// Notary 公证人接口
type Notary interface {
	// Identity 公证人身份（提案中的 Notary 字段必须与之相同）
	Identity() ledger.Party

	// RequestSeal 请求公证
	//
	// 输入已被其他交易消费时返回 CONFLICTING_TRANSITION；
	// 同一交易重复提交返回最初签发的印章。
	RequestSeal(ctx context.Context, stx *ledger.SignedTransition) (*ledger.NotarySeal, error)
}

// Config 公证人配置
type Config struct {
	// Name 公证人名称
	Name string
	// Logger 日志器（可选）
	Logger types.Logger
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{Name: "Notary"}
}

// Uniqueness 进程内唯一性公证人，并发安全
type Uniqueness struct {
	identity ledger.Party
	signer   wallet.Wallet
	logger   types.Logger

	mu         sync.Mutex
	sequence   uint64
	consumedBy map[string]ledger.Hash
	seals      map[ledger.Hash]ledger.NotarySeal
}

// NewUniqueness 创建公证人
func NewUniqueness(signer wallet.Wallet, config *Config) *Uniqueness {
	if config == nil {
		config = DefaultConfig()
	}
	return &Uniqueness{
		identity:   ledger.Party{Name: config.Name, PublicKey: signer.PublicKey()},
		signer:     signer,
		logger:     types.LoggerOrNop(config.Logger),
		consumedBy: make(map[string]ledger.Hash),
		seals:      make(map[ledger.Hash]ledger.NotarySeal),
	}
}

func (n *Uniqueness) Identity() ledger.Party {
	return n.identity
}

// RequestSeal 请求公证
//
// **流程**：
//  1. 校验交易结构与签名完整性
//  2. 在同一把锁内检查全部输入并标记消费
//  3. 分配序号并签名
func (n *Uniqueness) RequestSeal(ctx context.Context, stx *ledger.SignedTransition) (*ledger.NotarySeal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if stx == nil {
		return nil, n.malformed("transaction is nil")
	}

	// 1. 结构与签名
	if !bytes.Equal(stx.Proposal.Notary.PublicKey, n.identity.PublicKey) {
		return nil, n.malformed(fmt.Sprintf("transaction names notary %s, this notary is %s", stx.Proposal.Notary, n.identity))
	}
	if len(stx.Proposal.Inputs) == 0 {
		return nil, n.malformed("transaction consumes no inputs")
	}
	if err := stx.VerifyComplete(); err != nil {
		return nil, types.NewLayerError(types.LayerNotary, types.ErrorCodeMalformedProposal, err.Error(), err)
	}

	id := stx.ID()

	n.mu.Lock()
	defer n.mu.Unlock()

	// 幂等：同一交易返回最初的印章
	if seal, ok := n.seals[id]; ok {
		n.logger.Debug("notary: returning existing seal", "tx", id.Hex(), "sequence", seal.Sequence)
		return copySeal(seal), nil
	}

	// 2. 检查全部输入后再标记，冲突时不留下部分标记
	for _, in := range stx.Proposal.Inputs {
		if by, ok := n.consumedBy[in.Key()]; ok {
			n.logger.Info("notary: double spend rejected", "tx", id.Hex(), "input", in.Key(), "consumed_by", by.Hex())
			fe := types.NewLayerError(types.LayerNotary, types.ErrorCodeConflictingTransition,
				fmt.Sprintf("input %s already consumed by %s", in.Key(), by.Hex()), nil)
			fe.Details["input"] = in.Key()
			fe.Details["consumedBy"] = by.Hex()
			return nil, fe
		}
	}

	// 3. 分配序号并签名
	seq := n.sequence + 1
	sig, err := n.signer.SignHash(ledger.SealHash(id, seq).Bytes())
	if err != nil {
		return nil, types.NewLayerError(types.LayerNotary, types.ErrorCodeCommonInternalError, "sign seal", err)
	}
	for _, in := range stx.Proposal.Inputs {
		n.consumedBy[in.Key()] = id
	}
	n.sequence = seq
	seal := ledger.NotarySeal{
		Sequence:  seq,
		TxID:      id,
		Notary:    n.identity.PublicKey,
		Signature: sig,
	}
	n.seals[id] = seal

	n.logger.Info("notary: sealed transaction", "tx", id.Hex(), "sequence", seq, "inputs", len(stx.Proposal.Inputs))
	return copySeal(seal), nil
}

// ConsumedBy 查询输入被哪笔交易消费
func (n *Uniqueness) ConsumedBy(ref ledger.StateRef) (ledger.Hash, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.consumedBy[ref.Key()]
	return id, ok
}

// Height 已签发印章数量
func (n *Uniqueness) Height() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sequence
}

func (n *Uniqueness) malformed(detail string) error {
	return types.NewLayerError(types.LayerNotary, types.ErrorCodeMalformedProposal, detail, nil)
}

func copySeal(s ledger.NotarySeal) *ledger.NotarySeal {
	return &ledger.NotarySeal{
		Sequence:  s.Sequence,
		TxID:      s.TxID,
		Notary:    append([]byte(nil), s.Notary...),
		Signature: append([]byte(nil), s.Signature...),
	}
}
