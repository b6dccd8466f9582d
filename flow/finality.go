package flow

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/notary"
	"github.com/weisyn/ledger-flow-go/session"
	"github.com/weisyn/ledger-flow-go/storage"
	"github.com/weisyn/ledger-flow-go/types"
	"github.com/weisyn/ledger-flow-go/utils"
)

// FinalityReport 最终交易的分发结果
//
// 分发发生在提交之后，失败只记录，不影响协议结果。
type FinalityReport struct {
	TxID      ledger.Hash
	Sequence  uint64
	Delivered []string
	Failed    map[string]error
}

// FinalityCoordinator 请求公证、记录并分发最终交易
type FinalityCoordinator struct {
	notary      notary.Notary
	vault       storage.Vault
	concurrency int
	logger      types.Logger
}

// NewFinalityCoordinator 创建最终性协调器
func NewFinalityCoordinator(n notary.Notary, vault storage.Vault, concurrency int, logger types.Logger) *FinalityCoordinator {
	if concurrency <= 0 {
		concurrency = utils.DefaultConcurrency
	}
	return &FinalityCoordinator{
		notary:      n,
		vault:       vault,
		concurrency: concurrency,
		logger:      types.LoggerOrNop(logger),
	}
}

// Finalize 公证并分发
//
// **流程**：
//  1. 验证签名完整
//  2. RequestSeal；CONFLICTING_TRANSITION 直接返回，不重试
//  3. 校验印章：公证人、TxID、签名
//  4. 记录到本地 Vault
//  5. 并发向所有参与方会话发送 finalized 消息
//
// 本地记录失败时交易已在公证人处提交，仍然分发，并同时返回 ft 与错误。
func (c *FinalityCoordinator) Finalize(ctx context.Context, flowID string, stx *ledger.SignedTransition, sessions []session.Session) (*ledger.FinalizedTransition, *FinalityReport, error) {
	if err := stx.VerifyComplete(); err != nil {
		return nil, nil, types.WrapFlowError(types.ErrorCodeMalformedProposal, "transaction is not fully signed", err)
	}
	id := stx.ID()

	seal, err := c.notary.RequestSeal(ctx, stx)
	if err != nil {
		return nil, nil, notaryError(ctx, err)
	}

	ft := &ledger.FinalizedTransition{Signed: *stx.Clone(), Seal: *seal}
	if !bytes.Equal(seal.Notary, stx.Proposal.Notary.PublicKey) {
		return nil, nil, types.Errorf(types.ErrorCodeMalformedProposal, "seal signed by a notary other than %s", stx.Proposal.Notary)
	}
	if err := ft.Verify(); err != nil {
		return nil, nil, types.WrapFlowError(types.ErrorCodeMalformedProposal, "invalid notary seal", err)
	}

	if err := c.vault.Put(ft); err != nil {
		c.logger.Error("record finalized transaction failed", "flow", flowID, "tx", id.Hex(), "error", err)
		report := c.distribute(ctx, flowID, ft, sessions)
		return ft, report, types.WrapFlowError(types.ErrorCodeCommonInternalError, "record finalized transaction", err)
	}
	c.logger.Info("transaction finalized", "flow", flowID, "tx", id.Hex(), "sequence", seal.Sequence)

	return ft, c.distribute(ctx, flowID, ft, sessions), nil
}

func (c *FinalityCoordinator) distribute(ctx context.Context, flowID string, ft *ledger.FinalizedTransition, sessions []session.Session) *FinalityReport {
	report := &FinalityReport{TxID: ft.ID(), Sequence: ft.Seal.Sequence, Failed: make(map[string]error)}
	msg := &session.Message{Kind: session.KindFinalized, FlowID: flowID, Finalized: ft}

	errs := utils.ParallelEach(ctx, sessions, func(ctx context.Context, s session.Session) error {
		return s.Send(ctx, msg)
	}, c.concurrency)

	for i, err := range errs {
		peer := sessions[i].Peer().String()
		if err != nil {
			report.Failed[peer] = err
			c.logger.Warn("deliver finalized transaction failed", "flow", flowID, "peer", peer, "error", err)
			continue
		}
		report.Delivered = append(report.Delivered, peer)
	}
	return report
}

// notaryError 公证人返回的 FlowError 原样透传；超时/取消归为 FINALITY_TIMEOUT
func notaryError(ctx context.Context, err error) error {
	if fe, ok := types.AsFlowError(err); ok {
		return fe
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.WrapFlowError(types.ErrorCodeFinalityTimeout, "notary did not answer in time", err)
	}
	return types.WrapFlowError(types.ErrorCodeCommonInternalError, "request seal", err)
}

// ReceiveFinality 响应方：等待 finalized 消息，验证后记录
//
// 超时或会话断开为 FINALITY_TIMEOUT：响应方无法自行得知账本结果。
// 收到 abort 时以发起方给出的原因结束。
func ReceiveFinality(ctx context.Context, sess session.Session, txID ledger.Hash, vault storage.Vault, timeout time.Duration) (*ledger.FinalizedTransition, error) {
	msg, err := sess.Receive(ctx, timeout)
	if err != nil {
		return nil, types.WrapFlowError(types.ErrorCodeFinalityTimeout, "await finalized transaction", err)
	}

	switch msg.Kind {
	case session.KindFinalized:
	case session.KindAbort:
		return nil, aborted(msg.Reason)
	default:
		return nil, types.Errorf(types.ErrorCodeMalformedProposal, "expected finalized transaction, got %q", msg.Kind)
	}

	ft := msg.Finalized
	if ft == nil {
		return nil, types.Errorf(types.ErrorCodeMalformedProposal, "finalized message without transaction")
	}
	if ft.ID() != txID {
		return nil, types.Errorf(types.ErrorCodeMalformedProposal, "finalized %s, signed %s", ft.ID().Hex(), txID.Hex())
	}
	if err := ft.Verify(); err != nil {
		return nil, types.WrapFlowError(types.ErrorCodeMalformedProposal, "verify finalized transaction", err)
	}
	if err := vault.Put(ft); err != nil {
		return nil, types.WrapFlowError(types.ErrorCodeCommonInternalError, "record finalized transaction", err)
	}
	return ft, nil
}
