package flow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weisyn/ledger-flow-go/contract"
	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/session"
	"github.com/weisyn/ledger-flow-go/types"
	"github.com/weisyn/ledger-flow-go/wallet"
)

// SigningRound 一次签名交换的公共参数
type SigningRound struct {
	FlowID  string
	Timeout time.Duration
	Logger  types.Logger
}

// CollectSignatures 发起方：依次向每个对手方发送提案并等待签名
//
// stx 中必须已包含发起方自己的签名。sessions 的对端身份即预期签名者。
// 返回的交易签名完整且全部验证通过；stx 本身不被修改。
func (r SigningRound) CollectSignatures(ctx context.Context, stx *ledger.SignedTransition, sessions []session.Session) (*ledger.SignedTransition, error) {
	logger := types.LoggerOrNop(r.Logger)
	current := stx.Clone()
	id := current.ID()

	for _, sess := range sessions {
		peer := sess.Peer()
		msg := &session.Message{Kind: session.KindProposal, FlowID: r.FlowID, Transaction: current.Clone()}
		if err := sess.Send(ctx, msg); err != nil {
			return nil, sessionError(err, "send proposal to "+peer.String())
		}
		logger.Debug("proposal sent", "flow", r.FlowID, "peer", peer.String(), "tx", id.Hex())

		reply, err := sess.Receive(ctx, r.Timeout)
		if err != nil {
			return nil, sessionError(err, "await signature from "+peer.String())
		}

		switch reply.Kind {
		case session.KindSignature:
			sig := reply.Signature
			if sig == nil {
				return nil, types.Errorf(types.ErrorCodeMalformedProposal, "empty signature message from %s", peer)
			}
			if !bytes.Equal(sig.Signer, peer.PublicKey) {
				return nil, types.Errorf(types.ErrorCodeMalformedProposal, "signature from %s signed by 0x%x", peer, sig.Signer)
			}
			if !current.Proposal.Intent.RequiresSigner(sig.Signer) {
				return nil, types.Errorf(types.ErrorCodeMalformedProposal, "%s is not a required signer", peer)
			}
			if err := sig.Verify(id); err != nil {
				return nil, types.WrapFlowError(types.ErrorCodeMalformedProposal, "signature from "+peer.String(), err)
			}
			next, err := current.WithSignature(*sig)
			if err != nil {
				return nil, types.WrapFlowError(types.ErrorCodeMalformedProposal, "add signature from "+peer.String(), err)
			}
			current = next
			logger.Debug("signature received", "flow", r.FlowID, "peer", peer.String())

		case session.KindReject:
			return nil, declined(peer, reply.Reason)

		default:
			return nil, types.Errorf(types.ErrorCodeMalformedProposal, "unexpected %q message from %s", reply.Kind, peer)
		}
	}

	if err := current.VerifyComplete(); err != nil {
		return nil, types.WrapFlowError(types.ErrorCodeMalformedProposal, "collected signatures", err)
	}
	return current, nil
}

// AwaitProposal 响应方：等待提案，返回交易与发起方的实例 ID
func (r SigningRound) AwaitProposal(ctx context.Context, sess session.Session) (*ledger.SignedTransition, string, error) {
	msg, err := sess.Receive(ctx, r.Timeout)
	if err != nil {
		return nil, "", sessionError(err, "await proposal from "+sess.Peer().String())
	}
	switch msg.Kind {
	case session.KindProposal:
		if msg.Transaction == nil {
			return nil, msg.FlowID, types.Errorf(types.ErrorCodeMalformedProposal, "proposal message without transaction")
		}
		return msg.Transaction, msg.FlowID, nil
	case session.KindAbort:
		return nil, msg.FlowID, aborted(msg.Reason)
	}
	return nil, msg.FlowID, types.Errorf(types.ErrorCodeMalformedProposal, "expected proposal, got %q", msg.Kind)
}

// CheckProposal 响应方签名前的检查
//
// 结构检查失败为 MALFORMED_PROPOSAL，合约规则失败为 VALIDATION_REJECTED。
// 合约规则总是独立重新运行，不采信发起方的结论。
func CheckProposal(stx *ledger.SignedTransition, self, initiator ledger.Party, engine contract.Engine, trusted []ledger.Party) error {
	p := &stx.Proposal
	if len(p.Outputs) == 0 {
		return types.Errorf(types.ErrorCodeMalformedProposal, "proposal has no outputs")
	}
	// 1号位必须是本方：唯一的数据接收方
	participants := p.Outputs[0].Participants
	if len(participants) < 2 || !participants[1].Equal(self) {
		return types.Errorf(types.ErrorCodeMalformedProposal, "output does not name %s as recipient", self)
	}
	if !participants[0].Equal(initiator) {
		return types.Errorf(types.ErrorCodeMalformedProposal, "output is not proposed by session peer %s", initiator)
	}
	if !p.Intent.RequiresSigner(self.PublicKey) {
		return types.Errorf(types.ErrorCodeMalformedProposal, "%s is not a required signer", self)
	}
	// 公证人是消费的唯一裁决者，未配置信任集合时不签
	if len(trusted) == 0 {
		return types.Errorf(types.ErrorCodeMalformedProposal, "no trusted notary configured, refusing notary %s", p.Notary)
	}
	if !containsParty(trusted, p.Notary) {
		return types.Errorf(types.ErrorCodeMalformedProposal, "notary %s is not trusted", p.Notary)
	}
	if !stx.Signatures.Has(initiator.PublicKey) {
		return types.Errorf(types.ErrorCodeMalformedProposal, "proposal is not signed by %s", initiator)
	}
	if err := stx.Verify(); err != nil {
		return types.WrapFlowError(types.ErrorCodeMalformedProposal, "initiator signatures", err)
	}

	if err := engine.Validate(p); err != nil {
		return err
	}
	return nil
}

// Endorse 响应方：签名并回复 signature 消息
func (r SigningRound) Endorse(ctx context.Context, sess session.Session, stx *ledger.SignedTransition, w wallet.Wallet) (*ledger.SignedTransition, error) {
	id := stx.ID()
	raw, err := w.SignHash(id.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	sig := ledger.TransactionSignature{Signer: w.PublicKey(), Signature: raw}
	signed, err := stx.WithSignature(sig)
	if err != nil {
		return nil, types.WrapFlowError(types.ErrorCodeMalformedProposal, "add own signature", err)
	}
	if err := sess.Send(ctx, &session.Message{Kind: session.KindSignature, FlowID: r.FlowID, Signature: &sig}); err != nil {
		return nil, sessionError(err, "send signature")
	}
	return signed, nil
}

// Decline 响应方：回复 reject 消息（尽力而为）
func (r SigningRound) Decline(ctx context.Context, sess session.Session, reason error) {
	msg := &session.Message{Kind: session.KindReject, FlowID: r.FlowID, Reason: problemOf(reason)}
	if err := sess.Send(ctx, msg); err != nil {
		types.LoggerOrNop(r.Logger).Warn("send reject failed", "flow", r.FlowID, "peer", sess.Peer().String(), "error", err)
	}
}

// sessionError 会话错误归类：超时 → SESSION_TIMEOUT，其余 → SESSION_CLOSED
func sessionError(err error, detail string) error {
	if errors.Is(err, session.ErrTimeout) {
		return types.WrapFlowError(types.ErrorCodeSessionTimeout, detail, err)
	}
	if fe, ok := types.AsFlowError(err); ok {
		return fe
	}
	return types.WrapFlowError(types.ErrorCodeSessionClosed, detail, err)
}

// declined 对手方拒绝；原因以 Cause 保留，errors.Is 可匹配对手方给出的错误码
func declined(peer ledger.Party, reason *types.ProblemDetails) error {
	fe := types.Errorf(types.ErrorCodeCounterpartyDeclined, "%s declined", peer)
	if reason != nil {
		fe.Detail = fmt.Sprintf("%s declined: %s", peer, reason.Detail)
		fe.Details["reason"] = reason.Code
		fe.Cause = types.NewFlowErrorFromProblemDetails(reason)
	}
	return fe
}

// aborted 发起方中止；还原发起方给出的原因
func aborted(reason *types.ProblemDetails) error {
	if reason == nil || reason.Code == "" {
		return types.Errorf(types.ErrorCodeSessionClosed, "initiator aborted the flow")
	}
	return types.NewFlowErrorFromProblemDetails(reason)
}

func problemOf(err error) *types.ProblemDetails {
	fe, ok := types.AsFlowError(err)
	if !ok {
		fe = types.WrapFlowError(types.ErrorCodeCommonInternalError, err.Error(), err)
	}
	return fe.ToProblemDetails()
}

func containsParty(set []ledger.Party, p ledger.Party) bool {
	for _, s := range set {
		if s.Equal(p) {
			return true
		}
	}
	return false
}
