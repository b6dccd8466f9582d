package flow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weisyn/ledger-flow-go/contract"
	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/notary"
	"github.com/weisyn/ledger-flow-go/session"
	"github.com/weisyn/ledger-flow-go/storage"
	"github.com/weisyn/ledger-flow-go/types"
	"github.com/weisyn/ledger-flow-go/wallet"
)

// abortTimeout 失败后通知对手方的时限
const abortTimeout = 2 * time.Second

// Request 发起方请求
type Request struct {
	Input  ledger.StateRef
	Output ledger.StatePayload
	Kind   ledger.IntentKind
}

// Initiator 发起方协议
//
// 一个 Initiator 可被多次调用 Run，每次调用是一个独立的协议实例。
type Initiator struct {
	identity ledger.Party
	wallet   wallet.Wallet
	vault    storage.Vault
	notary   notary.Notary
	engine   contract.Engine
	builder  *Builder
	finality *FinalityCoordinator
	config   *Config
}

// NewInitiator 创建发起方；本方身份由钱包公钥决定
func NewInitiator(name string, w wallet.Wallet, vault storage.Vault, n notary.Notary, config *Config) *Initiator {
	cfg := config.withDefaults()
	return &Initiator{
		identity: ledger.Party{Name: name, PublicKey: w.PublicKey()},
		wallet:   w,
		vault:    vault,
		notary:   n,
		engine:   contract.NewEngine(),
		builder:  NewBuilder(vault),
		finality: NewFinalityCoordinator(n, vault, cfg.Concurrency, cfg.Logger),
		config:   cfg,
	}
}

// Identity 本方身份
func (i *Initiator) Identity() ledger.Party {
	return i.identity
}

// Run 运行一个协议实例
//
// sessions 为每个对手方的会话。成功返回已记录的最终交易（Committed），
// 否则返回 *types.FlowError（Failed）。签名收集完成之前 ctx 取消会中止实例；
// 之后不再响应取消，在 FinalityTimeout 内把公证进行到底。
func (i *Initiator) Run(ctx context.Context, req Request, sessions ...session.Session) (*ledger.FinalizedTransition, error) {
	flowID := uuid.NewString()
	logger := i.config.Logger
	tracker := NewTracker(flowID, RoleInitiator, i.config.Observers...)

	ctx, span := i.config.Tracer.Start(ctx, "flow.initiator",
		trace.WithAttributes(
			attribute.String("flow.id", flowID),
			attribute.String("flow.intent", string(req.Kind)),
			attribute.String("flow.input", req.Input.Key()),
		))
	defer span.End()

	proposalSent := false
	fail := func(err error) (*ledger.FinalizedTransition, error) {
		if proposalSent {
			i.abort(ctx, flowID, sessions, err)
		}
		_ = tracker.Fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, types.CodeOf(err))
		logger.Warn("flow failed", "flow", flowID, "role", RoleInitiator, "state", tracker.State(), "error", err)
		return nil, err
	}

	// 1. Building
	intent := ledger.Intent{Kind: req.Kind, Signers: SignersFor(req.Output)}
	proposal, err := i.builder.Build(req.Input, req.Output, intent, i.notary.Identity())
	if err != nil {
		return fail(err)
	}
	id := proposal.ID()
	span.SetAttributes(attribute.String("flow.tx", id.Hex()))
	logger.Debug("proposal built", "flow", flowID, "tx", id.Hex())

	// 2. Validating
	if err := tracker.Advance(StateValidating); err != nil {
		return fail(err)
	}
	if err := i.engine.Validate(proposal); err != nil {
		return fail(err)
	}
	counterparties, err := i.orderSessions(proposal, sessions)
	if err != nil {
		return fail(err)
	}

	// 3. Signing
	if err := tracker.Advance(StateSigning); err != nil {
		return fail(err)
	}
	raw, err := i.wallet.SignHash(id.Bytes())
	if err != nil {
		return fail(types.WrapFlowError(types.ErrorCodeCommonInternalError, "sign transaction", err))
	}
	stx, err := ledger.NewSignedTransition(proposal).WithSignature(ledger.TransactionSignature{Signer: i.identity.PublicKey, Signature: raw})
	if err != nil {
		return fail(types.WrapFlowError(types.ErrorCodeMalformedProposal, "add own signature", err))
	}

	proposalSent = true
	round := SigningRound{FlowID: flowID, Timeout: i.config.SessionTimeout, Logger: logger}
	stx, err = round.CollectSignatures(ctx, stx, counterparties)
	if err != nil {
		return fail(err)
	}

	// 4. Finalizing：签名已完整，脱离调用方取消
	if err := tracker.Advance(StateFinalizing); err != nil {
		return fail(err)
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.config.FinalityTimeout)
	defer cancel()
	ft, report, err := i.finality.Finalize(fctx, flowID, stx, counterparties)
	if err != nil {
		if ft != nil {
			// 已盖章并分发给对手方，不再发送 abort
			proposalSent = false
		}
		return fail(err)
	}
	if len(report.Failed) > 0 {
		span.SetAttributes(attribute.Int("flow.undelivered", len(report.Failed)))
	}

	// 5. Committed
	if err := tracker.Advance(StateCommitted); err != nil {
		return fail(err)
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("flow committed", "flow", flowID, "tx", id.Hex(), "sequence", ft.Seal.Sequence)
	return ft, nil
}

// orderSessions 为每个必须签名的对手方找到会话，按签名者顺序排列
func (i *Initiator) orderSessions(p *ledger.TransitionProposal, sessions []session.Session) ([]session.Session, error) {
	if !p.Intent.RequiresSigner(i.identity.PublicKey) {
		return nil, types.Errorf(types.ErrorCodeMalformedProposal, "%s is not a required signer", i.identity)
	}
	if len(p.Outputs) == 0 || len(p.Outputs[0].Participants) == 0 || !p.Outputs[0].Participants[0].Equal(i.identity) {
		return nil, types.Errorf(types.ErrorCodeMalformedProposal, "output is not proposed by %s", i.identity)
	}

	byKey := make(map[string]session.Session, len(sessions))
	for _, s := range sessions {
		key := string(s.Peer().PublicKey)
		if !p.Intent.RequiresSigner(s.Peer().PublicKey) || key == string(i.identity.PublicKey) {
			return nil, types.Errorf(types.ErrorCodeMalformedProposal, "session peer %s is not a counterparty", s.Peer())
		}
		byKey[key] = s
	}

	var ordered []session.Session
	for _, signer := range p.Intent.Signers {
		if string(signer) == string(i.identity.PublicKey) {
			continue
		}
		s, ok := byKey[string(signer)]
		if !ok {
			return nil, types.Errorf(types.ErrorCodeMalformedProposal, "no session for required signer 0x%x", signer)
		}
		ordered = append(ordered, s)
	}
	return ordered, nil
}

// abort 尽力通知对手方本实例已失败
func (i *Initiator) abort(ctx context.Context, flowID string, sessions []session.Session, reason error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	msg := &session.Message{Kind: session.KindAbort, FlowID: flowID, Reason: problemOf(reason)}
	for _, s := range sessions {
		if err := s.Send(actx, msg); err != nil {
			i.config.Logger.Debug("send abort failed", "flow", flowID, "peer", s.Peer().String(), "error", err)
		}
	}
}
