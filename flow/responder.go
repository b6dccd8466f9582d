package flow

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weisyn/ledger-flow-go/contract"
	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/session"
	"github.com/weisyn/ledger-flow-go/storage"
	"github.com/weisyn/ledger-flow-go/types"
	"github.com/weisyn/ledger-flow-go/wallet"
)

// Responder 响应方协议
type Responder struct {
	identity ledger.Party
	wallet   wallet.Wallet
	vault    storage.Vault
	engine   contract.Engine
	config   *Config
}

// NewResponder 创建响应方
func NewResponder(name string, w wallet.Wallet, vault storage.Vault, config *Config) *Responder {
	return &Responder{
		identity: ledger.Party{Name: name, PublicKey: w.PublicKey()},
		wallet:   w,
		vault:    vault,
		engine:   contract.NewEngine(),
		config:   config.withDefaults(),
	}
}

// WithEngine 替换校验引擎（业务服务在通用规则之外追加检查时使用）
func (r *Responder) WithEngine(engine contract.Engine) *Responder {
	cp := *r
	cp.engine = engine
	return &cp
}

// Identity 本方身份
func (r *Responder) Identity() ledger.Party {
	return r.identity
}

// Run 在一个会话上运行响应方实例
//
// 校验不通过时回复 reject 并以 Rejected 结束，不产生任何签名。
func (r *Responder) Run(ctx context.Context, sess session.Session) (*ledger.FinalizedTransition, error) {
	logger := r.config.Logger
	tracker := NewTracker(sess.ID(), RoleResponder, r.config.Observers...)

	ctx, span := r.config.Tracer.Start(ctx, "flow.responder",
		trace.WithAttributes(attribute.String("flow.peer", sess.Peer().String())))
	defer span.End()

	finish := func(err error, rejected bool) (*ledger.FinalizedTransition, error) {
		if rejected {
			_ = tracker.Reject(err)
		} else {
			_ = tracker.Fail(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, types.CodeOf(err))
		logger.Warn("flow failed", "flow", tracker.FlowID(), "role", RoleResponder, "state", tracker.State(), "error", err)
		return nil, err
	}

	// 1. AwaitingProposal
	round := SigningRound{FlowID: sess.ID(), Timeout: r.config.SessionTimeout, Logger: logger}
	stx, flowID, err := round.AwaitProposal(ctx, sess)
	tracker.BindFlowID(flowID)
	if err != nil {
		return finish(err, false)
	}
	round.FlowID = tracker.FlowID()
	id := stx.ID()
	span.SetAttributes(attribute.String("flow.id", round.FlowID), attribute.String("flow.tx", id.Hex()))

	// 2. Validating
	if err := tracker.Advance(StateValidating); err != nil {
		return finish(err, false)
	}
	if err := CheckProposal(stx, r.identity, sess.Peer(), r.engine, r.config.TrustedNotaries); err != nil {
		round.Decline(ctx, sess, err)
		return finish(err, true)
	}

	// 3. Signing
	if err := tracker.Advance(StateSigning); err != nil {
		return finish(err, false)
	}
	if _, err := round.Endorse(ctx, sess, stx, r.wallet); err != nil {
		return finish(err, false)
	}
	logger.Debug("proposal signed", "flow", round.FlowID, "tx", id.Hex())

	// 4. AwaitingFinality
	if err := tracker.Advance(StateAwaitingFinality); err != nil {
		return finish(err, false)
	}
	ft, err := ReceiveFinality(ctx, sess, id, r.vault, r.config.FinalityTimeout)
	if err != nil {
		return finish(err, false)
	}

	// 5. Committed
	if err := tracker.Advance(StateCommitted); err != nil {
		return finish(err, false)
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("flow committed", "flow", round.FlowID, "tx", id.Hex(), "sequence", ft.Seal.Sequence)
	return ft, nil
}

// ResultHandler 接收每个响应方实例的结果
type ResultHandler func(peer ledger.Party, ft *ledger.FinalizedTransition, err error)

// Serve 为每个接入的会话运行一个响应方实例，直到 ctx 结束或 Accept 失败
//
// 返回前等待所有进行中的实例结束。
func (r *Responder) Serve(ctx context.Context, acceptor session.Acceptor, handle ResultHandler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		sess, err := acceptor.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return ctx.Err()
			}
			return err
		}

		wg.Add(1)
		go func(sess session.Session) {
			defer wg.Done()
			defer sess.Close()
			ft, err := r.Run(ctx, sess)
			if handle != nil {
				handle(sess.Peer(), ft, err)
			}
		}(sess)
	}
}
