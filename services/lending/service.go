// Package lending 借贷业务服务
//
// 在通用双边协议之上提供两类业务更新：
//   - 借贷关系更新（LendingBorrower → LenderBorrowerState）
//   - 用户银行信息更新（BankDetailsUpdate → UserBankDetailsState）
//
// 本方始终是输出状态的 participants[0]，对手方是 participants[1]，
// 双方公钥都是必须签名者。
package lending

import (
	"context"
	"strconv"

	"github.com/weisyn/ledger-flow-go/contract"
	"github.com/weisyn/ledger-flow-go/flow"
	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/notary"
	"github.com/weisyn/ledger-flow-go/session"
	"github.com/weisyn/ledger-flow-go/storage"
	"github.com/weisyn/ledger-flow-go/types"
	"github.com/weisyn/ledger-flow-go/wallet"
)

// Service 借贷业务服务接口
type Service interface {
	// Lend 发起借贷关系更新，sess 为与借款方的会话
	Lend(ctx context.Context, req *LendRequest, sess session.Session) (*Result, error)

	// UpdateBankDetails 发起银行信息更新，sess 为与对手方的会话
	UpdateBankDetails(ctx context.Context, req *BankDetailsRequest, sess session.Session) (*Result, error)

	// AcceptLending 作为对手方处理一次借贷更新
	AcceptLending(ctx context.Context, sess session.Session) (*Result, error)

	// AcceptBankDetails 作为对手方处理一次银行信息更新
	AcceptBankDetails(ctx context.Context, sess session.Session) (*Result, error)

	// ServeBankDetails 持续接受银行信息更新，直到 ctx 结束
	ServeBankDetails(ctx context.Context, acceptor session.Acceptor, handle flow.ResultHandler) error

	// Loans 本地未消费的借贷状态（不需要网络）
	Loans() []storage.StateAndRef

	// BankDetails 本地未消费的银行信息状态（不需要网络）
	BankDetails() []storage.StateAndRef
}

// LendRequest 借贷更新请求
type LendRequest struct {
	Input    ledger.StateRef // 被更新的状态
	Borrower ledger.Party    // 对手方
	Company  string
	Amount   uint64
}

// BankDetailsRequest 银行信息更新请求
type BankDetailsRequest struct {
	Input         ledger.StateRef
	Counterparty  ledger.Party
	AccountNumber string
	BankName      string
}

// Result 业务结果
type Result struct {
	TxHash   string
	Sequence uint64
	Outputs  []ledger.StateRef
	Success  bool
}

type lendingService struct {
	identity  ledger.Party
	vault     storage.Vault
	initiator *flow.Initiator
	lender    *flow.Responder
	bank      *flow.Responder
}

// NewService 创建借贷服务
//
// n 可以是进程内公证人，也可以是 client.Client（远程公证人）。
// config 未指定 TrustedNotaries 时，响应方只接受 n 的身份。
func NewService(name string, w wallet.Wallet, vault storage.Vault, n notary.Notary, config *flow.Config) Service {
	config = trustNotary(config, n)
	responder := flow.NewResponder(name, w, vault, config)
	return &lendingService{
		identity:  responder.Identity(),
		vault:     vault,
		initiator: flow.NewInitiator(name, w, vault, n, config),
		lender:    responder.WithEngine(contract.Chain(ExpectOutput(ledger.StateTypeLenderBorrower), contract.NewEngine())),
		bank:      responder.WithEngine(contract.Chain(ExpectOutput(ledger.StateTypeUserBankDetails), contract.NewEngine())),
	}
}

func trustNotary(config *flow.Config, n notary.Notary) *flow.Config {
	var cp flow.Config
	if config != nil {
		cp = *config
	}
	if len(cp.TrustedNotaries) == 0 {
		cp.TrustedNotaries = []ledger.Party{n.Identity()}
	}
	return &cp
}

func (s *lendingService) Lend(ctx context.Context, req *LendRequest, sess session.Session) (*Result, error) {
	if req == nil {
		return nil, types.NewFlowError(types.ErrorCodeMalformedProposal, "lend request is required")
	}
	if req.Amount == 0 {
		return nil, types.NewFlowError(types.ErrorCodeMalformedProposal, "amount must be positive")
	}
	out := ledger.StatePayload{
		Type:         ledger.StateTypeLenderBorrower,
		Participants: []ledger.Party{s.identity, req.Borrower},
		Attributes: []ledger.Attribute{
			{Key: "company", Value: req.Company},
			{Key: "amount", Value: strconv.FormatUint(req.Amount, 10)},
		},
	}
	return s.run(ctx, flow.Request{Input: req.Input, Output: out, Kind: ledger.IntentLendingBorrower}, sess)
}

func (s *lendingService) UpdateBankDetails(ctx context.Context, req *BankDetailsRequest, sess session.Session) (*Result, error) {
	if req == nil {
		return nil, types.NewFlowError(types.ErrorCodeMalformedProposal, "bank details request is required")
	}
	out := ledger.StatePayload{
		Type:         ledger.StateTypeUserBankDetails,
		Participants: []ledger.Party{s.identity, req.Counterparty},
		Attributes: []ledger.Attribute{
			{Key: "accountNumber", Value: req.AccountNumber},
			{Key: "bankName", Value: req.BankName},
		},
	}
	return s.run(ctx, flow.Request{Input: req.Input, Output: out, Kind: ledger.IntentBankDetailsUpdate}, sess)
}

func (s *lendingService) run(ctx context.Context, req flow.Request, sess session.Session) (*Result, error) {
	ft, err := s.initiator.Run(ctx, req, sess)
	if err != nil {
		return nil, err
	}
	return resultOf(ft), nil
}

func (s *lendingService) AcceptLending(ctx context.Context, sess session.Session) (*Result, error) {
	ft, err := s.lender.Run(ctx, sess)
	if err != nil {
		return nil, err
	}
	return resultOf(ft), nil
}

func (s *lendingService) AcceptBankDetails(ctx context.Context, sess session.Session) (*Result, error) {
	ft, err := s.bank.Run(ctx, sess)
	if err != nil {
		return nil, err
	}
	return resultOf(ft), nil
}

func (s *lendingService) ServeBankDetails(ctx context.Context, acceptor session.Acceptor, handle flow.ResultHandler) error {
	return s.bank.Serve(ctx, acceptor, handle)
}

func (s *lendingService) Loans() []storage.StateAndRef {
	return s.vault.Unconsumed(ledger.StateTypeLenderBorrower)
}

func (s *lendingService) BankDetails() []storage.StateAndRef {
	return s.vault.Unconsumed(ledger.StateTypeUserBankDetails)
}

// ExpectOutput 要求 outputs[0] 为指定状态类型
//
// 对手方只为自己预期的业务签名，即使提案本身满足通用规则。
func ExpectOutput(typ ledger.StateType) contract.Engine {
	return contract.EngineFunc(func(p *ledger.TransitionProposal) error {
		if len(p.Outputs) == 0 {
			return types.NewFlowError(types.ErrorCodeValidationRejected, "proposal has no output")
		}
		if got := p.Outputs[0].Type; got != typ {
			return types.Errorf(types.ErrorCodeValidationRejected, "this must be a %s transaction, got %s", typ, got)
		}
		return nil
	})
}

func resultOf(ft *ledger.FinalizedTransition) *Result {
	return &Result{
		TxHash:   ft.ID().Hex(),
		Sequence: ft.Seal.Sequence,
		Outputs:  ft.OutputRefs(),
		Success:  true,
	}
}
