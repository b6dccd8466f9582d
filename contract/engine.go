// Package contract 实现状态迁移的校验规则（ValidationEngine）。
//
// 校验是纯函数：对同一提案，发起方与响应方得到相同结论。
// 规则按 Intent.Kind 分派，未知意图一律拒绝。
package contract

import (
	"bytes"
	"strconv"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/types"
)

// 业务属性键
const (
	AttrCompany       = "company"
	AttrAmount        = "amount"
	AttrAccountNumber = "accountNumber"
	AttrBankName      = "bankName"
)

// Engine 校验引擎接口
type Engine interface {
	// Validate 通过返回 nil，否则返回 VALIDATION_REJECTED 错误
	Validate(p *ledger.TransitionProposal) error
}

// EngineFunc 函数适配器
type EngineFunc func(p *ledger.TransitionProposal) error

func (f EngineFunc) Validate(p *ledger.TransitionProposal) error { return f(p) }

// Chain 依次运行多个引擎，第一个拒绝即返回
func Chain(engines ...Engine) Engine {
	return EngineFunc(func(p *ledger.TransitionProposal) error {
		for _, e := range engines {
			if err := e.Validate(p); err != nil {
				return err
			}
		}
		return nil
	})
}

type engine struct{}

// NewEngine 创建校验引擎
func NewEngine() Engine {
	return engine{}
}

// OutputTypeFor 返回意图对应的输出状态类型
func OutputTypeFor(kind ledger.IntentKind) (ledger.StateType, bool) {
	switch kind {
	case ledger.IntentLendingBorrower:
		return ledger.StateTypeLenderBorrower, true
	case ledger.IntentBankDetailsUpdate:
		return ledger.StateTypeUserBankDetails, true
	}
	return "", false
}

func (engine) Validate(p *ledger.TransitionProposal) error {
	if p == nil {
		return reject("proposal is nil")
	}

	expected, ok := OutputTypeFor(p.Intent.Kind)
	if !ok {
		return reject("unknown intent %q", p.Intent.Kind)
	}
	if err := checkTwoPartyUpdate(p, expected); err != nil {
		return err
	}

	out := p.Outputs[0]
	switch p.Intent.Kind {
	case ledger.IntentLendingBorrower:
		return checkLending(out)
	case ledger.IntentBankDetailsUpdate:
		return checkBankDetails(out)
	}
	return nil
}

// checkTwoPartyUpdate 两方更新规则：
// 至少一个输入且不重复、恰好一个输出、输出类型与意图一致、
// 恰好两个不同参与方、必须签名者集合等于参与方公钥集合。
func checkTwoPartyUpdate(p *ledger.TransitionProposal, expected ledger.StateType) error {
	if len(p.Inputs) == 0 {
		return reject("at least one input state is required")
	}
	seen := make(map[string]struct{}, len(p.Inputs))
	for _, in := range p.Inputs {
		if _, dup := seen[in.Key()]; dup {
			return reject("input %s is listed twice", in.Key())
		}
		seen[in.Key()] = struct{}{}
	}

	if len(p.Outputs) != 1 {
		return reject("exactly one output state is required, got %d", len(p.Outputs))
	}
	out := p.Outputs[0]
	if out.Type != expected {
		return reject("intent %s requires output of type %s, got %s", p.Intent.Kind, expected, out.Type)
	}

	if len(out.Participants) != 2 {
		return reject("output must name exactly two participants, got %d", len(out.Participants))
	}
	a, b := out.Participants[0], out.Participants[1]
	if a.Equal(b) {
		return reject("participants must be distinct")
	}

	if !sameKeySet(p.Intent.Signers, [][]byte{a.PublicKey, b.PublicKey}) {
		return reject("required signers must be exactly the two participants")
	}
	return nil
}

func checkLending(out ledger.StatePayload) error {
	if v, ok := out.Attr(AttrCompany); !ok || v == "" {
		return reject("lending proposal must name a company")
	}
	raw, ok := out.Attr(AttrAmount)
	if !ok {
		return reject("lending proposal must carry an amount")
	}
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || amount == 0 {
		return reject("lending amount must be a positive integer, got %q", raw)
	}
	return nil
}

func checkBankDetails(out ledger.StatePayload) error {
	for _, key := range []string{AttrAccountNumber, AttrBankName} {
		if v, ok := out.Attr(key); !ok || v == "" {
			return reject("bank details update must carry %s", key)
		}
	}
	return nil
}

func sameKeySet(a, b [][]byte) bool {
	return containsAll(a, b) && containsAll(b, a)
}

func containsAll(set, members [][]byte) bool {
	for _, m := range members {
		found := false
		for _, s := range set {
			if bytes.Equal(s, m) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func reject(format string, args ...interface{}) error {
	return types.Errorf(types.ErrorCodeValidationRejected, format, args...)
}
