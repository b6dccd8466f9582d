package flow

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/storage"
	"github.com/weisyn/ledger-flow-go/types"
)

// Builder 从本地账本视图组装提案
//
// 只做组装与本地检查，不访问网络，不签名。
type Builder struct {
	vault storage.Vault
}

// NewBuilder 创建提案构建器
func NewBuilder(vault storage.Vault) *Builder {
	return &Builder{vault: vault}
}

// Build 组装提案
//
// **检查**：
//   - 输入必须存在于本地 Vault 且内容哈希一致（MALFORMED_PROPOSAL）
//   - 输入在本地视图中未被消费（CONFLICTING_TRANSITION）
//   - 输出格式合法（MALFORMED_PROPOSAL）
//   - 公证人公钥合法（MALFORMED_PROPOSAL）
func (b *Builder) Build(input ledger.StateRef, output ledger.StatePayload, intent ledger.Intent, notary ledger.Party) (*ledger.TransitionProposal, error) {
	stored, err := b.vault.Get(input)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.Errorf(types.ErrorCodeMalformedProposal, "input %s is not in the local ledger", input.Key())
		}
		return nil, types.WrapFlowError(types.ErrorCodeMalformedProposal, "read input "+input.Key(), err)
	}
	if stored.Hash() != input.ContentHash {
		return nil, types.Errorf(types.ErrorCodeMalformedProposal, "input %s content hash mismatch", input.Key())
	}
	if b.vault.IsConsumed(input) {
		fe := types.Errorf(types.ErrorCodeConflictingTransition, "input %s already consumed in the local ledger", input.Key())
		fe.Details["input"] = input.Key()
		return nil, fe
	}

	if err := checkPayload(output); err != nil {
		return nil, err
	}
	if err := notary.Validate(); err != nil {
		return nil, types.WrapFlowError(types.ErrorCodeMalformedProposal, "invalid notary", err)
	}
	if intent.Kind == "" {
		return nil, types.Errorf(types.ErrorCodeMalformedProposal, "intent kind is required")
	}

	p := &ledger.TransitionProposal{
		Inputs:  []ledger.StateRef{input},
		Outputs: []ledger.StatePayload{output},
		Intent:  intent,
		Notary:  notary,
	}
	return p.Clone(), nil
}

// SignersFor 输出参与方的公钥即必须签名者
func SignersFor(payload ledger.StatePayload) [][]byte {
	signers := make([][]byte, 0, len(payload.Participants))
	for _, p := range payload.Participants {
		signers = append(signers, common.CopyBytes(p.PublicKey))
	}
	return signers
}

func checkPayload(out ledger.StatePayload) error {
	if out.Type == "" {
		return types.Errorf(types.ErrorCodeMalformedProposal, "output type is required")
	}
	if len(out.Participants) == 0 {
		return types.Errorf(types.ErrorCodeMalformedProposal, "output has no participants")
	}
	for _, p := range out.Participants {
		if err := p.Validate(); err != nil {
			return types.WrapFlowError(types.ErrorCodeMalformedProposal, "invalid participant", err)
		}
	}
	seen := make(map[string]struct{}, len(out.Attributes))
	for _, a := range out.Attributes {
		if a.Key == "" {
			return types.Errorf(types.ErrorCodeMalformedProposal, "attribute key is empty")
		}
		if _, dup := seen[a.Key]; dup {
			return types.Errorf(types.ErrorCodeMalformedProposal, "duplicate attribute %q", a.Key)
		}
		seen[a.Key] = struct{}{}
	}
	return nil
}
