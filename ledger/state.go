// Package ledger 定义双边账本更新协议的数据模型：状态引用、状态载荷、意图、
// 提案、签名集合、已签名交易与已最终化交易。
//
// 所有参与内容哈希的结构都使用 RLP 编码后再取 Keccak256，保证发起方、响应方与
// 公证人对同一提案计算出相同的 ID。
package ledger

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/weisyn/ledger-flow-go/utils"
	"github.com/weisyn/ledger-flow-go/wallet"
)

// Hash 32 字节内容哈希（JSON 中为 0x 前缀的十六进制）
type Hash = common.Hash

// Party 参与方身份
type Party struct {
	Name      string `json:"name"`
	PublicKey []byte `json:"public_key"` // 33 字节压缩公钥
}

// Address 返回参与方的 20 字节地址
func (p Party) Address() []byte {
	return utils.PublicKeyToAddress(p.PublicKey)
}

// Equal 身份以公钥为准，名称仅用于展示
func (p Party) Equal(other Party) bool {
	return bytes.Equal(p.PublicKey, other.PublicKey)
}

// Validate 检查公钥是否为合法的压缩 secp256k1 公钥
func (p Party) Validate() error {
	if err := wallet.ValidatePublicKey(p.PublicKey); err != nil {
		return fmt.Errorf("party %q: %w", p.Name, err)
	}
	return nil
}

func (p Party) String() string {
	addr := utils.PublicKeyToBase58(p.PublicKey)
	if p.Name == "" {
		return addr
	}
	return p.Name + "(" + addr + ")"
}

// StateType 状态类型标签
type StateType string

const (
	StateTypeLenderBorrower  StateType = "LenderBorrowerState"
	StateTypeUserBankDetails StateType = "UserBankDetailsState"
)

// Attribute 状态属性（有序键值对，RLP 不支持 map）
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// StatePayload 交易输出的状态数据
//
// Participants 的顺序有意义：0 号位为发起方，1 号位为数据接收方（对手方）。
type StatePayload struct {
	Type         StateType   `json:"type"`
	Participants []Party     `json:"participants"`
	Attributes   []Attribute `json:"attributes,omitempty"`
}

// Hash 状态内容哈希
func (s StatePayload) Hash() Hash {
	return hashRLP(s)
}

// Attr 查找属性值
func (s StatePayload) Attr(key string) (string, bool) {
	for _, a := range s.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Clone 深拷贝，避免调用方持有内部切片
func (s StatePayload) Clone() StatePayload {
	out := StatePayload{Type: s.Type}
	if s.Participants != nil {
		out.Participants = make([]Party, len(s.Participants))
		for i, p := range s.Participants {
			out.Participants[i] = Party{Name: p.Name, PublicKey: common.CopyBytes(p.PublicKey)}
		}
	}
	if s.Attributes != nil {
		out.Attributes = append([]Attribute(nil), s.Attributes...)
	}
	return out
}

// StateRef 对已提交状态的引用
type StateRef struct {
	TxID        Hash   `json:"tx_id"`
	Index       uint32 `json:"index"`
	ContentHash Hash   `json:"content_hash"`
}

// Key 返回 "txid:index" 形式的唯一键
func (r StateRef) Key() string {
	return fmt.Sprintf("%s:%d", r.TxID.Hex(), r.Index)
}

func (r StateRef) String() string {
	return r.Key()
}

// ParseStateRefKey 解析 "txid:index" 形式的键（ContentHash 为空）
func ParseStateRefKey(key string) (StateRef, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 2 {
		return StateRef{}, fmt.Errorf("invalid state ref %q", key)
	}
	raw, err := hexutil.Decode(parts[0])
	if err != nil || len(raw) != common.HashLength {
		return StateRef{}, fmt.Errorf("invalid state ref tx id %q", parts[0])
	}
	var index uint32
	if _, err := fmt.Sscanf(parts[1], "%d", &index); err != nil {
		return StateRef{}, fmt.Errorf("invalid state ref index %q: %w", parts[1], err)
	}
	return StateRef{TxID: common.BytesToHash(raw), Index: index}, nil
}

// hashRLP RLP 编码后取 Keccak256
//
// 数据模型中的类型都可 RLP 编码，编码失败只可能是编程错误。
func hashRLP(v interface{}) Hash {
	enc, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic(fmt.Sprintf("ledger: rlp encode %T: %v", v, err))
	}
	return ethcrypto.Keccak256Hash(enc)
}
