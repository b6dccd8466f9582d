package flow

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Role 协议角色
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// State 协议实例状态
type State string

const (
	// 发起方
	StateBuilding   State = "Building"
	StateValidating State = "Validating"
	StateSigning    State = "Signing"
	StateFinalizing State = "Finalizing"

	// 响应方
	StateAwaitingProposal State = "AwaitingProposal"
	StateAwaitingFinality State = "AwaitingFinality"

	// 终态
	StateCommitted State = "Committed"
	StateRejected  State = "Rejected"
	StateFailed    State = "Failed"
)

var stateDescriptions = map[State]string{
	StateBuilding:         "Generating transaction based on new proposal.",
	StateValidating:       "Verifying contract constraints.",
	StateSigning:          "Signing transaction and gathering the counterparty's signature.",
	StateFinalizing:       "Obtaining notary signature and recording transaction.",
	StateAwaitingProposal: "Waiting for the counterparty's proposal.",
	StateAwaitingFinality: "Waiting for the finalized transaction.",
	StateCommitted:        "Transaction recorded.",
	StateRejected:         "Proposal rejected.",
	StateFailed:           "Flow failed.",
}

// Description 进度步骤的可读描述
func (s State) Description() string {
	if d, ok := stateDescriptions[s]; ok {
		return d
	}
	return string(s)
}

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRejected || s == StateFailed
}

// 合法迁移表；Failed 可从任意非终态进入，不在表中列出
var transitions = map[Role]map[State][]State{
	RoleInitiator: {
		StateBuilding:   {StateValidating},
		StateValidating: {StateSigning},
		StateSigning:    {StateFinalizing},
		StateFinalizing: {StateCommitted},
	},
	RoleResponder: {
		StateAwaitingProposal: {StateValidating},
		StateValidating:       {StateSigning, StateRejected},
		StateSigning:          {StateAwaitingFinality},
		StateAwaitingFinality: {StateCommitted},
	},
}

// InitialState 角色的初始状态
func InitialState(role Role) State {
	if role == RoleResponder {
		return StateAwaitingProposal
	}
	return StateBuilding
}

// ErrIllegalTransition 非法状态迁移
var ErrIllegalTransition = errors.New("illegal state transition")

// ProgressEvent 每次状态迁移产生的事件
type ProgressEvent struct {
	FlowID string
	Role   Role
	From   State
	To     State
	// Reason 进入 Failed / Rejected 的原因
	Reason error
	At     time.Time
}

// Observer 进度事件观察者
type Observer interface {
	OnProgress(ev ProgressEvent)
}

// ObserverFunc 函数适配器
type ObserverFunc func(ev ProgressEvent)

func (f ObserverFunc) OnProgress(ev ProgressEvent) { f(ev) }

// Tracker 单个协议实例的状态机
//
// 每个实例独占一个 Tracker；事件在状态更新之后按注册顺序同步通知观察者。
type Tracker struct {
	mu        sync.Mutex
	flowID    string
	role      Role
	state     State
	reason    error
	history   []ProgressEvent
	observers []Observer
	now       func() time.Time
}

// NewTracker 创建状态机，初始状态由角色决定
func NewTracker(flowID string, role Role, observers ...Observer) *Tracker {
	return &Tracker{
		flowID:    flowID,
		role:      role,
		state:     InitialState(role),
		observers: observers,
		now:       time.Now,
	}
}

// FlowID 实例 ID
func (t *Tracker) FlowID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flowID
}

// BindFlowID 响应方收到提案后采用发起方的实例 ID
func (t *Tracker) BindFlowID(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.flowID = id
	t.mu.Unlock()
}

// State 当前状态
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reason 终态原因（Committed 时为 nil）
func (t *Tracker) Reason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// History 已发生的全部事件
func (t *Tracker) History() []ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ProgressEvent(nil), t.history...)
}

// Advance 迁移到下一个非失败状态
func (t *Tracker) Advance(to State) error {
	if to == StateFailed {
		return fmt.Errorf("%w: use Fail to enter %s", ErrIllegalTransition, to)
	}
	return t.move(to, nil)
}

// Fail 进入 Failed
func (t *Tracker) Fail(reason error) error {
	return t.move(StateFailed, reason)
}

// Reject 进入 Rejected（仅响应方）
func (t *Tracker) Reject(reason error) error {
	return t.move(StateRejected, reason)
}

func (t *Tracker) move(to State, reason error) error {
	t.mu.Lock()
	from := t.state
	if !t.allowed(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, t.role, from, to)
	}
	ev := ProgressEvent{FlowID: t.flowID, Role: t.role, From: from, To: to, Reason: reason, At: t.now()}
	t.state = to
	t.reason = reason
	t.history = append(t.history, ev)
	observers := t.observers
	t.mu.Unlock()

	for _, o := range observers {
		o.OnProgress(ev)
	}
	return nil
}

func (t *Tracker) allowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[t.role][from] {
		if next == to {
			return true
		}
	}
	return false
}
