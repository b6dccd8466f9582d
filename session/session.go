// Package session 定义双方之间有序、可靠的会话抽象，以及内存与 WebSocket 两种实现。
package session

import (
	"context"
	"errors"
	"time"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/types"
)

var (
	// ErrTimeout 在指定时间内未收到消息
	ErrTimeout = errors.New("session receive timed out")
	// ErrClosed 会话已关闭（本端关闭或对端断开）
	ErrClosed = errors.New("session closed")
)

// MessageKind 消息类型
type MessageKind string

const (
	KindProposal  MessageKind = "proposal"
	KindSignature MessageKind = "signature"
	KindReject    MessageKind = "reject"
	KindFinalized MessageKind = "finalized"
	KindAbort     MessageKind = "abort"

	kindHello MessageKind = "hello"
)

// Message 会话消息
type Message struct {
	Kind   MessageKind `json:"kind"`
	FlowID string      `json:"flow_id,omitempty"`

	// proposal：已部分签名的交易
	Transaction *ledger.SignedTransition `json:"transaction,omitempty"`
	// signature：对手方签名
	Signature *ledger.TransactionSignature `json:"signature,omitempty"`
	// finalized：已公证交易
	Finalized *ledger.FinalizedTransition `json:"finalized,omitempty"`
	// reject / abort：原因
	Reason *types.ProblemDetails `json:"reason,omitempty"`

	// hello：握手时声明的身份
	From *ledger.Party `json:"from,omitempty"`
}

// Session 与单个对手方的会话
type Session interface {
	// ID 会话 ID
	ID() string

	// Peer 对端声明的身份
	Peer() ledger.Party

	// Send 发送消息；会话关闭后返回 ErrClosed
	Send(ctx context.Context, msg *Message) error

	// Receive 阻塞等待下一条消息
	//
	// timeout <= 0 表示只受 ctx 约束。超时返回 ErrTimeout，会话关闭返回 ErrClosed。
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)

	// Close 关闭会话，可重复调用
	Close() error
}

// Acceptor 接受对端发起的会话
type Acceptor interface {
	Accept(ctx context.Context) (Session, error)
}

// receive Pipe 与 WebSocket 共用的接收逻辑：关闭前已到达的消息仍按序交付
func receive(ctx context.Context, inbox <-chan *Message, closed <-chan struct{}, timeout time.Duration) (*Message, error) {
	select {
	case m := <-inbox:
		return m, nil
	default:
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case m := <-inbox:
		return m, nil
	case <-closed:
		select {
		case m := <-inbox:
			return m, nil
		default:
		}
		return nil, ErrClosed
	case <-timer:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
