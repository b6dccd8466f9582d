package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weisyn/ledger-flow-go/ledger"
)

const pipeBuffer = 16

// pipeEnd 内存会话的一端
//
// 消息在发送时经过 JSON 编解码，接收方拿到的是独立副本，行为与网络传输一致。
type pipeEnd struct {
	id   string
	peer ledger.Party
	in   chan *Message
	out  chan *Message
	done chan struct{}
	once *sync.Once
}

// NewPipe 创建一对互联的内存会话：a 端的对端是 partyB，b 端的对端是 partyA
func NewPipe(partyA, partyB ledger.Party) (Session, Session) {
	id := uuid.New().String()
	ab := make(chan *Message, pipeBuffer)
	ba := make(chan *Message, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{id: id, peer: partyB, in: ba, out: ab, done: done, once: once}
	b := &pipeEnd{id: id, peer: partyA, in: ab, out: ba, done: done, once: once}
	return a, b
}

func (p *pipeEnd) ID() string         { return p.id }
func (p *pipeEnd) Peer() ledger.Party { return p.peer }

func (p *pipeEnd) Send(ctx context.Context, msg *Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	cp, err := copyMessage(msg)
	if err != nil {
		return err
	}

	select {
	case p.out <- cp:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	return receive(ctx, p.in, p.done, timeout)
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func copyMessage(msg *Message) (*Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &out, nil
}

// MemoryNetwork 进程内会话网络，按参与方公钥路由
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
}

// NewMemoryNetwork 创建内存网络
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*memoryListener)}
}

type memoryListener struct {
	accepted chan Session
}

func (l *memoryListener) Accept(ctx context.Context) (Session, error) {
	select {
	case s := <-l.accepted:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listen 以 party 身份监听会话
func (n *MemoryNetwork) Listen(party ledger.Party) Acceptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := string(party.PublicKey)
	l, ok := n.listeners[key]
	if !ok {
		l = &memoryListener{accepted: make(chan Session, pipeBuffer)}
		n.listeners[key] = l
	}
	return l
}

// Dial 以 from 身份向 to 发起会话
func (n *MemoryNetwork) Dial(ctx context.Context, from, to ledger.Party) (Session, error) {
	n.mu.Lock()
	l, ok := n.listeners[string(to.PublicKey)]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no listener for %s", to)
	}

	local, remote := NewPipe(from, to)
	select {
	case l.accepted <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
