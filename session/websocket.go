package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weisyn/ledger-flow-go/ledger"
)

const (
	wsInboxSize        = 64
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

// wsSession 基于 WebSocket 连接的会话
type wsSession struct {
	id     string
	peer   ledger.Party
	conn   *websocket.Conn
	writeM sync.Mutex
	inbox  chan *Message
	closed chan struct{}
	once   sync.Once
}

func newWSSession(conn *websocket.Conn, peer ledger.Party) *wsSession {
	s := &wsSession{
		id:     uuid.New().String(),
		peer:   peer,
		conn:   conn,
		inbox:  make(chan *Message, wsInboxSize),
		closed: make(chan struct{}),
	}
	// 启动消息读取循环
	go s.readLoop()
	return s
}

// readLoop 消息读取循环；读取出错即视为对端断开
func (s *wsSession) readLoop() {
	defer s.shutdown()
	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case s.inbox <- &msg:
		case <-s.closed:
			return
		}
	}
}

func (s *wsSession) ID() string         { return s.id }
func (s *wsSession) Peer() ledger.Party { return s.peer }

func (s *wsSession) Send(ctx context.Context, msg *Message) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeM.Lock()
	defer s.writeM.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(msg); err != nil {
		s.shutdown()
		return fmt.Errorf("%w: write: %v", ErrClosed, err)
	}
	return nil
}

func (s *wsSession) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	return receive(ctx, s.inbox, s.closed, timeout)
}

func (s *wsSession) Close() error {
	s.writeM.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeM.Unlock()
	s.shutdown()
	return nil
}

func (s *wsSession) shutdown() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Dial 连接到对端的 WebSocket 端点，并以 local 身份完成握手
func Dial(ctx context.Context, endpoint string, local ledger.Party) (Session, error) {
	endpoint = toWebSocketURL(endpoint)

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	peer, err := handshake(conn, local)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newWSSession(conn, peer), nil
}

// Listener WebSocket 会话接入点，同时实现 http.Handler 与 Acceptor
type Listener struct {
	local    ledger.Party
	upgrader websocket.Upgrader
	accepted chan Session
	logger   func(msg string, args ...interface{})
}

// NewListener 以 local 身份接受会话
func NewListener(local ledger.Party) *Listener {
	return &Listener{
		local: local,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: wsHandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		accepted: make(chan Session, wsInboxSize),
	}
}

// OnError 设置握手失败时的回调（通常为 logger.Warn）
func (l *Listener) OnError(fn func(msg string, args ...interface{})) {
	l.logger = fn
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写入 HTTP 错误响应
		return
	}
	peer, err := handshake(conn, l.local)
	if err != nil {
		if l.logger != nil {
			l.logger("session handshake failed", "remote", r.RemoteAddr, "error", err)
		}
		conn.Close()
		return
	}

	s := newWSSession(conn, peer)
	select {
	case l.accepted <- s:
	case <-r.Context().Done():
		s.Close()
	}
}

// Accept 返回下一个已完成握手的会话
func (l *Listener) Accept(ctx context.Context) (Session, error) {
	select {
	case s := <-l.accepted:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handshake 双方各发送一条 hello 声明身份
func handshake(conn *websocket.Conn, local ledger.Party) (ledger.Party, error) {
	deadline := time.Now().Add(wsHandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(&Message{Kind: kindHello, From: &local}); err != nil {
		return ledger.Party{}, fmt.Errorf("send hello: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		return ledger.Party{}, fmt.Errorf("read hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if hello.Kind != kindHello || hello.From == nil {
		return ledger.Party{}, fmt.Errorf("expected hello, got %q", hello.Kind)
	}
	if err := hello.From.Validate(); err != nil {
		return ledger.Party{}, fmt.Errorf("peer identity: %w", err)
	}
	return *hello.From, nil
}

// toWebSocketURL 将 http:// 或 https:// 转换为 ws:// 或 wss://
func toWebSocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		return endpoint
	}
	return "ws://" + endpoint
}
