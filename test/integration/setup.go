// Package integration 端到端测试工具：进程内 notaryd + WebSocket 会话节点。
package integration

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weisyn/ledger-flow-go/client"
	"github.com/weisyn/ledger-flow-go/config"
	"github.com/weisyn/ledger-flow-go/flow"
	"github.com/weisyn/ledger-flow-go/internal/cmd/notaryd"
	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/notary"
	"github.com/weisyn/ledger-flow-go/services/lending"
	"github.com/weisyn/ledger-flow-go/session"
	"github.com/weisyn/ledger-flow-go/storage"
	"github.com/weisyn/ledger-flow-go/wallet"
)

// DefaultTimeout 单个测试的总时限
const DefaultTimeout = 30 * time.Second

// NotaryServer 进程内运行的 notaryd
type NotaryServer struct {
	HTTPEndpoint string
	GRPCEndpoint string
	Identity     ledger.Party
}

// StartNotary 在本地随机端口启动 notaryd，测试结束时关闭
func StartNotary(t *testing.T) *NotaryServer {
	t.Helper()
	srv, err := notaryd.NewServer(config.Default(), quietLogger())
	require.NoError(t, err, "创建公证人失败")

	lis := notaryd.Listeners{HTTP: listenLocal(t), GRPC: listenLocal(t)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &NotaryServer{
		HTTPEndpoint: "http://" + lis.HTTP.Addr().String(),
		GRPCEndpoint: lis.GRPC.Addr().String(),
		Identity:     srv.Identity(),
	}
}

// SetupTestClient 创建连接到公证人的客户端，并确认身份一致
func SetupTestClient(t *testing.T, n *NotaryServer, protocol client.Protocol) client.Client {
	t.Helper()
	endpoint := n.HTTPEndpoint
	if protocol == client.ProtocolGRPC {
		endpoint = n.GRPCEndpoint
	}
	retry := client.DefaultRetryConfig()
	retry.InitialDelay = 10
	c, err := client.NewClient(&client.Config{Endpoint: endpoint, Protocol: protocol, Timeout: 5, Retry: retry})
	require.NoError(t, err, "创建客户端失败")
	require.True(t, c.Identity().Equal(n.Identity), "公证人身份不一致")
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Logf("关闭客户端时出现警告: %v", err)
		}
	})
	return c
}

// Node 一个参与方：钱包、本地账本、借贷服务与 WebSocket 接入点
type Node struct {
	Party    ledger.Party
	Vault    *storage.MemoryVault
	Service  lending.Service
	Listener *session.Listener
	Endpoint string
}

// NewNode 创建参与方并在本地启动其 WebSocket 接入点
func NewNode(t *testing.T, name string, n notary.Notary, observers ...flow.Observer) *Node {
	t.Helper()
	w, err := wallet.NewWallet()
	require.NoError(t, err, "创建测试钱包失败")

	party := ledger.Party{Name: name, PublicKey: w.PublicKey()}
	vault := storage.NewMemoryVault()
	listener := session.NewListener(party)
	srv := httptest.NewServer(listener)
	t.Cleanup(srv.Close)

	cfg := &flow.Config{
		SessionTimeout:  5 * time.Second,
		FinalityTimeout: 10 * time.Second,
		TrustedNotaries: []ledger.Party{n.Identity()},
		Observers:       observers,
		Logger:          quietLogger(),
	}
	return &Node{
		Party:    party,
		Vault:    vault,
		Service:  lending.NewService(name, w, vault, n, cfg),
		Listener: listener,
		Endpoint: srv.URL,
	}
}

// Dial 以本节点身份连接 peer
func (n *Node) Dial(t *testing.T, peer *Node) session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := session.Dial(ctx, peer.Endpoint, n.Party)
	require.NoError(t, err, "建立会话失败")
	require.True(t, sess.Peer().Equal(peer.Party))
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// Accept 等待下一个接入的会话
func (n *Node) Accept(t *testing.T) session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := n.Listener.Accept(ctx)
	require.NoError(t, err, "等待会话失败")
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return l
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
