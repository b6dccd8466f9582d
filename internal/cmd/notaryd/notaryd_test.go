package notaryd

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/ledger-flow-go/client"
	"github.com/weisyn/ledger-flow-go/config"
	"github.com/weisyn/ledger-flow-go/internal/ledgertest"
	"github.com/weisyn/ledger-flow-go/types"
	"github.com/weisyn/ledger-flow-go/utils"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return l
}

func TestParseFlags(t *testing.T) {
	path, err := ParseFlags(flag.NewFlagSet("notaryd", flag.ContinueOnError), nil)
	require.NoError(t, err)
	assert.Empty(t, path)

	path, err = ParseFlags(flag.NewFlagSet("notaryd", flag.ContinueOnError), []string{"-config", "notary.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "notary.yaml", path)
}

func TestServer_ServesHTTPAndGRPC(t *testing.T) {
	cfg := config.Default()
	cfg.Notary.Name = "TestNotary"
	cfg.Metrics.Listen = "unused"
	srv, err := NewServer(cfg, discard())
	require.NoError(t, err)
	assert.Equal(t, "TestNotary", srv.Identity().Name)

	lis := Listeners{HTTP: listen(t), GRPC: listen(t), Metrics: listen(t)}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, lis) }()

	a, b := ledgertest.NewIdentity(t, "A"), ledgertest.NewIdentity(t, "B")
	n := ledgertest.Identity{Party: srv.Identity()}
	input := ledgertest.Ref("R@v1")
	first := ledgertest.SignedLending(t, input, a, b, n, "1")

	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()

	httpClient, err := client.NewClient(&client.Config{Endpoint: "http://" + lis.HTTP.Addr().String(), Protocol: client.ProtocolHTTP, Timeout: 5})
	require.NoError(t, err)
	defer httpClient.Close()
	assert.True(t, httpClient.Identity().Equal(srv.Identity()))

	seal, err := httpClient.RequestSeal(rctx, first)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seal.Sequence)

	grpcClient, err := client.NewClient(&client.Config{Endpoint: lis.GRPC.Addr().String(), Protocol: client.ProtocolGRPC, Timeout: 5})
	require.NoError(t, err)
	defer grpcClient.Close()

	again, err := grpcClient.RequestSeal(rctx, first)
	require.NoError(t, err)
	assert.Equal(t, seal, again, "both transports share one notary")

	_, err = grpcClient.RequestSeal(rctx, ledgertest.SignedLending(t, input, a, b, n, "2"))
	assert.ErrorIs(t, err, types.ErrConflictingTransition)

	resp, err := http.Get("http://" + lis.Metrics.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `ledgerflow_notary_requests_total{code="CONFLICTING_TRANSITION"} 1`)
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_RequiresListener(t *testing.T) {
	srv, err := NewServer(config.Default(), discard())
	require.NoError(t, err)
	assert.Error(t, srv.Serve(context.Background(), Listeners{}))
}

func TestLoadWallet(t *testing.T) {
	dir := t.TempDir()

	ephemeral, err := loadWallet(config.NotaryConfig{KeystoreDir: dir}, discard())
	require.NoError(t, err)
	require.NotNil(t, ephemeral)

	created, err := loadWallet(config.NotaryConfig{KeystoreDir: dir, KeyPassword: "pw"}, discard())
	require.NoError(t, err)

	address, err := utils.AddressBytesToBase58(created.Address())
	require.NoError(t, err)
	loaded, err := loadWallet(config.NotaryConfig{KeystoreDir: dir, KeyAddress: address, KeyPassword: "pw"}, discard())
	require.NoError(t, err)
	assert.Equal(t, created.PublicKey(), loaded.PublicKey())

	_, err = loadWallet(config.NotaryConfig{KeystoreDir: dir, KeyAddress: address, KeyPassword: "wrong"}, discard())
	assert.ErrorContains(t, err, "load notary key")
}
