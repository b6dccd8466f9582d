package notary

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/weisyn/ledger-flow-go/internal/ledgertest"
	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/types"
)

type rpcResult struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      uint64          `json:"id"`
}

func postRPC(t *testing.T, url string, method string, params ...interface{}) (int, *rpcResult) {
	t.Helper()
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		data, err := json.Marshal(p)
		require.NoError(t, err)
		raw[i] = data
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: "2.0", Method: method, Params: raw, ID: 7})
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rpcResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, &out
}

func TestHTTPHandler_RequestSeal(t *testing.T) {
	f := newNotaryFixture(t)
	srv := httptest.NewServer(NewHTTPHandler(f.notary, &HTTPConfig{}))
	defer srv.Close()

	input := ledgertest.Ref("R@v1")
	stx := f.signed(t, input, "100")

	code, res := postRPC(t, srv.URL, MethodRequestSeal, stx)
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, res.Error)
	assert.Equal(t, uint64(7), res.ID)

	var seal ledger.NotarySeal
	require.NoError(t, json.Unmarshal(res.Result, &seal))
	assert.Equal(t, stx.ID(), seal.TxID)
	require.NoError(t, seal.Verify())

	t.Run("conflict carries problem details", func(t *testing.T) {
		_, res := postRPC(t, srv.URL, MethodRequestSeal, f.signed(t, input, "200"))
		require.NotNil(t, res.Error)
		assert.Equal(t, rpcCodeApplication, res.Error.Code)
		require.NotNil(t, res.Error.Data)
		assert.Equal(t, types.ErrorCodeConflictingTransition, res.Error.Data.Code)
		assert.Equal(t, types.LayerNotary, res.Error.Data.Layer)
		require.NotNil(t, res.Error.Data.Status)
		assert.Equal(t, http.StatusConflict, *res.Error.Data.Status)
		assert.NotEmpty(t, res.Error.Data.TraceID)
	})

	t.Run("identity", func(t *testing.T) {
		_, res := postRPC(t, srv.URL, MethodIdentity)
		require.Nil(t, res.Error)
		var party ledger.Party
		require.NoError(t, json.Unmarshal(res.Result, &party))
		assert.True(t, party.Equal(f.n.Party))
	})

	t.Run("unknown method", func(t *testing.T) {
		_, res := postRPC(t, srv.URL, "notary_nope")
		require.NotNil(t, res.Error)
		assert.Equal(t, rpcCodeMethodNotFound, res.Error.Code)
	})

	t.Run("missing params", func(t *testing.T) {
		_, res := postRPC(t, srv.URL, MethodRequestSeal)
		require.NotNil(t, res.Error)
		assert.Equal(t, rpcCodeInvalidParams, res.Error.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		resp, err := http.Post(srv.URL, "application/json", bytes.NewReader([]byte("{")))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out rpcResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		require.NotNil(t, out.Error)
		assert.Equal(t, rpcCodeParseError, out.Error.Code)
	})

	t.Run("GET not allowed", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestHTTPHandler_RateLimit(t *testing.T) {
	f := newNotaryFixture(t)
	handler := NewHTTPHandler(f.notary, &HTTPConfig{RateLimitRPS: 1, RateLimitBurst: 2})
	var clock atomic.Int64
	clock.Store(time.Unix(1700000000, 0).UnixNano())
	handler.now = func() time.Time { return time.Unix(0, clock.Load()) }
	srv := httptest.NewServer(handler)
	defer srv.Close()

	for i := 0; i < 2; i++ {
		code, res := postRPC(t, srv.URL, MethodIdentity)
		require.Equal(t, http.StatusOK, code)
		require.Nil(t, res.Error)
	}

	code, res := postRPC(t, srv.URL, MethodIdentity)
	assert.Equal(t, http.StatusTooManyRequests, code)
	require.NotNil(t, res.Error)
	require.NotNil(t, res.Error.Data)
	assert.Equal(t, types.ErrorCodeCommonServiceUnavailable, res.Error.Data.Code)

	clock.Add(int64(2 * time.Second))
	code, _ = postRPC(t, srv.URL, MethodIdentity)
	assert.Equal(t, http.StatusOK, code, "tokens refill over time")
}

func TestHTTPHandler_BodyLimit(t *testing.T) {
	f := newNotaryFixture(t)
	srv := httptest.NewServer(NewHTTPHandler(f.notary, &HTTPConfig{MaxBodyBytes: 64}))
	defer srv.Close()

	code, res := postRPC(t, srv.URL, MethodRequestSeal, f.signed(t, ledgertest.Ref("x"), "1"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	require.NotNil(t, res.Error)
	assert.Equal(t, uint64(0), f.notary.Height())
}

func startGRPC(t *testing.T, n Notary) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(NewGRPCServerOptions()...)
	RegisterGRPC(server, n, nil)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_RequestSeal(t *testing.T) {
	f := newNotaryFixture(t)
	conn := startGRPC(t, f.notary)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	input := ledgertest.Ref("R@v1")
	stx := f.signed(t, input, "100")

	var resp SealResponse
	require.NoError(t, conn.Invoke(ctx, GRPCMethodRequestSeal, &SealRequest{Transaction: stx}, &resp))
	require.NotNil(t, resp.Seal)
	assert.Equal(t, stx.ID(), resp.Seal.TxID)
	require.NoError(t, resp.Seal.Verify())

	var trailer metadata.MD
	err := conn.Invoke(ctx, GRPCMethodRequestSeal, &SealRequest{Transaction: f.signed(t, input, "200")}, &resp, grpc.Trailer(&trailer))
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	values := trailer.Get(ProblemDetailsTrailer)
	require.Len(t, values, 1)
	var pd types.ProblemDetails
	require.NoError(t, json.Unmarshal([]byte(values[0]), &pd))
	assert.Equal(t, types.ErrorCodeConflictingTransition, pd.Code)

	var id IdentityResponse
	require.NoError(t, conn.Invoke(ctx, GRPCMethodIdentity, &IdentityRequest{}, &id))
	assert.True(t, id.Notary.Equal(f.n.Party))

	err = conn.Invoke(ctx, GRPCMethodRequestSeal, &SealRequest{}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
