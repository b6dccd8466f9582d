package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/ledger-flow-go/internal/ledgertest"
	"github.com/weisyn/ledger-flow-go/notary"
	"github.com/weisyn/ledger-flow-go/types"
)

type clientFixture struct {
	a, b, n ledgertest.Identity
	notary  *notary.Uniqueness
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()
	n := ledgertest.NewIdentity(t, "Notary")
	return &clientFixture{
		a:      ledgertest.NewIdentity(t, "A"),
		b:      ledgertest.NewIdentity(t, "B"),
		n:      n,
		notary: notary.NewUniqueness(n.Wallet, &notary.Config{Name: "Notary"}),
	}
}

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 3, InitialDelay: 1, MaxDelay: 5, BackoffMultiplier: 2}
}

func TestHTTPClient_RequestSeal(t *testing.T) {
	f := newClientFixture(t)
	srv := httptest.NewServer(notary.NewHTTPHandler(f.notary, &notary.HTTPConfig{}))
	defer srv.Close()

	c, err := NewClient(&Config{Endpoint: srv.URL, Protocol: ProtocolHTTP, Timeout: 5})
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.Identity().Equal(f.n.Party), "identity is fetched at construction")

	input := ledgertest.Ref("R@v1")
	stx := ledgertest.SignedLending(t, input, f.a, f.b, f.n, "100")
	seal, err := c.RequestSeal(ctx(t), stx)
	require.NoError(t, err)
	assert.Equal(t, stx.ID(), seal.TxID)
	require.NoError(t, seal.Verify())

	t.Run("conflict maps to FlowError", func(t *testing.T) {
		_, err := c.RequestSeal(ctx(t), ledgertest.SignedLending(t, input, f.a, f.b, f.n, "200"))
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrConflictingTransition)

		fe, ok := types.AsFlowError(err)
		require.True(t, ok)
		assert.Equal(t, types.LayerNotary, fe.Layer)
		assert.Equal(t, stx.ID().Hex(), fe.Details["consumedBy"])
		assert.NotEmpty(t, fe.TraceID)
		require.NotNil(t, fe.Status)
		assert.Equal(t, http.StatusConflict, *fe.Status)
	})

	t.Run("nil transaction", func(t *testing.T) {
		_, err := c.RequestSeal(ctx(t), nil)
		assert.ErrorIs(t, err, types.ErrMalformedProposal)
	})
}

func TestHTTPClient_ConfiguredNotarySkipsLookup(t *testing.T) {
	f := newClientFixture(t)
	var calls atomic.Int32
	handler := notary.NewHTTPHandler(f.notary, &notary.HTTPConfig{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	party := f.n.Party
	c, err := NewHTTPClient(&Config{Endpoint: srv.URL, Notary: &party})
	require.NoError(t, err)
	assert.True(t, c.Identity().Equal(f.n.Party))
	assert.Equal(t, int32(0), calls.Load())
}

func TestHTTPClient_RetriesUnavailable(t *testing.T) {
	f := newClientFixture(t)
	handler := notary.NewHTTPHandler(f.notary, &notary.HTTPConfig{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	var retries []int
	retry := fastRetry()
	retry.OnRetry = func(attempt int, _ error) { retries = append(retries, attempt) }

	party := f.n.Party
	c, err := NewHTTPClient(&Config{Endpoint: srv.URL, Notary: &party, Retry: retry})
	require.NoError(t, err)

	stx := ledgertest.SignedLending(t, ledgertest.Ref("x"), f.a, f.b, f.n, "1")
	seal, err := c.RequestSeal(ctx(t), stx)
	require.NoError(t, err)
	assert.Equal(t, stx.ID(), seal.TxID)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []int{1, 2}, retries)
}

func TestHTTPClient_DoesNotRetryConflict(t *testing.T) {
	f := newClientFixture(t)
	handler := notary.NewHTTPHandler(f.notary, &notary.HTTPConfig{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	party := f.n.Party
	c, err := NewHTTPClient(&Config{Endpoint: srv.URL, Notary: &party, Retry: fastRetry()})
	require.NoError(t, err)

	input := ledgertest.Ref("R@v1")
	_, err = c.RequestSeal(ctx(t), ledgertest.SignedLending(t, input, f.a, f.b, f.n, "1"))
	require.NoError(t, err)
	_, err = c.RequestSeal(ctx(t), ledgertest.SignedLending(t, input, f.a, f.b, f.n, "2"))
	assert.ErrorIs(t, err, types.ErrConflictingTransition)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClient_RateLimitedProblemDetails(t *testing.T) {
	f := newClientFixture(t)
	srv := httptest.NewServer(notary.NewHTTPHandler(f.notary, &notary.HTTPConfig{RateLimitRPS: 0.001, RateLimitBurst: 1}))
	defer srv.Close()

	c, err := NewHTTPClient(&Config{Endpoint: srv.URL})
	require.NoError(t, err, "first request consumes the only token")

	_, err = c.RequestSeal(ctx(t), ledgertest.SignedLending(t, ledgertest.Ref("x"), f.a, f.b, f.n, "1"))
	require.Error(t, err)
	assert.Equal(t, types.ErrorCodeCommonServiceUnavailable, types.CodeOf(err))
	fe, ok := types.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, types.LayerNotary, fe.Layer)
}

func TestHTTPClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     interface{}
		wantCode string
	}{
		{
			name:   "rpc error without problem details",
			status: http.StatusOK,
			body: map[string]interface{}{
				"jsonrpc": "2.0", "id": 1,
				"error": map[string]interface{}{"code": -32601, "message": "method not found"},
			},
			wantCode: types.ErrorCodeClientHTTPError,
		},
		{
			name:   "rpc error with problem details",
			status: http.StatusOK,
			body: map[string]interface{}{
				"jsonrpc": "2.0", "id": 1,
				"error": map[string]interface{}{
					"code": -32000, "message": "malformed",
					"data": map[string]interface{}{
						"code": types.ErrorCodeMalformedProposal, "layer": types.LayerNotary,
						"userMessage": "提案格式错误", "traceId": "trace-1",
					},
				},
			},
			wantCode: types.ErrorCodeMalformedProposal,
		},
		{
			name:     "plain http failure",
			status:   http.StatusBadGateway,
			body:     "bad gateway",
			wantCode: types.ErrorCodeClientHTTPError,
		},
		{
			name:     "invalid json",
			status:   http.StatusOK,
			body:     "{not json",
			wantCode: types.ErrorCodeClientResponseDecodingFailed,
		},
		{
			name:     "empty result",
			status:   http.StatusOK,
			body:     map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": nil},
			wantCode: types.ErrorCodeClientResponseDecodingFailed,
		},
	}

	f := newClientFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if s, ok := tt.body.(string); ok {
					_, _ = w.Write([]byte(s))
					return
				}
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			party := f.n.Party
			c, err := NewHTTPClient(&Config{Endpoint: srv.URL, Notary: &party})
			require.NoError(t, err)

			_, err = c.RequestSeal(ctx(t), ledgertest.SignedLending(t, ledgertest.Ref("x"), f.a, f.b, f.n, "1"))
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, types.CodeOf(err))
		})
	}
}

func TestHTTPClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(&Config{Endpoint: url, Timeout: 1})
	require.Error(t, err)
	assert.Equal(t, types.ErrorCodeClientConnectionError, types.CodeOf(err))
}

func TestNewClient_UnsupportedProtocol(t *testing.T) {
	_, err := NewClient(&Config{Endpoint: "ws://localhost:1", Protocol: "websocket"})
	assert.Error(t, err)
}
