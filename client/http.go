package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/notary"
	"github.com/weisyn/ledger-flow-go/types"
)

// httpClient JSON-RPC over HTTP 公证人客户端
type httpClient struct {
	endpoint string
	client   *http.Client
	retry    *RetryConfig
	debug    bool
	logger   types.Logger
	identity ledger.Party
	nextID   atomic.Uint64
}

// NewHTTPClient 创建 HTTP 客户端
//
// 未配置 Notary 时会立即调用 notary_identity 获取公证人身份。
func NewHTTPClient(config *Config) (Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	logger := types.LoggerOrNop(config.Logger)
	c := &httpClient{
		endpoint: config.Endpoint,
		client:   &http.Client{Timeout: config.timeout()},
		retry:    config.retryConfig(logger),
		debug:    config.Debug,
		logger:   logger,
	}

	if config.Notary != nil {
		c.identity = *config.Notary
		return c, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.timeout())
	defer cancel()
	if err := c.call(ctx, notary.MethodIdentity, nil, &c.identity); err != nil {
		return nil, fmt.Errorf("fetch notary identity: %w", err)
	}
	return c, nil
}

// Identity 公证人身份
func (c *httpClient) Identity() ledger.Party {
	return c.identity
}

// RequestSeal 请求公证
func (c *httpClient) RequestSeal(ctx context.Context, stx *ledger.SignedTransition) (*ledger.NotarySeal, error) {
	if stx == nil {
		return nil, types.NewLayerError(types.LayerClient, types.ErrorCodeMalformedProposal, "nil transaction", nil)
	}
	var seal ledger.NotarySeal
	if err := c.call(ctx, notary.MethodRequestSeal, []interface{}{stx}, &seal); err != nil {
		return nil, err
	}
	if seal.TxID != stx.ID() {
		return nil, clientError(types.ErrorCodeClientResponseDecodingFailed,
			fmt.Sprintf("seal for %s returned for %s", seal.TxID.Hex(), stx.ID().Hex()), nil)
	}
	return &seal, nil
}

// Close 关闭客户端
func (c *httpClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   interface{}     `json:"error"`
	ID      uint64          `json:"id"`
}

// call 执行一次 JSON-RPC 调用（含传输层重试）
func (c *httpClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	id := c.nextID.Add(1)
	reqBody, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      id,
	})
	if err != nil {
		return clientError(types.ErrorCodeClientSerializationError, "marshal request", err)
	}

	var body []byte
	err = withRetry(ctx, func() error {
		var doErr error
		body, doErr = c.post(ctx, reqBody)
		return doErr
	}, c.retry)
	if err != nil {
		return c.transportError(ctx, method, err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return clientError(types.ErrorCodeClientResponseDecodingFailed, "decode response", err)
	}
	if resp.Error != nil {
		return fromRPCError(resp.Error)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return clientError(types.ErrorCodeClientResponseDecodingFailed, "empty result", nil)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return clientError(types.ErrorCodeClientResponseDecodingFailed, "decode result", err)
	}
	return nil
}

// post 发送一次请求；非 200 响应返回 *httpStatusError
func (c *httpClient) post(ctx context.Context, reqBody []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if c.debug {
		c.logger.Debug("notary rpc request", "endpoint", c.endpoint, "body", string(reqBody))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: resp.StatusCode, body: data}
	}
	return data, nil
}

// transportError 把传输层失败归类为 FlowError
//
// 非 200 响应体里如果带有 Problem Details（限流、服务不可用），优先使用远端给出的错误。
func (c *httpClient) transportError(ctx context.Context, method string, err error) error {
	var se *httpStatusError
	if errors.As(err, &se) {
		var resp rpcResponse
		if json.Unmarshal(se.body, &resp) == nil && resp.Error != nil {
			fe := fromRPCError(resp.Error)
			if fe.Layer != types.LayerClient {
				return fe
			}
		}
		fe := clientError(types.ErrorCodeClientHTTPError, fmt.Sprintf("%s: HTTP %d", method, se.status), err)
		status := se.status
		fe.Status = &status
		return fe
	}
	if ctx.Err() != nil {
		return clientError(types.ErrorCodeClientConnectionError, method+": "+ctx.Err().Error(), ctx.Err())
	}
	return clientError(types.ErrorCodeClientConnectionError, method, err)
}
