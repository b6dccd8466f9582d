package notary

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/types"
)

// JSON-RPC 方法名
const (
	MethodRequestSeal = "notary_requestSeal"
	MethodIdentity    = "notary_identity"
)

// JSON-RPC 错误码
const (
	rpcCodeParseError     = -32700
	rpcCodeInvalidRequest = -32600
	rpcCodeMethodNotFound = -32601
	rpcCodeInvalidParams  = -32602
	rpcCodeApplication    = -32000
)

// RPCRequest JSON-RPC 请求
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      uint64            `json:"id"`
}

// RPCResponse JSON-RPC 响应
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      uint64      `json:"id"`
}

// RPCError JSON-RPC 错误；Data 携带 Problem Details
type RPCError struct {
	Code    int                   `json:"code"`
	Message string                `json:"message"`
	Data    *types.ProblemDetails `json:"data,omitempty"`
}

// HTTPConfig HTTP 接入配置
type HTTPConfig struct {
	// RateLimitRPS 每个客户端地址每秒请求数，<= 0 表示不限流
	RateLimitRPS float64
	// RateLimitBurst 令牌桶容量
	RateLimitBurst int
	// MaxBodyBytes 请求体上限
	MaxBodyBytes int64
	// Logger 日志器（可选）
	Logger types.Logger
}

// DefaultHTTPConfig 返回默认配置
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		RateLimitRPS:   30,
		RateLimitBurst: 60,
		MaxBodyBytes:   4 << 20,
	}
}

// HTTPHandler 以 JSON-RPC over HTTP 暴露公证人
type HTTPHandler struct {
	notary  Notary
	limiter *clientLimiter
	maxBody int64
	logger  types.Logger
	now     func() time.Time
}

// NewHTTPHandler 创建 HTTP 处理器
func NewHTTPHandler(n Notary, config *HTTPConfig) *HTTPHandler {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultHTTPConfig().MaxBodyBytes
	}
	return &HTTPHandler{
		notary:  n,
		limiter: newClientLimiter(config.RateLimitRPS, config.RateLimitBurst),
		maxBody: maxBody,
		logger:  types.LoggerOrNop(config.Logger),
		now:     time.Now,
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.limiter.allow(clientKey(r), h.now()) {
		h.logger.Warn("notary rpc rate limited", "remote", r.RemoteAddr)
		fe := types.NewLayerError(types.LayerNotary, types.ErrorCodeCommonServiceUnavailable, "rate limit exceeded", nil)
		writeJSON(w, http.StatusTooManyRequests, &RPCResponse{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: rpcCodeApplication, Message: fe.Error(), Data: fe.ToProblemDetails()},
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		writeJSON(w, http.StatusOK, errorResponse(0, rpcCodeParseError, "read body: "+err.Error()))
		return
	}
	if int64(len(body)) > h.maxBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse(0, rpcCodeInvalidRequest, "request too large"))
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, errorResponse(0, rpcCodeParseError, "parse request: "+err.Error()))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, http.StatusOK, errorResponse(req.ID, rpcCodeInvalidRequest, "invalid JSON-RPC request"))
		return
	}

	writeJSON(w, http.StatusOK, h.dispatch(r, &req))
}

func (h *HTTPHandler) dispatch(r *http.Request, req *RPCRequest) *RPCResponse {
	switch req.Method {
	case MethodIdentity:
		return &RPCResponse{JSONRPC: "2.0", Result: h.notary.Identity(), ID: req.ID}

	case MethodRequestSeal:
		if len(req.Params) != 1 {
			return errorResponse(req.ID, rpcCodeInvalidParams, "expected exactly one parameter")
		}
		var stx ledger.SignedTransition
		if err := json.Unmarshal(req.Params[0], &stx); err != nil {
			return errorResponse(req.ID, rpcCodeInvalidParams, "decode transaction: "+err.Error())
		}
		seal, err := h.notary.RequestSeal(r.Context(), &stx)
		if err != nil {
			h.logger.Debug("notary rpc request failed", "tx", stx.ID().Hex(), "error", err)
			return &RPCResponse{JSONRPC: "2.0", Error: applicationError(err), ID: req.ID}
		}
		return &RPCResponse{JSONRPC: "2.0", Result: seal, ID: req.ID}
	}
	return errorResponse(req.ID, rpcCodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
}

// applicationError FlowError 转为携带 Problem Details 的 JSON-RPC 错误
func applicationError(err error) *RPCError {
	fe, ok := types.AsFlowError(err)
	if !ok {
		fe = types.NewLayerError(types.LayerNotary, types.ErrorCodeCommonInternalError, err.Error(), err)
	}
	if fe.Status == nil {
		status := httpStatusFor(fe.Code)
		fe.Status = &status
	}
	return &RPCError{Code: rpcCodeApplication, Message: fe.Error(), Data: fe.ToProblemDetails()}
}

func httpStatusFor(code string) int {
	switch code {
	case types.ErrorCodeConflictingTransition:
		return http.StatusConflict
	case types.ErrorCodeMalformedProposal:
		return http.StatusBadRequest
	case types.ErrorCodeCommonServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorResponse(id uint64, code int, message string) *RPCResponse {
	return &RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: code, Message: message}, ID: id}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
