package client

import (
	"fmt"

	"github.com/weisyn/ledger-flow-go/types"
)

// httpStatusError 非 200 的 HTTP 响应，保留响应体用于解析 Problem Details
type httpStatusError struct {
	status int
	body   []byte
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.status)
}

// clientError 客户端层错误
func clientError(code, detail string, cause error) *types.FlowError {
	return types.NewLayerError(types.LayerClient, code, detail, cause)
}

// fromRPCError 把 JSON-RPC error 对象还原为 FlowError
//
// error.data 携带完整 Problem Details 时原样还原（保留远端的错误码与 traceId），
// 否则归为客户端层的 CLIENT_HTTP_ERROR。
func fromRPCError(rpcErr interface{}) *types.FlowError {
	if pd, err := types.ParseProblemDetailsFromRPCError(rpcErr); err == nil {
		return types.NewFlowErrorFromProblemDetails(pd)
	}
	msg := fmt.Sprintf("%v", rpcErr)
	if m, ok := rpcErr.(map[string]interface{}); ok {
		if s, ok := m["message"].(string); ok {
			msg = s
		}
	}
	return clientError(types.ErrorCodeClientHTTPError, "JSON-RPC error: "+msg, nil)
}
