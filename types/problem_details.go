package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProblemDetails Problem Details 结构（基于 RFC7807 + 协议扩展）
//
// 公证人 RPC 在 JSON-RPC error.data 中携带该结构，客户端据此还原 FlowError。
type ProblemDetails struct {
	// RFC7807 标准字段
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Status   *int   `json:"status,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// 扩展字段（必填）
	Code        string                 `json:"code"`
	Layer       string                 `json:"layer"`
	UserMessage string                 `json:"userMessage"`
	Details     map[string]interface{} `json:"details,omitempty"`
	TraceID     string                 `json:"traceId"`
	Timestamp   string                 `json:"timestamp"`
}

// rpcErrorObject JSON-RPC 2.0 的 error 对象
type rpcErrorObject struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ParseProblemDetailsFromRPCError 从 JSON-RPC 错误对象解析 Problem Details
//
// rpcError 可以是解码后的 map、原始 JSON 或任意可序列化的结构。
// code、layer、userMessage、traceId 缺一不可；缺省的 detail 取 message，
// 缺省的 status 取 JSON-RPC code。
func ParseProblemDetailsFromRPCError(rpcError interface{}) (*ProblemDetails, error) {
	var raw []byte
	switch v := rpcError.(type) {
	case nil:
		return nil, errors.New("invalid RPC error format")
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RPC error format: %w", err)
		}
		raw = b
	}

	var obj rpcErrorObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("invalid RPC error format: %w", err)
	}
	if len(obj.Data) == 0 || string(obj.Data) == "null" {
		return nil, errors.New("no data field in RPC error")
	}

	var pd ProblemDetails
	if err := json.Unmarshal(obj.Data, &pd); err != nil {
		return nil, fmt.Errorf("RPC error data is not problem details: %w", err)
	}
	if pd.Code == "" || pd.Layer == "" || pd.UserMessage == "" || pd.TraceID == "" {
		return nil, errors.New("missing required fields in problem details")
	}

	if pd.Detail == "" {
		pd.Detail = obj.Message
	}
	if pd.Status == nil && obj.Code != nil {
		status := *obj.Code
		pd.Status = &status
	}
	if pd.Timestamp == "" {
		pd.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return &pd, nil
}
