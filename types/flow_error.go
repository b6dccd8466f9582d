package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FlowError 协议错误类型
//
// 每个未提交（非 Committed）的协议结果都以 FlowError 的形式返回给调用方，
// Code 决定错误语义，Detail 携带具体原因。
type FlowError struct {
	Code        string
	Layer       string
	UserMessage string
	Detail      string
	Status      *int
	Details     map[string]interface{}
	TraceID     string
	Timestamp   string
	Cause       error
}

func (e *FlowError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.UserMessage, e.Detail)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.UserMessage)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使 errors.Is(err, types.ErrSessionTimeout) 可用
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Retriable 是否可以用一个全新的协议实例重试
//
// 只有超时与会话断开属于可重试：此时没有任何持久化副作用。
// 校验拒绝、对手方拒绝、双花冲突对同一提案都是永久性的。
func (e *FlowError) Retriable() bool {
	switch e.Code {
	case ErrorCodeSessionTimeout, ErrorCodeFinalityTimeout, ErrorCodeSessionClosed:
		return true
	}
	return false
}

// ToProblemDetails 转换为 Problem Details
func (e *FlowError) ToProblemDetails() *ProblemDetails {
	return &ProblemDetails{
		Code:        e.Code,
		Layer:       e.Layer,
		UserMessage: e.UserMessage,
		Detail:      e.Detail,
		Status:      e.Status,
		Details:     e.Details,
		TraceID:     e.TraceID,
		Timestamp:   e.Timestamp,
	}
}

// NewFlowErrorFromProblemDetails 从 Problem Details 创建 FlowError
func NewFlowErrorFromProblemDetails(pd *ProblemDetails) *FlowError {
	return &FlowError{
		Code:        pd.Code,
		Layer:       pd.Layer,
		UserMessage: pd.UserMessage,
		Detail:      pd.Detail,
		Status:      pd.Status,
		Details:     pd.Details,
		TraceID:     pd.TraceID,
		Timestamp:   pd.Timestamp,
	}
}

// AsFlowError 检查错误链中是否有 FlowError
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CodeOf 返回错误链中 FlowError 的错误码，没有则返回空串
func CodeOf(err error) string {
	if fe, ok := AsFlowError(err); ok {
		return fe.Code
	}
	return ""
}

// Layer 常量
const (
	LayerFlow    = "ledger-flow"
	LayerNotary  = "notary"
	LayerSession = "session"
	LayerClient  = "notary-client"
)

// ErrorCode 错误码常量
const (
	// 协议错误
	ErrorCodeValidationRejected    = "VALIDATION_REJECTED"
	ErrorCodeMalformedProposal     = "MALFORMED_PROPOSAL"
	ErrorCodeCounterpartyDeclined  = "COUNTERPARTY_DECLINED"
	ErrorCodeSessionTimeout        = "SESSION_TIMEOUT"
	ErrorCodeSessionClosed         = "SESSION_CLOSED"
	ErrorCodeFinalityTimeout       = "FINALITY_TIMEOUT"
	ErrorCodeConflictingTransition = "CONFLICTING_TRANSITION"

	// 客户端错误
	ErrorCodeClientHTTPError              = "CLIENT_HTTP_ERROR"
	ErrorCodeClientGRPCError              = "CLIENT_GRPC_ERROR"
	ErrorCodeClientSerializationError     = "CLIENT_SERIALIZATION_ERROR"
	ErrorCodeClientConnectionError        = "CLIENT_CONNECTION_ERROR"
	ErrorCodeCommonInternalError          = "COMMON_INTERNAL_ERROR"
	ErrorCodeCommonServiceUnavailable     = "COMMON_SERVICE_UNAVAILABLE"
	ErrorCodeClientResponseDecodingFailed = "CLIENT_RESPONSE_DECODING_FAILED"
)

// 哨兵错误，仅用于 errors.Is 按错误码匹配
var (
	ErrValidationRejected    = &FlowError{Code: ErrorCodeValidationRejected}
	ErrMalformedProposal     = &FlowError{Code: ErrorCodeMalformedProposal}
	ErrCounterpartyDeclined  = &FlowError{Code: ErrorCodeCounterpartyDeclined}
	ErrSessionTimeout        = &FlowError{Code: ErrorCodeSessionTimeout}
	ErrSessionClosed         = &FlowError{Code: ErrorCodeSessionClosed}
	ErrFinalityTimeout       = &FlowError{Code: ErrorCodeFinalityTimeout}
	ErrConflictingTransition = &FlowError{Code: ErrorCodeConflictingTransition}
)

var userMessages = map[string]string{
	ErrorCodeValidationRejected:    "transition rejected by validation rules",
	ErrorCodeMalformedProposal:     "malformed proposal",
	ErrorCodeCounterpartyDeclined:  "counterparty declined to sign",
	ErrorCodeSessionTimeout:        "counterparty did not respond in time",
	ErrorCodeSessionClosed:         "session closed by counterparty",
	ErrorCodeFinalityTimeout:       "finalized transition not received in time",
	ErrorCodeConflictingTransition: "input state already consumed by another transition",
}

// NewFlowError 创建协议层错误
func NewFlowError(code string, detail string) *FlowError {
	return newError(LayerFlow, code, detail, nil)
}

// WrapFlowError 创建携带底层原因的协议层错误
func WrapFlowError(code string, detail string, cause error) *FlowError {
	return newError(LayerFlow, code, detail, cause)
}

// NewLayerError 创建指定层的错误（公证人、会话、客户端）
func NewLayerError(layer string, code string, detail string, cause error) *FlowError {
	return newError(layer, code, detail, cause)
}

// Errorf 以格式化 detail 创建协议层错误
func Errorf(code string, format string, args ...interface{}) *FlowError {
	return newError(LayerFlow, code, fmt.Sprintf(format, args...), nil)
}

func newError(layer, code, detail string, cause error) *FlowError {
	msg, ok := userMessages[code]
	if !ok {
		msg = code
	}
	return &FlowError{
		Code:        code,
		Layer:       layer,
		UserMessage: msg,
		Detail:      detail,
		Details:     make(map[string]interface{}),
		TraceID:     uuid.New().String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Cause:       cause,
	}
}

// CreateDefaultFlowError 创建默认的 FlowError（用于 fallback）
func CreateDefaultFlowError(
	code string,
	layer string,
	userMessage string,
	detail string,
	status int,
	details map[string]interface{},
) *FlowError {
	if details == nil {
		details = make(map[string]interface{})
	}
	statusPtr := &status

	return &FlowError{
		Code:        code,
		Layer:       layer,
		UserMessage: userMessage,
		Detail:      detail,
		Status:      statusPtr,
		Details:     details,
		TraceID:     uuid.New().String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}
