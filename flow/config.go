// Package flow 实现双边账本更新协议：提案构建、双方签名、公证与最终性分发。
//
// 发起方（Initiator）驱动整个流程，响应方（Responder）独立校验后签名并等待最终结果。
// 每个协议实例都是一个顺序执行的过程，挂起点只有会话上的阻塞接收。
//
// **发起方流程**：
//  1. Building：从本地 Vault 读取输入并组装提案
//  2. Validating：运行合约规则
//  3. Signing：本方签名，依次向对手方收集签名
//  4. Finalizing：请求公证人盖章，记录并分发最终交易
//  5. Committed
//
// **响应方流程**：
//  1. AwaitingProposal：等待提案
//  2. Validating：结构检查 + 独立运行合约规则，不通过则 Rejected
//  3. Signing：签名并回复
//  4. AwaitingFinality：等待最终交易，验证后记录
//  5. Committed
package flow

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/types"
	"github.com/weisyn/ledger-flow-go/utils"
)

const tracerName = "github.com/weisyn/ledger-flow-go/flow"

// Config 协议实例配置
type Config struct {
	// SessionTimeout 等待对手方提案或签名的时间
	SessionTimeout time.Duration

	// FinalityTimeout 发起方：公证与分发的总时限；响应方：等待最终交易的时间
	FinalityTimeout time.Duration

	// Concurrency 最终交易分发的并发数
	Concurrency int

	// TrustedNotaries 响应方接受的公证人；为空时响应方拒绝所有提案
	TrustedNotaries []ledger.Party

	// Observers 进度事件观察者
	Observers []Observer

	// Tracer OpenTelemetry tracer（可选，默认使用全局 TracerProvider）
	Tracer trace.Tracer

	// 日志器（可选）
	Logger types.Logger
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		SessionTimeout:  30 * time.Second,
		FinalityTimeout: 60 * time.Second,
		Concurrency:     utils.DefaultConcurrency,
	}
}

// withDefaults 返回补齐默认值的副本
func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		out.Logger = types.NopLogger{}
		out.Tracer = otel.Tracer(tracerName)
		return out
	}
	cp := *c
	if cp.SessionTimeout <= 0 {
		cp.SessionTimeout = out.SessionTimeout
	}
	if cp.FinalityTimeout <= 0 {
		cp.FinalityTimeout = out.FinalityTimeout
	}
	if cp.Concurrency <= 0 {
		cp.Concurrency = out.Concurrency
	}
	if cp.Tracer == nil {
		cp.Tracer = otel.Tracer(tracerName)
	}
	cp.Logger = types.LoggerOrNop(cp.Logger)
	return &cp
}
