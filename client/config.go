package client

import (
	"time"

	"google.golang.org/grpc"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/types"
)

// Config 客户端配置
type Config struct {
	// Endpoint 公证人端点地址
	Endpoint string

	// Protocol 协议类型
	Protocol Protocol

	// Timeout 单次请求超时（秒）
	Timeout int

	// Retry 传输层重试配置，nil 表示不重试
	Retry *RetryConfig

	// Notary 预期的公证人身份；为空时在创建客户端时向远端查询
	Notary *ledger.Party

	// DialOptions 额外的 gRPC 拨号选项（仅 gRPC）
	DialOptions []grpc.DialOption

	// 调试模式
	Debug bool

	// 日志器（可选）
	Logger types.Logger
}

// Protocol 协议类型
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Endpoint: "http://localhost:8645",
		Protocol: ProtocolHTTP,
		Timeout:  30,
		Retry:    DefaultRetryConfig(),
		Debug:    false,
	}
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

// retryConfig 补齐日志回调
func (c *Config) retryConfig(logger types.Logger) *RetryConfig {
	if c.Retry == nil {
		return nil
	}
	rc := *c.Retry
	if rc.OnRetry == nil && c.Debug {
		rc.OnRetry = func(attempt int, err error) {
			logger.Warn("notary request retry", "endpoint", c.Endpoint, "attempt", attempt, "error", err)
		}
	}
	return &rc
}
