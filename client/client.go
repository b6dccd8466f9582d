// Package client 提供远程公证人客户端。
//
// 客户端实现 notary.Notary 接口，协议层可在 HTTP（JSON-RPC）与 gRPC 之间切换，
// 远端返回的 Problem Details 会还原为 types.FlowError。
package client

import (
	"fmt"

	"github.com/weisyn/ledger-flow-go/notary"
)

// Client 远程公证人客户端
type Client interface {
	notary.Notary

	// Close 关闭底层连接
	Close() error
}

// NewClient 根据配置创建客户端
func NewClient(config *Config) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	switch config.Protocol {
	case ProtocolHTTP, "":
		return NewHTTPClient(config)
	case ProtocolGRPC:
		return NewGRPCClient(config)
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", config.Protocol)
	}
}
