package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/notary"
	"github.com/weisyn/ledger-flow-go/types"
)

// grpcClient gRPC 客户端实现
type grpcClient struct {
	conn     *grpc.ClientConn
	endpoint string
	retry    *RetryConfig
	logger   types.Logger
	identity ledger.Party
}

// NewGRPCClient 创建 gRPC 客户端
func NewGRPCClient(config *Config) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	// 如果 endpoint 包含 http:// 或 https://，移除协议前缀
	endpoint := strings.TrimPrefix(strings.TrimPrefix(config.Endpoint, "http://"), "https://")
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.timeout())
	defer cancel()

	// 注意：当前使用 insecure 连接，生产环境应该使用 TLS
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(notary.JSONCodec{})),
	}
	opts = append(opts, config.DialOptions...)
	conn, err := grpc.DialContext(ctx, endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial gRPC: %w", err)
	}

	logger := types.LoggerOrNop(config.Logger)
	c := &grpcClient{
		conn:     conn,
		endpoint: endpoint,
		retry:    config.retryConfig(logger),
		logger:   logger,
	}

	if config.Notary != nil {
		c.identity = *config.Notary
		return c, nil
	}

	var resp notary.IdentityResponse
	if err := c.invoke(ctx, notary.GRPCMethodIdentity, &notary.IdentityRequest{}, &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("fetch notary identity: %w", err)
	}
	c.identity = resp.Notary
	return c, nil
}

// Identity 公证人身份
func (c *grpcClient) Identity() ledger.Party {
	return c.identity
}

// RequestSeal 请求公证
func (c *grpcClient) RequestSeal(ctx context.Context, stx *ledger.SignedTransition) (*ledger.NotarySeal, error) {
	if stx == nil {
		return nil, types.NewLayerError(types.LayerClient, types.ErrorCodeMalformedProposal, "nil transaction", nil)
	}
	var resp notary.SealResponse
	if err := c.invoke(ctx, notary.GRPCMethodRequestSeal, &notary.SealRequest{Transaction: stx}, &resp); err != nil {
		return nil, err
	}
	if resp.Seal == nil || resp.Seal.TxID != stx.ID() {
		return nil, clientError(types.ErrorCodeClientResponseDecodingFailed, "seal does not match transaction", nil)
	}
	return resp.Seal, nil
}

// Close 关闭连接
func (c *grpcClient) Close() error {
	return c.conn.Close()
}

func (c *grpcClient) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return withRetry(ctx, func() error {
		var trailer metadata.MD
		if err := c.conn.Invoke(ctx, method, req, resp, grpc.Trailer(&trailer)); err != nil {
			return fromGRPCError(err, trailer)
		}
		return nil
	}, c.retry)
}

// fromGRPCError trailer 中有 Problem Details 时还原 FlowError，否则按状态码归类
func fromGRPCError(err error, trailer metadata.MD) error {
	if values := trailer.Get(notary.ProblemDetailsTrailer); len(values) > 0 {
		var pd types.ProblemDetails
		if json.Unmarshal([]byte(values[0]), &pd) == nil && pd.Code != "" {
			fe := types.NewFlowErrorFromProblemDetails(&pd)
			fe.Cause = err
			return fe
		}
	}

	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted:
		return clientError(types.ErrorCodeClientConnectionError, st.Message(), err)
	}
	return clientError(types.ErrorCodeClientGRPCError, st.Message(), err)
}
