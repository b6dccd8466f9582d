package notary

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/types"
)

// gRPC 服务与方法名
const (
	GRPCServiceName       = "ledgerflow.notary.v1.Notary"
	GRPCMethodRequestSeal = "/" + GRPCServiceName + "/RequestSeal"
	GRPCMethodIdentity    = "/" + GRPCServiceName + "/Identity"

	// ProblemDetailsTrailer 错误时在 trailer 中携带 Problem Details JSON
	ProblemDetailsTrailer = "x-problem-details"
)

// JSONCodec gRPC 的 JSON 编解码器，消息类型为普通 Go 结构体
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                               { return "json" }

// SealRequest gRPC 请求
type SealRequest struct {
	Transaction *ledger.SignedTransition `json:"transaction"`
}

// SealResponse gRPC 响应
type SealResponse struct {
	Seal *ledger.NotarySeal `json:"seal"`
}

// IdentityRequest gRPC 请求
type IdentityRequest struct{}

// IdentityResponse gRPC 响应
type IdentityResponse struct {
	Notary ledger.Party `json:"notary"`
}

// GRPCServer gRPC 服务接口
type GRPCServer interface {
	RequestSeal(ctx context.Context, req *SealRequest) (*SealResponse, error)
	Identity(ctx context.Context, req *IdentityRequest) (*IdentityResponse, error)
}

type grpcServer struct {
	notary Notary
	logger types.Logger
}

// NewGRPCServerOptions 公证人 gRPC 服务端需要的选项
func NewGRPCServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ForceServerCodec(JSONCodec{})}
}

// RegisterGRPC 在 gRPC 服务端注册公证人
//
// 服务端必须以 NewGRPCServerOptions() 创建。
func RegisterGRPC(s *grpc.Server, n Notary, logger types.Logger) {
	s.RegisterService(&notaryServiceDesc, &grpcServer{notary: n, logger: types.LoggerOrNop(logger)})
}

func (g *grpcServer) RequestSeal(ctx context.Context, req *SealRequest) (*SealResponse, error) {
	if req == nil || req.Transaction == nil {
		return nil, status.Error(codes.InvalidArgument, "transaction is required")
	}
	seal, err := g.notary.RequestSeal(ctx, req.Transaction)
	if err != nil {
		g.logger.Debug("notary grpc request failed", "tx", req.Transaction.ID().Hex(), "error", err)
		return nil, toStatus(ctx, err)
	}
	return &SealResponse{Seal: seal}, nil
}

func (g *grpcServer) Identity(ctx context.Context, _ *IdentityRequest) (*IdentityResponse, error) {
	return &IdentityResponse{Notary: g.notary.Identity()}, nil
}

// toStatus FlowError 映射为 gRPC 状态码，Problem Details 写入 trailer
func toStatus(ctx context.Context, err error) error {
	fe, ok := types.AsFlowError(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	if data, mErr := json.Marshal(fe.ToProblemDetails()); mErr == nil {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(ProblemDetailsTrailer, string(data)))
	}

	code := codes.Internal
	switch fe.Code {
	case types.ErrorCodeConflictingTransition:
		code = codes.FailedPrecondition
	case types.ErrorCodeMalformedProposal:
		code = codes.InvalidArgument
	case types.ErrorCodeCommonServiceUnavailable:
		code = codes.Unavailable
	}
	return status.Error(code, fe.Error())
}

func requestSealHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SealRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GRPCServer).RequestSeal(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GRPCMethodRequestSeal}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GRPCServer).RequestSeal(ctx, req.(*SealRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func identityHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IdentityRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GRPCServer).Identity(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GRPCMethodIdentity}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GRPCServer).Identity(ctx, req.(*IdentityRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var notaryServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*GRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestSeal", Handler: requestSealHandler},
		{MethodName: "Identity", Handler: identityHandler},
	},
	Streams: []grpc.StreamDesc{},
}
