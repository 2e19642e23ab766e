package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

const (
	// GRPCServiceName is the fully qualified service name.
	GRPCServiceName = "intelcommons.v1.SharingEngine"
	// OrganizationMetadataKey carries the calling organization id.
	OrganizationMetadataKey = "x-organization-id"
)

// sharingEngineServer is the gRPC surface. Messages are google.protobuf.Struct
// holding the same JSON documents the REST API uses.
type sharingEngineServer interface {
	ShareIndicator(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetThreatFeed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryIOC(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetNetworkStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var sharingEngineDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*sharingEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ShareIndicator", Handler: unaryHandler("ShareIndicator", sharingEngineServer.ShareIndicator)},
		{MethodName: "GetThreatFeed", Handler: unaryHandler("GetThreatFeed", sharingEngineServer.GetThreatFeed)},
		{MethodName: "QueryIOC", Handler: unaryHandler("QueryIOC", sharingEngineServer.QueryIOC)},
		{MethodName: "GetNetworkStats", Handler: unaryHandler("GetNetworkStats", sharingEngineServer.GetNetworkStats)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "intelcommons/v1/sharing_engine.proto",
}

func unaryHandler(method string, call func(sharingEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(sharingEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + GRPCServiceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(sharingEngineServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type GrpcServer struct {
	engine SharingEngine
	logger zerolog.Logger
}

var _ sharingEngineServer = (*GrpcServer)(nil)

func NewGrpcServer(engine SharingEngine, logger zerolog.Logger) *GrpcServer {
	return &GrpcServer{engine: engine, logger: logger}
}

// Register adds the sharing engine service to gs.
func (s *GrpcServer) Register(gs *grpc.Server) {
	gs.RegisterService(&sharingEngineDesc, s)
}

func (s *GrpcServer) ShareIndicator(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	orgID, err := organizationFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var req domain.ShareRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	res, err := s.engine.ShareIndicator(ctx, orgID, req)
	if err != nil {
		return nil, s.grpcError(err)
	}
	return toStruct(res)
}

func (s *GrpcServer) GetThreatFeed(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	orgID, err := organizationFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var filter domain.FeedFilter
	if err := fromStruct(in, &filter); err != nil {
		return nil, err
	}

	items, err := s.engine.GetThreatFeed(ctx, orgID, filter)
	if err != nil {
		return nil, s.grpcError(err)
	}
	return toStruct(FeedResponse{Count: len(items), Indicators: items})
}

func (s *GrpcServer) QueryIOC(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	orgID, err := organizationFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var req QueryRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	ind, err := s.engine.QueryIOC(ctx, orgID, req.Value, req.IOCType)
	if err != nil {
		return nil, s.grpcError(err)
	}
	return toStruct(ind)
}

func (s *GrpcServer) GetNetworkStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.engine.GetNetworkStats(ctx)
	if err != nil {
		return nil, s.grpcError(err)
	}
	return toStruct(st)
}

// FeedResponse is the feed document shared by both transports.
type FeedResponse struct {
	Count      int                      `json:"count"`
	Indicators []domain.SharedIndicator `json:"indicators"`
}

func organizationFromMetadata(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get(OrganizationMetadataKey) {
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	return "", status.Error(codes.InvalidArgument, "missing "+OrganizationMetadataKey+" metadata")
}

func (s *GrpcServer) grpcError(err error) error {
	code := grpcCode(err)
	_, msg := httpStatus(err)
	if code == codes.Internal || code == codes.Unavailable {
		s.logger.Error().Err(err).Msg("rpc failed")
	}
	return status.Error(code, msg)
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return codes.ResourceExhausted
	case errors.Is(err, domain.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrPersistence), errors.Is(err, context.DeadlineExceeded):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStruct converts a JSON-serializable value into a protobuf Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// fromStruct decodes a protobuf Struct into v through its JSON form.
func fromStruct(in *structpb.Struct, v interface{}) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request message")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request message: "+err.Error())
	}
	return nil
}
