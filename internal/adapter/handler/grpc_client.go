package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

// GrpcClient calls a remote sharing engine on behalf of one organization.
type GrpcClient struct {
	conn  grpc.ClientConnInterface
	orgID string
}

func NewGrpcClient(conn grpc.ClientConnInterface, orgID string) *GrpcClient {
	return &GrpcClient{conn: conn, orgID: orgID}
}

func (c *GrpcClient) invoke(ctx context.Context, method string, req, resp interface{}) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if c.orgID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, OrganizationMetadataKey, c.orgID)
	}
	if err := c.conn.Invoke(ctx, "/"+GRPCServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

func (c *GrpcClient) ShareIndicator(ctx context.Context, req domain.ShareRequest) (*domain.ShareResult, error) {
	var res domain.ShareResult
	if err := c.invoke(ctx, "ShareIndicator", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *GrpcClient) GetThreatFeed(ctx context.Context, filter domain.FeedFilter) ([]domain.SharedIndicator, error) {
	var res FeedResponse
	if err := c.invoke(ctx, "GetThreatFeed", filter, &res); err != nil {
		return nil, err
	}
	return res.Indicators, nil
}

func (c *GrpcClient) QueryIOC(ctx context.Context, value string, iocType domain.IOCType) (*domain.SharedIndicator, error) {
	var res domain.SharedIndicator
	if err := c.invoke(ctx, "QueryIOC", QueryRequest{Value: value, IOCType: iocType}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *GrpcClient) GetNetworkStats(ctx context.Context) (*domain.NetworkStats, error) {
	var res domain.NetworkStats
	if err := c.invoke(ctx, "GetNetworkStats", struct{}{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
