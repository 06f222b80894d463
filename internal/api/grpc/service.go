// Package grpc exposes the ingest pipeline as cerberus.v1.IngestService.
// Messages are google.protobuf.Struct values carrying the same JSON shapes as
// the HTTP API.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "cerberus.v1.IngestService"

	reportMethod = "/" + ServiceName + "/Report"
	decideMethod = "/" + ServiceName + "/Decide"
)

// IngestServiceServer is the server API for cerberus.v1.IngestService.
type IngestServiceServer interface {
	// Report decrypts, evaluates and stores one envelope.
	Report(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Decide decrypts and evaluates one envelope without storing it.
	Decide(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// IngestServiceDesc describes cerberus.v1.IngestService.
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Report", Handler: unaryHandler(reportMethod, IngestServiceServer.Report)},
		{MethodName: "Decide", Handler: unaryHandler(decideMethod, IngestServiceServer.Decide)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cerberus/v1/ingest.proto",
}

// RegisterIngestServiceServer registers srv with s.
func RegisterIngestServiceServer(s grpc.ServiceRegistrar, srv IngestServiceServer) {
	s.RegisterService(&IngestServiceDesc, srv)
}

type unaryMethod func(IngestServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(IngestServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(IngestServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// IngestClient calls cerberus.v1.IngestService.
type IngestClient struct {
	cc grpc.ClientConnInterface
}

// NewIngestClient creates a client on cc.
func NewIngestClient(cc grpc.ClientConnInterface) *IngestClient {
	return &IngestClient{cc: cc}
}

// Report calls IngestService/Report.
func (c *IngestClient) Report(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, reportMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Decide calls IngestService/Decide.
func (c *IngestClient) Decide(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, decideMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
