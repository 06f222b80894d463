package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	cerrors "github.com/cerberus-iot/cerberus/internal/errors"
	"github.com/cerberus-iot/cerberus/internal/ingest"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

const requestIDKey = "x-request-id"

// Ingestor is the part of *ingest.Pipeline the service needs.
type Ingestor interface {
	ProcessKeyed(ctx context.Context, packet types.EncryptedPacket, idempotencyKey string) (*types.Report, error)
	Evaluate(packet types.EncryptedPacket) (*ingest.Evaluation, error)
}

// IngestServer implements IngestServiceServer on top of the ingest pipeline.
type IngestServer struct {
	ingestor Ingestor
	logger   *zap.Logger
}

// NewIngestServer creates a new gRPC ingest server.
func NewIngestServer(ingestor Ingestor, logger *zap.Logger) *IngestServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestServer{ingestor: ingestor, logger: logger}
}

// Report handles IngestService/Report. The request carries the envelope fields
// and an optional idempotency_key; the response carries id and decision.
func (s *IngestServer) Report(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requestID := extractRequestID(ctx)
	_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, requestID))

	packet, err := packetFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	report, err := s.ingestor.ProcessKeyed(ctx, packet, stringField(req, "idempotency_key"))
	if err != nil {
		return nil, s.toStatus(requestID, err)
	}

	return toStruct(map[string]any{
		"success":  true,
		"id":       report.ID,
		"decision": report.Decision,
	})
}

// Decide handles IngestService/Decide. Nothing is stored.
func (s *IngestServer) Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requestID := extractRequestID(ctx)
	_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, requestID))

	packet, err := packetFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	eval, err := s.ingestor.Evaluate(packet)
	if err != nil {
		s.logger.Warn("decide rejected",
			zap.String("request_id", requestID),
			zap.String("code", cerrors.GetCode(err)),
			zap.Error(err))
		return nil, s.toStatus(requestID, cerrors.Public(err))
	}

	return toStruct(eval)
}

func (s *IngestServer) toStatus(requestID string, err error) error {
	switch {
	case errors.Is(err, cerrors.ErrDecryptionFailed):
		return status.Error(codes.InvalidArgument, "Decryption failed")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	s.logger.Error("grpc ingest failed", zap.String("request_id", requestID), zap.Error(err))
	if cerrors.IsRetryable(err) {
		return status.Error(codes.Unavailable, "temporarily unavailable")
	}
	return status.Error(codes.Internal, "internal error")
}

// NewServer creates a gRPC server with the ingest service registered and
// panic recovery installed.
func NewServer(srv *IngestServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(recoveryInterceptor(srv.logger))}, opts...)
	s := grpc.NewServer(opts...)
	RegisterIngestServiceServer(s, srv)
	return s
}

func recoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("grpc handler panic", zap.String("method", info.FullMethod), zap.Any("panic", rec))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// packetFromStruct reads the envelope fields. Missing fields are left empty
// and rejected later by decryption.
func packetFromStruct(req *structpb.Struct) (types.EncryptedPacket, error) {
	if req == nil || len(req.GetFields()) == 0 {
		return types.EncryptedPacket{}, fmt.Errorf("request is empty")
	}
	return types.EncryptedPacket{
		KyberKeyBlob:  stringField(req, "kyber_key_blob"),
		IV:            stringField(req, "iv"),
		Tag:           stringField(req, "tag"),
		EncryptedData: stringField(req, "encrypted_data"),
	}, nil
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

// toStruct converts v to a Struct through its JSON encoding so gRPC clients
// see the same field names as HTTP clients.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// extractRequestID extracts or generates a request ID.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(requestIDKey); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
