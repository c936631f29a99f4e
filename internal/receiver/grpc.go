package receiver

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/fidde/agent_audit/internal/storage"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
)

// sessionMetadataKey names the capture session in gRPC request metadata.
const sessionMetadataKey = "x-capture-session"

// GRPCReceiver handles OTLP/gRPC trace export requests.
type GRPCReceiver struct {
	coltracepb.UnimplementedTraceServiceServer
	store    storage.Store
	archive  RecordArchiver
	server   *grpc.Server
	listener net.Listener
	addr     string
}

// NewGRPCReceiver creates a new gRPC receiver. archive may be nil.
func NewGRPCReceiver(addr string, store storage.Store, archive RecordArchiver) *GRPCReceiver {
	return &GRPCReceiver{store: store, archive: archive, addr: addr}
}

// Start starts the gRPC server.
func (r *GRPCReceiver) Start() error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	r.listener = lis

	r.server = grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(r.server, r)

	// Reflection helps debugging with grpcurl.
	reflection.Register(r.server)

	log.Printf("gRPC server listening on %s", r.addr)
	return r.server.Serve(lis)
}

// Shutdown gracefully shuts down the gRPC server.
func (r *GRPCReceiver) Shutdown(ctx context.Context) error {
	if r.server != nil {
		r.server.GracefulStop()
	}
	return nil
}

// Export implements the TraceService Export RPC.
func (r *GRPCReceiver) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	session := DefaultSession
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(sessionMetadataKey); len(values) > 0 && values[0] != "" {
			session = values[0]
		}
	}

	if err := CaptureBatch(ctx, r.store, session, req); err != nil {
		return nil, fmt.Errorf("failed to capture batch: %w", err)
	}
	archiveBatch(ctx, r.archive, session, req)

	return &coltracepb.ExportTraceServiceResponse{
		PartialSuccess: &coltracepb.ExportTracePartialSuccess{
			RejectedSpans: 0,
		},
	}, nil
}
