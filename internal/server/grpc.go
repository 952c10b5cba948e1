package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"SynthLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service. Requests and responses
// are google.protobuf.Struct documents with the same fields as the HTTP API.
const ServiceName = "synthledger.v1.EngineService"

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	deps       *ServerDeps
	log        zerolog.Logger
}

// ServerDeps holds everything the API needs.
type ServerDeps struct {
	Handlers      *Handlers
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
	RateLimit     float64 // requests per second per client
	RateBurst     int
}

// NewGRPCServer creates a gRPC server with the engine and health services
// registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		deps:     deps,
		log:      deps.Logger,
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.observeUnary))
	RegisterEngineService(s.grpcServer, &engineService{h: deps.Handlers})

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// SetServing flips the gRPC health status once startup recovery is done.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

func (s *GRPCServer) observeUnary(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if m := s.deps.Metrics; m != nil {
		m.APIRequests.WithLabelValues("grpc", info.FullMethod, code.String()).Inc()
		m.APIDuration.WithLabelValues("grpc", info.FullMethod).Observe(time.Since(start).Seconds())
	}
	if err != nil && code == codes.Internal {
		s.log.Error().Err(err).Str("method", info.FullMethod).Msg("grpc request failed")
	}
	return resp, err
}

// ============================================================================
// EngineService
// ============================================================================

// EngineServiceServer is the server API of synthledger.v1.EngineService.
type EngineServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPosition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPositions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListLiquidations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetLiquidation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetGlobal(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetParams(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJournals(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyIntegrity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTime(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterEngineService(s grpc.ServiceRegistrar, srv EngineServiceServer) {
	s.RegisterService(&engineServiceDesc, srv)
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Submit", EngineServiceServer.Submit),
		unaryMethod("GetPosition", EngineServiceServer.GetPosition),
		unaryMethod("ListPositions", EngineServiceServer.ListPositions),
		unaryMethod("ListLiquidations", EngineServiceServer.ListLiquidations),
		unaryMethod("GetLiquidation", EngineServiceServer.GetLiquidation),
		unaryMethod("GetBalance", EngineServiceServer.GetBalance),
		unaryMethod("GetGlobal", EngineServiceServer.GetGlobal),
		unaryMethod("GetParams", EngineServiceServer.GetParams),
		unaryMethod("ListJournals", EngineServiceServer.ListJournals),
		unaryMethod("VerifyIntegrity", EngineServiceServer.VerifyIntegrity),
		unaryMethod("SetTime", EngineServiceServer.SetTime),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "synthledger/v1/engine.proto",
}

type structCall func(EngineServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call structCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EngineServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(EngineServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type engineService struct {
	h *Handlers
}

func (s *engineService) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	typeName := field(req, "type")
	if typeName == "" {
		return nil, status.Error(codes.InvalidArgument, "type is required")
	}
	payload, err := json.Marshal(req.GetFields()["payload"].GetStructValue().AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "payload: %v", err)
	}
	return reply(s.h.Submit(ctx, typeName, payload))
}

func (s *engineService) GetPosition(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.h.Position(field(req, "sponsor")))
}

func (s *engineService) ListPositions(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(map[string]interface{}{"positions": s.h.Positions()}, nil)
}

func (s *engineService) ListLiquidations(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	liqs, err := s.h.Liquidations(field(req, "sponsor"))
	if err != nil {
		return nil, grpcStatus(err)
	}
	return reply(map[string]interface{}{"liquidations": liqs}, nil)
}

func (s *engineService) GetLiquidation(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.h.Liquidation(field(req, "sponsor"), field(req, "liquidation_id")))
}

func (s *engineService) GetBalance(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.h.Balance(field(req, "party")))
}

func (s *engineService) GetGlobal(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.h.Global())
}

func (s *engineService) GetParams(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.h.Params(), nil)
}

func (s *engineService) ListJournals(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	before := int64(-1)
	if v, ok := req.GetFields()["before_sequence"]; ok {
		before = int64(v.GetNumberValue())
	}
	limit := int(req.GetFields()["limit"].GetNumberValue())
	entries, err := s.h.Journals(ctx, field(req, "party"), limit, before)
	if err != nil {
		return nil, grpcStatus(err)
	}
	return reply(map[string]interface{}{"journals": entries}, nil)
}

func (s *engineService) VerifyIntegrity(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.h.Integrity(ctx))
}

func (s *engineService) SetTime(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.h.SetTime(int64(req.GetFields()["unix_time"].GetNumberValue())))
}

// field reads a string field; numbers are rendered without a fraction so
// ids may be sent either way.
func field(req *structpb.Struct, name string) string {
	v, ok := req.GetFields()[name]
	if !ok {
		return ""
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); isNum {
		return fmt.Sprintf("%.0f", v.GetNumberValue())
	}
	return v.GetStringValue()
}

// reply renders a DTO through its JSON form so both transports agree on
// field names.
func reply[T any](v T, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, grpcStatus(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
