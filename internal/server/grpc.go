package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"PerpCustody/internal/errs"
	"PerpCustody/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "perpcustody.settlement.v1.SettlementService"

// SettlementServer is the gRPC surface. Every method takes and returns a
// google.protobuf.Struct so clients need no generated stubs.
type SettlementServer interface {
	TriggerPosition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdatePositionLimits(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpgradePosition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetPermissions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetAdminSigners(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPosition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPositions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PreviewClose(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCustodyStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMultisig(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(SettlementServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SettlementServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(SettlementServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// SettlementServiceDesc is registered by hand in place of protoc output.
var SettlementServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("TriggerPosition", SettlementServer.TriggerPosition),
		unaryMethod("UpdatePositionLimits", SettlementServer.UpdatePositionLimits),
		unaryMethod("UpgradePosition", SettlementServer.UpgradePosition),
		unaryMethod("SetPermissions", SettlementServer.SetPermissions),
		unaryMethod("SetAdminSigners", SettlementServer.SetAdminSigners),
		unaryMethod("GetPosition", SettlementServer.GetPosition),
		unaryMethod("ListPositions", SettlementServer.ListPositions),
		unaryMethod("PreviewClose", SettlementServer.PreviewClose),
		unaryMethod("GetCustodyStats", SettlementServer.GetCustodyStats),
		unaryMethod("GetMultisig", SettlementServer.GetMultisig),
	},
	Metadata: "perpcustody/settlement/v1/settlement.proto",
}

func RegisterSettlementServer(s grpc.ServiceRegistrar, srv SettlementServer) {
	s.RegisterService(&SettlementServiceDesc, srv)
}

// StatusCode maps an engine error onto a gRPC code.
func StatusCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, errs.ErrAccountNotFound):
		return codes.NotFound
	case errors.Is(err, errs.ErrMultisigAlreadySigned):
		return codes.AlreadyExists
	}
	switch errs.Classify(err) {
	case errs.ClassAuthorization:
		return codes.PermissionDenied
	case errs.ClassValidation:
		return codes.InvalidArgument
	case errs.ClassMarket, errs.ClassGovernance:
		return codes.FailedPrecondition
	case errs.ClassConsistency:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// ToStatus converts err to a gRPC status error. Errors that already carry a
// status pass through.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(StatusCode(err), err.Error())
}

// unaryInterceptor maps errors to status codes, records metrics and logs
// failed calls.
func unaryInterceptor(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = ToStatus(err)

		code := status.Code(err)
		if metrics != nil {
			metrics.RPCRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
			metrics.RPCDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			ev := logger.Warn()
			if code == codes.Internal {
				ev = logger.Error()
			}
			ev.Str("method", info.FullMethod).Str("code", code.String()).Err(err).Msg("rpc failed")
		}
		return resp, err
	}
}

// GRPCServer serves SettlementService, gRPC health and reflection.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	addr   string
	logger zerolog.Logger
}

func NewGRPCServer(addr string, svc SettlementServer, metrics *observability.Metrics) *GRPCServer {
	logger := observability.NewLogger("grpc")
	server := grpc.NewServer(grpc.UnaryInterceptor(unaryInterceptor(metrics, logger)))
	RegisterSettlementServer(server, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(server)

	return &GRPCServer{server: server, health: healthServer, addr: addr, logger: logger}
}

// SetServing flips the gRPC health status once recovery completes.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve accepts on lis until ctx is cancelled, then drains gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.server.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Run listens on the configured address.
func (s *GRPCServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}
