package resource

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	PizzaServiceName  = "pizza.v1.PizzaService"
	ListPizzasMethod  = "/" + PizzaServiceName + "/ListPizzas"
	healthCheckMethod = "/grpc.health.v1.Health/Check"
	healthWatchMethod = "/grpc.health.v1.Health/Watch"
)

// PizzaServiceServer is the gRPC view of the menu. Messages are well-known
// types, so no generated code is needed.
type PizzaServiceServer interface {
	ListPizzas(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

var pizzaServiceDesc = grpc.ServiceDesc{
	ServiceName: PizzaServiceName,
	HandlerType: (*PizzaServiceServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "ListPizzas",
		Handler:    listPizzasHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pizza/v1/pizza.proto",
}

func listPizzasHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PizzaServiceServer).ListPizzas(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListPizzasMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PizzaServiceServer).ListPizzas(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ListPizzas calls the menu over conn.
func ListPizzas(ctx context.Context, conn grpc.ClientConnInterface, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := conn.Invoke(ctx, ListPizzasMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type pizzaService struct{ s *Server }

func (p pizzaService) ListPizzas(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	menu := Menu()
	items := make([]any, 0, len(menu))
	for _, m := range menu {
		items = append(items, map[string]any{"id": m.ID, "name": m.Name})
	}
	list, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode menu")
	}
	p.s.metrics.Requests.WithLabelValues("grpc", "ok").Inc()
	return list, nil
}

// NewGRPCServer returns a gRPC server with the pizza and health services
// registered behind the bearer interceptor.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.UnaryInterceptor(map[string]string{
		ListPizzasMethod: ReadAuthority,
	})))
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&pizzaServiceDesc, pizzaService{s: s})

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(PizzaServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// UnaryInterceptor authenticates every call except health checks and
// enforces the per-method authority in required.
func (s *Server) UnaryInterceptor(required map[string]string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == healthCheckMethod || info.FullMethod == healthWatchMethod {
			return handler(ctx, req)
		}

		p, err := s.authenticate(ctx, tokenFromMetadata(ctx))
		if err != nil {
			reason, desc := denialReason(err)
			s.deny("grpc", reason)
			s.log.Debug("grpc call rejected", zap.String("method", info.FullMethod), zap.String("reason", reason))
			return nil, status.Error(codes.Unauthenticated, desc)
		}
		if name, ok := required[info.FullMethod]; ok && !p.Authorities.Has(name) {
			s.deny("grpc", "insufficient_scope")
			return nil, status.Errorf(codes.PermissionDenied, "%s is required", name)
		}
		return handler(withPrincipal(ctx, p), req)
	}
}

func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if scheme, tok, ok := strings.Cut(v, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return ""
}
