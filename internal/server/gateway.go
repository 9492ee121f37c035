package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"PerpCustody/internal/errs"
	"PerpCustody/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// route binds an HTTP path onto a service method. Path parameters and, for
// GET, query parameters are merged into the request struct; path wins.
type route struct {
	method  string
	pattern string
	name    string
	call    unaryCall
}

var routes = []route{
	{http.MethodPost, "/v1/positions/{position}/trigger", "TriggerPosition", SettlementServer.TriggerPosition},
	{http.MethodPost, "/v1/positions/{position}/limits", "UpdatePositionLimits", SettlementServer.UpdatePositionLimits},
	{http.MethodPost, "/v1/positions/{position}/upgrade", "UpgradePosition", SettlementServer.UpgradePosition},
	{http.MethodPost, "/v1/admin/permissions", "SetPermissions", SettlementServer.SetPermissions},
	{http.MethodPost, "/v1/admin/signers", "SetAdminSigners", SettlementServer.SetAdminSigners},
	{http.MethodGet, "/v1/positions/{position}", "GetPosition", SettlementServer.GetPosition},
	{http.MethodGet, "/v1/positions/{position}/preview", "PreviewClose", SettlementServer.PreviewClose},
	{http.MethodGet, "/v1/positions", "ListPositions", SettlementServer.ListPositions},
	{http.MethodGet, "/v1/custodies/{custody}/stats", "GetCustodyStats", SettlementServer.GetCustodyStats},
	{http.MethodGet, "/v1/admin/multisig", "GetMultisig", SettlementServer.GetMultisig},
}

// Gateway serves the HTTP/JSON surface on a grpc-gateway mux, calling the
// service in process, next to /healthz, /readyz and /metrics.
type Gateway struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

func NewGateway(addr string, svc SettlementServer, health *observability.HealthChecker, gatherer prometheus.Gatherer, metrics *observability.Metrics) (*Gateway, error) {
	handler, err := NewHTTPHandler(svc, health, gatherer, metrics)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: observability.NewLogger("gateway"),
	}, nil
}

// NewHTTPHandler builds the HTTP handler tree.
func NewHTTPHandler(svc SettlementServer, health *observability.HealthChecker, gatherer prometheus.Gatherer, metrics *observability.Metrics) (http.Handler, error) {
	marshaler := &runtime.JSONPb{
		MarshalOptions:   protojson.MarshalOptions{EmitUnpopulated: true},
		UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true},
	}
	gw := runtime.NewServeMux(runtime.WithMarshalerOption(runtime.MIMEWildcard, marshaler))

	for _, rt := range routes {
		if err := gw.HandlePath(rt.method, rt.pattern, gatewayHandler(gw, marshaler, svc, rt, metrics)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	mux := http.NewServeMux()
	if health != nil {
		mux.HandleFunc("/healthz", health.LivenessHandler)
		mux.HandleFunc("/readyz", health.ReadinessHandler)
	}
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", gw)
	return mux, nil
}

func gatewayHandler(gw *runtime.ServeMux, marshaler runtime.Marshaler, svc SettlementServer, rt route, metrics *observability.Metrics) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		start := time.Now()
		ctx := r.Context()

		resp, err := func() (*structpb.Struct, error) {
			in, err := decodeRequest(r, marshaler, pathParams)
			if err != nil {
				return nil, err
			}
			return rt.call(svc, ctx, in)
		}()
		err = ToStatus(err)

		if metrics != nil {
			metrics.RPCRequests.WithLabelValues("http:"+rt.name, status.Code(err).String()).Inc()
			metrics.RPCDuration.WithLabelValues("http:" + rt.name).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			runtime.HTTPError(ctx, gw, marshaler, w, r, err)
			return
		}
		buf, err := marshaler.Marshal(resp)
		if err != nil {
			runtime.HTTPError(ctx, gw, marshaler, w, r, err)
			return
		}
		w.Header().Set("Content-Type", marshaler.ContentType(resp))
		_, _ = w.Write(buf)
	}
}

func decodeRequest(r *http.Request, marshaler runtime.Marshaler, pathParams map[string]string) (*structpb.Struct, error) {
	in := &structpb.Struct{Fields: make(map[string]*structpb.Value)}
	if r.Method != http.MethodGet && r.Body != nil {
		if err := marshaler.NewDecoder(r.Body).Decode(in); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: request body: %v", errs.ErrInvalidArgument, err)
		}
		if in.Fields == nil {
			in.Fields = make(map[string]*structpb.Value)
		}
	}
	if r.Method == http.MethodGet {
		for k, vs := range r.URL.Query() {
			if len(vs) > 0 {
				in.Fields[k] = structpb.NewStringValue(vs[0])
			}
		}
	}
	for k, v := range pathParams {
		in.Fields[k] = structpb.NewStringValue(v)
	}
	return in, nil
}

// Run serves until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		g.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.httpServer.Shutdown(shutdownCtx)
	}()

	g.logger.Info().Str("addr", g.httpServer.Addr).Msg("HTTP gateway listening")
	if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
