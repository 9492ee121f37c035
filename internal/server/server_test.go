package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"PerpCustody/internal/core"
	"PerpCustody/internal/errs"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/observability"
	"PerpCustody/internal/query"
	"PerpCustody/internal/server"
	"PerpCustody/internal/state"
	"PerpCustody/internal/testutil"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fixture struct {
	m   *testutil.Market
	e   *core.Engine
	svc *server.SettlementService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := testutil.NewMarket(t)
	e := core.NewEngine(m.DB, m.Feeds, 1, nil, nil)
	return &fixture{m: m, e: e, svc: server.NewSettlementService(e, query.NewQueryService(e, nil, nil))}
}

func (f *fixture) openTakeProfit(t *testing.T, takeProfit uint64) testutil.OpenedPosition {
	t.Helper()
	return f.m.OpenPosition(t, testutil.PositionSpec{
		Side: state.SideLong, EntryPrice: 40_000_000, TakeProfit: state.SomeLimit(takeProfit),
	})
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

// dial serves svc on an in-memory listener.
func dial(t *testing.T, svc server.SettlementServer) (*grpc.ClientConn, *server.GRPCServer) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := server.NewGRPCServer("bufnet", svc, observability.NewMetricsWith(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return conn, srv
}

func invoke(conn *grpc.ClientConn, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := conn.Invoke(context.Background(), "/"+server.ServiceName+"/"+method, in, out)
	return out, err
}

// ============================================================================
// Test: Status mapping
// ============================================================================

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{errs.ErrAccountNotFound, codes.NotFound},
		{errs.ErrInvalidOwner, codes.PermissionDenied},
		{errs.ErrInvalidDerivation, codes.InvalidArgument},
		{errs.ErrLimitNotTriggered, codes.FailedPrecondition},
		{errs.ErrMaxPriceSlippage, codes.FailedPrecondition},
		{errs.ErrMultisigAlreadySigned, codes.AlreadyExists},
		{errs.ErrMultisigAlreadyExecuted, codes.FailedPrecondition},
		{errs.ErrCustodyAmountLimit, codes.Aborted},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, server.StatusCode(tt.err), "%v", tt.err)
	}
}

// ============================================================================
// Test: gRPC
// ============================================================================

func TestGRPC_TriggerAndRead(t *testing.T) {
	f := newFixture(t)
	conn, srv := dial(t, f.svc)
	p := f.openTakeProfit(t, 200_000_000)

	got, err := invoke(conn, "GetPosition", mustStruct(t, map[string]interface{}{"position": p.Key.String()}))
	require.NoError(t, err)
	assert.Equal(t, "200", got.Fields["take_profit"].GetStringValue())
	assert.Equal(t, "current", got.Fields["layout"].GetStringValue())

	res, err := invoke(conn, "TriggerPosition", mustStruct(t, map[string]interface{}{
		"signer":    ledger.NewUniquePubkey().String(),
		"position":  p.Key.String(),
		"pool":      f.m.Pool.String(),
		"custody":   f.m.Custody.String(),
		"receiving": p.Receiving.String(),
		"price":     "50",
	}))
	require.NoError(t, err)
	assert.True(t, res.Fields["take_profit_triggered"].GetBoolValue())
	assert.Equal(t, "6980000000", res.Fields["transfer_amount"].GetStringValue())
	assert.Equal(t, float64(1), res.Fields["sequence"].GetNumberValue())

	_, err = invoke(conn, "GetPosition", mustStruct(t, map[string]interface{}{"position": p.Key.String()}))
	assert.Equal(t, codes.NotFound, status.Code(err))

	health := healthpb.NewHealthClient(conn)
	hr, err := health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, hr.Status)
	srv.SetServing(true)
	hr, err = health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hr.Status)
}

func TestGRPC_Errors(t *testing.T) {
	f := newFixture(t)
	conn, _ := dial(t, f.svc)
	p := f.openTakeProfit(t, 900_000_000)

	_, err := invoke(conn, "TriggerPosition", mustStruct(t, map[string]interface{}{
		"signer":    ledger.NewUniquePubkey().String(),
		"position":  p.Key.String(),
		"pool":      f.m.Pool.String(),
		"custody":   f.m.Custody.String(),
		"receiving": p.Receiving.String(),
		"price":     "50",
	}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "limit not met")

	_, err = invoke(conn, "TriggerPosition", mustStruct(t, map[string]interface{}{"position": p.Key.String()}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invoke(conn, "GetPosition", mustStruct(t, map[string]interface{}{"position": "zz"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_UpdateLimitsAndUpgrade(t *testing.T) {
	f := newFixture(t)
	conn, _ := dial(t, f.svc)
	p := f.openTakeProfit(t, 900_000_000)
	limits := f.m.SignLimits(t, p, state.SomeLimit(12_500_000), state.Limit{})
	body := map[string]interface{}{
		"owner":     p.Owner.String(),
		"position":  p.Key.String(),
		"pool":      f.m.Pool.String(),
		"custody":   f.m.Custody.String(),
		"stop_loss": "12.5",
		"deadline":  limits.Deadline,
		"signature": hexutil.Encode(limits.Signature),
	}

	// Same request with the take-profit kept: not what the owner signed.
	forged := make(map[string]interface{}, len(body)+1)
	for k, v := range body {
		forged[k] = v
	}
	forged["take_profit"] = "900"
	_, err := invoke(conn, "UpdatePositionLimits", mustStruct(t, forged))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	delete(body, "signature")
	_, err = invoke(conn, "UpdatePositionLimits", mustStruct(t, body))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	body["signature"] = hexutil.Encode(limits.Signature)
	res, err := invoke(conn, "UpdatePositionLimits", mustStruct(t, body))
	require.NoError(t, err)
	assert.Equal(t, float64(1), res.Fields["sequence"].GetNumberValue())

	got, err := f.svc.GetPosition(context.Background(), mustStruct(t, map[string]interface{}{"position": p.Key.String()}))
	require.NoError(t, err)
	assert.Equal(t, "12.5", got.Fields["stop_loss"].GetStringValue())
	_, hasTP := got.Fields["take_profit"]
	assert.False(t, hasTP, "omitted limit clears")

	admins := f.m.SetAdmins(t, 2, 2)
	key, _ := f.m.OpenDeprecatedPosition(t, state.SideLong)
	payer := f.m.FundPayer(t, 1_000_000_000)
	sig, err := admins[0].Sign(core.UpgradeInstruction(f.m.Program, f.m.Pool, key).Fingerprint())
	require.NoError(t, err)

	res, err = invoke(conn, "UpgradePosition", mustStruct(t, map[string]interface{}{
		"payer":     payer.Pubkey().String(),
		"pool":      f.m.Pool.String(),
		"position":  key.String(),
		"signature": hexutil.Encode(sig),
	}))
	require.NoError(t, err)
	assert.Equal(t, float64(1), res.Fields["remaining"].GetNumberValue())
	assert.False(t, res.Fields["executed"].GetBoolValue())

	ins := core.UpgradeInstruction(f.m.Program, f.m.Pool, key)
	sig, err = admins[1].Sign(ins.Fingerprint())
	require.NoError(t, err)
	res, err = invoke(conn, "UpgradePosition", mustStruct(t, map[string]interface{}{
		"payer":           payer.Pubkey().String(),
		"payer_signature": hexutil.Encode(payer.Sign(ins.Fingerprint().Bytes())),
		"pool":            f.m.Pool.String(),
		"position":        key.String(),
		"signature":       hexutil.Encode(sig),
	}))
	require.NoError(t, err)
	assert.True(t, res.Fields["executed"].GetBoolValue())

	ms, err := invoke(conn, "GetMultisig", mustStruct(t, map[string]interface{}{}))
	require.NoError(t, err)
	assert.Equal(t, float64(1), ms.Fields["nonce"].GetNumberValue())
	assert.Equal(t, "executed", ms.Fields["state"].GetStringValue())
}

// ============================================================================
// Test: HTTP gateway
// ============================================================================

func TestGateway_Routes(t *testing.T) {
	f := newFixture(t)
	health := observability.NewHealthChecker()
	reg := prometheus.NewRegistry()
	handler, err := server.NewHTTPHandler(f.svc, health, reg, observability.NewMetricsWith(reg))
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	p := f.openTakeProfit(t, 200_000_000)

	resp, err := http.Get(ts.URL + "/v1/positions/" + p.Key.String() + "/preview")
	require.NoError(t, err)
	var preview map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&preview))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "249", preview["profit_usd"])

	resp, err = http.Get(ts.URL + "/v1/positions?with_limits=true&side=long&pool=" + f.m.Pool.String())
	require.NoError(t, err)
	var list struct {
		Positions []query.PositionResponse `json:"positions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Positions, 1)

	resp, err = http.Get(ts.URL + "/v1/positions?side=sideways")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/admin/multisig")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no admin set installed")

	body := `{"signer":"` + ledger.NewUniquePubkey().String() + `","pool":"` + f.m.Pool.String() +
		`","custody":"` + f.m.Custody.String() + `","receiving":"` + p.Receiving.String() + `","price":"50"}`
	resp, err = http.Post(ts.URL+"/v1/positions/"+p.Key.String()+"/trigger", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/positions/" + p.Key.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGRPC_SetPermissions(t *testing.T) {
	f := newFixture(t)
	conn, _ := dial(t, f.svc)
	admins := f.m.SetAdmins(t, 1, 1)

	sig, err := admins[0].Sign(core.PermissionsInstruction(f.m.Program, nil, true, false).Fingerprint())
	require.NoError(t, err)

	res, err := invoke(conn, "SetPermissions", mustStruct(t, map[string]interface{}{
		"signature":            hexutil.Encode(sig),
		"allow_open_position":  true,
		"allow_close_position": false,
	}))
	require.NoError(t, err)
	assert.True(t, res.Fields["executed"].GetBoolValue())

	perps, ok := f.m.DB.GetPerpetuals(ledger.PerpetualsAddress(f.m.Program))
	require.True(t, ok)
	assert.False(t, perps.Permissions.AllowClosePosition)
	assert.True(t, perps.Permissions.AllowOpenPosition)

	_, err = invoke(conn, "SetAdminSigners", mustStruct(t, map[string]interface{}{
		"signature":      hexutil.Encode(sig),
		"signers":        []interface{}{"not-an-address"},
		"min_signatures": "1",
	}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
