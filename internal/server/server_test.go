package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"SynthLedger/internal/observability"
	"SynthLedger/internal/query"
	"SynthLedger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
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

var (
	sponsor    = testutil.Addr(10)
	liquidator = testutil.Addr(11)
)

type fixture struct {
	h       *testutil.Harness
	srv     *GRPCServer
	http    http.Handler
	metrics *observability.Metrics
}

func newFixture(t *testing.T, rateLimit float64, burst int) *fixture {
	t.Helper()
	h := testutil.NewHarness(t, nil)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	qs := query.NewQueryService(h.Engine, h.Clock, nil)
	srv := NewGRPCServer("127.0.0.1:0", "127.0.0.1:0", &ServerDeps{
		Handlers:      NewHandlers(h.Engine, qs, h.Clock),
		HealthChecker: observability.NewHealthChecker(),
		Metrics:       metrics,
		Logger:        zerolog.Nop(),
		RateLimit:     rateLimit,
		RateBurst:     burst,
	})
	handler, err := srv.HTTPHandler()
	require.NoError(t, err)
	return &fixture{h: h, srv: srv, http: handler, metrics: metrics}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	f.http.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestHTTP_CommandLifecycle(t *testing.T) {
	f := newFixture(t, 1000, 1000)

	code, _ := f.do(t, "POST", "/v1/commands/Fund", map[string]string{
		"idempotency_key": "fund-1", "party": sponsor.Hex(), "amount": "1000",
	})
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, "POST", "/v1/commands/Create", map[string]string{
		"idempotency_key": "create-1", "sponsor": sponsor.Hex(), "collateral": "600", "tokens": "100",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["sequence"])
	assert.Equal(t, false, body["duplicate"])

	// same key again is a duplicate, not a second position change
	code, body = f.do(t, "POST", "/v1/commands/Create", map[string]string{
		"idempotency_key": "create-1", "sponsor": sponsor.Hex(), "collateral": "600", "tokens": "100",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["duplicate"])

	code, body = f.do(t, "GET", "/v1/positions/"+sponsor.Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "600", body["collateral"])
	assert.Equal(t, "100", body["tokens_outstanding"])

	code, body = f.do(t, "GET", "/v1/positions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["positions"], 1)

	code, _ = f.do(t, "GET", "/v1/global", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, "GET", "/v1/params", nil)
	assert.Equal(t, http.StatusOK, code)
	code, body = f.do(t, "GET", "/v1/integrity", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_healthy"])
}

func TestHTTP_ErrorMapping(t *testing.T) {
	f := newFixture(t, 1000, 1000)
	f.h.Fund(t, "1000", sponsor)
	_, err := f.h.Engine.Create(context.Background(), sponsor, testutil.D("600"), testutil.D("100"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
		kind   string
	}{
		{"unknown command", "POST", "/v1/commands/Leverage", map[string]string{}, http.StatusBadRequest, ""},
		{"bad address", "GET", "/v1/positions/nope", nil, http.StatusBadRequest, ""},
		{"no position", "GET", "/v1/positions/" + liquidator.Hex(), nil, http.StatusNotFound, ""},
		{"under-collateralized", "POST", "/v1/commands/Withdraw",
			map[string]string{"sponsor": sponsor.Hex(), "amount": "500"}, http.StatusUnprocessableEntity, "solvency"},
		{"no pending withdrawal", "POST", "/v1/commands/WithdrawPassedRequest",
			map[string]string{"sponsor": sponsor.Hex()}, http.StatusConflict, "state"},
		{"before expiry", "POST", "/v1/commands/SettleExpired",
			map[string]string{"caller": sponsor.Hex()}, http.StatusTooEarly, "timing"},
		{"no command log", "GET", "/v1/balances/" + sponsor.Hex() + "/journals", nil, http.StatusNotImplemented, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, code, "body: %v", body)
			if tt.kind != "" {
				assert.Equal(t, tt.kind, body["kind"])
			}
		})
	}
}

func TestHTTP_PendingOracleIsRetryable(t *testing.T) {
	f := newFixture(t, 1000, 1000)
	f.h.Clock.Advance(31 * 24 * time.Hour)

	code, body := f.do(t, "POST", "/v1/commands/SettleExpired", map[string]string{"caller": sponsor.Hex()})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, true, body["retryable"])
}

func TestHTTP_SetClock(t *testing.T) {
	f := newFixture(t, 1000, 1000)
	target := testutil.Genesis.Add(time.Hour).Unix()

	code, body := f.do(t, "POST", "/v1/clock", map[string]int64{"unix_time": target})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(target), body["unix_time"])
	assert.Equal(t, target, f.h.Clock.Now().Unix())
}

func TestHTTP_SetClockWithoutTimer(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	srv := NewGRPCServer("", "", &ServerDeps{
		Handlers:  NewHandlers(h.Engine, query.NewQueryService(h.Engine, h.Clock, nil), nil),
		Logger:    zerolog.Nop(),
		RateLimit: 10,
		RateBurst: 10,
	})
	handler, err := srv.HTTPHandler()
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/clock", bytes.NewBufferString(`{"unix_time": 100}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHTTP_RateLimit(t *testing.T) {
	f := newFixture(t, 0.001, 2)

	for i := 0; i < 2; i++ {
		code, _ := f.do(t, "GET", "/v1/params", nil)
		require.Equal(t, http.StatusOK, code)
	}
	code, _ := f.do(t, "GET", "/v1/params", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.APIRateLimited))

	// health bypasses the limiter
	code, _ = f.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/v1/positions/*/liquidations/*", routeLabel("/v1/positions/"+sponsor.Hex()+"/liquidations/3"))
	assert.Equal(t, "/v1/commands/Create", routeLabel("/v1/commands/Create"))
}

// --- gRPC over an in-memory listener ---

func dialBuf(t *testing.T, f *fixture) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = f.srv.grpcServer.Serve(lis) }()
	t.Cleanup(f.srv.grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, in map[string]interface{}) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)
	out := new(structpb.Struct)
	err = conn.Invoke(context.Background(), "/"+ServiceName+"/"+method, req, out)
	return out, err
}

func TestGRPC_SubmitAndQuery(t *testing.T) {
	f := newFixture(t, 1000, 1000)
	conn := dialBuf(t, f)

	_, err := invoke(t, conn, "Submit", map[string]interface{}{
		"type":    "Fund",
		"payload": map[string]interface{}{"party": sponsor.Hex(), "amount": "1000"},
	})
	require.NoError(t, err)
	out, err := invoke(t, conn, "Submit", map[string]interface{}{
		"type":    "Create",
		"payload": map[string]interface{}{"sponsor": sponsor.Hex(), "collateral": "600", "tokens": "100"},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), out.GetFields()["sequence"].GetNumberValue())

	out, err = invoke(t, conn, "GetBalance", map[string]interface{}{"party": sponsor.Hex()})
	require.NoError(t, err)
	assert.Equal(t, "400", out.GetFields()["collateral"].GetStringValue())

	out, err = invoke(t, conn, "ListPositions", map[string]interface{}{})
	require.NoError(t, err)
	assert.Len(t, out.GetFields()["positions"].GetListValue().GetValues(), 1)

	assert.Equal(t, float64(1), promtest.ToFloat64(
		f.metrics.APIRequests.WithLabelValues("grpc", "/"+ServiceName+"/GetBalance", codes.OK.String())))
}

func TestGRPC_StatusCodes(t *testing.T) {
	f := newFixture(t, 1000, 1000)
	conn := dialBuf(t, f)

	_, err := invoke(t, conn, "Submit", map[string]interface{}{
		"type":    "Withdraw",
		"payload": map[string]interface{}{"sponsor": sponsor.Hex(), "amount": "1"},
	})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = invoke(t, conn, "Submit", map[string]interface{}{
		"type":    "Withdraw",
		"payload": map[string]interface{}{"sponsor": sponsor.Hex(), "amount": "0"},
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invoke(t, conn, "Submit", map[string]interface{}{"payload": map[string]interface{}{}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invoke(t, conn, "GetLiquidation", map[string]interface{}{"sponsor": sponsor.Hex(), "liquidation_id": 0})
	assert.Equal(t, codes.NotFound, status.Code(err))

	f.h.Clock.Advance(31 * 24 * time.Hour)
	_, err = invoke(t, conn, "Submit", map[string]interface{}{
		"type":    "SettleExpired",
		"payload": map[string]interface{}{"caller": sponsor.Hex()},
	})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	_, err = invoke(t, conn, "SetTime", map[string]interface{}{"unix_time": -1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_Health(t *testing.T) {
	f := newFixture(t, 1000, 1000)
	conn := dialBuf(t, f)
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	f.srv.SetServing(true)
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
