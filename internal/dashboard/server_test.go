package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/sensex_straddler/internal/gateway"
	"github.com/eddiefleurent/sensex_straddler/internal/models"
	"github.com/eddiefleurent/sensex_straddler/internal/risk"
)

type fakePosition struct {
	inPos bool
	legs  []models.Leg
}

func (f *fakePosition) Name() string           { return "rolling_straddle" }
func (f *fakePosition) InPosition() bool       { return f.inPos }
func (f *fakePosition) OpenLegs() []models.Leg { return f.legs }

type fakeOrders struct {
	pending map[string]gateway.Record
	filled  map[string]gateway.Record
	breaker string
}

func (f *fakeOrders) PendingOrders() map[string]gateway.Record { return f.pending }
func (f *fakeOrders) FilledOrders() map[string]gateway.Record  { return f.filled }
func (f *fakeOrders) PendingCount() int                        { return len(f.pending) }
func (f *fakeOrders) FilledCount() int                         { return len(f.filled) }
func (f *fakeOrders) BreakerState() string                     { return f.breaker }

type fakeRisk struct{ state risk.State }

func (f *fakeRisk) Snapshot(time.Time) risk.State { return f.state }

func newTestServer(authToken string) *Server {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	pos := &fakePosition{
		inPos: true,
		legs: []models.Leg{
			{Instrument: "SENSEX251016C75000", Side: models.SideShort, Lots: 1, MTM: 150},
			{Instrument: "SENSEX251016P75000", Side: models.SideShort, Lots: 1, MTM: -50},
		},
	}
	orders := &fakeOrders{
		pending: map[string]gateway.Record{"k1": {OrderID: "1234567890", Status: "pending"}},
		filled:  map[string]gateway.Record{},
		breaker: "closed",
	}
	riskSrc := &fakeRisk{state: risk.State{DailyPnL: -1200}}

	return NewServer(Config{Port: 0, AuthToken: authToken}, pos, orders, riskSrc, logger)
}

func get(t *testing.T, srv *Server, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer("secret")

	rec := get(t, srv, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestAuthRequiredOnAPIRoutes(t *testing.T) {
	srv := newTestServer("secret")

	assert.Equal(t, http.StatusUnauthorized, get(t, srv, "/api/position", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/position", map[string]string{"X-Auth-Token": "secret"}).Code)
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/position?token=secret", nil).Code)
}

func TestPositionView(t *testing.T) {
	srv := newTestServer("")

	rec := get(t, srv, "/api/position", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var view PositionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "rolling_straddle", view.Strategy)
	assert.True(t, view.InPosition)
	assert.Len(t, view.Legs, 2)
	assert.Equal(t, 100.0, view.TotalMTM)
}

func TestOrderAndBreakerEndpoints(t *testing.T) {
	srv := newTestServer("")

	rec := get(t, srv, "/api/orders/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Equal(t, 1.0, pending["count"])

	rec = get(t, srv, "/api/breaker", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var breaker map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &breaker))
	assert.Equal(t, "closed", breaker["state"])
}

func TestRiskEndpoint(t *testing.T) {
	srv := newTestServer("")

	rec := get(t, srv, "/api/risk", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var state risk.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, -1200.0, state.DailyPnL)
}
