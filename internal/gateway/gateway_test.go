package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/sensex_straddler/internal/config"
	"github.com/eddiefleurent/sensex_straddler/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Send(message string) {
	f.messages = append(f.messages, message)
}

func testConfig(t *testing.T, webhookURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Environment: config.EnvironmentConfig{Mode: "live"},
		Webhook:     config.WebhookConfig{URL: webhookURL},
		Execution: config.ExecutionConfig{
			MaxRetries:              3,
			InitialRetryDelay:       "1ms",
			MaxRetryDelay:           "4ms",
			RequestTimeout:          "2s",
			CircuitBreakerThreshold: 2,
			CircuitBreakerTimeout:   "60ms",
			DataPaths: config.DataPath{
				PendingFile: filepath.Join(dir, "pending.jsonl"),
				FilledFile:  filepath.Join(dir, "filled.jsonl"),
			},
		},
	}
}

func testOrders(n int) []models.OrderRequest {
	orders := make([]models.OrderRequest, n)
	for i := range orders {
		orders[i] = models.OrderRequest{
			Instrument: "SENSEX251016C75000",
			Action:     models.ActionSell,
			Lots:       1,
		}
	}
	return orders
}

func TestSendOrdersSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"order_id": "OD-1234567890"}`))
	}))
	defer srv.Close()

	g := New(testConfig(t, srv.URL), &fakeNotifier{}, quietLogger())
	ok, results := g.SendOrders(context.Background(), testOrders(3), "")

	require.True(t, ok)
	require.Len(t, results, 3)
	seen := map[string]bool{}
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, "OD-1234567890", r.OrderID)
		assert.False(t, seen[r.IdempotencyKey], "idempotency keys must be pairwise distinct")
		seen[r.IdempotencyKey] = true
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 3, g.PendingCount())
}

func TestSendOrdersExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	notifier := &fakeNotifier{}
	g := New(testConfig(t, srv.URL), notifier, quietLogger())
	ok, results := g.SendOrders(context.Background(), testOrders(1), "")

	assert.False(t, ok)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Contains(t, results[0].Error, "HTTP 500")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.NotEmpty(t, notifier.messages)
	assert.Contains(t, notifier.messages[0], "all orders failed")
}

func TestBreakerOpensAndRejectsWithoutNetworkCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	notifier := &fakeNotifier{}
	g := New(testConfig(t, srv.URL), notifier, quietLogger())

	// Threshold is 2 consecutive failed batches.
	g.SendOrders(context.Background(), testOrders(1), "")
	g.SendOrders(context.Background(), testOrders(1), "")
	assert.Equal(t, "open", g.BreakerState())

	before := atomic.LoadInt32(&calls)
	ok, results := g.SendOrders(context.Background(), testOrders(1), "")
	assert.False(t, ok)
	assert.Empty(t, results)
	assert.Equal(t, before, atomic.LoadInt32(&calls), "open breaker must not hit the network")

	var sawBreakerAlert bool
	for _, m := range notifier.messages {
		if m == "circuit breaker OPEN: order delivery suspended" {
			sawBreakerAlert = true
		}
	}
	assert.True(t, sawBreakerAlert)
}

func TestBreakerHalfOpenClosesOnSuccess(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"order_id": "OD-1"}`))
	}))
	defer srv.Close()

	g := New(testConfig(t, srv.URL), &fakeNotifier{}, quietLogger())
	g.SendOrders(context.Background(), testOrders(1), "")
	g.SendOrders(context.Background(), testOrders(1), "")
	require.Equal(t, "open", g.BreakerState())

	// Past the breaker timeout the next batch probes half-open; a success
	// closes the breaker and resets the failure count.
	time.Sleep(80 * time.Millisecond)
	failing.Store(false)
	ok, _ := g.SendOrders(context.Background(), testOrders(1), "")
	assert.True(t, ok)
	assert.Equal(t, "closed", g.BreakerState())
}

func TestTagAppliedToOutgoingURLOnly(t *testing.T) {
	var gotTag string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTag = r.URL.Query().Get("tag")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := New(testConfig(t, srv.URL), &fakeNotifier{}, quietLogger())
	base := g.webhookURL

	g.SendOrders(context.Background(), testOrders(1), "not-a-hex-tag")
	assert.Regexp(t, `^[0-9a-f]{24}$`, gotTag, "a malformed tag is replaced with a fresh 24-hex one")
	assert.Equal(t, base, g.webhookURL, "stored base URL must never be mutated")

	g.SendOrders(context.Background(), testOrders(1), "68f1af24611676c1c94ce1b0")
	assert.Equal(t, "68f1af24611676c1c94ce1b0", gotTag, "a valid tag passes through unchanged")
}

func TestExistingTagParamIsReplaced(t *testing.T) {
	var gotTag string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTag = r.URL.Query().Get("tag")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL+"?token=abc&tag=bogus")
	g := New(cfg, &fakeNotifier{}, quietLogger())
	g.SendOrders(context.Background(), testOrders(1), "68f1af24611676c1c94ce1b0")
	assert.Equal(t, "68f1af24611676c1c94ce1b0", gotTag)
}

func TestOrderPayloadShape(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := New(testConfig(t, srv.URL), &fakeNotifier{}, quietLogger())
	g.now = func() time.Time {
		return time.Date(2025, 10, 16, 9, 30, 0, 0, time.UTC)
	}
	g.SendOrders(context.Background(), []models.OrderRequest{
		{Instrument: "SENSEX251016P75000", Action: models.ActionBuy, Lots: 2},
	}, "68f1af24611676c1c94ce1b0")

	assert.Equal(t, "SENSEX251016P75000", body["instrument"])
	assert.Equal(t, "buy", body["action"])
	assert.Equal(t, float64(2), body["lots"])
	assert.Equal(t, "2025-10-16T09:30:00Z", body["timestamp"])
	key, _ := body["idempotency_key"].(string)
	assert.Regexp(t, `^68f1af24611676c1c94ce1b0-0-[0-9a-f]{8}$`, key)
}

func TestSimulationMode(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/webhook")
	cfg.Environment.Mode = "simulation"

	g := New(cfg, &fakeNotifier{}, quietLogger())
	ok, results := g.SendOrders(context.Background(), testOrders(2), "")

	require.True(t, ok)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.True(t, r.Simulated)
		assert.Regexp(t, `^SIM-[0-9a-f]{8}$`, r.OrderID)
	}
	assert.Equal(t, 2, g.PendingCount())
}

func TestConfirmFill(t *testing.T) {
	cfg := testConfig(t, "http://example.invalid/webhook")
	cfg.Environment.Mode = "simulation"
	g := New(cfg, &fakeNotifier{}, quietLogger())

	var cbKey string
	g.SetFillCallback(func(key string, rec Record) {
		cbKey = key
	})

	_, results := g.SendOrders(context.Background(), testOrders(1), "")
	key := results[0].IdempotencyKey

	assert.False(t, g.ConfirmFill("no-such-key", 100, time.Time{}),
		"unknown keys return false without raising")

	require.True(t, g.ConfirmFill(key, 212.5, time.Time{}))
	assert.Equal(t, key, cbKey)
	assert.Equal(t, 0, g.PendingCount())
	assert.Equal(t, 1, g.FilledCount())
	assert.Equal(t, 212.5, g.FilledOrders()[key].FillPrice)

	assert.False(t, g.ConfirmFill(key, 212.5, time.Time{}),
		"a key confirms at most once")
}

func TestFillCallbackPanicIsContained(t *testing.T) {
	cfg := testConfig(t, "http://example.invalid/webhook")
	cfg.Environment.Mode = "simulation"
	g := New(cfg, &fakeNotifier{}, quietLogger())
	g.SetFillCallback(func(key string, rec Record) {
		panic("consumer bug")
	})

	_, results := g.SendOrders(context.Background(), testOrders(1), "")
	assert.True(t, g.ConfirmFill(results[0].IdempotencyKey, 100, time.Time{}))
	assert.Equal(t, 1, g.FilledCount())
}

func TestPollPendingConfirmsTerminalStatus(t *testing.T) {
	statusSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "FILLED", "avg_fill_price": 123.5}`))
	}))
	defer statusSrv.Close()

	cfg := testConfig(t, "http://example.invalid/webhook")
	cfg.Environment.Mode = "simulation"
	cfg.Execution.OrderStatusURLTemplate = statusSrv.URL + "/orders/{idempotency_key}"
	g := New(cfg, &fakeNotifier{}, quietLogger())

	_, results := g.SendOrders(context.Background(), testOrders(1), "")
	require.Equal(t, 1, g.PendingCount())

	g.PollPending(context.Background())
	assert.Equal(t, 0, g.PendingCount())
	assert.Equal(t, 1, g.FilledCount())
	assert.Equal(t, 123.5, g.FilledOrders()[results[0].IdempotencyKey].FillPrice)
}

func TestPollPendingIgnoresNonTerminalStatus(t *testing.T) {
	statusSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "open"}`))
	}))
	defer statusSrv.Close()

	cfg := testConfig(t, "http://example.invalid/webhook")
	cfg.Environment.Mode = "simulation"
	cfg.Execution.OrderStatusURLTemplate = statusSrv.URL + "/orders/{idempotency_key}"
	g := New(cfg, &fakeNotifier{}, quietLogger())

	g.SendOrders(context.Background(), testOrders(1), "")
	g.PollPending(context.Background())
	assert.Equal(t, 1, g.PendingCount())
	assert.Equal(t, 0, g.FilledCount())
}

func TestLedgersSurviveRestart(t *testing.T) {
	cfg := testConfig(t, "http://example.invalid/webhook")
	cfg.Environment.Mode = "simulation"

	g1 := New(cfg, &fakeNotifier{}, quietLogger())
	_, results := g1.SendOrders(context.Background(), testOrders(2), "")
	require.True(t, g1.ConfirmFill(results[0].IdempotencyKey, 99.5, time.Time{}))

	g2 := New(cfg, &fakeNotifier{}, quietLogger())
	assert.Equal(t, 1, g2.PendingCount())
	assert.Equal(t, 1, g2.FilledCount())
	assert.Equal(t, 99.5, g2.FilledOrders()[results[0].IdempotencyKey].FillPrice)
}

func TestParseOrderID(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"snake case", `{"order_id": "ABC-123"}`, "ABC-123"},
		{"camel case", `{"orderId": "XYZ-9"}`, "XYZ-9"},
		{"bare id", `{"id": "42A"}`, "42A"},
		{"numeric id", `{"id": 9876}`, "9876"},
		{"nested data", `{"data": {"order_id": "NEST-1"}}`, "NEST-1"},
		{"regex fallback", `order placed, order_id: FB-77`, "FB-77"},
		{"long digits", `{"result": "1234567890123"}`, "1234567890123"},
		{"empty", ``, ""},
		{"nothing useful", `{"ok": true}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseOrderID(tc.body))
		})
	}
}
