package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/sensex_straddler/internal/config"
	"github.com/eddiefleurent/sensex_straddler/internal/gateway"
	"github.com/eddiefleurent/sensex_straddler/internal/models"
	"github.com/eddiefleurent/sensex_straddler/internal/regime"
	"github.com/eddiefleurent/sensex_straddler/internal/risk"
	"github.com/eddiefleurent/sensex_straddler/internal/schedule"
	"github.com/eddiefleurent/sensex_straddler/internal/strategy"
)

type fakeProvider struct {
	snap  *models.Snapshot
	err   error
	calls int
}

func (f *fakeProvider) GetSnapshot(context.Context) (*models.Snapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	// Copy so ticks cannot see each other's regime mutations.
	s := *f.snap
	return &s, nil
}

type fakeClassifier struct {
	label    models.Regime
	observed int
}

func (f *fakeClassifier) Observe(regime.Candle, float64) { f.observed++ }
func (f *fakeClassifier) Classify(*models.Snapshot) (models.Regime, map[string]float64) {
	return f.label, map[string]float64{"iv_rank": 40}
}

type fakeGate struct {
	ok     bool
	reason string
}

func (f *fakeGate) Update(*models.Snapshot) {}
func (f *fakeGate) IsVolOK(*models.Snapshot) (bool, string) {
	return f.ok, f.reason
}

type fakeRisk struct {
	emergency    bool
	lossBreached bool
	size         *risk.SizeDecision
	marginOK     bool
	breachOnPnL  bool

	pnls   []float64
	trades int
}

func (f *fakeRisk) ResetDailyTracking(time.Time) {}
func (f *fakeRisk) IsEmergencyMode() bool        { return f.emergency }
func (f *fakeRisk) EnterEmergencyMode(string)    { f.emergency = true }
func (f *fakeRisk) CheckDailyLossLimit(time.Time) bool {
	return f.lossBreached
}
func (f *fakeRisk) UpdatePnL(pnl float64, _ time.Time) bool {
	f.pnls = append(f.pnls, pnl)
	return f.breachOnPnL
}
func (f *fakeRisk) ComputeSize(int, float64, float64, time.Time) *risk.SizeDecision {
	return f.size
}
func (f *fakeRisk) CheckMarginRequirement([]models.OrderRequest, *models.Snapshot, int) bool {
	return f.marginOK
}
func (f *fakeRisk) RecordTrade(time.Time) { f.trades++ }

type fakeSender struct {
	batches [][]models.OrderRequest
	anyOK   bool
	polls   int
}

func (f *fakeSender) SendOrders(_ context.Context, orders []models.OrderRequest, _ string) (bool, []gateway.OrderResult) {
	f.batches = append(f.batches, orders)
	results := make([]gateway.OrderResult, len(orders))
	for i := range orders {
		results[i] = gateway.OrderResult{Order: orders[i], Success: f.anyOK}
	}
	return f.anyOK, results
}

func (f *fakeSender) PollPending(context.Context) { f.polls++ }

type fakeStrategy struct {
	name        string
	inPos       bool
	canEnter    bool
	enterOrders []models.OrderRequest
	exitOrders  []models.OrderRequest
	action      *models.Action
	panicOnTick bool

	enters int
	exits  int
	ticks  int
}

func (f *fakeStrategy) Name() string     { return f.name }
func (f *fakeStrategy) InPosition() bool { return f.inPos }
func (f *fakeStrategy) CanEnter(*models.Snapshot) (bool, string, strategy.EntryParams) {
	if !f.canEnter {
		return false, "declined", strategy.EntryParams{}
	}
	return true, "ok", strategy.EntryParams{Lots: 1}
}
func (f *fakeStrategy) Enter(*models.Snapshot, strategy.EntryParams) []models.OrderRequest {
	f.enters++
	f.inPos = true
	return f.enterOrders
}
func (f *fakeStrategy) OnTick(*models.Snapshot) *models.Action {
	f.ticks++
	if f.panicOnTick {
		panic("tick exploded")
	}
	return f.action
}
func (f *fakeStrategy) Exit() []models.OrderRequest {
	f.exits++
	f.inPos = false
	return f.exitOrders
}
func (f *fakeStrategy) ConfirmFill(string, float64) {}
func (f *fakeStrategy) OpenLegs() []models.Leg      { return nil }

type harness struct {
	orch     *Orchestrator
	provider *fakeProvider
	riskMgr  *fakeRisk
	sender   *fakeSender
	strat    *fakeStrategy
	clock    time.Time
}

func newHarness(t *testing.T, eodExits []config.EODExitConfig) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		Schedule: config.ScheduleConfig{Timezone: "UTC", PollInterval: "1ms", EODExits: eodExits},
		Strategy: config.StrategyConfig{Lots: 1, StoplossPerLot: 3000, TargetPerLot: 10000},
		Webhook:  config.WebhookConfig{Tag: "68f1af24611676c1c94ce1b0"},
	}

	h := &harness{
		provider: &fakeProvider{snap: &models.Snapshot{Spot: 75000, ATMStrike: 75000, CallLTP: 200, PutLTP: 190}},
		riskMgr:  &fakeRisk{size: &risk.SizeDecision{Lots: 1}, marginOK: true},
		sender:   &fakeSender{anyOK: true},
		strat: &fakeStrategy{
			name:        "test",
			canEnter:    true,
			enterOrders: []models.OrderRequest{{Instrument: "X", Action: models.ActionSell, Lots: 1}},
			exitOrders:  []models.OrderRequest{{Instrument: "X", Action: models.ActionBuy, Lots: 1}},
		},
		clock: time.Date(2025, 10, 16, 10, 0, 0, 0, time.UTC),
	}

	orch, err := New(cfg, h.provider, &fakeClassifier{label: models.RegimeCalm}, &fakeGate{ok: true},
		h.riskMgr, h.sender, []strategy.Strategy{h.strat},
		schedule.New(eodExits, time.UTC, logger), nil, logger)
	require.NoError(t, err)
	orch.now = func() time.Time { return h.clock }
	h.orch = orch
	return h
}

func TestTickSkipsOnSnapshotError(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.err = errors.New("chain down")

	terminate := h.orch.tick(context.Background())

	assert.False(t, terminate)
	assert.Zero(t, h.strat.ticks, "strategy must not run without a snapshot")
	assert.Empty(t, h.sender.batches)
}

func TestEntryFlow(t *testing.T) {
	h := newHarness(t, nil)

	terminate := h.orch.tick(context.Background())

	assert.False(t, terminate)
	assert.Equal(t, 1, h.strat.enters)
	require.Len(t, h.sender.batches, 1)
	assert.Equal(t, "X", h.sender.batches[0][0].Instrument)
	assert.Equal(t, 1, h.riskMgr.trades)
	assert.Equal(t, 1, h.sender.polls, "pending orders are reconciled each tick")
}

func TestEntryBlockedByVolGate(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.volGate = &fakeGate{ok: false, reason: "return outside volatility band"}

	h.orch.tick(context.Background())

	assert.Zero(t, h.strat.enters)
	assert.Empty(t, h.sender.batches)
}

func TestDailyLossBlocksEntriesButManagesPosition(t *testing.T) {
	h := newHarness(t, nil)
	h.riskMgr.lossBreached = true
	h.strat.inPos = true
	h.strat.action = &models.Action{
		Reason: models.ReasonRoll,
		Orders: []models.OrderRequest{{Instrument: "Y", Action: models.ActionSell, Lots: 1}},
	}

	h.orch.tick(context.Background())

	assert.Zero(t, h.strat.enters, "breached limit must block new entries")
	assert.Equal(t, 1, h.strat.ticks, "open position is still managed")
	require.Len(t, h.sender.batches, 1)
	assert.Equal(t, "Y", h.sender.batches[0][0].Instrument)
}

func TestSizingRejectionAbortsEntry(t *testing.T) {
	h := newHarness(t, nil)
	h.riskMgr.size = nil

	h.orch.tick(context.Background())

	assert.Zero(t, h.strat.enters)
	assert.Empty(t, h.sender.batches)
}

func TestMarginRejectionUnwindsEntry(t *testing.T) {
	h := newHarness(t, nil)
	h.riskMgr.marginOK = false

	h.orch.tick(context.Background())

	assert.Equal(t, 1, h.strat.enters)
	assert.Equal(t, 1, h.strat.exits, "optimistic position is unwound")
	assert.False(t, h.strat.inPos)
	assert.Empty(t, h.sender.batches, "nothing reaches the gateway")
}

func TestFailedEntryBatchDiscardsPosition(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.anyOK = false

	h.orch.tick(context.Background())

	assert.Equal(t, 1, h.strat.enters)
	assert.Equal(t, 1, h.strat.exits)
	assert.Zero(t, h.riskMgr.trades)
}

func TestStoplossExitFeedsRiskAndTriggersEmergency(t *testing.T) {
	h := newHarness(t, nil)
	h.strat.inPos = true
	h.strat.action = &models.Action{Reason: models.ReasonStoploss, MTM: -60000}
	h.riskMgr.breachOnPnL = true

	terminate := h.orch.tick(context.Background())

	assert.False(t, terminate, "emergency liquidation happens on the next tick")
	assert.Equal(t, 1, h.strat.exits)
	require.Len(t, h.riskMgr.pnls, 1)
	assert.Equal(t, -60000.0, h.riskMgr.pnls[0])
	assert.True(t, h.riskMgr.emergency)

	// Next tick: position already flat, loop terminates cleanly.
	terminate = h.orch.tick(context.Background())
	assert.True(t, terminate)
}

func TestEmergencyModeLiquidatesAndTerminates(t *testing.T) {
	h := newHarness(t, nil)
	h.riskMgr.emergency = true
	h.strat.inPos = true

	terminate := h.orch.tick(context.Background())

	assert.True(t, terminate)
	assert.Equal(t, 1, h.strat.exits)
	require.Len(t, h.sender.batches, 1, "closing orders go through the gateway")
	assert.Zero(t, h.provider.calls, "no snapshot needed to liquidate")
}

func TestScheduledExitsFireOncePerDay(t *testing.T) {
	h := newHarness(t, []config.EODExitConfig{
		{Time: "09:30"},
		{Time: "15:29", Final: true},
	})
	h.strat.inPos = true

	// 10:00: only the 09:30 entry is due. It liquidates and is marked.
	terminate := h.orch.tick(context.Background())
	assert.False(t, terminate)
	assert.Equal(t, 1, h.strat.exits)

	// Same day, later: the 09:30 entry must not fire again.
	h.clock = h.clock.Add(30 * time.Minute)
	h.strat.inPos = true
	h.strat.canEnter = false
	terminate = h.orch.tick(context.Background())
	assert.False(t, terminate)
	assert.Equal(t, 1, h.strat.exits, "non-final entry fires once per day")

	// 15:30: the final entry liquidates and terminates the loop.
	h.clock = time.Date(2025, 10, 16, 15, 30, 0, 0, time.UTC)
	terminate = h.orch.tick(context.Background())
	assert.True(t, terminate)
	assert.Equal(t, 2, h.strat.exits)
}

func TestEntryWaitsForStartTime(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.hasStart = true
	h.orch.startHour, h.orch.startMin = 10, 30

	h.orch.tick(context.Background()) // clock is 10:00
	assert.Zero(t, h.strat.enters)

	h.clock = h.clock.Add(time.Hour)
	h.orch.tick(context.Background())
	assert.Equal(t, 1, h.strat.enters)
}

func TestTickRecoversFromPanic(t *testing.T) {
	h := newHarness(t, nil)
	h.strat.inPos = true
	h.strat.canEnter = false
	h.strat.panicOnTick = true

	terminate := h.orch.tick(context.Background())

	assert.False(t, terminate, "a panicking tick resumes, never terminates")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.err = errors.New("chain down") // keep ticks trivial

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := &config.Config{Schedule: config.ScheduleConfig{Timezone: "UTC"}}

	_, err := New(cfg, nil, nil, nil, nil, nil, nil, nil, nil, logger)
	assert.Error(t, err)
}
