// Package orchestrator runs the single-threaded control loop: one tick per
// poll interval, steps in strict sequence, at most one strategy action
// dispatched per position per tick.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/sensex_straddler/internal/config"
	"github.com/eddiefleurent/sensex_straddler/internal/gateway"
	"github.com/eddiefleurent/sensex_straddler/internal/models"
	"github.com/eddiefleurent/sensex_straddler/internal/regime"
	"github.com/eddiefleurent/sensex_straddler/internal/risk"
	"github.com/eddiefleurent/sensex_straddler/internal/schedule"
	"github.com/eddiefleurent/sensex_straddler/internal/strategy"
)

// SnapshotProvider yields per-tick market snapshots.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context) (*models.Snapshot, error)
}

// RegimeClassifier labels snapshots with a market regime.
type RegimeClassifier interface {
	Observe(candle regime.Candle, iv float64)
	Classify(snap *models.Snapshot) (models.Regime, map[string]float64)
}

// VolatilityGate vetoes new entries on abnormal spot moves.
type VolatilityGate interface {
	Update(snap *models.Snapshot)
	IsVolOK(snap *models.Snapshot) (bool, string)
}

// RiskControl is the slice of the risk manager the loop drives.
type RiskControl interface {
	ResetDailyTracking(now time.Time)
	IsEmergencyMode() bool
	EnterEmergencyMode(reason string)
	CheckDailyLossLimit(now time.Time) bool
	UpdatePnL(pnl float64, now time.Time) bool
	ComputeSize(lots int, stoplossPerLot, targetPerLot float64, now time.Time) *risk.SizeDecision
	CheckMarginRequirement(orders []models.OrderRequest, snap *models.Snapshot, lotSize int) bool
	RecordTrade(now time.Time)
}

// OrderSender is the gateway surface the loop uses.
type OrderSender interface {
	SendOrders(ctx context.Context, orders []models.OrderRequest, tag string) (bool, []gateway.OrderResult)
	PollPending(ctx context.Context)
}

// Notifier delivers best-effort operator alerts.
type Notifier interface {
	Send(message string)
}

// Orchestrator owns the control loop. Strategies are evaluated in the order
// given; the first that can enter wins the tick.
type Orchestrator struct {
	cfg        *config.Config
	provider   SnapshotProvider
	classifier RegimeClassifier
	volGate    VolatilityGate
	riskMgr    RiskControl
	sender     OrderSender
	strategies []strategy.Strategy
	scheduler  *schedule.Scheduler
	notifier   Notifier
	logger     *logrus.Logger

	loc       *time.Location
	tag       string
	startHour int
	startMin  int
	hasStart  bool
	now       func() time.Time
}

// New wires the loop. All collaborators are required except the notifier,
// which may be nil.
func New(
	cfg *config.Config,
	provider SnapshotProvider,
	classifier RegimeClassifier,
	volGate VolatilityGate,
	riskMgr RiskControl,
	sender OrderSender,
	strategies []strategy.Strategy,
	scheduler *schedule.Scheduler,
	notifier Notifier,
	logger *logrus.Logger,
) (*Orchestrator, error) {
	if provider == nil || classifier == nil || volGate == nil || riskMgr == nil || sender == nil {
		return nil, fmt.Errorf("orchestrator: missing collaborator")
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("orchestrator: no strategies registered")
	}
	o := &Orchestrator{
		cfg:        cfg,
		provider:   provider,
		classifier: classifier,
		volGate:    volGate,
		riskMgr:    riskMgr,
		sender:     sender,
		strategies: strategies,
		scheduler:  scheduler,
		notifier:   notifier,
		logger:     logger,
		loc:        cfg.Location(),
		tag:        cfg.Webhook.Tag,
		now:        time.Now,
	}
	if cfg.Schedule.StartTime != "" {
		if _, err := fmt.Sscanf(cfg.Schedule.StartTime, "%d:%d", &o.startHour, &o.startMin); err == nil {
			o.hasStart = true
		} else {
			logger.WithField("start_time", cfg.Schedule.StartTime).Warn("ignoring malformed schedule.start_time")
		}
	}
	return o, nil
}

// Run executes ticks until the context is cancelled, the final schedule
// entry fires, or emergency liquidation completes.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.cfg.PollInterval()
	o.logger.WithFields(logrus.Fields{
		"poll_interval": interval,
		"strategies":    len(o.strategies),
		"simulation":    o.cfg.IsSimulation(),
	}).Info("control loop starting")

	for {
		if o.tick(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// tick runs one pass and reports whether the loop should terminate. Any
// panic below the schedule steps is caught here so a bad tick never kills
// the session.
func (o *Orchestrator) tick(ctx context.Context) (terminate bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.WithField("panic", r).Error("tick panicked, resuming next tick")
			terminate = false
		}
	}()

	now := o.now().In(o.loc)
	o.riskMgr.ResetDailyTracking(now)

	// 1. Emergency mode liquidates everything and ends the session.
	if o.riskMgr.IsEmergencyMode() {
		o.liquidateAll(ctx, "emergency liquidation")
		o.logger.Error("emergency liquidation complete, stopping")
		o.alert("emergency liquidation complete, session stopped")
		return true
	}

	// 2. Scheduled exits, each at most once per day.
	for _, entry := range o.scheduler.Due(now) {
		o.logger.WithField("entry", entry.TimeOfDay()).Info("scheduled exit due")
		o.liquidateAll(ctx, "scheduled exit "+entry.TimeOfDay())
		o.scheduler.MarkExecuted(entry, now)
		if entry.Final {
			o.logger.Info("final schedule entry executed, stopping")
			return true
		}
	}

	// 3. Snapshot; a failed fetch skips the whole tick.
	snap, err := o.provider.GetSnapshot(ctx)
	if err != nil {
		o.logger.WithError(err).Warn("snapshot unavailable, skipping tick")
		return false
	}

	// 4. Regime label and metrics merged into the snapshot. Spot-only
	// synthetic candles until a real bar feed exists.
	o.classifier.Observe(regime.Candle{High: snap.Spot, Low: snap.Spot, Close: snap.Spot}, snap.IVEstimate)
	snap.Regime, snap.RegimeMetrics = o.classifier.Classify(snap)

	// 5. Volatility gate, fails open.
	o.volGate.Update(snap)
	volOK, volReason := o.volGate.IsVolOK(snap)
	if !volOK {
		o.logger.WithField("reason", volReason).Warn("volatility gate closed for new entries")
	}

	// 6. Daily-loss breach blocks entries only; open positions are still
	// managed below.
	lossBreached := o.riskMgr.CheckDailyLossLimit(now)
	if lossBreached {
		o.logger.Warn("daily loss limit breached, new entries blocked")
	}

	// 7. Entry, first eligible strategy wins.
	if volOK && !lossBreached && !o.anyInPosition() && o.pastStartTime(now) {
		o.tryEnter(ctx, snap, now)
	}

	// 8. Manage open positions, one action per strategy per tick.
	for _, s := range o.strategies {
		if !s.InPosition() {
			continue
		}
		action := s.OnTick(snap)
		if action == nil {
			continue
		}
		o.dispatch(ctx, s, action, now)
	}

	// Reconcile pending fills before sleeping.
	o.sender.PollPending(ctx)
	return false
}

// tryEnter asks each flat strategy in priority order; sizing or margin
// failure aborts the entry for this tick only.
func (o *Orchestrator) tryEnter(ctx context.Context, snap *models.Snapshot, now time.Time) {
	for _, s := range o.strategies {
		if s.InPosition() {
			continue
		}
		ok, reason, params := s.CanEnter(snap)
		if !ok {
			o.logger.WithFields(logrus.Fields{
				"strategy": s.Name(),
				"reason":   reason,
			}).Debug("entry declined")
			continue
		}

		size := o.riskMgr.ComputeSize(params.Lots, o.cfg.Strategy.StoplossPerLot, o.cfg.Strategy.TargetPerLot, now)
		if size == nil {
			o.logger.WithField("strategy", s.Name()).Warn("risk sizing rejected entry")
			return
		}
		params.Lots = size.Lots

		orders := s.Enter(snap, params)
		if !o.riskMgr.CheckMarginRequirement(orders, snap, o.cfg.LotSize()) {
			s.Exit() // unwind the optimistic position, nothing was sent
			o.logger.WithField("strategy", s.Name()).Warn("margin check rejected entry")
			return
		}

		anyOK, results := o.sender.SendOrders(ctx, orders, o.tag)
		if !anyOK {
			s.Exit()
			o.logger.WithField("strategy", s.Name()).Error("entry orders all failed, position discarded")
			return
		}
		o.riskMgr.RecordTrade(now)
		o.logger.WithFields(logrus.Fields{
			"strategy": s.Name(),
			"lots":     params.Lots,
			"orders":   len(results),
			"max_loss": size.MaxLoss,
			"target":   size.TakeProfit,
		}).Info("position entered")
		return
	}
}

// dispatch routes a tick action to its side effect. Stop and target exits
// feed realized MTM back into risk, which can flip the session into
// emergency mode.
func (o *Orchestrator) dispatch(ctx context.Context, s strategy.Strategy, action *models.Action, now time.Time) {
	log := o.logger.WithFields(logrus.Fields{
		"strategy": s.Name(),
		"reason":   action.Reason,
		"mtm":      action.MTM,
	})

	switch action.Reason {
	case models.ReasonStoploss, models.ReasonTarget:
		orders := s.Exit()
		if len(orders) > 0 {
			o.sender.SendOrders(ctx, orders, o.tag)
		}
		log.Info("position closed")
		o.alert(fmt.Sprintf("%s closed position (%s, MTM %.2f)", s.Name(), action.Reason, action.MTM))
		if o.riskMgr.UpdatePnL(action.MTM, now) {
			o.riskMgr.EnterEmergencyMode(fmt.Sprintf("daily loss limit breached on %s exit", action.Reason))
			o.alert("daily loss limit breached: entering emergency mode")
		}
	case models.ReasonRoll, models.ReasonAddWings, models.ReasonRemoveWings, models.ReasonWingExit:
		if len(action.Orders) > 0 {
			o.sender.SendOrders(ctx, action.Orders, o.tag)
		}
		log.Info("action dispatched")
	default:
		log.Warn("unknown action reason ignored")
	}
}

// liquidateAll exits every open position. The gateway's own retry and
// breaker handling applies to the closing orders.
func (o *Orchestrator) liquidateAll(ctx context.Context, reason string) {
	for _, s := range o.strategies {
		if !s.InPosition() {
			continue
		}
		orders := s.Exit()
		if len(orders) == 0 {
			continue
		}
		anyOK, _ := o.sender.SendOrders(ctx, orders, o.tag)
		o.logger.WithFields(logrus.Fields{
			"strategy": s.Name(),
			"orders":   len(orders),
			"sent":     anyOK,
			"reason":   reason,
		}).Info("position liquidated")
	}
}

func (o *Orchestrator) anyInPosition() bool {
	for _, s := range o.strategies {
		if s.InPosition() {
			return true
		}
	}
	return false
}

// pastStartTime gates entries before the configured session start.
func (o *Orchestrator) pastStartTime(now time.Time) bool {
	if !o.hasStart {
		return true
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), o.startHour, o.startMin, 0, 0, o.loc)
	return !now.Before(start)
}

func (o *Orchestrator) alert(message string) {
	if o.notifier != nil {
		o.notifier.Send(message)
	}
}
