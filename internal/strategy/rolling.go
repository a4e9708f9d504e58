package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/sensex_straddler/internal/config"
	"github.com/eddiefleurent/sensex_straddler/internal/models"
)

const defaultWingIV = 15.0

// Regimes in which a fresh straddle may be opened. Volatile and trending
// regimes block new entries; existing positions are managed regardless.
var entryRegimes = map[models.Regime]bool{
	models.RegimeCalm:       true,
	models.RegimeTransition: true,
}

// Regimes that call for protective wings on an open straddle.
var wingRegimes = map[models.Regime]bool{
	models.RegimeVolatile:     true,
	models.RegimeTrendingUp:   true,
	models.RegimeTrendingDown: true,
}

// RollingStraddle sells the ATM straddle and rolls each side independently
// as spot migrates, optionally carrying iron-fly wings sized off IV.
type RollingStraddle struct {
	symbol     string
	expiry     string
	strikeStep int
	lotSize    int
	lots       int

	rollPct        float64
	buffer         float64
	holdTime       time.Duration
	stoplossPerLot float64
	targetPerLot   float64

	wingFactor      float64
	wingExitPct     float64
	ivThreshold     float64
	ivRankThreshold float64

	legs     []models.Leg
	wings    map[string]*models.Wing
	orphans  map[string]float64
	hasWings bool

	inPosition bool
	lastATM    int
	lastRoll   time.Time
	baselineCE float64
	baselinePE float64
	realizedCE float64
	realizedPE float64

	logger *logrus.Logger
	now    func() time.Time
}

// NewRollingStraddle builds the strategy from config.
func NewRollingStraddle(cfg *config.Config, logger *logrus.Logger) *RollingStraddle {
	wingFactor := cfg.Strategy.IronFly.WingFactor
	if wingFactor <= 0 {
		wingFactor = 1.0
	}
	ivThreshold := cfg.Strategy.IronFly.IVThreshold
	if ivThreshold <= 0 {
		ivThreshold = 25
	}
	ivRankThreshold := cfg.Strategy.IronFly.IVRankThreshold
	if ivRankThreshold <= 0 {
		ivRankThreshold = 70
	}
	return &RollingStraddle{
		symbol:          cfg.Market.Symbol,
		expiry:          cfg.Market.ExpiryDate,
		strikeStep:      cfg.StrikeStep(),
		lotSize:         cfg.LotSize(),
		lots:            cfg.Strategy.Lots,
		rollPct:         cfg.RollPct(),
		buffer:          cfg.Strategy.Buffer,
		holdTime:        cfg.HoldTime(),
		stoplossPerLot:  cfg.Strategy.StoplossPerLot,
		targetPerLot:    cfg.Strategy.TargetPerLot,
		wingFactor:      wingFactor,
		wingExitPct:     cfg.WingExitPct(),
		ivThreshold:     ivThreshold,
		ivRankThreshold: ivRankThreshold,
		wings:           make(map[string]*models.Wing),
		orphans:         make(map[string]float64),
		logger:          logger,
		now:             time.Now,
	}
}

// Name identifies the strategy in logs and the priority list.
func (r *RollingStraddle) Name() string { return "rolling_straddle" }

// InPosition reports whether a straddle is currently open.
func (r *RollingStraddle) InPosition() bool { return r.inPosition }

// CanEnter allows a new straddle only when flat, both legs are quoted, and
// the regime permits fresh entries.
func (r *RollingStraddle) CanEnter(snap *models.Snapshot) (bool, string, EntryParams) {
	if r.inPosition {
		return false, "already in position", EntryParams{}
	}
	if snap.CallLTP <= 0 || snap.PutLTP <= 0 {
		return false, "option legs not quoted", EntryParams{}
	}
	if !entryRegimes[snap.Regime] {
		return false, fmt.Sprintf("regime %s blocks new entries", snap.Regime), EntryParams{}
	}
	return true, "entry conditions met", EntryParams{Lots: r.lots}
}

// Enter requests the ATM straddle. Entry prices stay absent until the
// gateway confirms fills.
func (r *RollingStraddle) Enter(snap *models.Snapshot, params EntryParams) []models.OrderRequest {
	lots := params.Lots
	if lots <= 0 {
		lots = r.lots
	}
	ce := models.BuildOptionSymbol(r.symbol, r.expiry, snap.ATMStrike, models.OptionCall)
	pe := models.BuildOptionSymbol(r.symbol, r.expiry, snap.ATMStrike, models.OptionPut)

	r.legs = []models.Leg{
		{Instrument: ce, Side: models.SideShort, Lots: lots, RequestedPrice: snap.CallLTP, State: models.LegRequested},
		{Instrument: pe, Side: models.SideShort, Lots: lots, RequestedPrice: snap.PutLTP, State: models.LegRequested},
	}
	r.inPosition = true
	r.lastATM = snap.ATMStrike
	r.lastRoll = r.now()
	r.baselineCE = snap.CallLTP
	r.baselinePE = snap.PutLTP

	r.logger.WithFields(logrus.Fields{
		"atm":    snap.ATMStrike,
		"ce_req": snap.CallLTP,
		"pe_req": snap.PutLTP,
		"regime": snap.Regime,
	}).Info("straddle requested")

	return []models.OrderRequest{
		{Instrument: ce, Action: models.ActionSell, Lots: lots},
		{Instrument: pe, Action: models.ActionSell, Lots: lots},
	}
}

// OnTick evaluates triggers in strict priority order and returns the first
// that fires: stop/target, roll, wing lifecycle, wing emergency exit.
func (r *RollingStraddle) OnTick(snap *models.Snapshot) *models.Action {
	if !r.inPosition {
		return nil
	}

	totalMTM := r.markToMarket(snap)

	// 1. Stop / target on the whole position, realized legs included.
	stop := -r.stoplossPerLot * float64(r.lots) * float64(r.lotSize)
	target := r.targetPerLot * float64(r.lots) * float64(r.lotSize)
	if totalMTM <= stop {
		r.logger.WithField("mtm", totalMTM).Info("stoploss triggered")
		return &models.Action{Reason: models.ReasonStoploss, Legs: r.OpenLegs(), MTM: totalMTM}
	}
	if totalMTM >= target {
		r.logger.WithField("mtm", totalMTM).Info("target triggered")
		return &models.Action{Reason: models.ReasonTarget, Legs: r.OpenLegs(), MTM: totalMTM}
	}

	// 2. Roll each side independently.
	if action := r.evaluateRoll(snap, totalMTM); action != nil {
		return action
	}

	// 3. Wing lifecycle: add when conditions call for protection, remove
	// when they no longer do.
	if r.shouldHaveWings(snap) {
		if !r.hasWings {
			if orders := r.addWings(snap); len(orders) > 0 {
				r.hasWings = true
				return &models.Action{Reason: models.ReasonAddWings, Orders: orders, MTM: totalMTM}
			}
		}
	} else if r.hasWings {
		orders := r.removeWings(snap)
		r.hasWings = false
		if len(orders) > 0 {
			return &models.Action{Reason: models.ReasonRemoveWings, Orders: orders, MTM: totalMTM}
		}
	}

	// 4. Per-wing emergency exit on outsized moves.
	if orders := r.wingEmergencyExits(snap); len(orders) > 0 {
		return &models.Action{Reason: models.ReasonWingExit, Orders: orders, MTM: totalMTM}
	}

	return nil
}

// markToMarket recomputes per-leg MTM from current chain prices. Unfilled
// legs contribute zero. Realized MTM from rolled-away legs is included in
// the total.
func (r *RollingStraddle) markToMarket(snap *models.Snapshot) float64 {
	ceMTM, peMTM := 0.0, 0.0
	for i := range r.legs {
		leg := &r.legs[i]
		if !leg.Filled() || *leg.EntryPrice == 0 {
			leg.MTM = 0
			continue
		}
		cur := snap.LTPFor(leg.Instrument)
		mtm := (*leg.EntryPrice - cur) * float64(leg.Lots) * float64(r.lotSize)
		if leg.Side == models.SideLong {
			mtm = -mtm
		}
		leg.MTM = mtm

		_, optType, err := models.ParseOptionSymbol(leg.Instrument)
		if err != nil {
			continue
		}
		if optType == models.OptionCall {
			ceMTM += mtm
		} else {
			peMTM += mtm
		}
	}
	return ceMTM + peMTM + r.realizedCE + r.realizedPE
}

func (r *RollingStraddle) evaluateRoll(snap *models.Snapshot, totalMTM float64) *models.Action {
	atm := snap.ATMStrike

	// Guard against one-tick data glitches: an ATM jump beyond two strike
	// steps is treated as noise and the previous ATM is kept.
	if r.lastATM != 0 && math.Abs(float64(atm-r.lastATM)) > float64(2*r.strikeStep) {
		r.logger.WithFields(logrus.Fields{
			"last_atm": r.lastATM,
			"new_atm":  atm,
		}).Warn("abnormal ATM jump ignored")
		atm = r.lastATM
	}

	cePct := percentChange(snap.CallLTP, r.baselineCE)
	pePct := percentChange(snap.PutLTP, r.baselinePE)
	bufferOK := math.Abs(snap.Spot-float64(r.lastATM)) >= r.buffer
	holdOK := r.now().Sub(r.lastRoll) >= r.holdTime
	atmChanged := atm != r.lastATM

	ceRoll := math.Abs(cePct) >= r.rollPct && bufferOK && holdOK && atmChanged
	peRoll := math.Abs(pePct) >= r.rollPct && bufferOK && holdOK && atmChanged
	if !ceRoll && !peRoll {
		return nil
	}

	var orders []models.OrderRequest
	if ceRoll {
		orders = append(orders, r.rollSide(snap, models.OptionCall, atm, cePct)...)
	}
	if peRoll {
		orders = append(orders, r.rollSide(snap, models.OptionPut, atm, pePct)...)
	}

	// Baselines and the ATM marker move to the new strike regardless of
	// which side rolled.
	r.lastATM = atm
	r.lastRoll = r.now()
	r.baselineCE = snap.CallLTP
	r.baselinePE = snap.PutLTP

	return &models.Action{Reason: models.ReasonRoll, Orders: orders, MTM: totalMTM}
}

// rollSide closes the side's leg at the old strike and opens a new one at
// the new ATM, realizing the closed leg's MTM.
func (r *RollingStraddle) rollSide(snap *models.Snapshot, optType string, newATM int, changePct float64) []models.OrderRequest {
	oldInstr := models.BuildOptionSymbol(r.symbol, r.expiry, r.lastATM, optType)
	newInstr := models.BuildOptionSymbol(r.symbol, r.expiry, newATM, optType)

	requested := snap.CallLTP
	if optType == models.OptionPut {
		requested = snap.PutLTP
	}

	for i := range r.legs {
		leg := &r.legs[i]
		if leg.Instrument != oldInstr {
			continue
		}
		if leg.Filled() {
			realized := (*leg.EntryPrice - snap.LTPFor(oldInstr)) * float64(leg.Lots) * float64(r.lotSize)
			if optType == models.OptionCall {
				r.realizedCE += realized
			} else {
				r.realizedPE += realized
			}
		}
		r.legs[i] = models.Leg{
			Instrument:     newInstr,
			Side:           models.SideShort,
			Lots:           leg.Lots,
			RequestedPrice: requested,
			State:          models.LegRequested,
		}
		break
	}

	r.logger.WithFields(logrus.Fields{
		"side":       optType,
		"from":       r.lastATM,
		"to":         newATM,
		"change_pct": changePct,
	}).Info("rolling side")

	return []models.OrderRequest{
		{Instrument: oldInstr, Action: models.ActionBuy, Lots: r.lots},
		{Instrument: newInstr, Action: models.ActionSell, Lots: r.lots},
	}
}

// shouldHaveWings reports whether the position needs protective wings.
func (r *RollingStraddle) shouldHaveWings(snap *models.Snapshot) bool {
	if wingRegimes[snap.Regime] {
		return true
	}
	ivRank := snap.Metric("iv_rank", 50)
	return snap.IVEstimate > r.ivThreshold || ivRank > r.ivRankThreshold
}

// wingDistance scales the OTM offset with IV, snapped to the strike grid
// and floored at one step.
func (r *RollingStraddle) wingDistance(spot, iv float64) int {
	if iv <= 0 {
		iv = defaultWingIV
	}
	step := float64(r.strikeStep)
	distance := int(math.Round(spot*iv/100*r.wingFactor/step)) * r.strikeStep
	if distance < r.strikeStep {
		distance = r.strikeStep
	}
	return distance
}

func (r *RollingStraddle) addWings(snap *models.Snapshot) []models.OrderRequest {
	distance := r.wingDistance(snap.Spot, snap.IVEstimate)
	ceStrike := snapToChain(snap.Chain, snap.ATMStrike+distance, models.OptionCall, snap.ATMStrike)
	peStrike := snapToChain(snap.Chain, snap.ATMStrike-distance, models.OptionPut, snap.ATMStrike)

	var orders []models.OrderRequest
	for _, w := range []struct {
		strike  int
		optType string
	}{
		{ceStrike, models.OptionCall},
		{peStrike, models.OptionPut},
	} {
		instr := models.BuildOptionSymbol(r.symbol, r.expiry, w.strike, w.optType)
		if _, tracked := r.wings[instr]; tracked {
			continue
		}
		ltp := snap.LTPFor(instr)
		r.wings[instr] = &models.Wing{
			Instrument:     instr,
			Lots:           r.lots,
			State:          models.LegRequested,
			RequestedPrice: ltp,
		}
		orders = append(orders, models.OrderRequest{Instrument: instr, Action: models.ActionBuy, Lots: r.lots})
		r.logger.WithFields(logrus.Fields{
			"wing":     instr,
			"req_ltp":  ltp,
			"distance": distance,
			"iv":       snap.IVEstimate,
		}).Info("wing requested")
	}
	return orders
}

func (r *RollingStraddle) removeWings(snap *models.Snapshot) []models.OrderRequest {
	var orders []models.OrderRequest
	for instr, wing := range r.wings {
		orders = append(orders, models.OrderRequest{Instrument: instr, Action: models.ActionSell, Lots: wing.Lots})
		r.logger.WithFields(logrus.Fields{
			"wing":  instr,
			"state": wing.State,
			"curr":  snap.LTPFor(instr),
		}).Info("removing wing")
		delete(r.wings, instr)
	}
	return orders
}

// wingEmergencyExits sells any wing whose price moved beyond the exit
// threshold from its baseline. A wing sold here leaves tracking, so a
// repeat tick cannot re-trigger it.
func (r *RollingStraddle) wingEmergencyExits(snap *models.Snapshot) []models.OrderRequest {
	var orders []models.OrderRequest
	for instr, wing := range r.wings {
		baseline := wing.Baseline()
		if baseline <= 0 {
			continue
		}
		cur := snap.LTPFor(instr)
		changePct := (cur - baseline) / baseline * 100
		if math.Abs(changePct) < r.wingExitPct {
			continue
		}
		orders = append(orders, models.OrderRequest{Instrument: instr, Action: models.ActionSell, Lots: wing.Lots})
		r.logger.WithFields(logrus.Fields{
			"wing":       instr,
			"change_pct": changePct,
			"pnl_est":    (cur - baseline) * float64(wing.Lots) * float64(r.lotSize),
		}).Info("wing emergency exit")
		delete(r.wings, instr)
	}
	return orders
}

// Exit builds closing orders for everything tracked and resets to flat
// immediately. This is optimistic bookkeeping: it does not wait for the
// orders to execute.
func (r *RollingStraddle) Exit() []models.OrderRequest {
	var orders []models.OrderRequest
	for _, leg := range r.legs {
		orders = append(orders, models.OrderRequest{Instrument: leg.Instrument, Action: models.ActionBuy, Lots: leg.Lots})
	}
	for instr, wing := range r.wings {
		orders = append(orders, models.OrderRequest{Instrument: instr, Action: models.ActionSell, Lots: wing.Lots})
	}

	r.legs = nil
	r.wings = make(map[string]*models.Wing)
	r.hasWings = false
	r.inPosition = false
	r.lastATM = 0
	r.baselineCE = 0
	r.baselinePE = 0
	r.realizedCE = 0
	r.realizedPE = 0

	return orders
}

// ConfirmFill transitions the matching leg or wing to FILLED. An unknown
// instrument is kept in an orphan map for audit rather than discarded.
func (r *RollingStraddle) ConfirmFill(instrument string, fillPrice float64) {
	found := false
	for i := range r.legs {
		if r.legs[i].Instrument == instrument {
			price := fillPrice
			r.legs[i].EntryPrice = &price
			r.legs[i].State = models.LegFilled
			found = true
			r.logger.WithFields(logrus.Fields{
				"instrument": instrument,
				"fill_price": fillPrice,
			}).Info("leg fill confirmed")
			break
		}
	}
	if wing, ok := r.wings[instrument]; ok {
		price := fillPrice
		wing.EntryPrice = &price
		wing.State = models.LegFilled
		found = true
		r.logger.WithFields(logrus.Fields{
			"instrument": instrument,
			"fill_price": fillPrice,
		}).Info("wing fill confirmed")
	}
	if !found {
		r.logger.WithField("instrument", instrument).Warn("fill for unknown instrument recorded as orphan")
		r.orphans[instrument] = fillPrice
	}
}

// OpenLegs returns a copy of the straddle legs.
func (r *RollingStraddle) OpenLegs() []models.Leg {
	out := make([]models.Leg, len(r.legs))
	copy(out, r.legs)
	return out
}

// Wings returns a copy of the tracked protective wings.
func (r *RollingStraddle) Wings() []models.Wing {
	out := make([]models.Wing, 0, len(r.wings))
	for _, w := range r.wings {
		out = append(out, *w)
	}
	return out
}

// snapToChain picks the chain strike nearest the target on the correct OTM
// side of ATM, falling back to the raw target when the chain has no
// candidates.
func snapToChain(chain []models.ChainRow, target int, optType string, atm int) int {
	best := 0
	bestDiff := math.Inf(1)
	for _, row := range chain {
		strike := int(row.Strike)
		if strike == 0 {
			continue
		}
		if optType == models.OptionCall && strike < atm {
			continue
		}
		if optType == models.OptionPut && strike > atm {
			continue
		}
		if diff := math.Abs(float64(strike - target)); diff < bestDiff {
			bestDiff = diff
			best = strike
		}
	}
	if best == 0 {
		return target
	}
	return best
}

func percentChange(current, baseline float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return (current - baseline) / baseline * 100
}
