// Package risk enforces account-level limits: daily loss, open exposure,
// margin, and a terminal emergency mode that halts all trading.
package risk

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/sensex_straddler/internal/config"
	"github.com/eddiefleurent/sensex_straddler/internal/models"
)

// Defaults when config leaves limits unset.
const (
	defaultMaxDailyLoss    = 0.03
	defaultAccountEquity   = 1_000_000
	defaultMaxOpenExposure = 0.10
)

// Margin estimation constants for the simplified pre-trade check.
const (
	availableMarginFraction = 0.20
	marginRequirementRate   = 0.10
	fallbackPremium         = 100.0
)

// SizeDecision is the approved position size for one entry.
type SizeDecision struct {
	Lots       int
	MaxLoss    float64
	TakeProfit float64
}

// State is a read-only view of the manager for the dashboard.
type State struct {
	DailyPnL           float64 `json:"daily_pnl"`
	CurrentExposure    float64 `json:"current_exposure"`
	EmergencyMode      bool    `json:"emergency_mode"`
	DailyLimitBreached bool    `json:"daily_limit_breached"`
}

// Manager tracks per-day PnL and exposure against configured limits.
// Emergency mode is terminal for the process lifetime.
type Manager struct {
	mu sync.Mutex

	accountEquity   float64
	maxDailyLoss    float64
	maxOpenExposure float64

	dailyPnL        map[string]float64
	dailyTrades     map[string]int
	currentExposure float64

	emergencyMode      bool
	dailyLimitBreached bool

	logger *logrus.Logger
}

// NewManager builds a manager, substituting defaults for unset limits.
func NewManager(cfg config.RiskConfig, logger *logrus.Logger) *Manager {
	m := &Manager{
		accountEquity:   cfg.AccountEquity,
		maxDailyLoss:    cfg.MaxDailyLoss,
		maxOpenExposure: cfg.MaxOpenExposure,
		dailyPnL:        make(map[string]float64),
		dailyTrades:     make(map[string]int),
		logger:          logger,
	}
	if m.accountEquity <= 0 {
		m.accountEquity = defaultAccountEquity
	}
	if m.maxDailyLoss <= 0 {
		m.maxDailyLoss = defaultMaxDailyLoss
	}
	if m.maxOpenExposure <= 0 {
		m.maxOpenExposure = defaultMaxOpenExposure
	}
	return m
}

func dateKey(now time.Time) string {
	return now.Format("2006-01-02")
}

// ResetDailyTracking opens a fresh daily record; the breach latch clears on
// a new trading day.
func (m *Manager) ResetDailyTracking(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := dateKey(now)
	if _, ok := m.dailyPnL[day]; !ok {
		m.dailyPnL[day] = 0
		m.dailyTrades[day] = 0
		m.dailyLimitBreached = false
		m.logger.WithField("date", day).Info("daily risk tracking reset")
	}
}

// UpdatePnL adds realized PnL for the day and reports whether the daily loss
// limit was breached by this update.
func (m *Manager) UpdatePnL(pnl float64, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := dateKey(now)
	m.dailyPnL[day] += pnl

	total := m.dailyPnL[day]
	lossPct := abs(total) / m.accountEquity
	if total < 0 && lossPct >= m.maxDailyLoss {
		m.dailyLimitBreached = true
		m.logger.WithFields(logrus.Fields{
			"daily_pnl": total,
			"loss_pct":  lossPct * 100,
		}).Error("daily loss limit breached")
		return true
	}
	return false
}

// CheckDailyLossLimit reports whether trading may continue today.
func (m *Manager) CheckDailyLossLimit(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dailyLimitBreached {
		return false
	}
	total := m.dailyPnL[dateKey(now)]
	if total < 0 && abs(total)/m.accountEquity >= m.maxDailyLoss {
		m.dailyLimitBreached = true
		m.logger.WithField("daily_pnl", total).Error("daily loss limit breached")
		return false
	}
	return true
}

// CheckExposureLimit reports whether adding the proposed exposure stays
// within the open-exposure cap.
func (m *Manager) CheckExposureLimit(proposed float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	pct := (m.currentExposure + proposed) / m.accountEquity
	if pct > m.maxOpenExposure {
		m.logger.WithFields(logrus.Fields{
			"exposure_pct": pct * 100,
			"limit_pct":    m.maxOpenExposure * 100,
		}).Warn("exposure limit would be breached")
		return false
	}
	return true
}

// UpdateExposure adjusts the tracked open exposure by delta.
func (m *Manager) UpdateExposure(delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.currentExposure += delta
	m.logger.WithFields(logrus.Fields{
		"exposure":     m.currentExposure,
		"exposure_pct": m.currentExposure / m.accountEquity * 100,
	}).Info("exposure updated")
}

// CheckMarginRequirement estimates whether the account can carry the batch.
// Premiums come from the snapshot chain when available; the estimate is
// advisory and only blocks when the shortfall is unambiguous.
func (m *Manager) CheckMarginRequirement(orders []models.OrderRequest, snap *models.Snapshot, lotSize int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lotSize <= 0 {
		lotSize = 1
	}
	totalPremium := 0.0
	for _, o := range orders {
		premium := fallbackPremium
		if snap != nil {
			if ltp := snap.LTPFor(o.Instrument); ltp > 0 {
				premium = ltp
			}
		}
		lots := o.Lots
		if lots <= 0 {
			lots = 1
		}
		totalPremium += premium * float64(lots) * float64(lotSize)
	}

	available := m.accountEquity * availableMarginFraction
	required := totalPremium * marginRequirementRate
	if required > available {
		m.logger.WithFields(logrus.Fields{
			"required_margin":  required,
			"available_margin": available,
		}).Warn("estimated margin insufficient")
		return false
	}
	return true
}

// EnterEmergencyMode halts all trading for the remainder of the process.
func (m *Manager) EnterEmergencyMode(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.emergencyMode = true
	m.logger.WithField("reason", reason).Error("emergency mode activated")
}

// IsEmergencyMode reports whether emergency mode is active.
func (m *Manager) IsEmergencyMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyMode
}

// ComputeSize runs the pre-entry risk checks and returns the approved size,
// or nil when any check fails.
func (m *Manager) ComputeSize(lots int, stoplossPerLot, targetPerLot float64, now time.Time) *SizeDecision {
	m.ResetDailyTracking(now)

	if m.IsEmergencyMode() {
		m.logger.Error("cannot enter trade: emergency mode active")
		return nil
	}
	if !m.CheckDailyLossLimit(now) {
		m.logger.Error("cannot enter trade: daily loss limit breached")
		return nil
	}
	if lots <= 0 {
		lots = 1
	}
	if !m.CheckExposureLimit(stoplossPerLot * float64(lots)) {
		m.logger.Error("cannot enter trade: exposure limit would be breached")
		return nil
	}
	return &SizeDecision{
		Lots:       lots,
		MaxLoss:    stoplossPerLot * float64(lots),
		TakeProfit: targetPerLot * float64(lots),
	}
}

// RecordTrade bumps the daily trade counter.
func (m *Manager) RecordTrade(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyTrades[dateKey(now)]++
}

// DailyPnL returns today's realized PnL.
func (m *Manager) DailyPnL(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL[dateKey(now)]
}

// Snapshot returns the dashboard view of the current risk state.
func (m *Manager) Snapshot(now time.Time) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		DailyPnL:           m.dailyPnL[dateKey(now)],
		CurrentExposure:    m.currentExposure,
		EmergencyMode:      m.emergencyMode,
		DailyLimitBreached: m.dailyLimitBreached,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
