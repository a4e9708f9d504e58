package risk

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/sensex_straddler/internal/config"
	"github.com/eddiefleurent/sensex_straddler/internal/models"
)

// Vol filter defaults.
const (
	defaultVolAlpha       = 0.2
	defaultVolSigmaFactor = 3.0
	defaultVolWindow      = 20
)

// VolFilter gates entries on spot-return volatility. It maintains an EWMA
// mean and variance of tick-over-tick returns; a return far outside the
// recent band marks the market as unsafe for new entries. Any condition the
// filter cannot evaluate fails open.
type VolFilter struct {
	alpha       float64
	sigmaFactor float64
	minSamples  int

	lastSpot float64
	ewmaMean float64
	ewmaVar  float64
	samples  int

	// Band state at the moment the latest return was folded in, so the
	// return is judged against the history that preceded it.
	lastReturn float64
	priorMean  float64
	priorSigma float64

	logger *logrus.Logger
}

// NewVolFilter builds the gate, substituting defaults for unset config.
func NewVolFilter(cfg config.VolFilterConfig, logger *logrus.Logger) *VolFilter {
	f := &VolFilter{
		alpha:       cfg.Alpha,
		sigmaFactor: cfg.SigmaFactor,
		minSamples:  cfg.Window,
		logger:      logger,
	}
	if f.alpha <= 0 || f.alpha >= 1 {
		f.alpha = defaultVolAlpha
	}
	if f.sigmaFactor <= 0 {
		f.sigmaFactor = defaultVolSigmaFactor
	}
	if f.minSamples <= 0 {
		f.minSamples = defaultVolWindow
	}
	return f
}

// Update folds the snapshot's spot into the EWMA state. Unusable snapshots
// are ignored.
func (f *VolFilter) Update(snap *models.Snapshot) {
	if snap == nil || snap.Spot <= 0 {
		return
	}
	if f.lastSpot <= 0 {
		f.lastSpot = snap.Spot
		return
	}
	r := (snap.Spot - f.lastSpot) / f.lastSpot
	f.lastSpot = snap.Spot
	f.lastReturn = r
	f.priorMean = f.ewmaMean
	f.priorSigma = math.Sqrt(f.ewmaVar)

	if f.samples == 0 {
		f.ewmaMean = r
		f.ewmaVar = 0
	} else {
		d := r - f.ewmaMean
		f.ewmaMean += f.alpha * d
		f.ewmaVar = (1 - f.alpha) * (f.ewmaVar + f.alpha*d*d)
	}
	f.samples++
}

// IsVolOK reports whether current volatility permits new entries. The gate
// fails open during warmup and whenever sigma is degenerate.
func (f *VolFilter) IsVolOK(snap *models.Snapshot) (bool, string) {
	if snap == nil || snap.Spot <= 0 || f.samples < f.minSamples {
		return true, "warmup"
	}
	if f.priorSigma <= 0 || math.IsNaN(f.priorSigma) || math.IsInf(f.priorSigma, 0) {
		return true, "sigma degenerate"
	}

	if abs(f.lastReturn-f.priorMean) > f.sigmaFactor*f.priorSigma {
		f.logger.WithFields(logrus.Fields{
			"return": f.lastReturn,
			"mean":   f.priorMean,
			"sigma":  f.priorSigma,
		}).Warn("volatility gate closed")
		return false, "return outside volatility band"
	}
	return true, "ok"
}
