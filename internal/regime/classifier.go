// Package regime classifies the market into coarse regimes from technical
// indicators computed over a bounded in-memory candle history.
package regime

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/sensex_straddler/internal/config"
	"github.com/eddiefleurent/sensex_straddler/internal/models"
)

const defaultHistorySize = 256

// Candle is one observation of the underlying.
type Candle struct {
	High  float64
	Low   float64
	Close float64
}

// Classifier owns its rolling candle and IV windows; history is bounded by
// HistorySize so a long session cannot grow memory without limit.
type Classifier struct {
	cfg     config.RegimeConfig
	candles []Candle
	ivs     []float64
	logger  *logrus.Logger
}

// NewClassifier builds a classifier, applying indicator-period defaults for
// unset config fields.
func NewClassifier(cfg config.RegimeConfig, logger *logrus.Logger) *Classifier {
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	if cfg.ADXPeriod <= 0 {
		cfg.ADXPeriod = 14
	}
	if cfg.BBPeriod <= 0 {
		cfg.BBPeriod = 20
	}
	if cfg.BBStd <= 0 {
		cfg.BBStd = 2.0
	}
	if cfg.SMAPeriod <= 0 {
		cfg.SMAPeriod = 20
	}
	if cfg.SMALookback <= 0 {
		cfg.SMALookback = 5
	}
	if cfg.ATRHighThreshold <= 0 {
		cfg.ATRHighThreshold = 2.0
	}
	if cfg.ADXTrendingThreshold <= 0 {
		cfg.ADXTrendingThreshold = 25
	}
	if cfg.ADXStrongThreshold <= 0 {
		cfg.ADXStrongThreshold = 40
	}
	if cfg.BBWidthHighThreshold <= 0 {
		cfg.BBWidthHighThreshold = 0.05
	}
	if cfg.SMASlopeThreshold <= 0 {
		cfg.SMASlopeThreshold = 0.5
	}
	if cfg.IVRankHigh <= 0 {
		cfg.IVRankHigh = 70
	}
	if cfg.IVRankLow <= 0 {
		cfg.IVRankLow = 30
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Classifier{cfg: cfg, logger: logger}
}

// Observe appends one candle and IV reading, trimming history to capacity.
func (c *Classifier) Observe(candle Candle, iv float64) {
	c.candles = append(c.candles, candle)
	if len(c.candles) > c.cfg.HistorySize {
		c.candles = c.candles[len(c.candles)-c.cfg.HistorySize:]
	}
	if iv > 0 {
		c.ivs = append(c.ivs, iv)
		if len(c.ivs) > c.cfg.HistorySize {
			c.ivs = c.ivs[len(c.ivs)-c.cfg.HistorySize:]
		}
	}
}

// Classify labels the current regime and returns the metrics that drove the
// decision. With insufficient history metrics degrade to neutral values and
// the label tends toward TRANSITION.
func (c *Classifier) Classify(snap *models.Snapshot) (models.Regime, map[string]float64) {
	metrics := map[string]float64{
		"atr": 0, "atr_pct": 0,
		"adx": 0, "plus_di": 0, "minus_di": 0,
		"bb_width":  0,
		"sma_slope": 0,
		"iv_rank":   50,
	}
	if snap != nil {
		metrics["current_iv"] = snap.IVEstimate
	}

	if len(c.candles) >= c.cfg.ATRPeriod+1 {
		atr := c.atr()
		lastClose := c.candles[len(c.candles)-1].Close
		if lastClose > 0 && !math.IsNaN(atr) {
			metrics["atr"] = atr
			metrics["atr_pct"] = atr / lastClose * 100
		}
	}
	if len(c.candles) >= c.cfg.ADXPeriod+1 {
		adx, plusDI, minusDI := c.adx()
		metrics["adx"] = nanToZero(adx)
		metrics["plus_di"] = nanToZero(plusDI)
		metrics["minus_di"] = nanToZero(minusDI)
	}
	if len(c.candles) >= c.cfg.BBPeriod {
		metrics["bb_width"] = nanToZero(c.bbWidth())
	}
	if len(c.candles) >= c.cfg.SMAPeriod+c.cfg.SMALookback {
		metrics["sma_slope"] = nanToZero(c.smaSlope())
	}
	if len(c.ivs) >= 10 {
		metrics["iv_rank"] = c.ivRank()
	}

	label := c.label(metrics)
	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"regime":    label,
			"atr_pct":   metrics["atr_pct"],
			"adx":       metrics["adx"],
			"bb_width":  metrics["bb_width"],
			"sma_slope": metrics["sma_slope"],
			"iv_rank":   metrics["iv_rank"],
		}).Debug("regime classified")
	}
	return label, metrics
}

func (c *Classifier) label(m map[string]float64) models.Regime {
	atrPct := m["atr_pct"]
	adx := m["adx"]
	bbWidth := m["bb_width"]
	smaSlope := m["sma_slope"]
	ivRank := m["iv_rank"]
	plusDI := m["plus_di"]
	minusDI := m["minus_di"]

	highVolatility := atrPct > c.cfg.ATRHighThreshold ||
		bbWidth > c.cfg.BBWidthHighThreshold ||
		ivRank > c.cfg.IVRankHigh

	strongTrend := adx > c.cfg.ADXStrongThreshold
	moderateTrend := adx > c.cfg.ADXTrendingThreshold

	uptrend := smaSlope > c.cfg.SMASlopeThreshold && plusDI > minusDI
	downtrend := smaSlope < -c.cfg.SMASlopeThreshold && minusDI > plusDI

	lowVolatility := atrPct < c.cfg.ATRHighThreshold/2 &&
		bbWidth < c.cfg.BBWidthHighThreshold/2 &&
		ivRank < c.cfg.IVRankLow

	switch {
	case highVolatility && !strongTrend:
		return models.RegimeVolatile
	case strongTrend && uptrend:
		return models.RegimeTrendingUp
	case strongTrend && downtrend:
		return models.RegimeTrendingDown
	case lowVolatility && !moderateTrend:
		return models.RegimeCalm
	default:
		return models.RegimeTransition
	}
}

// trueRanges returns the TR series starting from the second candle.
func (c *Classifier) trueRanges() []float64 {
	trs := make([]float64, 0, len(c.candles)-1)
	for i := 1; i < len(c.candles); i++ {
		cur, prev := c.candles[i], c.candles[i-1]
		tr := math.Max(cur.High-cur.Low,
			math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
		trs = append(trs, tr)
	}
	return trs
}

func (c *Classifier) atr() float64 {
	return lastEMA(c.trueRanges(), c.cfg.ATRPeriod)
}

func (c *Classifier) adx() (adx, plusDI, minusDI float64) {
	n := len(c.candles)
	plusDM := make([]float64, 0, n-1)
	minusDM := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		up := c.candles[i].High - c.candles[i-1].High
		down := c.candles[i-1].Low - c.candles[i].Low
		p, m := 0.0, 0.0
		if up > down && up > 0 {
			p = up
		}
		if down > up && down > 0 {
			m = down
		}
		plusDM = append(plusDM, p)
		minusDM = append(minusDM, m)
	}

	trEMA := emaSeries(c.trueRanges(), c.cfg.ADXPeriod)
	plusEMA := emaSeries(plusDM, c.cfg.ADXPeriod)
	minusEMA := emaSeries(minusDM, c.cfg.ADXPeriod)

	dx := make([]float64, 0, len(trEMA))
	var lastPlusDI, lastMinusDI float64
	for i := range trEMA {
		if trEMA[i] == 0 {
			dx = append(dx, 0)
			continue
		}
		pdi := 100 * plusEMA[i] / trEMA[i]
		mdi := 100 * minusEMA[i] / trEMA[i]
		lastPlusDI, lastMinusDI = pdi, mdi
		if pdi+mdi == 0 {
			dx = append(dx, 0)
			continue
		}
		dx = append(dx, 100*math.Abs(pdi-mdi)/(pdi+mdi))
	}
	return lastEMA(dx, c.cfg.ADXPeriod), lastPlusDI, lastMinusDI
}

func (c *Classifier) bbWidth() float64 {
	window := closes(c.candles[len(c.candles)-c.cfg.BBPeriod:])
	sma := mean(window)
	if sma == 0 {
		return 0
	}
	sd := stddev(window, sma)
	upper := sma + c.cfg.BBStd*sd
	lower := sma - c.cfg.BBStd*sd
	return (upper - lower) / sma
}

func (c *Classifier) smaSlope() float64 {
	cls := closes(c.candles)
	cur := mean(cls[len(cls)-c.cfg.SMAPeriod:])
	pastEnd := len(cls) - c.cfg.SMALookback
	past := mean(cls[pastEnd-c.cfg.SMAPeriod : pastEnd])
	if past == 0 {
		return 0
	}
	return (cur - past) / past * 100
}

func (c *Classifier) ivRank() float64 {
	cur := c.ivs[len(c.ivs)-1]
	lo, hi := c.ivs[0], c.ivs[0]
	for _, v := range c.ivs {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi == lo {
		return 50
	}
	return (cur - lo) / (hi - lo) * 100
}

// emaSeries computes a span-style exponential moving average over the whole
// series (alpha = 2/(span+1), seeded with the first value).
func emaSeries(vals []float64, span int) []float64 {
	if len(vals) == 0 {
		return nil
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out := make([]float64, len(vals))
	out[0] = vals[0]
	for i := 1; i < len(vals); i++ {
		out[i] = alpha*vals[i] + (1-alpha)*out[i-1]
	}
	return out
}

func lastEMA(vals []float64, span int) float64 {
	s := emaSeries(vals, span)
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

func closes(cs []Candle) []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Close
	}
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stddev(vals []float64, mu float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		d := v - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vals)-1))
}

func nanToZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
