package regime

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/sensex_straddler/internal/config"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClassifier() *Classifier {
	return NewClassifier(config.RegimeConfig{}, quietLogger())
}

func TestInsufficientHistoryIsTransition(t *testing.T) {
	c := newTestClassifier()
	for i := 0; i < 3; i++ {
		c.Observe(Candle{High: 101, Low: 99, Close: 100}, 15)
	}

	label, metrics := c.Classify(nil)
	if label != "TRANSITION" {
		t.Errorf("label = %s, want TRANSITION", label)
	}
	if metrics["iv_rank"] != 50 {
		t.Errorf("iv_rank = %v, want neutral 50", metrics["iv_rank"])
	}
}

func TestCalmOnQuietTape(t *testing.T) {
	c := newTestClassifier()
	iv := 20.0
	for i := 0; i < 60; i++ {
		px := 100.0
		if i%2 == 0 {
			px += 0.05
		}
		c.Observe(Candle{High: px + 0.1, Low: px - 0.1, Close: px}, iv)
		if iv > 10 {
			iv -= 0.2
		}
	}

	label, metrics := c.Classify(nil)
	if label != "CALM" {
		t.Fatalf("label = %s (atr_pct=%.3f bb_width=%.4f adx=%.1f iv_rank=%.1f), want CALM",
			label, metrics["atr_pct"], metrics["bb_width"], metrics["adx"], metrics["iv_rank"])
	}
}

func TestVolatileOnChoppyTape(t *testing.T) {
	c := newTestClassifier()
	for i := 0; i < 60; i++ {
		px := 100.0
		if i%2 == 0 {
			px = 108
		}
		c.Observe(Candle{High: px + 1, Low: px - 1, Close: px}, 15)
	}

	label, metrics := c.Classify(nil)
	if label != "VOLATILE" {
		t.Fatalf("label = %s (atr_pct=%.3f adx=%.1f), want VOLATILE",
			label, metrics["atr_pct"], metrics["adx"])
	}
	if metrics["atr_pct"] <= 2.0 {
		t.Errorf("atr_pct = %v, expected above the high-vol threshold", metrics["atr_pct"])
	}
}

func TestTrendingUpOnSteadyAdvance(t *testing.T) {
	c := newTestClassifier()
	for i := 0; i < 60; i++ {
		px := 100.0 + float64(i)
		c.Observe(Candle{High: px, Low: px - 0.2, Close: px}, 15)
	}

	label, metrics := c.Classify(nil)
	if label != "TRENDING_UP" {
		t.Fatalf("label = %s (adx=%.1f sma_slope=%.2f plus_di=%.1f minus_di=%.1f), want TRENDING_UP",
			label, metrics["adx"], metrics["sma_slope"], metrics["plus_di"], metrics["minus_di"])
	}
	if metrics["plus_di"] <= metrics["minus_di"] {
		t.Error("+DI should dominate -DI in an uptrend")
	}
}

func TestTrendingDownOnSteadyDecline(t *testing.T) {
	c := newTestClassifier()
	for i := 0; i < 60; i++ {
		px := 200.0 - float64(i)
		c.Observe(Candle{High: px + 0.2, Low: px, Close: px}, 15)
	}

	label, metrics := c.Classify(nil)
	if label != "TRENDING_DOWN" {
		t.Fatalf("label = %s (adx=%.1f sma_slope=%.2f), want TRENDING_DOWN",
			label, metrics["adx"], metrics["sma_slope"])
	}
}

func TestHistoryStaysBounded(t *testing.T) {
	c := NewClassifier(config.RegimeConfig{HistorySize: 50}, quietLogger())
	for i := 0; i < 500; i++ {
		c.Observe(Candle{High: 101, Low: 99, Close: 100}, 15)
	}
	if len(c.candles) != 50 {
		t.Errorf("candle history = %d, want 50", len(c.candles))
	}
	if len(c.ivs) != 50 {
		t.Errorf("iv history = %d, want 50", len(c.ivs))
	}
}

func TestIVRankTracksExtremes(t *testing.T) {
	c := newTestClassifier()
	for iv := 10.0; iv <= 30; iv++ {
		c.Observe(Candle{High: 101, Low: 99, Close: 100}, iv)
	}
	if rank := c.ivRank(); rank != 100 {
		t.Errorf("iv rank at the window max = %v, want 100", rank)
	}
}
