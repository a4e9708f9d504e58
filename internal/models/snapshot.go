// Package models defines the core domain types shared across the bot:
// market snapshots, option legs, order requests and strategy actions.
package models

import "time"

// Regime is a coarse market-regime label produced by the classifier.
type Regime string

// Regime labels.
const (
	RegimeCalm         Regime = "CALM"
	RegimeVolatile     Regime = "VOLATILE"
	RegimeTrendingUp   Regime = "TRENDING_UP"
	RegimeTrendingDown Regime = "TRENDING_DOWN"
	RegimeTransition   Regime = "TRANSITION"
	RegimeUnknown      Regime = "UNKNOWN"
)

// MarketData holds the per-option market fields we consume from the chain.
type MarketData struct {
	LTP               float64 `json:"ltp"`
	ImpliedVolatility float64 `json:"implied_volatility"`
}

// ChainRow is one strike of the option chain with both sides attached.
type ChainRow struct {
	Strike float64    `json:"strike_price"`
	Call   MarketData `json:"call_options"`
	Put    MarketData `json:"put_options"`
}

// Snapshot is an immutable per-tick view of the market. Fields that could
// not be fetched stay at their zero value; consumers must treat zero spot
// or an empty chain as "no data", never as a real quote.
type Snapshot struct {
	Spot          float64
	ATMStrike     int
	CallLTP       float64
	PutLTP        float64
	IVEstimate    float64
	DTE           int
	Regime        Regime
	RegimeMetrics map[string]float64
	Chain         []ChainRow
	Taken         time.Time
}

// LTPFor looks up the last traded price for an option symbol in the
// snapshot's chain. Unknown symbols and missing strikes return 0.
func (s *Snapshot) LTPFor(instrument string) float64 {
	strike, optType, err := ParseOptionSymbol(instrument)
	if err != nil {
		return 0
	}
	for _, row := range s.Chain {
		if int(row.Strike) != strike {
			continue
		}
		if optType == OptionCall {
			return row.Call.LTP
		}
		return row.Put.LTP
	}
	return 0
}

// Metric returns a regime metric by name, or def when absent.
func (s *Snapshot) Metric(name string, def float64) float64 {
	if v, ok := s.RegimeMetrics[name]; ok {
		return v
	}
	return def
}
