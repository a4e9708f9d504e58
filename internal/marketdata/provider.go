// Package marketdata fetches the option chain and condenses it into the
// per-tick snapshot the rest of the bot consumes.
package marketdata

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/sensex_straddler/internal/config"
	"github.com/eddiefleurent/sensex_straddler/internal/models"
)

// Wire shape of the chain endpoint (Upstox option-chain response).
type chainResponse struct {
	Data []chainItem `json:"data"`
}

type chainItem struct {
	StrikePrice         float64    `json:"strike_price"`
	UnderlyingSpotPrice float64    `json:"underlying_spot_price"`
	CallOptions         optionSide `json:"call_options"`
	PutOptions          optionSide `json:"put_options"`
}

type optionSide struct {
	MarketData wireMarketData `json:"market_data"`
}

type wireMarketData struct {
	LTP               float64 `json:"ltp"`
	ImpliedVolatility float64 `json:"implied_volatility"`
}

// Provider produces snapshots from the configured chain endpoint.
type Provider struct {
	cfg    config.MarketConfig
	client *resty.Client
	logger *logrus.Logger
	loc    *time.Location
	now    func() time.Time
}

// NewProvider builds a provider. The access token is attached as a bearer
// credential on every request.
func NewProvider(cfg config.MarketConfig, timeout time.Duration, loc *time.Location, logger *logrus.Logger) *Provider {
	if loc == nil {
		loc = time.UTC
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.AccessToken != "" {
		client.SetAuthToken(cfg.AccessToken)
	}
	return &Provider{
		cfg:    cfg,
		client: client,
		logger: logger,
		loc:    loc,
		now:    time.Now,
	}
}

// GetSnapshot fetches the chain and condenses it. Any failure returns a nil
// snapshot and an error; callers skip the tick.
func (p *Provider) GetSnapshot(ctx context.Context) (*models.Snapshot, error) {
	var body chainResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"instrument_key": p.cfg.InstrumentKey,
			"expiry_date":    p.cfg.ExpiryDate,
		}).
		SetResult(&body).
		Get(p.cfg.ChainURL)
	if err != nil {
		return nil, fmt.Errorf("fetching option chain: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("option chain request failed: status %d", resp.StatusCode())
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("option chain response contained no rows")
	}

	spot, atm := pickATM(body.Data)
	if atm == nil {
		return nil, fmt.Errorf("no chain row with two-sided quotes")
	}

	snap := &models.Snapshot{
		Spot:       spot,
		ATMStrike:  int(atm.StrikePrice),
		CallLTP:    atm.CallOptions.MarketData.LTP,
		PutLTP:     atm.PutOptions.MarketData.LTP,
		IVEstimate: (atm.CallOptions.MarketData.ImpliedVolatility + atm.PutOptions.MarketData.ImpliedVolatility) / 2,
		DTE:        p.daysToExpiry(),
		Regime:     models.RegimeUnknown,
		Chain:      toChainRows(body.Data),
		Taken:      p.now(),
	}

	p.logger.WithFields(logrus.Fields{
		"spot":    snap.Spot,
		"atm":     snap.ATMStrike,
		"ce_ltp":  snap.CallLTP,
		"pe_ltp":  snap.PutLTP,
		"iv":      snap.IVEstimate,
		"dte":     snap.DTE,
		"strikes": len(snap.Chain),
	}).Debug("snapshot taken")
	return snap, nil
}

// pickATM selects the strike where call and put premiums are closest,
// considering only rows quoted on both sides. Spot comes from the last row
// that carries it.
func pickATM(data []chainItem) (float64, *chainItem) {
	var best *chainItem
	minDiff := math.Inf(1)
	spot := 0.0
	for i := range data {
		item := &data[i]
		if item.UnderlyingSpotPrice > 0 {
			spot = item.UnderlyingSpotPrice
		}
		ce := item.CallOptions.MarketData.LTP
		pe := item.PutOptions.MarketData.LTP
		if ce <= 0 || pe <= 0 {
			continue
		}
		if diff := math.Abs(ce - pe); diff < minDiff {
			minDiff = diff
			best = item
		}
	}
	return spot, best
}

func toChainRows(data []chainItem) []models.ChainRow {
	rows := make([]models.ChainRow, 0, len(data))
	for _, item := range data {
		rows = append(rows, models.ChainRow{
			Strike: item.StrikePrice,
			Call: models.MarketData{
				LTP:               item.CallOptions.MarketData.LTP,
				ImpliedVolatility: item.CallOptions.MarketData.ImpliedVolatility,
			},
			Put: models.MarketData{
				LTP:               item.PutOptions.MarketData.LTP,
				ImpliedVolatility: item.PutOptions.MarketData.ImpliedVolatility,
			},
		})
	}
	return rows
}

// daysToExpiry counts whole calendar days from today to the configured
// expiry in the trading timezone; unparseable dates yield zero.
func (p *Provider) daysToExpiry() int {
	expiry, err := time.ParseInLocation("2006-01-02", p.cfg.ExpiryDate, p.loc)
	if err != nil {
		return 0
	}
	now := p.now().In(p.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, p.loc)
	days := int(expiry.Sub(today).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
