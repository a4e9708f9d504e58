package models

import (
	"fmt"
	"regexp"
	"time"
)

// OptionCall and OptionPut are the single-letter option type codes used in
// the wire symbol format.
const (
	OptionCall = "C"
	OptionPut  = "P"
)

var optionSymbolRe = regexp.MustCompile(`^([A-Z]+)(\d{6})([CP])(\d+)$`)

// BuildOptionSymbol composes a broker option symbol of the form
// SYMBOL + yymmdd + C/P + strike, e.g. SENSEX251016C75000.
func BuildOptionSymbol(underlying, expiry string, strike int, optType string) string {
	return fmt.Sprintf("%s%s%s%d", underlying, expiryToYYMMDD(expiry), optType, strike)
}

// ParseOptionSymbol extracts the strike and option type from a symbol built
// by BuildOptionSymbol.
func ParseOptionSymbol(symbol string) (int, string, error) {
	m := optionSymbolRe.FindStringSubmatch(symbol)
	if m == nil {
		return 0, "", fmt.Errorf("invalid option symbol: %s", symbol)
	}
	var strike int
	if _, err := fmt.Sscanf(m[4], "%d", &strike); err != nil {
		return 0, "", fmt.Errorf("invalid strike in symbol %s: %w", symbol, err)
	}
	return strike, m[3], nil
}

// expiryToYYMMDD accepts the expiry formats seen from the chain API and
// collapses them to yymmdd. Unrecognized input is returned as-is so a bad
// config shows up in the symbol rather than silently becoming empty.
func expiryToYYMMDD(raw string) string {
	for _, layout := range []string{"2006-01-02", "02-Jan-2006"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("060102")
		}
	}
	return raw
}
