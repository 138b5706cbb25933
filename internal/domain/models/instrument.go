package models

import (
	"fmt"
	"strings"
)

// Instrument is a currency pair or a USD-quoted commodity.
type Instrument struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

var commodityGroups = map[string]string{
	"XAU":   "metals",
	"XAG":   "metals",
	"XPT":   "metals",
	"WTI":   "energy",
	"BRENT": "energy",
}

// ParseInstrument accepts "EURUSD", "EUR/USD", "eur_usd", "XAUUSD", "WTI"
// and "BRENTUSD".
func ParseInstrument(raw string) (Instrument, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("/", "", "_", "", "-", "").Replace(s)
	if s == "" {
		return Instrument{}, fmt.Errorf("empty instrument")
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return Instrument{}, fmt.Errorf("invalid instrument %q", raw)
		}
	}
	if _, ok := commodityGroups[s]; ok {
		return Instrument{Symbol: s + "USD", Base: s, Quote: "USD"}, nil
	}
	if base, ok := strings.CutSuffix(s, "USD"); ok {
		if _, ok := commodityGroups[base]; ok {
			return Instrument{Symbol: s, Base: base, Quote: "USD"}, nil
		}
	}
	if len(s) != 6 {
		return Instrument{}, fmt.Errorf("invalid instrument %q", raw)
	}
	return Instrument{Symbol: s, Base: s[:3], Quote: s[3:]}, nil
}

// NormalizeSymbol returns the canonical symbol or the upper-cased input when
// it cannot be parsed.
func NormalizeSymbol(raw string) string {
	if in, err := ParseInstrument(raw); err == nil {
		return in.Symbol
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}

func (i Instrument) IsCommodity() bool {
	_, ok := commodityGroups[i.Base]
	return ok
}

// Group is the commodity group of the base leg, or "" for currencies.
func (i Instrument) Group() string {
	return commodityGroups[i.Base]
}

// LegSign is +1 when currency is the base leg, -1 for the quote leg and 0
// when the instrument does not contain it.
func (i Instrument) LegSign(currency string) int {
	switch strings.ToUpper(currency) {
	case i.Base:
		return 1
	case i.Quote:
		return -1
	default:
		return 0
	}
}

// PipSize is 0.01 for JPY-quoted pairs and commodities, 0.0001 otherwise.
func (i Instrument) PipSize() float64 {
	if i.Quote == "JPY" || i.IsCommodity() {
		return 0.01
	}
	return 0.0001
}
