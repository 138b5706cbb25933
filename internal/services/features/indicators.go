package features

import (
	"math"

	"FxDesk/internal/domain/models"
)

// Closes extracts close prices, oldest first.
func Closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// EMA returns the exponential moving average series seeded with the simple
// average of the first period values. out[0] aligns with values[period-1].
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	prev := seed / float64(period)
	out = append(out, prev)
	for _, v := range values[period:] {
		prev = v*k + prev*(1-k)
		out = append(out, prev)
	}
	return out
}

// RSI is the Wilder relative strength index of the last close.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50, true
	case avgLoss == 0:
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// MACD returns the last MACD line, signal line and histogram values.
type MACDValue struct {
	Line      float64
	Signal    float64
	Histogram float64
}

func MACD(closes []float64, fast, slow, signal int) (MACDValue, bool) {
	if fast <= 0 || slow <= fast || signal <= 0 || len(closes) < slow+signal-1 {
		return MACDValue{}, false
	}
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	offset := slow - fast
	line := make([]float64, len(slowEMA))
	for i := range slowEMA {
		line[i] = fastEMA[i+offset] - slowEMA[i]
	}
	sig := EMA(line, signal)
	if len(sig) == 0 {
		return MACDValue{}, false
	}
	last := line[len(line)-1]
	s := sig[len(sig)-1]
	return MACDValue{Line: last, Signal: s, Histogram: last - s}, true
}

// ATR is the Wilder average true range of the last bar.
func ATR(bars []models.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}
	tr := func(i int) float64 {
		b, prev := bars[i], bars[i-1].Close
		return math.Max(b.High-b.Low, math.Max(math.Abs(b.High-prev), math.Abs(b.Low-prev)))
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr(i)
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + tr(i)) / float64(period)
	}
	return atr, true
}

// Band returns the highest high and lowest low of the period bars before
// the last one.
func Band(bars []models.Bar, period int) (high, low float64, ok bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, 0, false
	}
	window := bars[len(bars)-1-period : len(bars)-1]
	high, low = window[0].High, window[0].Low
	for _, b := range window[1:] {
		high = math.Max(high, b.High)
		low = math.Min(low, b.Low)
	}
	return high, low, true
}

// Periods are the lookbacks used by the technical indicators.
type Periods struct {
	RSI        int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
	ATR        int
	Band       int
}

// DefaultPeriods are RSI(14), MACD(12,26,9), ATR(14) and a 20 bar band.
func DefaultPeriods() Periods {
	return Periods{RSI: 14, MACDFast: 12, MACDSlow: 26, MACDSignal: 9, ATR: 14, Band: 20}
}

// MinBars is the fewest bars that yield every indicator.
func (p Periods) MinBars() int {
	n := p.MACDSlow + p.MACDSignal - 1
	for _, v := range []int{p.RSI + 1, p.ATR + 1, p.Band + 1} {
		if v > n {
			n = v
		}
	}
	return n
}

// Snapshot holds every indicator for the last bar.
type Snapshot struct {
	Close    float64
	RSI      float64
	MACD     MACDValue
	ATR      float64
	BandHigh float64
	BandLow  float64
}

// Compute evaluates all indicators. It reports false when bars are short.
func Compute(bars []models.Bar, p Periods) (Snapshot, bool) {
	if len(bars) < p.MinBars() {
		return Snapshot{}, false
	}
	closes := Closes(bars)
	rsi, ok1 := RSI(closes, p.RSI)
	macd, ok2 := MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	atr, ok3 := ATR(bars, p.ATR)
	hi, lo, ok4 := Band(bars, p.Band)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Snapshot{}, false
	}
	return Snapshot{Close: closes[len(closes)-1], RSI: rsi, MACD: macd, ATR: atr, BandHigh: hi, BandLow: lo}, true
}
