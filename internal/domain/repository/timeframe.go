package repository

import "time"

// Timeframe is a bar resolution. Each one maps to a bars_<tf> table.
type Timeframe string

const (
	TF1m Timeframe = "1m"
	TF5m Timeframe = "5m"
	TF1h Timeframe = "1h"
)

var barLengths = map[Timeframe]time.Duration{
	TF1m: time.Minute,
	TF5m: 5 * time.Minute,
	TF1h: time.Hour,
}

func IsValidTimeframe(tf Timeframe) bool {
	_, ok := barLengths[tf]
	return ok
}

// Duration is the length of one bar. Unknown timeframes report one minute.
func (tf Timeframe) Duration() time.Duration {
	if d, ok := barLengths[tf]; ok {
		return d
	}
	return time.Minute
}
