package models

import "time"

// Bar is an OHLCV record for one instrument and time bucket.
type Bar struct {
	Bucket     time.Time `json:"bucket"`
	Instrument string    `json:"instrument"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
}
