package models

import "time"

// EventType classifies economic calendar releases.
type EventType string

const (
	EventNFP          EventType = "NFP"
	EventRateDecision EventType = "RATE_DECISION"
	EventCPI          EventType = "CPI"
	EventGDP          EventType = "GDP"
	EventRetailSales  EventType = "RETAIL_SALES"
	EventPMI          EventType = "PMI"
	EventUnemployment EventType = "UNEMPLOYMENT"
)

// CalendarEvent is a scheduled or released macro event. Inverted events
// are bullish for their currency when the actual comes in below forecast.
type CalendarEvent struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Currency    string    `json:"currency" yaml:"currency"`
	Type        EventType `json:"type" yaml:"type"`
	ScheduledAt time.Time `json:"scheduled_at" yaml:"scheduled_at"`
	Actual      *float64  `json:"actual,omitempty" yaml:"actual"`
	Forecast    *float64  `json:"forecast,omitempty" yaml:"forecast"`
	Previous    *float64  `json:"previous,omitempty" yaml:"previous"`
	Inverted    bool      `json:"inverted,omitempty" yaml:"inverted"`
}

// Surprise returns the sign of actual minus forecast, adjusted for inverted
// events, and whether both values are known.
func (e CalendarEvent) Surprise() (int, bool) {
	if e.Actual == nil || e.Forecast == nil {
		return 0, false
	}
	var s int
	switch {
	case *e.Actual > *e.Forecast:
		s = 1
	case *e.Actual < *e.Forecast:
		s = -1
	}
	if e.Inverted || e.Type == EventUnemployment {
		s = -s
	}
	return s, true
}
