package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the trading side a signal or thesis argues for.
type Direction string

const (
	Long    Direction = "long"
	Short   Direction = "short"
	Neutral Direction = "neutral"
)

// Opposite returns the other trading side. Neutral has no opposite.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return Neutral
	}
}

// Sign is +1 for long, -1 for short and 0 otherwise.
func (d Direction) Sign() int {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	default:
		return 0
	}
}

func (d Direction) Valid() bool {
	return d == Long || d == Short || d == Neutral
}

// Flag tags a signal with a quality problem that forces human review.
type Flag string

const (
	FlagTimedOut             Flag = "timed_out"
	FlagRetrievalUnavailable Flag = "retrieval_unavailable"
	FlagLowConfidence        Flag = "low_confidence"
	FlagStale                Flag = "stale"
	FlagNoData               Flag = "no_data"
)

// Producer identifiers.
const (
	ProducerMacro     = "macro"
	ProducerSentiment = "sentiment"
	ProducerTechnical = "technical"
)

// AllProducers lists the producers every thesis expects to hear from.
var AllProducers = []string{ProducerMacro, ProducerSentiment, ProducerTechnical}

// Levels are the technical entry, stop and target prices for Direction.
type Levels struct {
	Direction Direction       `json:"direction"`
	Entry     decimal.Decimal `json:"entry"`
	Stop      decimal.Decimal `json:"stop"`
	Target    decimal.Decimal `json:"target"`
	ATR       decimal.Decimal `json:"atr"`
}

// Oriented mirrors the stop and target distances around the entry so the
// levels fit dir. Neutral returns the levels unchanged.
func (l Levels) Oriented(dir Direction) Levels {
	if dir == Neutral || dir == l.Direction {
		return l
	}
	stopDist := l.Entry.Sub(l.Stop).Abs()
	targetDist := l.Target.Sub(l.Entry).Abs()
	out := l
	out.Direction = dir
	if dir == Long {
		out.Stop = l.Entry.Sub(stopDist)
		out.Target = l.Entry.Add(targetDist)
	} else {
		out.Stop = l.Entry.Add(stopDist)
		out.Target = l.Entry.Sub(targetDist)
	}
	return out
}

// Signal is one producer's opinion about one instrument. It is immutable:
// build it with NewSignal and derive variants with WithFlag.
type Signal struct {
	producerID string
	instrument string
	timestamp  time.Time
	direction  Direction
	magnitude  float64
	confidence float64
	rationale  string
	staleness  time.Duration
	flags      []Flag
	levels     *Levels
}

// SignalOption sets optional signal fields at construction.
type SignalOption func(*Signal)

// WithStaleness records how old the signal's underlying data is.
func WithStaleness(d time.Duration) SignalOption {
	return func(s *Signal) {
		if d > 0 {
			s.staleness = d
		}
	}
}

// WithFlags tags the signal.
func WithFlags(flags ...Flag) SignalOption {
	return func(s *Signal) {
		for _, f := range flags {
			s.addFlag(f)
		}
	}
}

// WithLevels attaches technical price levels.
func WithLevels(l Levels) SignalOption {
	return func(s *Signal) {
		s.levels = &l
	}
}

// NewSignal builds a signal, clamping magnitude and confidence to [0,1].
// An unknown direction becomes neutral.
func NewSignal(producerID, instrument string, at time.Time, dir Direction, magnitude, confidence float64, rationale string, opts ...SignalOption) Signal {
	if !dir.Valid() {
		dir = Neutral
	}
	s := Signal{
		producerID: producerID,
		instrument: instrument,
		timestamp:  at,
		direction:  dir,
		magnitude:  clamp01(magnitude),
		confidence: clamp01(confidence),
		rationale:  rationale,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// TimedOutSignal stands in for a producer that did not answer in time.
func TimedOutSignal(producerID, instrument string, at time.Time, rationale string) Signal {
	return NewSignal(producerID, instrument, at, Neutral, 0, 0, rationale, WithFlags(FlagTimedOut))
}

func (s Signal) ProducerID() string       { return s.producerID }
func (s Signal) Instrument() string       { return s.instrument }
func (s Signal) Timestamp() time.Time     { return s.timestamp }
func (s Signal) Direction() Direction     { return s.direction }
func (s Signal) Magnitude() float64       { return s.magnitude }
func (s Signal) Confidence() float64      { return s.confidence }
func (s Signal) Rationale() string        { return s.rationale }
func (s Signal) Staleness() time.Duration { return s.staleness }

// Flags returns a copy of the signal's flags.
func (s Signal) Flags() []Flag {
	if len(s.flags) == 0 {
		return nil
	}
	out := make([]Flag, len(s.flags))
	copy(out, s.flags)
	return out
}

func (s Signal) HasFlag(f Flag) bool {
	for _, x := range s.flags {
		if x == f {
			return true
		}
	}
	return false
}

// Levels returns the technical levels, if any.
func (s Signal) Levels() (Levels, bool) {
	if s.levels == nil {
		return Levels{}, false
	}
	return *s.levels, true
}

// WithFlag returns a copy of s carrying f.
func (s Signal) WithFlag(f Flag) Signal {
	out := s
	out.flags = s.Flags()
	out.addFlag(f)
	return out
}

func (s Signal) IsZero() bool { return s.producerID == "" }

func (s *Signal) addFlag(f Flag) {
	for _, x := range s.flags {
		if x == f {
			return
		}
	}
	s.flags = append(s.flags, f)
}

type signalJSON struct {
	ProducerID  string    `json:"producer_id"`
	Instrument  string    `json:"instrument"`
	Timestamp   time.Time `json:"timestamp"`
	Direction   Direction `json:"direction"`
	Magnitude   float64   `json:"magnitude"`
	Confidence  float64   `json:"confidence"`
	Rationale   string    `json:"rationale"`
	StalenessMS int64     `json:"staleness_ms"`
	Flags       []Flag    `json:"flags,omitempty"`
	Levels      *Levels   `json:"levels,omitempty"`
}

func (s Signal) MarshalJSON() ([]byte, error) {
	return json.Marshal(signalJSON{
		ProducerID:  s.producerID,
		Instrument:  s.instrument,
		Timestamp:   s.timestamp,
		Direction:   s.direction,
		Magnitude:   s.magnitude,
		Confidence:  s.confidence,
		Rationale:   s.rationale,
		StalenessMS: s.staleness.Milliseconds(),
		Flags:       s.flags,
		Levels:      s.levels,
	})
}

func (s *Signal) UnmarshalJSON(b []byte) error {
	var v signalJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	opts := []SignalOption{WithStaleness(time.Duration(v.StalenessMS) * time.Millisecond), WithFlags(v.Flags...)}
	if v.Levels != nil {
		opts = append(opts, WithLevels(*v.Levels))
	}
	*s = NewSignal(v.ProducerID, v.Instrument, v.Timestamp, v.Direction, v.Magnitude, v.Confidence, v.Rationale, opts...)
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
