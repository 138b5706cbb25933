package usecase

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"FxDesk/internal/domain/models"
)

// No-trade reasons.
const (
	ReasonInsufficientData     = "insufficient-data"
	ReasonTechnicalUnavailable = "technical-unavailable"
	ReasonTiedVote             = "tied-vote"
	ReasonBelowThreshold       = "below-threshold"
)

// Aggregator folds producer signals into a thesis per instrument.
type Aggregator struct {
	threshold float64
	required  []string
	now       func() time.Time
}

func NewAggregator(threshold float64) *Aggregator {
	return &Aggregator{threshold: threshold, required: models.AllProducers, now: time.Now}
}

// AggregateAll groups signals by instrument and aggregates each group.
func (a *Aggregator) AggregateAll(signals []models.Signal) map[string]models.Thesis {
	groups := map[string][]models.Signal{}
	for _, s := range signals {
		sym := models.NormalizeSymbol(s.Instrument())
		groups[sym] = append(groups[sym], s)
	}
	out := make(map[string]models.Thesis, len(groups))
	for sym, group := range groups {
		out[sym] = a.Aggregate(sym, group)
	}
	return out
}

// Aggregate builds the thesis for instrument from the signals that concern it.
func (a *Aggregator) Aggregate(instrument string, signals []models.Signal) models.Thesis {
	sym := models.NormalizeSymbol(instrument)
	th := models.Thesis{Instrument: sym, Direction: models.Neutral, ComputedAt: a.now().UTC()}

	byProducer := map[string]models.Signal{}
	for _, s := range signals {
		if models.NormalizeSymbol(s.Instrument()) != sym {
			continue
		}
		byProducer[s.ProducerID()] = s
		th.Signals = append(th.Signals, s)
	}
	sort.SliceStable(th.Signals, func(i, j int) bool { return th.Signals[i].ProducerID() < th.Signals[j].ProducerID() })

	var missing []string
	for _, id := range a.required {
		if _, ok := byProducer[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		th.NoTradeReason = ReasonInsufficientData + ": missing " + strings.Join(missing, ", ")
		return th
	}

	tech := byProducer[models.ProducerTechnical]
	levels, hasLevels := tech.Levels()
	if tech.HasFlag(models.FlagTimedOut) || tech.HasFlag(models.FlagNoData) || !hasLevels {
		th.NoTradeReason = ReasonTechnicalUnavailable
		return th
	}

	w := map[models.Direction]float64{}
	mag := map[models.Direction]float64{}
	for _, s := range th.Signals {
		if s.Direction() == models.Neutral {
			continue
		}
		w[s.Direction()] += s.Confidence() * s.Magnitude()
		mag[s.Direction()] += s.Magnitude()
	}
	win := models.Long
	if w[models.Short] > w[models.Long] {
		win = models.Short
	}
	if w[models.Long] == w[models.Short] {
		th.NoTradeReason = fmt.Sprintf("%s: long %.2f short %.2f", ReasonTiedVote, w[models.Long], w[models.Short])
		return th
	}

	composite := (w[win] - w[win.Opposite()]) / mag[win]
	th.CompositeConfidence = composite
	if composite <= a.threshold {
		th.NoTradeReason = fmt.Sprintf("%s: %s composite %.2f <= %.2f", ReasonBelowThreshold, win, composite, a.threshold)
		return th
	}

	lv := levels.Oriented(win)
	th.Direction = win
	th.Entry, th.Stop, th.Target = lv.Entry, lv.Stop, lv.Target
	return th
}
