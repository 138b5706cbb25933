package usecase

import (
	"context"
	"fmt"
	"time"

	"FxDesk/internal/domain/models"
	"FxDesk/internal/domain/service"
)

// MacroConfig tunes the calendar producer.
type MacroConfig struct {
	Lookahead       time.Duration
	ReleaseWindow   time.Duration
	MaxConfidence   float64
	SpikeConfidence float64
	QuietConfidence float64
	Impact          map[models.EventType]float64
}

const defaultImpact = 0.3

func DefaultImpact() map[models.EventType]float64 {
	return map[models.EventType]float64{
		models.EventNFP:          1.0,
		models.EventRateDecision: 1.0,
		models.EventCPI:          0.8,
		models.EventGDP:          0.6,
		models.EventRetailSales:  0.5,
		models.EventPMI:          0.4,
	}
}

func DefaultMacroConfig() MacroConfig {
	return MacroConfig{
		Lookahead:       4 * time.Hour,
		ReleaseWindow:   30 * time.Minute,
		MaxConfidence:   0.8,
		SpikeConfidence: 0.9,
		QuietConfidence: 0.3,
		Impact:          DefaultImpact(),
	}
}

// MacroProducer scores scheduled and just-released calendar events for the
// instrument's currencies.
type MacroProducer struct {
	calendar service.CalendarSource
	cfg      MacroConfig
}

func NewMacroProducer(calendar service.CalendarSource, cfg MacroConfig) *MacroProducer {
	if cfg.Impact == nil {
		cfg.Impact = DefaultImpact()
	}
	return &MacroProducer{calendar: calendar, cfg: cfg}
}

func (p *MacroProducer) ID() string { return models.ProducerMacro }

func (p *MacroProducer) Capabilities() service.Capabilities { return service.Capabilities{} }

type macroCandidate struct {
	event      models.CalendarEvent
	dir        models.Direction
	magnitude  float64
	confidence float64
	released   bool
	dt         time.Duration
}

func (c macroCandidate) score() float64 { return c.magnitude * c.confidence }

func (p *MacroProducer) Analyze(ctx context.Context, instrument string, asOf time.Time) (models.Signal, error) {
	in, err := models.ParseInstrument(instrument)
	if err != nil {
		return models.Signal{}, err
	}
	events, err := p.calendar.Events(ctx, asOf.Add(-p.cfg.ReleaseWindow), asOf.Add(p.cfg.Lookahead))
	if err != nil {
		return models.Signal{}, fmt.Errorf("load calendar: %w", err)
	}

	var best *macroCandidate
	for _, e := range events {
		c, ok := p.evaluate(in, e, asOf)
		if !ok {
			continue
		}
		if best == nil || c.score() > best.score() {
			cc := c
			best = &cc
		}
	}
	if best == nil {
		return models.NewSignal(p.ID(), in.Symbol, asOf, models.Neutral, 0, p.cfg.QuietConfidence,
			"no scheduled events for "+in.Base+"/"+in.Quote), nil
	}

	var opts []models.SignalOption
	state := "scheduled in " + best.dt.Round(time.Minute).String()
	if best.released {
		opts = append(opts, models.WithStaleness(-best.dt))
		state = "released " + (-best.dt).Round(time.Minute).String() + " ago"
	}
	rationale := fmt.Sprintf("%s %s (%s) %s", best.event.Currency, best.event.Title, best.event.Type, state)
	return models.NewSignal(p.ID(), in.Symbol, asOf, best.dir, best.magnitude, best.confidence, rationale, opts...), nil
}

func (p *MacroProducer) evaluate(in models.Instrument, e models.CalendarEvent, asOf time.Time) (macroCandidate, bool) {
	leg := in.LegSign(e.Currency)
	if leg == 0 {
		return macroCandidate{}, false
	}
	dt := e.ScheduledAt.Sub(asOf)
	if dt > p.cfg.Lookahead || dt < -p.cfg.ReleaseWindow {
		return macroCandidate{}, false
	}
	c := macroCandidate{event: e, dir: models.Neutral, magnitude: p.impact(e.Type), dt: dt}
	if dt > 0 {
		c.confidence = p.cfg.MaxConfidence * (1 - float64(dt)/float64(p.cfg.Lookahead))
		return c, true
	}
	c.released = true
	if p.cfg.ReleaseWindow > 0 {
		c.confidence = p.cfg.SpikeConfidence * (1 - float64(-dt)/float64(p.cfg.ReleaseWindow))
	} else {
		c.confidence = p.cfg.SpikeConfidence
	}
	if s, ok := e.Surprise(); ok {
		switch s * leg {
		case 1:
			c.dir = models.Long
		case -1:
			c.dir = models.Short
		}
	}
	return c, true
}

func (p *MacroProducer) impact(t models.EventType) float64 {
	if w, ok := p.cfg.Impact[t]; ok {
		return w
	}
	return defaultImpact
}
