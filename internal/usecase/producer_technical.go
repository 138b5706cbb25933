package usecase

import (
	"context"
	"fmt"
	"time"

	"FxDesk/internal/domain/models"
	domrepo "FxDesk/internal/domain/repository"
	"FxDesk/internal/domain/service"
	"FxDesk/internal/services/features"

	"github.com/shopspring/decimal"
)

// TechnicalConfig tunes the technical producer.
type TechnicalConfig struct {
	Timeframe    domrepo.Timeframe
	Window       int
	Periods      features.Periods
	StopATR      float64
	TargetATR    float64
	PipSize      float64 // 0 uses the instrument's pip
	Oversold     float64
	Overbought   float64
	BreakoutATRs float64
}

func DefaultTechnicalConfig() TechnicalConfig {
	return TechnicalConfig{
		Timeframe:    domrepo.TF1m,
		Window:       200,
		Periods:      features.DefaultPeriods(),
		StopATR:      1.5,
		TargetATR:    3,
		Oversold:     30,
		Overbought:   70,
		BreakoutATRs: 1,
	}
}

// TechnicalProducer votes RSI, MACD histogram and band breakout over recent bars.
type TechnicalProducer struct {
	bars domrepo.BarStore
	cfg  TechnicalConfig
}

func NewTechnicalProducer(bars domrepo.BarStore, cfg TechnicalConfig) *TechnicalProducer {
	if cfg.Window < cfg.Periods.MinBars() {
		cfg.Window = cfg.Periods.MinBars()
	}
	return &TechnicalProducer{bars: bars, cfg: cfg}
}

func (p *TechnicalProducer) ID() string { return models.ProducerTechnical }

func (p *TechnicalProducer) Capabilities() service.Capabilities {
	return service.Capabilities{UsesTimeSeries: true}
}

func (p *TechnicalProducer) Analyze(ctx context.Context, instrument string, asOf time.Time) (models.Signal, error) {
	in, err := models.ParseInstrument(instrument)
	if err != nil {
		return models.Signal{}, err
	}
	bars, err := p.bars.GetLatestNBars(ctx, in.Symbol, p.cfg.Window, p.cfg.Timeframe, asOf)
	if err != nil {
		return models.Signal{}, fmt.Errorf("load bars: %w", err)
	}
	snap, ok := features.Compute(bars, p.cfg.Periods)
	if !ok {
		return models.NewSignal(p.ID(), in.Symbol, asOf, models.Neutral, 0, 0,
			fmt.Sprintf("insufficient bars: have %d, need %d", len(bars), p.cfg.Periods.MinBars()),
			models.WithFlags(models.FlagNoData)), nil
	}

	votes := [3]int{p.rsiVote(snap), histVote(snap), p.breakoutVote(snap)}
	dir, concordant, confidence := tally(votes)

	levelDir := dir
	if levelDir == models.Neutral {
		levelDir = models.Long
	}
	levels := p.levels(in, snap, levelDir)
	levels.Direction = dir

	last := bars[len(bars)-1]
	staleness := asOf.Sub(last.Bucket.Add(p.cfg.Timeframe.Duration()))

	rationale := fmt.Sprintf("rsi=%.1f macd_hist=%.6f close=%.5f band=[%.5f, %.5f] atr=%.5f votes=%v",
		snap.RSI, snap.MACD.Histogram, snap.Close, snap.BandLow, snap.BandHigh, snap.ATR, votes)
	return models.NewSignal(p.ID(), in.Symbol, asOf, dir, float64(concordant)/3, confidence, rationale,
		models.WithLevels(levels), models.WithStaleness(staleness)), nil
}

func (p *TechnicalProducer) rsiVote(s features.Snapshot) int {
	switch {
	case s.RSI < p.cfg.Oversold:
		return 1
	case s.RSI > p.cfg.Overbought:
		return -1
	}
	return 0
}

func histVote(s features.Snapshot) int {
	switch {
	case s.MACD.Histogram > 0:
		return 1
	case s.MACD.Histogram < 0:
		return -1
	}
	return 0
}

func (p *TechnicalProducer) breakoutVote(s features.Snapshot) int {
	margin := p.cfg.BreakoutATRs * s.ATR
	switch {
	case s.Close > s.BandHigh+margin:
		return 1
	case s.Close < s.BandLow-margin:
		return -1
	}
	return 0
}

// tally turns three +1/0/-1 votes into a direction, the number of
// concordant votes and a confidence.
func tally(votes [3]int) (models.Direction, int, float64) {
	var long, short int
	for _, v := range votes {
		switch v {
		case 1:
			long++
		case -1:
			short++
		}
	}
	if long == short {
		return models.Neutral, 0, 0.2
	}
	dir, win, opp := models.Long, long, short
	if short > long {
		dir, win, opp = models.Short, short, long
	}
	switch {
	case win == 3:
		return dir, win, 0.9
	case win == 2 && opp == 0:
		return dir, win, 0.7
	case win == 2:
		return dir, win, 0.6
	default:
		return dir, win, 0.35
	}
}

func (p *TechnicalProducer) levels(in models.Instrument, s features.Snapshot, dir models.Direction) models.Levels {
	pip := p.cfg.PipSize
	if pip <= 0 {
		pip = in.PipSize()
	}
	places := -decimal.NewFromFloat(pip).Exponent()

	entry := decimal.NewFromFloat(s.Close)
	atr := decimal.NewFromFloat(s.ATR)
	stopDist := atr.Mul(decimal.NewFromFloat(p.cfg.StopATR))
	targetDist := atr.Mul(decimal.NewFromFloat(p.cfg.TargetATR))
	if dir == models.Short {
		stopDist, targetDist = stopDist.Neg(), targetDist.Neg()
	}
	return models.Levels{
		Direction: dir,
		Entry:     entry.Round(places),
		Stop:      entry.Sub(stopDist).Round(places),
		Target:    entry.Add(targetDist).Round(places),
		ATR:       atr.Round(places + 1),
	}
}
