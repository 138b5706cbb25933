package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"FxDesk/internal/domain/models"
	"FxDesk/internal/domain/service"
	"FxDesk/internal/service/retrieval"
)

// DocumentRetriever is the cached retrieval surface used by producers.
type DocumentRetriever interface {
	Retrieve(ctx context.Context, q models.RetrievalQuery) (models.RetrievalResult, error)
}

type SentimentConfig struct {
	TopK        int
	HalfLife    time.Duration
	NeutralBand float64
}

func DefaultSentimentConfig() SentimentConfig {
	return SentimentConfig{TopK: 10, HalfLife: 6 * time.Hour, NeutralBand: 0.1}
}

// SentimentProducer scores retrieved news with a polarity scorer.
type SentimentProducer struct {
	docs   DocumentRetriever
	scorer service.PolarityScorer
	cfg    SentimentConfig
}

func NewSentimentProducer(docs DocumentRetriever, scorer service.PolarityScorer, cfg SentimentConfig) *SentimentProducer {
	if scorer == nil {
		scorer = NewLexiconScorer()
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = 6 * time.Hour
	}
	return &SentimentProducer{docs: docs, scorer: scorer, cfg: cfg}
}

func (p *SentimentProducer) ID() string { return models.ProducerSentiment }

func (p *SentimentProducer) Capabilities() service.Capabilities {
	return service.Capabilities{UsesRetrieval: true}
}

// SentimentQuery is the retrieval query issued for an instrument.
func SentimentQuery(in models.Instrument, topK int) models.RetrievalQuery {
	return models.RetrievalQuery{Text: fmt.Sprintf("%s %s %s forex news", in.Symbol, in.Base, in.Quote), TopK: topK}
}

func (p *SentimentProducer) Analyze(ctx context.Context, instrument string, asOf time.Time) (models.Signal, error) {
	in, err := models.ParseInstrument(instrument)
	if err != nil {
		return models.Signal{}, err
	}
	res, err := p.docs.Retrieve(ctx, SentimentQuery(in, p.cfg.TopK))
	if errors.Is(err, retrieval.ErrRetrievalUnavailable) {
		return models.NewSignal(p.ID(), in.Symbol, asOf, models.Neutral, 0, 0, err.Error(),
			models.WithFlags(models.FlagRetrievalUnavailable)), nil
	}
	if err != nil {
		return models.Signal{}, err
	}
	if len(res.Documents) == 0 {
		return models.NewSignal(p.ID(), in.Symbol, asOf, models.Neutral, 0, 0, "no documents"), nil
	}

	var (
		num, den, recencySum float64
		freshest             = time.Duration(math.MaxInt64)
	)
	for _, d := range res.Documents {
		age := time.Duration(0)
		if !d.PublishedAt.IsZero() && asOf.After(d.PublishedAt) {
			age = asOf.Sub(d.PublishedAt)
		}
		if age < freshest {
			freshest = age
		}
		recency := math.Exp(-float64(age) / float64(p.cfg.HalfLife))
		recencySum += recency

		w := math.Max(d.Score, 0) * recency
		num += p.scorer.Polarity(d.Content) * w
		den += w
	}
	polarity := 0.0
	if den > 0 {
		polarity = num / den
	}
	confidence := countFactor(len(res.Documents)) * recencySum / float64(len(res.Documents))

	dir := models.Neutral
	switch {
	case polarity > p.cfg.NeutralBand:
		dir = models.Long
	case polarity < -p.cfg.NeutralBand:
		dir = models.Short
	}
	rationale := fmt.Sprintf("polarity %.2f over %d documents (cached=%t)", polarity, len(res.Documents), res.Cached)
	return models.NewSignal(p.ID(), in.Symbol, asOf, dir, math.Abs(polarity), confidence, rationale,
		models.WithStaleness(freshest)), nil
}

func countFactor(n int) float64 {
	switch {
	case n >= 10:
		return 0.9
	case n >= 5:
		return 0.7
	case n >= 3:
		return 0.5
	case n >= 1:
		return 0.3
	}
	return 0
}

// LexiconScorer counts market-moving words.
type LexiconScorer struct {
	positive map[string]bool
	negative map[string]bool
}

func NewLexiconScorer() *LexiconScorer {
	return &LexiconScorer{
		positive: wordSet("rally rallies rallied gain gains gained surge surges surged strong stronger strength " +
			"hawkish beat beats bullish rise rises rose higher upbeat boost boosts jump jumps jumped firm firmer " +
			"recovery rebound rebounds optimism outperform"),
		negative: wordSet("fall falls fell drop drops dropped slump slumps weak weaker weakness dovish miss " +
			"misses missed bearish decline declines declined lower slide slides slid slip slips slipped plunge " +
			"plunges plunged losses recession fears risk-off underperform"),
	}
}

// Polarity is (positive - negative) / (positive + negative), or 0 when no
// lexicon word appears.
func (s *LexiconScorer) Polarity(text string) float64 {
	var pos, neg int
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '-')
	}) {
		switch {
		case s.positive[w]:
			pos++
		case s.negative[w]:
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

func wordSet(words string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(words) {
		out[w] = true
	}
	return out
}
