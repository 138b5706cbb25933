package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"FxDesk/internal/domain/models"
	domrepo "FxDesk/internal/domain/repository"
)

// MemoryBarStore keeps bars in memory, for development and tests.
type MemoryBarStore struct {
	mu   sync.RWMutex
	bars map[string][]models.Bar // key: instrument|timeframe
}

func NewMemoryBarStore() *MemoryBarStore {
	return &MemoryBarStore{bars: map[string][]models.Bar{}}
}

func barKey(instrument string, tf domrepo.Timeframe) string {
	return models.NormalizeSymbol(instrument) + "|" + string(tf)
}

// Add stores bars, keeping each series sorted and unique per bucket.
func (s *MemoryBarStore) Add(tf domrepo.Timeframe, bars ...models.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	touched := map[string]bool{}
	for _, b := range bars {
		k := barKey(b.Instrument, tf)
		s.bars[k] = append(s.bars[k], b)
		touched[k] = true
	}
	for k := range touched {
		series := s.bars[k]
		sort.SliceStable(series, func(i, j int) bool { return series[i].Bucket.Before(series[j].Bucket) })
		out := series[:0]
		for i, b := range series {
			if i > 0 && b.Bucket.Equal(out[len(out)-1].Bucket) {
				out[len(out)-1] = b
				continue
			}
			out = append(out, b)
		}
		s.bars[k] = out
	}
}

// LoadSeed reads a JSON object of timeframe → bars, e.g. {"1m": [...]}.
func (s *MemoryBarStore) LoadSeed(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read bar seed: %w", err)
	}
	var seed map[string][]models.Bar
	if err := json.Unmarshal(b, &seed); err != nil {
		return fmt.Errorf("parse bar seed: %w", err)
	}
	for tf, bars := range seed {
		if !domrepo.IsValidTimeframe(domrepo.Timeframe(tf)) {
			return fmt.Errorf("bar seed: unsupported timeframe %q", tf)
		}
		s.Add(domrepo.Timeframe(tf), bars...)
	}
	return nil
}

func (s *MemoryBarStore) GetLatestNBars(ctx context.Context, instrument string, n int, tf domrepo.Timeframe, asOf time.Time) ([]models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.bars[barKey(instrument, tf)]
	lastOpen := asOf.Add(-tf.Duration())
	end := sort.Search(len(series), func(i int) bool { return series[i].Bucket.After(lastOpen) })
	begin := end - n
	if begin < 0 {
		begin = 0
	}
	return append([]models.Bar(nil), series[begin:end]...), nil
}
