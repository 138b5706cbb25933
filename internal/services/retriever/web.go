package retriever

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"FxDesk/internal/domain/models"
	"FxDesk/pkg/cache"
	applogger "FxDesk/pkg/logger"
	"FxDesk/pkg/util"

	"github.com/gocolly/colly/v2"
)

// Selectors locate articles on a news page.
type Selectors struct {
	Container   string
	Title       string
	Content     string
	PublishedAt string
}

// DefaultSelectors match plain <article> markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Container:   "article",
		Title:       "h1, h2, h3",
		Content:     "p",
		PublishedAt: "time",
	}
}

// WebRetriever scrapes configured news pages and ranks articles by the
// share of query terms they contain.
type WebRetriever struct {
	sources   []string
	selectors Selectors
	timeout   time.Duration
	now       func() time.Time
	log       *applogger.Logger
}

func NewWebRetriever(sources []string, timeout time.Duration, log *applogger.Logger) *WebRetriever {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = applogger.Nop()
	}
	return &WebRetriever{
		sources:   sources,
		selectors: DefaultSelectors(),
		timeout:   timeout,
		now:       time.Now,
		log:       log,
	}
}

// WithSelectors overrides the article selectors.
func (w *WebRetriever) WithSelectors(s Selectors) *WebRetriever {
	w.selectors = s
	return w
}

var stopTerms = map[string]bool{"forex": true, "news": true, "the": true, "and": true}

func (w *WebRetriever) Search(ctx context.Context, text string, topK int) ([]models.Document, error) {
	terms := queryTerms(text)
	if len(terms) == 0 {
		return nil, fmt.Errorf("web retriever: empty query")
	}

	timeout := w.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, ctx.Err()
	}

	var (
		mu       sync.Mutex
		docs     []models.Document
		failures int
	)
	for _, src := range w.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := w.scrape(src, timeout)
		if err != nil {
			failures++
			w.log.Warn("web retriever source failed", applogger.String("source", src), applogger.Error(err))
			continue
		}
		mu.Lock()
		for _, d := range found {
			if d.Score = overlap(terms, d.Content); d.Score > 0 {
				docs = append(docs, d)
			}
		}
		mu.Unlock()
	}
	if failures > 0 && failures == len(w.sources) {
		return nil, fmt.Errorf("web retriever: all %d sources failed", failures)
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if topK > 0 && len(docs) > topK {
		docs = docs[:topK]
	}
	return docs, nil
}

func (w *WebRetriever) scrape(source string, timeout time.Duration) ([]models.Document, error) {
	c := colly.NewCollector(colly.MaxDepth(1))
	c.SetRequestTimeout(timeout)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", "fxdesk-retriever/1.0")
	})

	var (
		out     []models.Document
		scrapeE error
	)
	c.OnHTML(w.selectors.Container, func(e *colly.HTMLElement) {
		title := strings.TrimSpace(e.ChildText(w.selectors.Title))
		body := strings.TrimSpace(e.ChildText(w.selectors.Content))
		if title == "" && body == "" {
			return
		}
		published := w.now()
		if ts := e.ChildAttr(w.selectors.PublishedAt, "datetime"); ts != "" {
			published = util.ParseTimeDefault(ts, published)
		}
		content := strings.TrimSpace(title + ". " + body)
		out = append(out, models.Document{
			ID:          cache.HashKey(source + "|" + title),
			Content:     content,
			Source:      source,
			PublishedAt: published,
		})
	})
	c.OnError(func(_ *colly.Response, err error) {
		scrapeE = err
	})

	if err := c.Visit(source); err != nil {
		return nil, fmt.Errorf("visit %s: %w", source, err)
	}
	c.Wait()
	if scrapeE != nil {
		return nil, scrapeE
	}
	return out, nil
}

func queryTerms(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range strings.Fields(strings.ToLower(text)) {
		if stopTerms[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// overlap is the fraction of terms found in content.
func overlap(terms []string, content string) float64 {
	lc := strings.ToLower(content)
	hit := 0
	for _, t := range terms {
		if strings.Contains(lc, t) {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}
