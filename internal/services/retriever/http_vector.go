package retriever

import (
	"context"
	"fmt"
	"time"

	"FxDesk/internal/domain/models"
	xhttp "FxDesk/pkg/http"
)

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchResponse struct {
	Documents []models.Document `json:"documents"`
}

// HTTPVectorRetriever queries a vector search service over JSON/HTTP.
type HTTPVectorRetriever struct {
	client *xhttp.Client
}

func NewHTTPVectorRetriever(baseURL string, timeout time.Duration, opts ...xhttp.ClientOption) *HTTPVectorRetriever {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts = append([]xhttp.ClientOption{xhttp.WithTimeout(timeout)}, opts...)
	return &HTTPVectorRetriever{client: xhttp.NewClient(baseURL, opts...)}
}

// Search posts {query, top_k} to /search.
func (r *HTTPVectorRetriever) Search(ctx context.Context, text string, topK int) ([]models.Document, error) {
	if r.client.BaseURL() == "" {
		return nil, fmt.Errorf("vector retriever: base url not set")
	}
	var resp searchResponse
	if err := r.client.PostJSON(ctx, "/search", searchRequest{Query: text, TopK: topK}, &resp, nil); err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if topK > 0 && len(resp.Documents) > topK {
		resp.Documents = resp.Documents[:topK]
	}
	return resp.Documents, nil
}
