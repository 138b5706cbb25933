package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"FxDesk/internal/domain/models"
	xhttp "FxDesk/pkg/http"

	"github.com/shopspring/decimal"
)

type orderRequest struct {
	ProposalID string          `json:"proposal_id"`
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Units      int64           `json:"units"`
	Entry      decimal.Decimal `json:"entry"`
	Stop       decimal.Decimal `json:"stop"`
	Target     decimal.Decimal `json:"target"`
}

type orderResponse struct {
	OrderID    string          `json:"order_id"`
	FillPrice  decimal.Decimal `json:"fill_price"`
	AcceptedAt time.Time       `json:"accepted_at"`
}

// HTTP sends orders to an execution gateway. It makes exactly one attempt
// per Submit.
type HTTP struct {
	client *xhttp.Client
}

func NewHTTP(baseURL string, timeout time.Duration, opts ...xhttp.ClientOption) *HTTP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts = append([]xhttp.ClientOption{xhttp.WithTimeout(timeout)}, opts...)
	return &HTTP{client: xhttp.NewClient(baseURL, opts...)}
}

func (b *HTTP) Submit(ctx context.Context, p models.OrderProposal) (models.ExecutionAck, error) {
	var resp orderResponse
	req := orderRequest{
		ProposalID: p.ProposalID,
		Instrument: p.Instrument,
		Side:       string(p.Direction),
		Units:      p.Units,
		Entry:      p.Entry,
		Stop:       p.Stop,
		Target:     p.Target,
	}
	hdr := http.Header{"Idempotency-Key": {p.ProposalID}}
	if err := b.client.PostJSON(ctx, "/orders", req, &resp, hdr); err != nil {
		return models.ExecutionAck{}, fmt.Errorf("submit order: %w", err)
	}
	if resp.OrderID == "" {
		return models.ExecutionAck{}, fmt.Errorf("post /orders: empty order id")
	}
	if resp.AcceptedAt.IsZero() {
		resp.AcceptedAt = time.Now().UTC()
	}
	return models.ExecutionAck{OrderID: resp.OrderID, FillPrice: resp.FillPrice, AcceptedAt: resp.AcceptedAt}, nil
}
