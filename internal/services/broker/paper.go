package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"FxDesk/internal/domain/models"
	applogger "FxDesk/pkg/logger"
	"FxDesk/pkg/util"
)

var ErrInvalidOrder = errors.New("broker: invalid order")

// Paper fills every valid order at its entry price and keeps a net
// position book per instrument.
type Paper struct {
	mu     sync.Mutex
	book   map[string]int64
	orders []models.ExecutionAck
	now    func() time.Time
	log    *applogger.Logger
}

func NewPaper(log *applogger.Logger, seed ...models.Position) *Paper {
	if log == nil {
		log = applogger.Nop()
	}
	p := &Paper{book: map[string]int64{}, now: time.Now, log: log}
	for _, pos := range seed {
		p.book[models.NormalizeSymbol(pos.Instrument)] += int64(pos.Direction.Sign()) * pos.Units
	}
	return p
}

func (p *Paper) Submit(ctx context.Context, order models.OrderProposal) (models.ExecutionAck, error) {
	if err := ctx.Err(); err != nil {
		return models.ExecutionAck{}, err
	}
	if order.Units <= 0 || order.Direction.Sign() == 0 || !order.Entry.IsPositive() {
		return models.ExecutionAck{}, fmt.Errorf("%w: %s %s x%d", ErrInvalidOrder, order.Direction, order.Instrument, order.Units)
	}
	now := p.now().UTC()
	ack := models.ExecutionAck{
		OrderID:    util.NewID(now),
		FillPrice:  order.Entry,
		AcceptedAt: now,
	}

	p.mu.Lock()
	p.book[models.NormalizeSymbol(order.Instrument)] += int64(order.Direction.Sign()) * order.Units
	p.orders = append(p.orders, ack)
	p.mu.Unlock()

	p.log.Info("paper order filled",
		applogger.String("order_id", ack.OrderID),
		applogger.String("proposal_id", order.ProposalID),
		applogger.String("instrument", order.Instrument),
		applogger.String("direction", string(order.Direction)),
		applogger.Int64("units", order.Units),
	)
	return ack, nil
}

// OpenPositions lists the non-flat book, sorted by instrument.
func (p *Paper) OpenPositions(ctx context.Context) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Position, 0, len(p.book))
	for inst, net := range p.book {
		switch {
		case net > 0:
			out = append(out, models.Position{Instrument: inst, Direction: models.Long, Units: net})
		case net < 0:
			out = append(out, models.Position{Instrument: inst, Direction: models.Short, Units: -net})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

// Orders returns the acks issued so far.
func (p *Paper) Orders() []models.ExecutionAck {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ExecutionAck(nil), p.orders...)
}
