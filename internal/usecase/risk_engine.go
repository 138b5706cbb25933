package usecase

import (
	"fmt"
	"time"

	"FxDesk/internal/domain/models"
	"FxDesk/pkg/util"

	"github.com/shopspring/decimal"
)

// Risk fraction bounds every proposal must respect.
var (
	MinRiskFraction = decimal.RequireFromString("0.01")
	MaxRiskFraction = decimal.RequireFromString("0.02")
)

type RiskConfig struct {
	BaseRisk       float64
	MaxRisk        float64
	MinRR          float64
	MaxCorrelation float64
	MinConfidence  float64
}

func DefaultRiskConfig() RiskConfig {
	return RiskConfig{BaseRisk: 0.01, MaxRisk: 0.02, MinRR: 1.5, MaxCorrelation: 0.7, MinConfidence: 0.55}
}

// RiskEngine sizes a thesis into an order proposal and runs the risk checks.
type RiskEngine struct {
	cfg  RiskConfig
	rf   decimal.Decimal
	corr *CorrelationModel
	now  func() time.Time
}

func NewRiskEngine(cfg RiskConfig, corr *CorrelationModel) *RiskEngine {
	if corr == nil {
		corr = NewCorrelationModel(nil, 0.5)
	}
	rf := decimal.Min(decimal.NewFromFloat(cfg.MaxRisk), decimal.NewFromFloat(cfg.BaseRisk))
	rf = decimal.Max(MinRiskFraction, decimal.Min(MaxRiskFraction, rf))
	return &RiskEngine{cfg: cfg, rf: rf, corr: corr, now: time.Now}
}

// RiskFraction is the share of equity risked per trade.
func (r *RiskEngine) RiskFraction() decimal.Decimal { return r.rf }

var microLot = decimal.NewFromInt(1000)

// Size builds the proposal. A failed check yields a Rejected proposal, not
// an error. Errors mean the thesis itself cannot be sized.
func (r *RiskEngine) Size(th models.Thesis, equity decimal.Decimal, open []models.Position) (models.OrderProposal, error) {
	if !th.IsTrade() {
		return models.OrderProposal{}, fmt.Errorf("%w: cannot size a %s thesis", ErrInvariantViolation, th.Direction)
	}
	if !th.Entry.IsPositive() || !th.Stop.IsPositive() || !th.Target.IsPositive() {
		return models.OrderProposal{}, fmt.Errorf("%w: non-positive price in thesis (entry %s stop %s target %s)",
			ErrInvariantViolation, th.Entry, th.Stop, th.Target)
	}
	stopDist := th.Entry.Sub(th.Stop).Abs()
	if stopDist.IsZero() {
		return models.OrderProposal{}, fmt.Errorf("%w: entry equals stop", ErrInvariantViolation)
	}

	rr := th.Target.Sub(th.Entry).Abs().Div(stopDist)
	now := r.now().UTC()
	p := models.OrderProposal{
		ProposalID:   util.NewID(now),
		ThesisRef:    th.Ref(),
		Instrument:   th.Instrument,
		Direction:    th.Direction,
		Entry:        th.Entry,
		Stop:         th.Stop,
		Target:       th.Target,
		RiskFraction: r.rf,
		MicroLots:    decimal.Zero,
		RiskAmount:   decimal.Zero,
		RewardToRisk: rr.Round(4),
		Status:       models.ProposalPending,
		CreatedAt:    now,
	}

	if equity.IsPositive() {
		p.RiskAmount = equity.Mul(r.rf)
		p.Units = p.RiskAmount.Div(stopDist).Floor().IntPart()
		p.MicroLots = decimal.NewFromInt(p.Units).Div(microLot)
		if p.Units <= 0 {
			p.Violations = append(p.Violations, models.Violation{
				Code: models.ViolationPositionTooSmall,
				Msg:  fmt.Sprintf("risk %s over stop distance %s sizes to zero units", p.RiskAmount, stopDist),
			})
		}
	} else {
		p.Violations = append(p.Violations, models.Violation{
			Code: models.ViolationNonPositiveEquity,
			Msg:  fmt.Sprintf("account equity %s is not positive", equity),
		})
	}

	// Compared unrounded so a ratio just under the minimum cannot round up to it.
	if minRR := decimal.NewFromFloat(r.cfg.MinRR); rr.LessThan(minRR) {
		p.Violations = append(p.Violations, models.Violation{
			Code: models.ViolationRRTooLow,
			Msg:  fmt.Sprintf("reward to risk %s below %s", rr.Truncate(6), minRR),
		})
	}
	for _, pos := range open {
		if c := r.corr.Exposure(th.Instrument, th.Direction, pos.Instrument, pos.Direction); c > r.cfg.MaxCorrelation {
			p.Violations = append(p.Violations, models.Violation{
				Code: models.ViolationCorrelation,
				Msg:  fmt.Sprintf("correlation %.2f with open %s %s exceeds %.2f", c, pos.Direction, pos.Instrument, r.cfg.MaxCorrelation),
			})
		}
	}
	if th.CompositeConfidence < r.cfg.MinConfidence {
		p.Violations = append(p.Violations, models.Violation{
			Code: models.ViolationConfidenceTooLow,
			Msg:  fmt.Sprintf("composite confidence %.2f below %.2f", th.CompositeConfidence, r.cfg.MinConfidence),
		})
	}
	if len(p.Violations) > 0 {
		p.Status = models.ProposalRejected
	}
	return p, nil
}
