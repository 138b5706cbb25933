package usecase

import (
	"strings"

	"FxDesk/internal/domain/models"
)

// CorrelationModel estimates the correlation of two instruments from a
// configured table, falling back to shared currency legs.
type CorrelationModel struct {
	table     map[string]float64
	sharedLeg float64
}

// NewCorrelationModel accepts table keys like "EURUSD:GBPUSD" or
// "EURUSD/GBPUSD".
func NewCorrelationModel(table map[string]float64, sharedLeg float64) *CorrelationModel {
	m := &CorrelationModel{table: map[string]float64{}, sharedLeg: sharedLeg}
	for k, v := range table {
		sep := ":"
		if !strings.Contains(k, sep) {
			sep = "/"
		}
		a, b, ok := strings.Cut(k, sep)
		if !ok {
			continue
		}
		m.table[pairKey(models.NormalizeSymbol(a), models.NormalizeSymbol(b))] = clampUnit(v)
	}
	return m
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// Between returns the correlation of holding both instruments long.
func (m *CorrelationModel) Between(a, b string) float64 {
	sa, sb := models.NormalizeSymbol(a), models.NormalizeSymbol(b)
	if sa == sb {
		return 1
	}
	if v, ok := m.table[pairKey(sa, sb)]; ok {
		return v
	}
	ia, errA := models.ParseInstrument(sa)
	ib, errB := models.ParseInstrument(sb)
	if errA != nil || errB != nil {
		return 0
	}

	var c float64
	if g := ia.Group(); g != "" && g == ib.Group() {
		c += m.sharedLeg
	} else if ia.Base == ib.Base {
		c += m.sharedLeg
	}
	if ia.Quote == ib.Quote && !(ia.IsCommodity() && ib.IsCommodity()) {
		c += m.sharedLeg
	}
	if ia.Base == ib.Quote {
		c -= m.sharedLeg
	}
	if ia.Quote == ib.Base {
		c -= m.sharedLeg
	}
	return clampUnit(c)
}

// Exposure is Between adjusted for the two sides: opposite directions negate it.
func (m *CorrelationModel) Exposure(a string, da models.Direction, b string, db models.Direction) float64 {
	return m.Between(a, b) * float64(da.Sign()*db.Sign())
}

func clampUnit(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}
