package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"FxDesk/internal/domain/models"
	domrepo "FxDesk/internal/domain/repository"
	pkgch "FxDesk/pkg/clickhouse"
	applogger "FxDesk/pkg/logger"
)

// CHBarStore implements BarStore backed by the ClickHouse bars_* tables.
type CHBarStore struct {
	db       *sql.DB
	database string
	l        *applogger.Logger
}

func NewCHBarStore(ch *pkgch.Client) *CHBarStore {
	return &CHBarStore{db: ch.DB(), database: ch.Database()}
}

// SetLogger injects a structured logger.
func (s *CHBarStore) SetLogger(l *applogger.Logger) { s.l = l }

func (s *CHBarStore) GetLatestNBars(ctx context.Context, instrument string, n int, tf domrepo.Timeframe, asOf time.Time) ([]models.Bar, error) {
	start := time.Now()
	table, err := tableForTF(tf)
	if err != nil {
		return nil, err
	}
	const qtpl = `
        SELECT ts, instrument, open, high, low, close, volume
        FROM %s.%s
        WHERE instrument = ? AND ts <= ?
        ORDER BY ts DESC
        LIMIT ?
    `
	q := fmt.Sprintf(qtpl, s.database, table)
	lastOpen := asOf.Add(-tf.Duration()).UTC()
	rows, err := s.db.QueryContext(ctx, q, instrument, lastOpen, n)
	if err != nil {
		if s.l != nil {
			s.l.Error("clickhouse latest_bars query error",
				applogger.String("table", table),
				applogger.String("instrument", instrument),
				applogger.Int("limit", n),
				applogger.Error(err),
			)
		}
		return nil, fmt.Errorf("get latest bars: %w", err)
	}
	defer rows.Close()

	tmp := make([]models.Bar, 0, n)
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Bucket, &b.Instrument, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		tmp = append(tmp, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	reverseBars(tmp)
	if s.l != nil {
		s.l.Debug("clickhouse latest_bars ok",
			applogger.String("table", table),
			applogger.String("instrument", instrument),
			applogger.Int("rows", len(tmp)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return tmp, nil
}

func tableForTF(tf domrepo.Timeframe) (string, error) {
	table, ok := pkgch.BarTables[string(tf)]
	if !ok {
		return "", fmt.Errorf("unsupported timeframe: %s", tf)
	}
	return table, nil
}

func reverseBars(b []models.Bar) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
