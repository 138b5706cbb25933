package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"FxDesk/internal/domain/models"
	pkgch "FxDesk/pkg/clickhouse"
)

// CHRunArchive writes terminal runs to workflow_runs. The table is a
// ReplacingMergeTree on updated_at, so re-archiving a run is safe.
type CHRunArchive struct {
	db    *sql.DB
	table string
}

func NewCHRunArchive(ch *pkgch.Client) *CHRunArchive {
	return &CHRunArchive{db: ch.DB(), table: ch.Table(pkgch.RunsTable)}
}

const runColumns = "run_id, instrument, state, reason, failed_component, created_at, updated_at, direction, composite_confidence, proposal_id, units, execution_status, payload"

func (a *CHRunArchive) Archive(ctx context.Context, run models.WorkflowRun) error {
	args, err := runRow(run)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", a.table, runColumns)
	if _, err := a.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("archive run %s: %w", run.RunID, err)
	}
	return nil
}

// runRow flattens a run into the workflow_runs column order.
func runRow(run models.WorkflowRun) ([]interface{}, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("encode run: %w", err)
	}
	var (
		direction  = string(models.Neutral)
		composite  float64
		proposalID string
		units      int64
		execStatus string
	)
	if run.Thesis != nil {
		direction = string(run.Thesis.Direction)
		composite = run.Thesis.CompositeConfidence
	}
	if run.Proposal != nil {
		proposalID = run.Proposal.ProposalID
		units = run.Proposal.Units
	}
	if run.Execution != nil {
		execStatus = string(run.Execution.Status)
	}
	return []interface{}{
		run.RunID,
		run.Trigger.Instrument,
		string(run.State),
		run.Reason,
		run.FailedComponent,
		run.StartedAt.UTC(),
		run.UpdatedAt.UTC().Truncate(time.Millisecond),
		direction,
		composite,
		proposalID,
		units,
		execStatus,
		string(payload),
	}, nil
}
