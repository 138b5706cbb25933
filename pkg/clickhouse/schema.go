package clickhouse

import (
	"fmt"
	"sort"
)

// BarTables are the OHLC tables read by the bar store, keyed by timeframe.
var BarTables = map[string]string{
	"1m": "bars_1m",
	"5m": "bars_5m",
	"1h": "bars_1h",
}

// RunsTable holds one row per terminal workflow run.
const RunsTable = "workflow_runs"

// Schema returns the DDL for the bar tables and the run archive.
func Schema(database string) []string {
	stmts := []string{fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database)}
	tables := make([]string, 0, len(BarTables))
	for _, table := range BarTables {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
    instrument LowCardinality(String),
    ts DateTime64(3, 'UTC'),
    open Float64,
    high Float64,
    low Float64,
    close Float64,
    volume Float64
) ENGINE = ReplacingMergeTree
ORDER BY (instrument, ts)`, database, table))
	}
	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
    run_id String,
    instrument LowCardinality(String),
    state LowCardinality(String),
    reason String,
    failed_component String,
    created_at DateTime64(3, 'UTC'),
    updated_at DateTime64(3, 'UTC'),
    direction LowCardinality(String),
    composite_confidence Float64,
    proposal_id String,
    units Int64,
    execution_status LowCardinality(String),
    payload String
) ENGINE = ReplacingMergeTree(updated_at)
ORDER BY run_id`, database, RunsTable))
	return stmts
}
