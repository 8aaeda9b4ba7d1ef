// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sampling

import (
	"fmt"

	"storj.io/lakesync/pkg/engine"
)

// Planner builds engine queries for sampling strategies.
type Planner struct{}

// EffectiveStrategy applies the small-table fallback rule: when the source
// row count is known and does not exceed MaxFullTableRows, the whole table
// is copied regardless of the requested strategy. Sampling a table that is
// already small adds cost without benefit and risks non-representative
// output. An unknown row count (negative) never triggers the fallback.
func (planner Planner) EffectiveStrategy(requested Strategy, config Config, sourceRows int64) Strategy {
	if requested == Full {
		return Full
	}
	if sourceRows >= 0 && sourceRows <= config.MaxFullTableRows {
		return Full
	}
	return requested
}

// BuildQuery constructs the sampling query for scanning the relation scan.
// The caller resolves the strategy (including the fallback rule) and the
// date column before calling.
func (planner Planner) BuildQuery(scan string, strategy Strategy, config Config) (string, error) {
	switch strategy {
	case Full:
		return "SELECT * FROM " + scan, nil

	case Head:
		return fmt.Sprintf("SELECT * FROM %s LIMIT %d", scan, config.Rows), nil

	case Tail:
		// The format has no native "last N" operator: number the rows in
		// scan order and keep everything past total minus N. The scan file
		// list is sorted, so the row number is a stable tie-break and the
		// result is deterministic for an unchanged file set.
		return fmt.Sprintf(
			"SELECT * EXCLUDE (__row_nr) FROM ("+
				"SELECT *, row_number() OVER () AS __row_nr FROM %s"+
				") WHERE __row_nr > (SELECT count(*) FROM %s) - %d ORDER BY __row_nr",
			scan, scan, config.Rows), nil

	case Random:
		query := fmt.Sprintf("SELECT * FROM %s USING SAMPLE reservoir(%d ROWS)", scan, config.Rows)
		if config.Seeded() {
			query += fmt.Sprintf(" REPEATABLE (%d)", config.Seed)
		}
		return query, nil

	case Recent:
		if config.DateColumn == "" {
			return "", Error.New("recent sampling requires a date column")
		}
		return fmt.Sprintf("SELECT * FROM %s ORDER BY %s DESC LIMIT %d",
			scan, engine.QuoteIdent(config.DateColumn), config.Rows), nil

	case Stratified:
		if config.StratifyColumn == "" {
			return "", Error.New("stratified sampling requires a stratify column")
		}
		column := engine.QuoteIdent(config.StratifyColumn)
		// Proportional allocation: within each group take
		// ceil(N * groupSize / totalSize) rows by random rank, so minority
		// groups are never rounded down to zero.
		return fmt.Sprintf(
			"SELECT * EXCLUDE (__rank, __group_rows) FROM ("+
				"SELECT *, row_number() OVER (PARTITION BY %s ORDER BY random()) AS __rank, "+
				"count(*) OVER (PARTITION BY %s) AS __group_rows FROM %s"+
				") WHERE __rank <= ceil(%d * __group_rows / (SELECT count(*) FROM %s)::DOUBLE)",
			column, column, scan, config.Rows, scan), nil

	case Query:
		if config.Predicate == "" {
			return "", Error.New("query sampling requires a predicate")
		}
		return fmt.Sprintf("SELECT * FROM %s WHERE (%s) LIMIT %d",
			scan, config.Predicate, config.Rows), nil

	default:
		return "", Error.New("unknown sampling strategy %q", strategy)
	}
}

// SetupStatements returns statements to run before the sampling query.
// Stratified sampling ranks rows with random(), which is seeded through
// setseed for reproducible output.
func (planner Planner) SetupStatements(strategy Strategy, config Config) []string {
	if strategy == Stratified && config.Seeded() {
		// setseed takes a double in [-1, 1)
		seed := float64(config.Seed%1000000) / 1000000
		return []string{fmt.Sprintf("SELECT setseed(%f)", seed)}
	}
	return nil
}
