// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sampling

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"storj.io/lakesync/pkg/engine"
	"storj.io/lakesync/pkg/schematrack"
)

// Result describes a finished sample.
type Result struct {
	Table      string
	OutputPath string
	// RowCount is the number of rows written to the replica.
	RowCount int64
	// SourceRowCount is the number of rows in the source, or -1 when the
	// source could not be counted.
	SourceRowCount int64
}

// Sampler executes sampling plans against the embedded engine.
type Sampler struct {
	log     *zap.Logger
	db      *engine.DB
	planner Planner
}

// NewSampler creates a sampler on top of an engine session.
func NewSampler(log *zap.Logger, db *engine.DB) *Sampler {
	return &Sampler{log: log, db: db}
}

// Sample copies a subset (or all) of the table's rows into a compressed
// parquet file at outPath, according to config.
func (sampler *Sampler) Sample(ctx context.Context, table string, files []string, outPath string, config Config) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(files) == 0 {
		return Result{}, Error.New("table %q has no data files", table)
	}

	requested, err := ParseStrategy(config.Strategy)
	if err != nil {
		return Result{}, err
	}

	scan := engine.ScanExpr(files)

	// An unreadable source count is reported as unknown instead of failing
	// the sample; only the fallback rule depends on it.
	sourceRows, err := sampler.db.Count(ctx, scan)
	if err != nil {
		sampler.log.Warn("source row count unavailable",
			zap.String("table", table), zap.Error(err))
		sourceRows = -1
	}

	strategy := sampler.planner.EffectiveStrategy(requested, config, sourceRows)
	if strategy != requested {
		sampler.log.Info("table below full-copy threshold, ignoring sampling strategy",
			zap.String("table", table),
			zap.String("requested", string(requested)),
			zap.Int64("source_rows", sourceRows),
			zap.Int64("max_full_table_rows", config.MaxFullTableRows))
	}

	if strategy == Recent && config.DateColumn == "" {
		config.DateColumn, err = sampler.detectDateColumn(ctx, scan)
		if err != nil {
			return Result{}, err
		}
	}

	query, err := sampler.planner.BuildQuery(scan, strategy, config)
	if err != nil {
		return Result{}, err
	}

	// setup statements seed connection-local state, so the engine runs
	// them on the copy's own connection
	setup := sampler.planner.SetupStatements(strategy, config)
	rowCount, err := sampler.db.CopyToParquet(ctx, query, outPath, setup...)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Table:          table,
		OutputPath:     outPath,
		RowCount:       rowCount,
		SourceRowCount: sourceRows,
	}, nil
}

// Schema reads the current schema of the table's data files.
func (sampler *Sampler) Schema(ctx context.Context, files []string) (_ schematrack.TableSchema, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(files) == 0 {
		return schematrack.TableSchema{}, Error.New("no data files")
	}
	columns, err := sampler.db.Describe(ctx, engine.ScanExpr(files))
	if err != nil {
		return schematrack.TableSchema{}, err
	}
	return schematrack.NewTableSchema(columns), nil
}

// detectDateColumn picks the first date or timestamp column of the scan.
func (sampler *Sampler) detectDateColumn(ctx context.Context, scan string) (string, error) {
	columns, err := sampler.db.Describe(ctx, scan)
	if err != nil {
		return "", err
	}
	for _, column := range columns {
		logicalType := strings.ToUpper(column.LogicalType)
		if strings.Contains(logicalType, "TIMESTAMP") || strings.Contains(logicalType, "DATE") {
			return column.Name, nil
		}
	}
	return "", Error.New("recent sampling requires a date column and none was detected")
}
