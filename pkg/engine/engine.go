// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package engine wraps an embedded DuckDB instance. DuckDB scans local and
// remote-staged parquet files directly, which makes it the execution layer
// for both sampling queries and change detection.
package engine

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2" // registers the duckdb driver
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/lakesync/pkg/schematrack"
)

var (
	// Error is the default engine error class.
	Error = errs.Class("engine error")

	mon = monkit.Package()
)

// DB is an embedded analytical engine session. Sessions are stateless per
// query and may be shared across tables without locking.
type DB struct {
	log *zap.Logger
	db  *sql.DB
}

// Open starts an in-memory engine instance.
func Open(log *zap.Logger) (*DB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &DB{log: log, db: db}, nil
}

// Close shuts the engine down.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Quote escapes a string for use as a single-quoted SQL literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteIdent escapes an identifier for use in a query.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// ScanExpr builds a relation expression scanning the given parquet files.
// Files are sorted so the physical row order of the scan is deterministic
// for an unchanged file set.
func ScanExpr(files []string) string {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	quoted := make([]string, 0, len(sorted))
	for _, file := range sorted {
		quoted = append(quoted, Quote(file))
	}
	return "read_parquet([" + strings.Join(quoted, ", ") + "])"
}

// Exec runs a statement.
func (db *DB) Exec(ctx context.Context, query string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = db.db.ExecContext(ctx, query)
	return Error.Wrap(err)
}

// Count returns the number of rows in the relation.
func (db *DB) Count(ctx context.Context, relation string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = db.db.QueryRowContext(ctx, "SELECT count(*) FROM "+relation).Scan(&count)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return count, nil
}

// Describe returns the schema of the relation.
func (db *DB) Describe(ctx context.Context, relation string) (_ []schematrack.Column, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, "DESCRIBE SELECT * FROM "+relation)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var columns []schematrack.Column
	for rows.Next() {
		var name, logicalType string
		var nullable, key, def, extra sql.NullString
		if err := rows.Scan(&name, &logicalType, &nullable, &key, &def, &extra); err != nil {
			return nil, Error.Wrap(err)
		}
		columns = append(columns, schematrack.Column{
			Name:        name,
			LogicalType: logicalType,
			Nullable:    nullable.String == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return columns, nil
}

// QueryRows runs a query and returns the result set as column-name keyed
// maps, preserving column names exactly.
func (db *DB) QueryRows(ctx context.Context, query string) (_ []map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	names, err := rows.Columns()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var result []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(names))
		pointers := make([]interface{}, len(names))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, Error.Wrap(err)
		}
		record := make(map[string]interface{}, len(names))
		for i, name := range names {
			record[name] = values[i]
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return result, nil
}

// CopyToParquet executes query and writes the result to outPath as
// zstd-compressed parquet. The engine writes to a temporary file that is
// renamed on success, so a failed or canceled copy never leaves a partially
// written destination file behind. Setup statements run on the same
// connection as the copy: connection-local state like setseed does not
// survive across pooled connections. Returns the number of rows written.
func (db *DB) CopyToParquet(ctx context.Context, query, outPath string, setup ...string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return 0, Error.Wrap(err)
	}

	tmpPath := outPath + ".partial"
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	conn, err := db.db.Conn(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(conn.Close())) }()

	for _, stmt := range setup {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return 0, Error.Wrap(err)
		}
	}

	copyStmt := "COPY (" + query + ") TO " + Quote(tmpPath) + " (FORMAT PARQUET, COMPRESSION ZSTD)"
	if _, err := conn.ExecContext(ctx, copyStmt); err != nil {
		return 0, Error.Wrap(err)
	}

	rowCount, err := db.Count(ctx, "read_parquet("+Quote(tmpPath)+")")
	if err != nil {
		return 0, err
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return 0, Error.Wrap(err)
	}
	return rowCount, nil
}
