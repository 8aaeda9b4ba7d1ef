// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/lakesync/pkg/engine"
	"storj.io/lakesync/pkg/lakehouse"
)

// catalog is the part of the remote catalog client the lake source uses.
type catalog interface {
	ListTables(ctx context.Context) ([]lakehouse.RemoteTable, error)
	Download(ctx context.Context, uri, localPath string) error
}

// Lake reads tables straight from the remote catalog through the embedded
// engine. The local replica is read-only, so Write always fails.
type Lake struct {
	log     *zap.Logger
	catalog catalog
	db      *engine.DB
}

// NewLake creates a lakehouse-backed tabular source.
func NewLake(log *zap.Logger, catalog catalog, db *engine.DB) *Lake {
	return &Lake{log: log, catalog: catalog, db: db}
}

// Name implements TabularSource.
func (lake *Lake) Name() string { return "lakehouse" }

// ListTables implements TabularSource.
func (lake *Lake) ListTables(ctx context.Context) (_ []lakehouse.RemoteTable, err error) {
	defer mon.Task()(&ctx)(&err)
	return lake.catalog.ListTables(ctx)
}

// Read implements TabularSource. The table's data files are staged into a
// temporary directory for the engine to scan and removed afterwards.
func (lake *Lake) Read(ctx context.Context, table string, limit int64) (_ []map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	tables, err := lake.catalog.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	for _, remote := range tables {
		if remote.Name != table {
			continue
		}
		if len(remote.DataFiles) == 0 {
			return nil, Error.New("table %q has no data files", table)
		}

		dir, err := os.MkdirTemp("", "lakesync-read-*")
		if err != nil {
			return nil, Error.Wrap(err)
		}
		defer func() { err = errs.Combine(err, Error.Wrap(os.RemoveAll(dir))) }()

		staged := make([]string, 0, len(remote.DataFiles))
		for i, uri := range remote.DataFiles {
			local := filepath.Join(dir, fmt.Sprintf("%05d-%s", i, filepath.Base(uri)))
			if err := lake.catalog.Download(ctx, uri, local); err != nil {
				return nil, err
			}
			staged = append(staged, local)
		}

		query := "SELECT * FROM " + engine.ScanExpr(staged)
		if limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", limit)
		}
		return lake.db.QueryRows(ctx, query)
	}
	return nil, Error.New("table %q not found", table)
}

// Write implements TabularSource.
func (lake *Lake) Write(ctx context.Context, table string, rows []map[string]interface{}) error {
	return ErrNotImplemented.New("the lakehouse replica is read-only")
}
