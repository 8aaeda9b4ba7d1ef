// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package schematrack

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Version is one entry of a table's append-only schema history.
type Version struct {
	VersionID string      `json:"versionId"`
	Table     string      `json:"table"`
	Schema    TableSchema `json:"schema"`
	CreatedAt time.Time   `json:"createdAt"`
	Hash      string      `json:"hash"`
}

// ColumnChange describes one changed attribute of a column.
type ColumnChange struct {
	Column    string `json:"column"`
	Attribute string `json:"attribute"`
	Before    string `json:"before"`
	After     string `json:"after"`
}

// Drift is the structural difference between the two newest schema
// snapshots of a table. It is computed, never stored.
type Drift struct {
	HasDrift          bool
	Added             []Column
	Removed           []Column
	Modified          []ColumnChange
	PreviousVersionID string
}

// Tracker persists schema versions as an append-only JSON-lines log, one
// file per table.
type Tracker struct {
	log *zap.Logger
	dir string
}

// NewTracker creates a schema tracker storing logs under dir.
func NewTracker(log *zap.Logger, dir string) *Tracker {
	return &Tracker{log: log, dir: dir}
}

func (tracker *Tracker) logPath(table string) string {
	return filepath.Join(tracker.dir, sanitize(table)+".log")
}

// SaveVersion appends a new schema version for the table. An entry is
// written even when the schema is unchanged; the content hash simply
// repeats.
func (tracker *Tracker) SaveVersion(ctx context.Context, table string, schema TableSchema) (_ Version, err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	version := Version{
		VersionID: fmt.Sprintf("%s-%d", sanitize(table), now.UnixNano()),
		Table:     table,
		Schema:    schema,
		CreatedAt: now,
		Hash:      schema.Hash,
	}

	data, err := json.Marshal(version)
	if err != nil {
		return Version{}, Error.Wrap(err)
	}

	if err := os.MkdirAll(tracker.dir, 0755); err != nil {
		return Version{}, Error.Wrap(err)
	}

	fh, err := os.OpenFile(tracker.logPath(table), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return Version{}, Error.Wrap(err)
	}
	defer func() {
		if closeErr := fh.Close(); closeErr != nil && err == nil {
			err = Error.Wrap(closeErr)
		}
	}()

	if _, err := fh.Write(append(data, '\n')); err != nil {
		return Version{}, Error.Wrap(err)
	}
	return version, nil
}

// GetHistory returns up to limit schema versions for the table, newest
// first. A limit of zero or less returns the full history. Corrupt entries
// are skipped with a warning; a missing log means no history.
func (tracker *Tracker) GetHistory(ctx context.Context, table string, limit int) (_ []Version, err error) {
	defer mon.Task()(&ctx)(&err)

	fh, err := os.Open(tracker.logPath(table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}
	defer func() { _ = fh.Close() }()

	var versions []Version
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var version Version
		if err := json.Unmarshal(line, &version); err != nil {
			tracker.log.Warn("skipping corrupt schema version entry",
				zap.String("table", table), zap.Error(err))
			continue
		}
		versions = append(versions, version)
	}
	if err := scanner.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	// newest first
	for i, k := 0, len(versions)-1; i < k; i, k = i+1, k-1 {
		versions[i], versions[k] = versions[k], versions[i]
	}
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}
	return versions, nil
}

// DetectDrift compares the current schema against the latest recorded
// version. When no previous version exists the table is treated as newly
// seen: no drift, but every column is reported as added so first-sync
// tooling can render an initial schema listing uniformly.
func (tracker *Tracker) DetectDrift(ctx context.Context, table string, current TableSchema) (_ Drift, err error) {
	defer mon.Task()(&ctx)(&err)

	history, err := tracker.GetHistory(ctx, table, 1)
	if err != nil {
		// a corrupt or missing history means no prior version, not a failure
		tracker.log.Warn("schema history unreadable, treating table as newly seen",
			zap.String("table", table), zap.Error(err))
		history = nil
	}
	if len(history) == 0 {
		return Drift{Added: append([]Column(nil), current.Columns...)}, nil
	}

	previous := history[0]
	if previous.Hash == current.Hash {
		return Drift{PreviousVersionID: previous.VersionID}, nil
	}

	drift := Drift{PreviousVersionID: previous.VersionID}

	prevByName := map[string]Column{}
	for _, col := range previous.Schema.Columns {
		prevByName[col.Name] = col
	}
	currByName := map[string]Column{}
	for _, col := range current.Columns {
		currByName[col.Name] = col
	}

	for _, col := range current.Columns {
		prev, ok := prevByName[col.Name]
		if !ok {
			drift.Added = append(drift.Added, col)
			continue
		}
		if prev.LogicalType != col.LogicalType {
			drift.Modified = append(drift.Modified, ColumnChange{
				Column: col.Name, Attribute: "type",
				Before: prev.LogicalType, After: col.LogicalType,
			})
		}
		if prev.Nullable != col.Nullable {
			drift.Modified = append(drift.Modified, ColumnChange{
				Column: col.Name, Attribute: "nullable",
				Before: fmt.Sprint(prev.Nullable), After: fmt.Sprint(col.Nullable),
			})
		}
		if prev.MaxLength != col.MaxLength {
			drift.Modified = append(drift.Modified, ColumnChange{
				Column: col.Name, Attribute: "maxLength",
				Before: fmt.Sprint(prev.MaxLength), After: fmt.Sprint(col.MaxLength),
			})
		}
	}
	for _, col := range previous.Schema.Columns {
		if _, ok := currByName[col.Name]; !ok {
			drift.Removed = append(drift.Removed, col)
		}
	}

	drift.HasDrift = len(drift.Added) > 0 || len(drift.Removed) > 0 || len(drift.Modified) > 0
	return drift, nil
}

// sanitize makes a table name safe to use as a file name.
func sanitize(table string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, table)
}
