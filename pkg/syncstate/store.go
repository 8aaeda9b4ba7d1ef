// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package syncstate persists per-table sync watermarks and detects
// incremental changes relative to them.
package syncstate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/lakesync/internal/fpath"
)

var (
	// Error is the default syncstate error class.
	Error = errs.Class("syncstate error")

	mon = monkit.Package()
)

// Method selects how changes are tracked for a table.
type Method string

// Supported change tracking methods.
const (
	// MethodNone records only the time of the last successful sync.
	MethodNone Method = ""
	// MethodTimestamp compares a timestamp column against the watermark.
	MethodTimestamp Method = "timestamp"
	// MethodVersion compares a monotonic version column against the watermark.
	MethodVersion Method = "version"
	// MethodChangeTable reads an external change-log table.
	MethodChangeTable Method = "changetable"
)

// State is the per-table watermark. It is created on the first successful
// sync and overwritten atomically after each subsequent one.
type State struct {
	Table    string    `json:"table"`
	LastSync time.Time `json:"lastSync"`
	Method   Method    `json:"method"`

	LastTimestamp *time.Time `json:"lastTimestamp,omitempty"`
	LastVersion   *int64     `json:"lastVersion,omitempty"`
	LastChangeID  *string    `json:"lastChangeId,omitempty"`
}

// Before reports whether the state's watermark precedes other's.
// Unset watermarks precede everything.
func (state *State) Before(other State) bool {
	if state == nil {
		return true
	}
	switch other.Method {
	case MethodTimestamp:
		return state.LastTimestamp == nil || other.LastTimestamp == nil ||
			!state.LastTimestamp.After(*other.LastTimestamp)
	case MethodVersion:
		return state.LastVersion == nil || other.LastVersion == nil ||
			*state.LastVersion <= *other.LastVersion
	case MethodChangeTable:
		return state.LastChangeID == nil || other.LastChangeID == nil ||
			*state.LastChangeID <= *other.LastChangeID
	default:
		return true
	}
}

// Store keeps one JSON state file per table. The files are part of the
// persisted contract read by other components.
type Store struct {
	log *zap.Logger
	dir string
}

// NewStore creates a sync state store under dir.
func NewStore(log *zap.Logger, dir string) *Store {
	return &Store{log: log, dir: dir}
}

func (store *Store) statePath(table string) string {
	return filepath.Join(store.dir, sanitize(table)+".json")
}

// Load returns the saved state for a table, or nil when the table has
// never been synced. A corrupt state file is treated as absent, so the
// next sync starts from scratch instead of failing.
func (store *Store) Load(ctx context.Context, table string) (_ *State, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := os.ReadFile(store.statePath(table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		store.log.Warn("corrupt sync state, treating table as never synced",
			zap.String("table", table), zap.Error(err))
		return nil, nil
	}
	return &state, nil
}

// Save atomically overwrites the state for a table. It must only be
// called after the table's data sync fully succeeded. A watermark is never
// allowed to move backwards.
func (store *Store) Save(ctx context.Context, state State) (err error) {
	defer mon.Task()(&ctx)(&err)

	existing, err := store.Load(ctx, state.Table)
	if err != nil {
		return err
	}
	if existing != nil && !existing.Before(state) {
		return Error.New("watermark for table %q would move backwards", state.Table)
	}

	data, err := json.MarshalIndent(state, "", "\t")
	if err != nil {
		return Error.Wrap(err)
	}
	if err := os.MkdirAll(store.dir, 0755); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(fpath.AtomicWriteFile(store.statePath(state.Table), data, 0644))
}

func sanitize(table string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, table)
}
