// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package syncer orchestrates the replica sync run: it discovers remote
// tables, resolves a dependency order, samples each table into the local
// replica and records schema versions and watermarks.
package syncer

import (
	"strings"
	"time"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/lakesync/pkg/depgraph"
	"storj.io/lakesync/pkg/sampling"
)

var (
	// Error is the default syncer error class.
	Error = errs.Class("syncer error")

	mon = monkit.Package()
)

// Config is the orchestrator configuration.
type Config struct {
	Interval    time.Duration `help:"how often a full sync run starts" default:"1h"`
	Parallelism int           `help:"number of tables synced in parallel" default:"4"`
	OutputDir   string        `help:"root directory of the local replica" default:"replica"`
	StateDir    string        `help:"directory for sync state and schema version logs" default:"state"`
	References  string        `help:"comma separated child:parent foreign key pairs, e.g. orders:customers" default:""`

	TrackingMethod      string `help:"change tracking method: timestamp, version, changetable or empty to disable" default:""`
	TrackingColumn      string `help:"timestamp or version column compared against the watermark" default:""`
	TrackingChangeTable string `help:"name of the remote change-log table for the changetable method" default:""`

	Sample sampling.Config
}

// ParseReferences parses the declared foreign keys into per-table metadata.
// Each pair reads "child:parent" meaning child references parent and must be
// synced after it. A malformed pair is a configuration precondition failure
// and aborts the whole run.
func ParseReferences(spec string) (map[string][]string, error) {
	references := map[string][]string{}
	if strings.TrimSpace(spec) == "" {
		return references, nil
	}
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.Split(pair, ":")
		if len(parts) != 2 {
			return nil, Error.New("malformed reference %q, expected child:parent", pair)
		}
		child := strings.TrimSpace(parts[0])
		parent := strings.TrimSpace(parts[1])
		if child == "" || parent == "" {
			return nil, Error.New("malformed reference %q, expected child:parent", pair)
		}
		references[child] = append(references[child], parent)
	}
	return references, nil
}

func tableMetas(names []string, references map[string][]string) []depgraph.TableMeta {
	metas := make([]depgraph.TableMeta, 0, len(names))
	for _, name := range names {
		metas = append(metas, depgraph.TableMeta{
			Name:       name,
			References: references[name],
		})
	}
	return metas
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
