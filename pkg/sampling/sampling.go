// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sampling translates a sampling strategy into queries against the
// embedded analytical engine and executes them into local parquet replicas.
package sampling

import (
	"strings"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	// Error is the default sampling error class.
	Error = errs.Class("sampling error")

	mon = monkit.Package()
)

// Strategy selects how rows are picked for the local replica.
type Strategy string

// Supported sampling strategies.
const (
	Random     Strategy = "random"
	Recent     Strategy = "recent"
	Head       Strategy = "head"
	Tail       Strategy = "tail"
	Stratified Strategy = "stratified"
	Query      Strategy = "query"
	Full       Strategy = "full"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch strategy := Strategy(strings.ToLower(strings.TrimSpace(s))); strategy {
	case Random, Recent, Head, Tail, Stratified, Query, Full:
		return strategy, nil
	default:
		return "", Error.New("unknown sampling strategy %q", s)
	}
}

// Config controls sampling. It is supplied by configuration and read-only
// during a sync.
type Config struct {
	Strategy         string `help:"sampling strategy: random, recent, head, tail, stratified, query or full" default:"random"`
	Rows             int64  `help:"target number of rows per table" default:"10000"`
	DateColumn       string `help:"date column for recent sampling; auto-detected when empty" default:""`
	StratifyColumn   string `help:"column whose value groups are sampled proportionally" default:""`
	Predicate        string `help:"filter predicate for the query strategy" default:""`
	Seed             int64  `help:"random seed for reproducible samples; 0 means unseeded" default:"0"`
	MaxFullTableRows int64  `help:"tables with at most this many rows are always copied whole" default:"10000"`
}

// Seeded reports whether a reproducible sample was requested.
func (config Config) Seeded() bool { return config.Seed != 0 }
