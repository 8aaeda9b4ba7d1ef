// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sampling_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/lakesync/pkg/engine"
	"storj.io/lakesync/pkg/sampling"
)

var scan = engine.ScanExpr([]string{"orders/part-000.parquet"})

func TestEffectiveStrategyFallback(t *testing.T) {
	var planner sampling.Planner
	config := sampling.Config{Rows: 500, MaxFullTableRows: 10000}

	// small tables are always copied whole, whatever was requested
	for _, strategy := range []sampling.Strategy{
		sampling.Random, sampling.Recent, sampling.Head,
		sampling.Tail, sampling.Stratified, sampling.Query,
	} {
		require.Equal(t, sampling.Full, planner.EffectiveStrategy(strategy, config, 10000))
		require.Equal(t, sampling.Full, planner.EffectiveStrategy(strategy, config, 1))
	}

	// full is idempotent with the rule
	require.Equal(t, sampling.Full, planner.EffectiveStrategy(sampling.Full, config, 5))

	// above the threshold the request stands
	require.Equal(t, sampling.Random, planner.EffectiveStrategy(sampling.Random, config, 10001))

	// unknown source counts never trigger the fallback
	require.Equal(t, sampling.Random, planner.EffectiveStrategy(sampling.Random, config, -1))
}

func TestBuildQueryHeadFullQuery(t *testing.T) {
	var planner sampling.Planner
	config := sampling.Config{Rows: 500}

	query, err := planner.BuildQuery(scan, sampling.Head, config)
	require.NoError(t, err)
	require.Equal(t, "SELECT * FROM "+scan+" LIMIT 500", query)

	query, err = planner.BuildQuery(scan, sampling.Full, config)
	require.NoError(t, err)
	require.Equal(t, "SELECT * FROM "+scan, query)

	config.Predicate = "status = 'shipped'"
	query, err = planner.BuildQuery(scan, sampling.Query, config)
	require.NoError(t, err)
	require.Contains(t, query, "WHERE (status = 'shipped') LIMIT 500")
}

func TestBuildQueryRandomSeed(t *testing.T) {
	var planner sampling.Planner

	// same seed, same query: reproducible samples
	seeded := sampling.Config{Rows: 500, Seed: 42}
	first, err := planner.BuildQuery(scan, sampling.Random, seeded)
	require.NoError(t, err)
	second, err := planner.BuildQuery(scan, sampling.Random, seeded)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Contains(t, first, "USING SAMPLE reservoir(500 ROWS) REPEATABLE (42)")

	// no seed, no repeatable clause
	unseeded, err := planner.BuildQuery(scan, sampling.Random, sampling.Config{Rows: 500})
	require.NoError(t, err)
	require.NotContains(t, unseeded, "REPEATABLE")
}

func TestBuildQueryRecent(t *testing.T) {
	var planner sampling.Planner

	query, err := planner.BuildQuery(scan, sampling.Recent, sampling.Config{Rows: 100, DateColumn: "created_at"})
	require.NoError(t, err)
	require.Contains(t, query, `ORDER BY "created_at" DESC LIMIT 100`)

	_, err = planner.BuildQuery(scan, sampling.Recent, sampling.Config{Rows: 100})
	require.Error(t, err)
}

func TestBuildQueryTail(t *testing.T) {
	var planner sampling.Planner

	query, err := planner.BuildQuery(scan, sampling.Tail, sampling.Config{Rows: 25})
	require.NoError(t, err)
	require.Contains(t, query, "row_number() OVER ()")
	require.Contains(t, query, "- 25")
	require.Contains(t, query, "ORDER BY __row_nr", "tail output must have a deterministic tie-break")
}

func TestBuildQueryStratified(t *testing.T) {
	var planner sampling.Planner

	query, err := planner.BuildQuery(scan, sampling.Stratified, sampling.Config{Rows: 100, StratifyColumn: "region"})
	require.NoError(t, err)
	require.Contains(t, query, `PARTITION BY "region" ORDER BY random()`)
	require.Contains(t, query, "ceil(100 * __group_rows")

	_, err = planner.BuildQuery(scan, sampling.Stratified, sampling.Config{Rows: 100})
	require.Error(t, err)

	require.Empty(t, planner.SetupStatements(sampling.Stratified, sampling.Config{}))
	require.Len(t, planner.SetupStatements(sampling.Stratified, sampling.Config{Seed: 7}), 1)
}

func TestParseStrategy(t *testing.T) {
	strategy, err := sampling.ParseStrategy(" Random ")
	require.NoError(t, err)
	require.Equal(t, sampling.Random, strategy)

	_, err = sampling.ParseStrategy("bogus")
	require.Error(t, err)
}
