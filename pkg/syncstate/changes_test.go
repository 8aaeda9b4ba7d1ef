// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package syncstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/lakesync/internal/testcontext"
	"storj.io/lakesync/pkg/syncstate"
)

// fakeDB replays canned result sets and records the queries it saw.
type fakeDB struct {
	rows    []map[string]interface{}
	err     error
	queries []string
}

func (db *fakeDB) QueryRows(ctx context.Context, query string) ([]map[string]interface{}, error) {
	db.queries = append(db.queries, query)
	return db.rows, db.err
}

func TestDetectChangesTimestampFirstSync(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	t1 := time.Date(2019, 6, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	db := &fakeDB{rows: []map[string]interface{}{
		{"id": int64(1), "updated_at": t1},
		{"id": int64(2), "updated_at": t2},
	}}
	tracker := syncstate.NewTracker(zaptest.NewLogger(t), db)

	set, err := tracker.DetectChanges(ctx, "orders", []string{"orders/part-000.parquet"}, nil,
		syncstate.TrackingConfig{Method: syncstate.MethodTimestamp, TimestampColumn: "updated_at"})
	require.NoError(t, err)

	require.Len(t, set.Changes, 2)
	for _, change := range set.Changes {
		require.Equal(t, syncstate.Insert, change.Operation)
	}
	require.NotContains(t, db.queries[0], "WHERE", "first sync must scan everything")
	require.Contains(t, db.queries[0], `ORDER BY "updated_at"`)

	require.Equal(t, syncstate.MethodTimestamp, set.NewWatermark.Method)
	require.NotNil(t, set.NewWatermark.LastTimestamp)
	require.True(t, t2.Equal(*set.NewWatermark.LastTimestamp))
}

func TestDetectChangesTimestampIncremental(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	watermark := time.Date(2019, 6, 1, 10, 0, 0, 0, time.UTC)
	changed := watermark.Add(time.Hour)
	db := &fakeDB{rows: []map[string]interface{}{
		{"id": int64(7), "updated_at": changed},
	}}
	tracker := syncstate.NewTracker(zaptest.NewLogger(t), db)
	previous := &syncstate.State{
		Table: "orders", Method: syncstate.MethodTimestamp, LastTimestamp: &watermark,
	}

	set, err := tracker.DetectChanges(ctx, "orders", []string{"orders/part-000.parquet"}, previous,
		syncstate.TrackingConfig{Method: syncstate.MethodTimestamp, TimestampColumn: "updated_at"})
	require.NoError(t, err)

	require.Contains(t, db.queries[0], `WHERE "updated_at" > TIMESTAMP '2019-06-01 10:00:00'`)
	require.Len(t, set.Changes, 1)
	require.Equal(t, syncstate.Update, set.Changes[0].Operation)
	require.True(t, changed.Equal(*set.NewWatermark.LastTimestamp))
}

func TestDetectChangesTimestampNoNewRowsKeepsWatermark(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	watermark := time.Date(2019, 6, 1, 10, 0, 0, 0, time.UTC)
	db := &fakeDB{}
	tracker := syncstate.NewTracker(zaptest.NewLogger(t), db)
	previous := &syncstate.State{
		Table: "orders", Method: syncstate.MethodTimestamp, LastTimestamp: &watermark,
	}

	set, err := tracker.DetectChanges(ctx, "orders", []string{"orders/part-000.parquet"}, previous,
		syncstate.TrackingConfig{Method: syncstate.MethodTimestamp, TimestampColumn: "updated_at"})
	require.NoError(t, err)
	require.Empty(t, set.Changes)
	require.True(t, watermark.Equal(*set.NewWatermark.LastTimestamp))
}

func TestDetectChangesVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := &fakeDB{rows: []map[string]interface{}{
		{"id": int64(1), "row_version": int64(11)},
		{"id": int64(2), "row_version": int64(13)},
	}}
	tracker := syncstate.NewTracker(zaptest.NewLogger(t), db)
	v10 := int64(10)
	previous := &syncstate.State{
		Table: "parts", Method: syncstate.MethodVersion, LastVersion: &v10,
	}

	set, err := tracker.DetectChanges(ctx, "parts", []string{"parts/part-000.parquet"}, previous,
		syncstate.TrackingConfig{Method: syncstate.MethodVersion, VersionColumn: "row_version"})
	require.NoError(t, err)

	require.Contains(t, db.queries[0], `WHERE "row_version" > 10`)
	require.Len(t, set.Changes, 2)
	require.NotNil(t, set.NewWatermark.LastVersion)
	require.Equal(t, int64(13), *set.NewWatermark.LastVersion)
}

func TestDetectChangesVersionNonNumeric(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := &fakeDB{rows: []map[string]interface{}{
		{"id": int64(1), "row_version": "abc"},
	}}
	tracker := syncstate.NewTracker(zaptest.NewLogger(t), db)

	_, err := tracker.DetectChanges(ctx, "parts", []string{"parts/part-000.parquet"}, nil,
		syncstate.TrackingConfig{Method: syncstate.MethodVersion, VersionColumn: "row_version"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not numeric")
}

func TestDetectChangesChangeTable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	changedAt := time.Date(2019, 6, 1, 10, 0, 0, 0, time.UTC)
	db := &fakeDB{rows: []map[string]interface{}{
		{"change_id": "00101", "op": "I", "id": int64(1), "changed_at": changedAt},
		{"change_id": "00102", "op": "update", "id": int64(2), "changed_at": changedAt},
		{"change_id": "00103", "op": "D", "id": int64(3), "changed_at": changedAt},
	}}
	tracker := syncstate.NewTracker(zaptest.NewLogger(t), db)
	lastID := "00100"
	previous := &syncstate.State{
		Table: "orders", Method: syncstate.MethodChangeTable, LastChangeID: &lastID,
	}

	set, err := tracker.DetectChanges(ctx, "orders", nil, previous, syncstate.TrackingConfig{
		Method:           syncstate.MethodChangeTable,
		ChangeTableFiles: []string{"changes/orders/part-000.parquet"},
		ChangeIDColumn:   "change_id",
		OperationColumn:  "op",
		ChangedAtColumn:  "changed_at",
	})
	require.NoError(t, err)

	require.Contains(t, db.queries[0], `WHERE "change_id" > '00100'`)
	require.Len(t, set.Changes, 3)
	require.Equal(t, syncstate.Insert, set.Changes[0].Operation)
	require.Equal(t, syncstate.Update, set.Changes[1].Operation)
	require.Equal(t, syncstate.Delete, set.Changes[2].Operation)
	require.True(t, changedAt.Equal(set.Changes[2].ChangedAt))

	require.NotNil(t, set.NewWatermark.LastChangeID)
	require.Equal(t, "00103", *set.NewWatermark.LastChangeID)
}

func TestDetectChangesChangeTableUnknownOperation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := &fakeDB{rows: []map[string]interface{}{
		{"change_id": "00101", "op": "truncate", "id": int64(1)},
	}}
	tracker := syncstate.NewTracker(zaptest.NewLogger(t), db)

	_, err := tracker.DetectChanges(ctx, "orders", nil, nil, syncstate.TrackingConfig{
		Method:           syncstate.MethodChangeTable,
		ChangeTableFiles: []string{"changes/orders/part-000.parquet"},
		ChangeIDColumn:   "change_id",
		OperationColumn:  "op",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown change operation")
}

func TestDetectChangesMethodNone(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := &fakeDB{}
	tracker := syncstate.NewTracker(zaptest.NewLogger(t), db)

	set, err := tracker.DetectChanges(ctx, "orders", nil, nil,
		syncstate.TrackingConfig{Method: syncstate.MethodNone})
	require.NoError(t, err)
	require.Empty(t, set.Changes)
	require.Empty(t, db.queries, "no tracking method must not query the engine")
	require.False(t, set.NewWatermark.LastSync.IsZero())
}

func TestDetectChangesMissingConfig(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tracker := syncstate.NewTracker(zaptest.NewLogger(t), &fakeDB{})

	_, err := tracker.DetectChanges(ctx, "orders", nil, nil,
		syncstate.TrackingConfig{Method: syncstate.MethodTimestamp})
	require.Error(t, err)

	_, err = tracker.DetectChanges(ctx, "orders", nil, nil,
		syncstate.TrackingConfig{Method: syncstate.MethodVersion})
	require.Error(t, err)

	_, err = tracker.DetectChanges(ctx, "orders", nil, nil,
		syncstate.TrackingConfig{Method: "snapshot"})
	require.Error(t, err)
}
