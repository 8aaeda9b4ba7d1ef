// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package lakehouse

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	minio "github.com/minio/minio-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/lakesync/internal/testcontext"
)

// fakeStore is an in-memory objectStore with s3-like delimiter listing.
type fakeStore struct {
	objects map[string][]byte
	modTime time.Time
	listErr error
	getErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: map[string][]byte{},
		modTime: time.Date(2019, 8, 21, 10, 0, 0, 0, time.UTC),
	}
}

func (store *fakeStore) put(key, data string) {
	store.objects[key] = []byte(data)
}

func (store *fakeStore) ListObjects(bucket, prefix string, recursive bool, done <-chan struct{}) <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo)
	go func() {
		defer close(ch)
		if store.listErr != nil {
			ch <- minio.ObjectInfo{Err: store.listErr}
			return
		}

		var keys []string
		for key := range store.objects {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)

		emitted := map[string]bool{}
		for _, key := range keys {
			info := minio.ObjectInfo{Key: key, Size: int64(len(store.objects[key])), LastModified: store.modTime}
			if !recursive {
				rest := strings.TrimPrefix(key, prefix)
				if idx := strings.Index(rest, "/"); idx >= 0 {
					dir := prefix + rest[:idx+1]
					if emitted[dir] {
						continue
					}
					emitted[dir] = true
					info = minio.ObjectInfo{Key: dir}
				}
			}
			select {
			case ch <- info:
			case <-done:
				return
			}
		}
	}()
	return ch
}

func (store *fakeStore) GetObject(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	if store.getErr != nil {
		return nil, store.getErr
	}
	data, ok := store.objects[object]
	if !ok {
		return nil, Error.New("no such object: %q", object)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, Error.New("connection reset") }
func (failingReader) Close() error             { return nil }

func testClient(t *testing.T, store *fakeStore) *Client {
	return newClientWithStore(zaptest.NewLogger(t), store, Config{Workspace: "analytics"})
}

func TestListTablesFiltersHidden(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newFakeStore()
	store.put("customers/part-000.parquet", "c0")
	store.put("customers/_delta_log/000.json", "log")
	store.put("orders/year=2019/part-000.parquet", "o0")
	store.put("orders/year=2019/part-001.parquet", "o1")
	store.put("_staging/tmp.parquet", "x")
	store.put(".trash/old.parquet", "x")
	store.put("README.md", "not a table")

	client := testClient(t, store)

	tables, err := client.ListTables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	require.Equal(t, "customers", tables[0].Name)
	require.Equal(t, []string{"customers/part-000.parquet"}, tables[0].DataFiles)
	require.Equal(t, int64(2), tables[0].EstimatedSize)
	require.Equal(t, store.modTime, tables[0].LastModified)

	require.Equal(t, "orders", tables[1].Name)
	require.Equal(t, []string{
		"orders/year=2019/part-000.parquet",
		"orders/year=2019/part-001.parquet",
	}, tables[1].DataFiles)
}

func TestListDataFilesSkipsHiddenAndNonData(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newFakeStore()
	store.put("events/part-000.parquet", "e0")
	store.put("events/_delta_log/000.json", "log")
	store.put("events/_delta_log/001.parquet", "checkpoint")
	store.put("events/.cache/part.parquet", "cache")
	store.put("events/manifest.json", "meta")

	client := testClient(t, store)

	files, err := client.ListDataFiles(ctx, RemoteTable{Name: "events", Path: "events/"})
	require.NoError(t, err)
	require.Equal(t, []string{"events/part-000.parquet"}, files)
}

func TestDownload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newFakeStore()
	store.put("orders/part-000.parquet", "hello parquet")

	client := testClient(t, store)

	target := ctx.File("replica", "orders", "part-000.parquet")
	require.NoError(t, client.Download(ctx, "orders/part-000.parquet", target))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "hello parquet", string(data))
}

func TestDownloadFailureLeavesNothing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newFakeStore()
	client := testClient(t, store)

	dir := ctx.Dir("replica", "orders")
	target := filepath.Join(dir, "part-000.parquet")

	// missing object
	require.Error(t, client.Download(ctx, "orders/part-000.parquet", target))

	// read failure mid-stream
	store.put("orders/part-000.parquet", "data")
	broken := *store
	brokenClient := newClientWithStore(zaptest.NewLogger(t), readBroken{&broken}, Config{Workspace: "analytics"})
	require.Error(t, brokenClient.Download(ctx, "orders/part-000.parquet", target))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "failed downloads must not leave files behind")
}

// readBroken delegates listing but returns bodies that fail mid-read.
type readBroken struct{ *fakeStore }

func (store readBroken) GetObject(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return failingReader{}, nil
}

func TestTestConnection(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newFakeStore()
	store.put("orders/part-000.parquet", "o0")

	require.True(t, testClient(t, store).TestConnection(ctx))

	store.listErr = Error.New("connection refused")
	require.False(t, testClient(t, store).TestConnection(ctx))
}
