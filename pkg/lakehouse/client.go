// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package lakehouse

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	minio "github.com/minio/minio-go"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// objectStore is the part of the object store client the catalog uses.
// It exists so tests can run against an in-memory store.
type objectStore interface {
	ListObjects(bucket, prefix string, recursive bool, done <-chan struct{}) <-chan minio.ObjectInfo
	GetObject(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// minioStore adapts *minio.Client to the objectStore interface.
type minioStore struct {
	client *minio.Client
}

func (store minioStore) ListObjects(bucket, prefix string, recursive bool, done <-chan struct{}) <-chan minio.ObjectInfo {
	return store.client.ListObjectsV2(bucket, prefix, recursive, done)
}

func (store minioStore) GetObject(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return store.client.GetObjectWithContext(ctx, bucket, object, minio.GetObjectOptions{})
}

// Client lists and downloads tables from the remote store.
type Client struct {
	log    *zap.Logger
	store  objectStore
	config Config
}

// NewClient connects a catalog client to the configured object store.
func NewClient(log *zap.Logger, config Config) (*Client, error) {
	mc, err := minio.New(config.Endpoint, config.AccessKey, config.SecretKey, config.UseTLS)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{log: log, store: minioStore{client: mc}, config: config}, nil
}

func newClientWithStore(log *zap.Logger, store objectStore, config Config) *Client {
	return &Client{log: log, store: store, config: config}
}

func (client *Client) rootPrefix() string {
	prefix := strings.Trim(client.config.Prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// isHidden reports whether a path segment marks internal bookkeeping data,
// for example a transaction-log directory such as _delta_log.
func isHidden(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")
}

// isDataFile reports whether key refers to a columnar data file.
func isDataFile(key string) bool {
	return strings.HasSuffix(key, ".parquet")
}

// ListTables lists the tables in the workspace. Listing is non-recursive at
// the table level; hidden directories are not tables.
func (client *Client) ListTables(ctx context.Context) (_ []RemoteTable, err error) {
	defer mon.Task()(&ctx)(&err)

	done := make(chan struct{})
	defer close(done)

	var tables []RemoteTable
	for entry := range client.store.ListObjects(client.config.Workspace, client.rootPrefix(), false, done) {
		if entry.Err != nil {
			return nil, Error.Wrap(entry.Err)
		}
		if !strings.HasSuffix(entry.Key, "/") {
			// stray object at the workspace root, not a table
			continue
		}
		name := path.Base(strings.TrimSuffix(entry.Key, "/"))
		if isHidden(name) {
			continue
		}
		tables = append(tables, RemoteTable{
			Workspace: client.config.Workspace,
			Name:      name,
			Path:      entry.Key,
		})
	}

	for i := range tables {
		if err := client.fillTableDetails(ctx, &tables[i]); err != nil {
			return nil, err
		}
	}

	sort.Slice(tables, func(i, k int) bool { return tables[i].Name < tables[k].Name })
	return tables, nil
}

// ListDataFiles lists the columnar data files of a table, recursively,
// skipping hidden directories inside the table tree.
func (client *Client) ListDataFiles(ctx context.Context, table RemoteTable) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	filled := table
	if err := client.fillTableDetails(ctx, &filled); err != nil {
		return nil, err
	}
	return filled.DataFiles, nil
}

func (client *Client) fillTableDetails(ctx context.Context, table *RemoteTable) error {
	done := make(chan struct{})
	defer close(done)

	table.DataFiles = nil
	table.EstimatedSize = 0
	for entry := range client.store.ListObjects(client.config.Workspace, table.Path, true, done) {
		if entry.Err != nil {
			return Error.Wrap(entry.Err)
		}
		if hasHiddenSegment(strings.TrimPrefix(entry.Key, table.Path)) {
			continue
		}
		if !isDataFile(entry.Key) {
			continue
		}
		table.DataFiles = append(table.DataFiles, entry.Key)
		table.EstimatedSize += entry.Size
		if entry.LastModified.After(table.LastModified) {
			table.LastModified = entry.LastModified
		}
	}
	sort.Strings(table.DataFiles)
	return nil
}

func hasHiddenSegment(relative string) bool {
	for _, segment := range strings.Split(relative, "/") {
		if isHidden(segment) {
			return true
		}
	}
	return false
}

// Download copies the object at uri to localPath, creating parent
// directories as needed. The data is written to a temporary file and
// renamed on success, so a failed download never leaves a partially
// written destination file behind.
func (client *Client) Download(ctx context.Context, uri, localPath string) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := client.store.GetObject(ctx, client.config.Workspace, uri)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(body.Close())) }()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return Error.Wrap(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), filepath.Base(localPath)+".tmp*")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tmp.Close(), os.Remove(tmp.Name()))
		}
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return Error.Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		return Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return Error.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// TestConnection performs a best-effort single listing call and reports
// whether the remote store answered, so callers can print a clear
// "not connected" message instead of a stack trace.
func (client *Client) TestConnection(ctx context.Context) bool {
	done := make(chan struct{})
	defer close(done)

	for entry := range client.store.ListObjects(client.config.Workspace, client.rootPrefix(), false, done) {
		if entry.Err != nil {
			client.log.Warn("remote store not reachable", zap.Error(entry.Err))
			return false
		}
		break
	}
	return true
}
