// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/lakesync/internal/fpath"
	"storj.io/lakesync/internal/sync2"
	"storj.io/lakesync/pkg/depgraph"
	"storj.io/lakesync/pkg/lakehouse"
	"storj.io/lakesync/pkg/sampling"
	"storj.io/lakesync/pkg/schematrack"
	"storj.io/lakesync/pkg/syncstate"
)

// Catalog is the remote side of a sync run.
type Catalog interface {
	TestConnection(ctx context.Context) bool
	ListTables(ctx context.Context) ([]lakehouse.RemoteTable, error)
	Download(ctx context.Context, uri, localPath string) error
}

// TableSampler executes sampling queries into local replica files.
type TableSampler interface {
	Sample(ctx context.Context, table string, files []string, outPath string, config sampling.Config) (sampling.Result, error)
	Schema(ctx context.Context, files []string) (schematrack.TableSchema, error)
}

// Options modify a single sync run.
type Options struct {
	// Filter restricts the run to the named tables. Empty means all.
	Filter []string
	// SampleOverride replaces the configured sampling for this run.
	SampleOverride *sampling.Config
	// Progress is called once per table as it completes, in completion
	// order. No cross-table ordering is guaranteed.
	Progress func(TableResult)
}

// TableResult is the outcome of one table's sync.
type TableResult struct {
	Name       string
	Success    bool
	RowsSynced int64
	// SourceRows is -1 when the source row count could not be determined.
	SourceRows int64
	OutputPath string
	Duration   time.Duration
	Err        error
}

// Summary aggregates a whole sync run. A non-zero Failed count is the only
// overall failure signal.
type Summary struct {
	Tables    []TableResult
	Synced    int
	Failed    int
	TotalRows int64
	Duration  time.Duration
}

// Service runs sync cycles against the remote catalog.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	config   Config
	catalog  Catalog
	sampler  TableSampler
	analyzer *depgraph.Analyzer
	schemas  *schematrack.Tracker
	states   *syncstate.Store
	changes  *syncstate.Tracker

	Loop *sync2.Cycle
}

// New creates a sync service. changes may be nil when change tracking is
// disabled.
func New(log *zap.Logger, config Config, catalog Catalog, sampler TableSampler, changes *syncstate.Tracker) *Service {
	return &Service{
		log:      log,
		config:   config,
		catalog:  catalog,
		sampler:  sampler,
		analyzer: depgraph.NewAnalyzer(log.Named("depgraph")),
		schemas:  schematrack.NewTracker(log.Named("schematrack"), filepath.Join(config.StateDir, "schema")),
		states:   syncstate.NewStore(log.Named("syncstate"), filepath.Join(config.StateDir, "sync")),
		changes:  changes,
		Loop:     sync2.NewCycle(config.Interval),
	}
}

// Run starts periodic sync runs until ctx is canceled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		summary, err := service.Sync(ctx, Options{})
		if err != nil {
			service.log.Error("sync run failed", zap.Error(err))
			return nil
		}
		service.log.Info("sync run finished",
			zap.Int("synced", summary.Synced),
			zap.Int("failed", summary.Failed),
			zap.Int64("total-rows", summary.TotalRows),
			zap.Duration("duration", summary.Duration))
		return nil
	})
}

// Close stops the sync loop.
func (service *Service) Close() error {
	service.Loop.Stop()
	return nil
}

// TestConnection reports whether the remote catalog is reachable.
func (service *Service) TestConnection(ctx context.Context) bool {
	return service.catalog.TestConnection(ctx)
}

// ListTables returns the remote tables visible to this service.
func (service *Service) ListTables(ctx context.Context) ([]lakehouse.RemoteTable, error) {
	return service.catalog.ListTables(ctx)
}

// Sync runs one full sync. Per-table failures are recorded in the summary
// and never abort sibling tables; only preconditions (malformed references)
// and an unreachable catalog return an error. On cancellation, an in-flight
// table either finishes its current write and is recorded normally, or its
// abort is discarded; it and the tables never started are absent from the
// summary, so a clean cancel never raises the failed count.
func (service *Service) Sync(ctx context.Context, opts Options) (_ Summary, err error) {
	defer mon.Task()(&ctx)(&err)
	runStart := time.Now()

	references, err := ParseReferences(service.config.References)
	if err != nil {
		return Summary{}, err
	}

	remotes, err := service.catalog.ListTables(ctx)
	if err != nil {
		return Summary{}, Error.Wrap(err)
	}

	var included map[string]bool
	if len(opts.Filter) > 0 {
		included = make(map[string]bool, len(opts.Filter))
		for _, name := range opts.Filter {
			included[name] = true
		}
	}

	byName := map[string]lakehouse.RemoteTable{}
	var names []string
	for _, remote := range remotes {
		if included != nil && !included[remote.Name] {
			continue
		}
		byName[remote.Name] = remote
		names = append(names, remote.Name)
	}

	plan := service.analyzer.Resolve(service.analyzer.Build(tableMetas(names, references)))

	sampleConfig := service.config.Sample
	if opts.SampleOverride != nil {
		sampleConfig = *opts.SampleOverride
	}

	changeFiles, cleanupChanges, err := service.stageChangeTable(ctx, remotes)
	if err != nil {
		return Summary{}, err
	}
	defer cleanupChanges()

	// each table closes its done channel on every exit path, so dependents
	// are released whether the table succeeded, failed or was skipped
	done := make(map[string]chan struct{}, len(plan.Order))
	for _, name := range plan.Order {
		done[name] = make(chan struct{})
	}

	var mu sync.Mutex
	var results []TableResult

	limiter := sync2.NewLimiter(service.config.Parallelism)
	for _, name := range plan.Order {
		name := name
		remote, exists := byName[name]
		if !exists {
			// referenced by another table but absent from the listing
			close(done[name])
			continue
		}
		deps := plan.Deps[name]

		started := limiter.Go(ctx, func() {
			defer close(done[name])

			for _, dep := range deps {
				select {
				case <-done[dep]:
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}

			result := service.syncTable(ctx, remote, sampleConfig, changeFiles)
			if aborted(result.Err) {
				// the run was canceled mid-table; an aborted table is
				// not a failure, it is absent from the summary
				return
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			if opts.Progress != nil {
				opts.Progress(result)
			}
		})
		if !started {
			close(done[name])
		}
	}
	limiter.Wait()

	position := make(map[string]int, len(plan.Order))
	for i, name := range plan.Order {
		position[name] = i
	}
	sort.Slice(results, func(i, j int) bool {
		return position[results[i].Name] < position[results[j].Name]
	})

	summary := Summary{Tables: results, Duration: time.Since(runStart)}
	for _, result := range results {
		if result.Success {
			summary.Synced++
			summary.TotalRows += result.RowsSynced
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

// aborted reports whether the error is a context abort rather than a
// table failure.
func aborted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (service *Service) syncTable(ctx context.Context, remote lakehouse.RemoteTable, sampleConfig sampling.Config, changeFiles []string) TableResult {
	tableStart := time.Now()
	result := TableResult{Name: remote.Name, SourceRows: -1}

	err := service.replicateTable(ctx, remote, sampleConfig, changeFiles, &result)
	result.Duration = time.Since(tableStart)
	if err != nil {
		if aborted(err) {
			service.log.Info("table sync aborted", zap.String("table", remote.Name))
		} else {
			service.log.Error("table sync failed",
				zap.String("table", remote.Name), zap.Error(err))
		}
		result.Err = err
		return result
	}

	result.Success = true
	service.log.Info("table synced",
		zap.String("table", remote.Name),
		zap.Int64("rows", result.RowsSynced),
		zap.Duration("duration", result.Duration))
	return result
}

// replicateTable copies one table into the replica. The watermark is saved
// last, only after every other step succeeded, so a partial failure never
// advances it.
func (service *Service) replicateTable(ctx context.Context, remote lakehouse.RemoteTable, sampleConfig sampling.Config, changeFiles []string, result *TableResult) error {
	if len(remote.DataFiles) == 0 {
		return Error.New("table %q has no data files", remote.Name)
	}

	// the engine scans local files only, so the remote files are staged
	// next to the replica first and removed after the copy
	staged, cleanup, err := service.stageTable(ctx, remote)
	if err != nil {
		return err
	}
	defer cleanup()

	outPath := filepath.Join(service.config.OutputDir, sanitize(remote.Name), "data.parquet")
	sampled, err := service.sampler.Sample(ctx, remote.Name, staged, outPath, sampleConfig)
	if err != nil {
		return err
	}
	result.RowsSynced = sampled.RowCount
	result.SourceRows = sampled.SourceRowCount
	result.OutputPath = outPath

	schema, err := service.sampler.Schema(ctx, staged)
	if err != nil {
		return err
	}

	drift, err := service.schemas.DetectDrift(ctx, remote.Name, schema)
	if err != nil {
		return err
	}
	if drift.HasDrift {
		service.log.Warn("schema drift detected",
			zap.String("table", remote.Name),
			zap.Int("added", len(drift.Added)),
			zap.Int("removed", len(drift.Removed)),
			zap.Int("modified", len(drift.Modified)))
	}
	if _, err := service.schemas.SaveVersion(ctx, remote.Name, schema); err != nil {
		return err
	}
	if err := service.writeSchemaSnapshot(remote.Name, schema); err != nil {
		return err
	}

	state, err := service.nextState(ctx, remote, staged, changeFiles)
	if err != nil {
		return err
	}
	return service.states.Save(ctx, state)
}

// stageTable downloads the table's remote data files into a hidden staging
// directory and returns the local paths in remote listing order. The caller
// runs cleanup once the engine no longer needs the files.
func (service *Service) stageTable(ctx context.Context, remote lakehouse.RemoteTable) (_ []string, cleanup func(), err error) {
	dir := filepath.Join(service.config.OutputDir, ".staging", sanitize(remote.Name))
	cleanup = func() {
		if err := os.RemoveAll(dir); err != nil {
			service.log.Warn("failed to remove staging directory",
				zap.String("dir", dir), zap.Error(err))
		}
	}
	defer func() {
		if err != nil {
			cleanup()
		}
	}()

	staged := make([]string, 0, len(remote.DataFiles))
	for i, uri := range remote.DataFiles {
		// the index prefix keeps the lexicographic scan order equal to the
		// remote listing order
		local := filepath.Join(dir, fmt.Sprintf("%05d-%s", i, filepath.Base(uri)))
		if err := service.catalog.Download(ctx, uri, local); err != nil {
			return nil, cleanup, Error.Wrap(err)
		}
		staged = append(staged, local)
	}
	return staged, cleanup, nil
}

// writeSchemaSnapshot stores the current schema next to the table's data
// file, as part of the persisted replica contract.
func (service *Service) writeSchemaSnapshot(table string, schema schematrack.TableSchema) error {
	data, err := json.MarshalIndent(schema, "", "\t")
	if err != nil {
		return Error.Wrap(err)
	}
	path := filepath.Join(service.config.OutputDir, sanitize(table), "schema.json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(fpath.AtomicWriteFile(path, data, 0644))
}

// stageChangeTable stages the external change-log table for the whole run.
func (service *Service) stageChangeTable(ctx context.Context, remotes []lakehouse.RemoteTable) ([]string, func(), error) {
	noop := func() {}
	if syncstate.Method(service.config.TrackingMethod) != syncstate.MethodChangeTable {
		return nil, noop, nil
	}
	if service.config.TrackingChangeTable == "" {
		return nil, noop, Error.New("changetable tracking requires a change table name")
	}
	for _, remote := range remotes {
		if remote.Name == service.config.TrackingChangeTable {
			return service.stageTable(ctx, remote)
		}
	}
	return nil, noop, Error.New("change table %q not found in the remote listing", service.config.TrackingChangeTable)
}

func (service *Service) nextState(ctx context.Context, remote lakehouse.RemoteTable, staged []string, changeFiles []string) (syncstate.State, error) {
	method := syncstate.Method(service.config.TrackingMethod)
	if method == syncstate.MethodNone || service.changes == nil {
		return syncstate.State{
			Table:    remote.Name,
			LastSync: time.Now().UTC(),
			Method:   syncstate.MethodNone,
		}, nil
	}

	previous, err := service.states.Load(ctx, remote.Name)
	if err != nil {
		return syncstate.State{}, err
	}

	tracking := syncstate.TrackingConfig{Method: method}
	switch method {
	case syncstate.MethodTimestamp:
		tracking.TimestampColumn = service.config.TrackingColumn
	case syncstate.MethodVersion:
		tracking.VersionColumn = service.config.TrackingColumn
	case syncstate.MethodChangeTable:
		tracking.ChangeTableFiles = changeFiles
		tracking.ChangeIDColumn = "change_id"
		tracking.OperationColumn = "operation"
		tracking.ChangedAtColumn = "changed_at"
	}

	set, err := service.changes.DetectChanges(ctx, remote.Name, staged, previous, tracking)
	if err != nil {
		return syncstate.State{}, err
	}
	service.log.Debug("changes detected",
		zap.String("table", remote.Name),
		zap.Int("changes", len(set.Changes)))
	return set.NewWatermark, nil
}
