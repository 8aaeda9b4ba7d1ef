// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/lakesync/pkg/cfgstruct"
	"storj.io/lakesync/pkg/engine"
	"storj.io/lakesync/pkg/lakehouse"
	"storj.io/lakesync/pkg/process"
	"storj.io/lakesync/pkg/sampling"
	"storj.io/lakesync/pkg/scheduler"
	"storj.io/lakesync/pkg/source"
	"storj.io/lakesync/pkg/syncer"
	"storj.io/lakesync/pkg/syncstate"
)

// LakesyncFlags defines the lakesync configuration.
type LakesyncFlags struct {
	Schedule string `help:"cron spec for scheduled sync runs; empty runs on the syncer interval" default:""`

	Lakehouse lakehouse.Config
	Syncer    syncer.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "lakesync",
		Short: "Lakesync",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run periodic replica syncs",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	syncCmd = &cobra.Command{
		Use:   "sync [table ...]",
		Short: "Run one sync now, optionally restricted to the named tables",
		RunE:  cmdSync,
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the remote tables",
		RunE:  cmdList,
	}
	testConnectionCmd = &cobra.Command{
		Use:   "test-connection",
		Short: "Check whether the remote store is reachable",
		RunE:  cmdTestConnection,
	}
	sourcesCmd = &cobra.Command{
		Use:         "sources",
		Short:       "List the configured tabular source backends",
		RunE:        cmdSources,
		Annotations: map[string]string{"type": "helper"},
	}

	runCfg   LakesyncFlags
	setupCfg LakesyncFlags
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(testConnectionCmd)
	rootCmd.AddCommand(sourcesCmd)
	cfgstruct.Bind(runCmd.Flags(), &runCfg)
	cfgstruct.Bind(setupCmd.Flags(), &setupCfg)
	cfgstruct.Bind(syncCmd.Flags(), &runCfg)
	cfgstruct.Bind(listCmd.Flags(), &runCfg)
	cfgstruct.Bind(testConnectionCmd.Flags(), &runCfg)
	cfgstruct.Bind(sourcesCmd.Flags(), &runCfg)
}

// newSourceRegistry registers the lakehouse backend plus placeholders for
// backends without a real connector yet. Placeholders fail fast instead of
// pretending to succeed.
func newSourceRegistry(log *zap.Logger, catalog *lakehouse.Client, db *engine.DB) (*source.Registry, error) {
	registry := source.NewRegistry()
	backends := []source.TabularSource{
		source.NewLake(log.Named("source:lakehouse"), catalog, db),
		source.NewUnimplemented("mysql"),
		source.NewUnimplemented("postgres"),
		source.NewUnimplemented("bigquery"),
		source.NewUnimplemented("snowflake"),
	}
	for _, backend := range backends {
		if err := registry.Register(backend); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func cmdSources(cmd *cobra.Command, args []string) (err error) {
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(log)

	catalog, err := lakehouse.NewClient(log.Named("lakehouse"), runCfg.Lakehouse)
	if err != nil {
		return err
	}
	db, err := engine.Open(log.Named("engine"))
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	registry, err := newSourceRegistry(log, catalog, db)
	if err != nil {
		return err
	}
	for _, name := range registry.Names() {
		fmt.Println(name)
	}
	return nil
}

// newService wires the sync service from the run configuration. The caller
// must close the returned engine.
func newService(log *zap.Logger) (*syncer.Service, *engine.DB, error) {
	catalog, err := lakehouse.NewClient(log.Named("lakehouse"), runCfg.Lakehouse)
	if err != nil {
		return nil, nil, err
	}
	db, err := engine.Open(log.Named("engine"))
	if err != nil {
		return nil, nil, err
	}
	sampler := sampling.NewSampler(log.Named("sampling"), db)

	var changes *syncstate.Tracker
	if runCfg.Syncer.TrackingMethod != "" {
		changes = syncstate.NewTracker(log.Named("changes"), db)
	}

	return syncer.New(log.Named("syncer"), runCfg.Syncer, catalog, sampler, changes), db, nil
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(log)

	service, db, err := newService(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if runCfg.Schedule != "" {
		sched := scheduler.New(log.Named("scheduler"), time.Minute)
		// each scheduled run carries the sync interval as its deadline
		err := sched.Schedule("sync", runCfg.Schedule, runCfg.Syncer.Interval,
			func(ctx context.Context) error {
				_, err := service.Sync(ctx, syncer.Options{})
				return err
			})
		if err != nil {
			return err
		}
		runError := sched.Run(ctx)
		return errs.Combine(runError, sched.Close())
	}

	runError := service.Run(ctx)
	return errs.Combine(runError, service.Close())
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	configFile := flag.Lookup("config").Value.String()
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("lakesync configuration already exists (%v)", configFile)
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0700); err != nil {
		return err
	}

	overrides := map[string]interface{}{
		"log.level": "info",
	}
	return process.SaveConfig(cmd, configFile, overrides)
}

func cmdSync(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(log)

	service, db, err := newService(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	tables, err := service.ListTables(ctx)
	if err != nil {
		return err
	}

	bar := pb.New(countEligible(tables, args))
	bar.Start()
	summary, err := service.Sync(ctx, syncer.Options{
		Filter: args,
		Progress: func(result syncer.TableResult) {
			bar.Increment()
		},
	})
	bar.Finish()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TABLE\tSTATUS\tROWS\tDURATION")
	for _, result := range summary.Tables {
		status := "ok"
		if !result.Success {
			status = "failed: " + result.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\n",
			result.Name, status, result.RowsSynced, result.Duration.Round(time.Millisecond))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("synced %d rows across %d tables in %v\n",
		summary.TotalRows, summary.Synced, summary.Duration.Round(time.Millisecond))

	if summary.Failed > 0 {
		return errs.New("%d of %d tables failed", summary.Failed, len(summary.Tables))
	}
	return nil
}

// countEligible sizes the progress bar by the tables the sync can actually
// attempt: requested names missing from the remote listing produce no
// result and must not keep the bar from completing.
func countEligible(tables []lakehouse.RemoteTable, requested []string) int {
	if len(requested) == 0 {
		return len(tables)
	}
	byName := make(map[string]bool, len(requested))
	for _, name := range requested {
		byName[name] = true
	}
	count := 0
	for _, table := range tables {
		if byName[table.Name] {
			count++
		}
	}
	return count
}

func cmdList(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(log)

	service, db, err := newService(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	tables, err := service.ListTables(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TABLE\tFILES\tBYTES\tLAST MODIFIED")
	for _, table := range tables {
		fmt.Fprintf(w, "%s\t%d\t%d\t%v\n",
			table.Name, len(table.DataFiles), table.EstimatedSize,
			table.LastModified.Format(time.RFC3339))
	}
	return w.Flush()
}

func cmdTestConnection(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(log)

	service, db, err := newService(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if !service.TestConnection(ctx) {
		return errs.New("remote store is not reachable")
	}
	fmt.Println("connection ok")
	return nil
}

func main() {
	process.Execute(rootCmd)
}
