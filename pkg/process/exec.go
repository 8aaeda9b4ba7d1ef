// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package process provides shared process setup for lakesync binaries:
// configuration loading, logging and graceful shutdown.
package process

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is a process error class.
var Error = errs.Class("process error")

// DefaultConfigPath returns the default path for the process config file.
func DefaultConfigPath(name string) string {
	if name == "" {
		name = filepath.Base(os.Args[0])
	}
	path := filepath.Join(".lakesync", fmt.Sprintf("%s.yaml", name))
	home, err := homedir.Dir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path)
}

// Execute runs a *cobra.Command and sets up process-wide configuration:
// a configuration file, environment overrides and logging.
func Execute(cmd *cobra.Command) {
	cfgFile := flag.String("config", DefaultConfigPath(cmd.Name()), "config file")

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("lakesync")
		viper.AutomaticEnv()
		if *cfgFile != "" {
			viper.SetConfigFile(*cfgFile)
			// the config file is optional
			_ = viper.ReadInConfig()
		}
		bindFlags(cmd)
	})

	Must(cmd.Execute())
}

// bindFlags binds the flags of the command and all of its subcommands and
// propagates file and env settings back into unchanged flags, so that
// commands only ever read flag values.
func bindFlags(cmd *cobra.Command) {
	_ = viper.BindPFlags(cmd.Flags())
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed && viper.IsSet(f.Name) {
			_ = cmd.Flags().Set(f.Name, viper.GetString(f.Name))
		}
	})
	for _, sub := range cmd.Commands() {
		bindFlags(sub)
	}
}

var (
	contextMtx sync.Mutex
	contexts   = map[*cobra.Command]context.Context{}
)

// Ctx returns a context for the command, canceled on SIGINT or SIGTERM.
func Ctx(cmd *cobra.Command) context.Context {
	contextMtx.Lock()
	defer contextMtx.Unlock()

	ctx, ok := contexts[cmd]
	if ok {
		return ctx
	}

	ctx, cancel := context.WithCancel(context.Background())
	contexts[cmd] = ctx

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		zap.L().Info("got signal, shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	return ctx
}

// Must can be used for default command error handling.
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
