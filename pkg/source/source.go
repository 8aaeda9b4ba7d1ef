// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package source defines the tabular source capability interface that
// backend connectors implement.
package source

import (
	"context"
	"sort"
	"sync"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/lakesync/pkg/lakehouse"
)

var (
	// Error is the default source error class.
	Error = errs.Class("source error")
	// ErrNotImplemented is returned by backends that do not support an
	// operation. Unsupported operations fail fast instead of returning
	// fabricated empty success.
	ErrNotImplemented = errs.Class("source not implemented")

	mon = monkit.Package()
)

// TabularSource is a backend that exposes table-structured data.
type TabularSource interface {
	// Name identifies the backend.
	Name() string
	// ListTables returns the tables the source exposes.
	ListTables(ctx context.Context) ([]lakehouse.RemoteTable, error)
	// Read returns up to limit rows of a table. limit <= 0 means no limit.
	Read(ctx context.Context, table string, limit int64) ([]map[string]interface{}, error)
	// Write appends rows to a table.
	Write(ctx context.Context, table string, rows []map[string]interface{}) error
}

// Registry keeps the configured sources by name.
type Registry struct {
	mu      sync.Mutex
	sources map[string]TabularSource
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{sources: map[string]TabularSource{}}
}

// Register adds a source. Registering the same name twice is an error.
func (registry *Registry) Register(source TabularSource) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.sources[source.Name()]; exists {
		return Error.New("source %q already registered", source.Name())
	}
	registry.sources[source.Name()] = source
	return nil
}

// Lookup returns the source registered under name.
func (registry *Registry) Lookup(name string) (TabularSource, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	source, exists := registry.sources[name]
	if !exists {
		return nil, Error.New("source %q not registered", name)
	}
	return source, nil
}

// Names returns the registered source names in sorted order.
func (registry *Registry) Names() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	names := make([]string, 0, len(registry.sources))
	for name := range registry.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unimplemented is a placeholder backend. Every operation fails with
// ErrNotImplemented so a misconfigured pipeline surfaces immediately.
type Unimplemented struct {
	name string
}

// NewUnimplemented creates a placeholder source for a backend that has no
// real connector yet.
func NewUnimplemented(name string) *Unimplemented {
	return &Unimplemented{name: name}
}

// Name implements TabularSource.
func (source *Unimplemented) Name() string { return source.name }

// ListTables implements TabularSource.
func (source *Unimplemented) ListTables(ctx context.Context) ([]lakehouse.RemoteTable, error) {
	return nil, ErrNotImplemented.New("backend %q does not support listing tables", source.name)
}

// Read implements TabularSource.
func (source *Unimplemented) Read(ctx context.Context, table string, limit int64) ([]map[string]interface{}, error) {
	return nil, ErrNotImplemented.New("backend %q does not support reading", source.name)
}

// Write implements TabularSource.
func (source *Unimplemented) Write(ctx context.Context, table string, rows []map[string]interface{}) error {
	return ErrNotImplemented.New("backend %q does not support writing", source.name)
}
