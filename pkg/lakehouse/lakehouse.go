// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lakehouse implements the remote catalog client for a lakehouse
// exposed over an S3-compatible hierarchical object store. Tables are
// top-level directories inside a workspace bucket; each table directory
// contains columnar data files and possibly hidden bookkeeping directories
// (transaction logs and the like) that are not part of the table data.
package lakehouse

import (
	"time"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	// Error is the default lakehouse error class.
	Error = errs.Class("lakehouse error")

	mon = monkit.Package()
)

// Config holds the connection settings for the remote store.
type Config struct {
	Endpoint  string `help:"address of the s3-compatible object store" default:"localhost:9000"`
	AccessKey string `help:"access key for the object store" default:""`
	SecretKey string `help:"secret key for the object store" default:""`
	UseTLS    bool   `help:"whether to use tls when connecting to the object store" default:"false"`
	Workspace string `help:"workspace (bucket) containing the tables to replicate" default:""`
	Prefix    string `help:"optional key prefix inside the workspace" default:""`
}

// RemoteTable is a read-only view of a table in the remote store.
// It is never mutated locally.
type RemoteTable struct {
	Workspace     string
	Name          string
	Path          string
	DataFiles     []string
	LastModified  time.Time
	EstimatedSize int64
}
