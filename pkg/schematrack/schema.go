// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package schematrack persists a structural snapshot of each table's schema
// per sync and detects drift between snapshots.
package schematrack

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	// Error is the default schematrack error class.
	Error = errs.Class("schematrack error")

	mon = monkit.Package()
)

// Column describes a single column of a table schema.
type Column struct {
	Name        string `json:"name"`
	LogicalType string `json:"logicalType"`
	Nullable    bool   `json:"nullable"`
	MaxLength   int    `json:"maxLength,omitempty"`
}

// TableSchema is an immutable snapshot of a table's schema. A new instance
// is created each sync, never edited in place.
type TableSchema struct {
	Columns []Column `json:"columns"`
	Hash    string   `json:"hash"`
}

// NewTableSchema creates a snapshot with its content hash derived from the
// order-preserved column list.
func NewTableSchema(columns []Column) TableSchema {
	return TableSchema{
		Columns: append([]Column(nil), columns...),
		Hash:    HashColumns(columns),
	}
}

// HashColumns computes a digest of the serialized, order-preserved column
// list. It cheaply detects "no change" without a full diff.
func HashColumns(columns []Column) string {
	digest := sha256.New()
	for _, col := range columns {
		fmt.Fprintf(digest, "%s|%s|%t|%d\n", col.Name, col.LogicalType, col.Nullable, col.MaxLength)
	}
	return hex.EncodeToString(digest.Sum(nil))
}
