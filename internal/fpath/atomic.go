// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package fpath implements file path related helpers.
package fpath

import (
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
)

// AtomicWriteFile writes data to filename through a temporary file in the
// same directory, so a crash never leaves a partially written file at
// filename.
func AtomicWriteFile(filename string, data []byte, mode os.FileMode) (err error) {
	fh, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp*")
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close(), os.Remove(fh.Name()))
		}
	}()

	if err := fh.Chmod(mode); err != nil {
		return errs.Wrap(err)
	}
	if _, err := fh.Write(data); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return errs.Wrap(err)
	}
	if err := os.Rename(fh.Name(), filename); err != nil {
		return errs.Wrap(err)
	}
	return nil
}
