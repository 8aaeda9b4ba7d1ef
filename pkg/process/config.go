// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	yaml "gopkg.in/yaml.v2"

	"storj.io/lakesync/internal/fpath"
)

// SaveConfig writes the non-default flag values of cmd to outfile as YAML,
// with values from overrides taking precedence.
func SaveConfig(cmd *cobra.Command, outfile string, overrides map[string]interface{}) error {
	settings := map[string]interface{}{}

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "help" {
			return
		}
		settings[f.Name] = f.Value.String()
	})
	for key, value := range overrides {
		settings[key] = value
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return Error.Wrap(err)
	}

	if err := os.MkdirAll(filepath.Dir(outfile), 0700); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(fpath.AtomicWriteFile(outfile, data, 0600))
}
