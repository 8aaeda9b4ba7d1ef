// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package cfgstruct

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestBind(t *testing.T) {
	var config struct {
		String   string        `help:"a string" default:"hello"`
		Int      int           `help:"an int" default:"4"`
		Int64    int64         `help:"an int64" default:"10000"`
		Bool     bool          `help:"a bool" default:"true"`
		Float    float64       `help:"a float" default:"0.25"`
		Interval time.Duration `help:"a duration" default:"1h"`

		Nested struct {
			MaxFullTableRows int64 `help:"nested value" default:"42"`
		}

		untagged string
	}
	_ = config.untagged

	flags := pflag.NewFlagSet("test", pflag.PanicOnError)
	Bind(flags, &config)

	require.Equal(t, "hello", config.String)
	require.Equal(t, 4, config.Int)
	require.Equal(t, int64(10000), config.Int64)
	require.Equal(t, true, config.Bool)
	require.Equal(t, 0.25, config.Float)
	require.Equal(t, time.Hour, config.Interval)
	require.Equal(t, int64(42), config.Nested.MaxFullTableRows)

	require.NoError(t, flags.Parse([]string{
		"--string=world",
		"--nested.max-full-table-rows=7",
	}))
	require.Equal(t, "world", config.String)
	require.Equal(t, int64(7), config.Nested.MaxFullTableRows)
}

func TestSnakeCase(t *testing.T) {
	require.Equal(t, "max_full_table_rows", snakeCase("MaxFullTableRows"))
	require.Equal(t, "interval", snakeCase("Interval"))
	require.Equal(t, "use_tls", snakeCase("UseTLS"))
}
