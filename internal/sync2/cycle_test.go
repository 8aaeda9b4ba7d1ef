// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"storj.io/lakesync/internal/sync2"
)

func TestCycleBasic(t *testing.T) {
	t.Parallel()

	cycle := sync2.NewCycle(time.Hour)

	count := 0
	done := make(chan struct{})

	var group errgroup.Group
	group.Go(func() error {
		return cycle.Run(context.Background(), func(ctx context.Context) error {
			count++
			if count == 1 {
				close(done)
			}
			return nil
		})
	})

	// Run executes the function once before the first tick.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not run")
	}

	cycle.TriggerWait()
	cycle.TriggerWait()
	cycle.Stop()

	require.NoError(t, group.Wait())
	require.Equal(t, 3, count)
}

func TestCycleStopWithoutRun(t *testing.T) {
	t.Parallel()

	cycle := sync2.NewCycle(time.Hour)
	cycle.Stop()
	cycle.Stop()

	// a stopped cycle still runs the function once and then exits
	count := 0
	err := cycle.Run(context.Background(), func(ctx context.Context) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCycleCancel(t *testing.T) {
	t.Parallel()

	cycle := sync2.NewCycle(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())

	var group errgroup.Group
	group.Go(func() error {
		return cycle.Run(ctx, func(ctx context.Context) error {
			return nil
		})
	})

	cancel()
	require.Equal(t, context.Canceled, group.Wait())
}
