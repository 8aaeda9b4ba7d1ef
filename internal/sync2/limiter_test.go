// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/lakesync/internal/sync2"
)

func TestLimiterLimiting(t *testing.T) {
	t.Parallel()

	const limit = 3
	const count = 50

	limiter := sync2.NewLimiter(limit)

	var current, peak, total int64
	for i := 0; i < count; i++ {
		started := limiter.Go(context.Background(), func() {
			now := atomic.AddInt64(&current, 1)
			for {
				prev := atomic.LoadInt64(&peak)
				if now <= prev || atomic.CompareAndSwapInt64(&peak, prev, now) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&current, -1)
			atomic.AddInt64(&total, 1)
		})
		require.True(t, started)
	}
	limiter.Wait()

	require.Equal(t, int64(count), total)
	require.LessOrEqual(t, peak, int64(limit))
}

func TestLimiterCanceled(t *testing.T) {
	t.Parallel()

	limiter := sync2.NewLimiter(1)

	block := make(chan struct{})
	started := limiter.Go(context.Background(), func() { <-block })
	require.True(t, started)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started = limiter.Go(ctx, func() {
		t.Error("should not have been started")
	})
	require.False(t, started)

	close(block)
	limiter.Wait()
}
