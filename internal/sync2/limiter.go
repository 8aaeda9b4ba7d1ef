// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
)

// Limiter implements a bounded pool of concurrent goroutines.
type Limiter struct {
	limit   chan struct{}
	working sync.WaitGroup
}

// NewLimiter creates a new limiter for at most limit concurrent goroutines.
func NewLimiter(limit int) *Limiter {
	if limit < 1 {
		limit = 1
	}
	return &Limiter{limit: make(chan struct{}, limit)}
}

// Go starts fn in a goroutine once a worker slot frees up.
// It returns false when the context is canceled before a slot was acquired,
// in which case fn is never called.
func (limiter *Limiter) Go(ctx context.Context, fn func()) bool {
	select {
	case limiter.limit <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	limiter.working.Add(1)
	go func() {
		defer func() {
			<-limiter.limit
			limiter.working.Done()
		}()
		fn()
	}()
	return true
}

// Wait waits for all started goroutines to finish.
func (limiter *Limiter) Wait() {
	limiter.working.Wait()
}
