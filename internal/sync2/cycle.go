// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle implements a controllable recurring event.
//
// Stop may be called at any time, even before Run. The other control
// methods must not be called before Run and must not be called after Run
// has returned.
type Cycle struct {
	interval time.Duration

	ticker   *time.Ticker
	control  chan interface{}
	stopping chan struct{}
	stopOnce sync.Once
}

type (
	// cycle control messages
	cyclePause  struct{}
	cycleResume struct{}

	cycleTrigger struct {
		done chan struct{}
	}
)

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{
		interval: interval,
		control:  make(chan interface{}),
		stopping: make(chan struct{}),
	}
}

// SetInterval allows changing the interval before Run is called.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

// Run runs fn once immediately and then repeatedly on every interval tick,
// until fn returns an error, the context is canceled or the cycle is stopped.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	currentInterval := cycle.interval
	cycle.ticker = time.NewTicker(currentInterval)
	defer cycle.ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case message := <-cycle.control:
			switch message := message.(type) {
			case time.Duration:
				currentInterval = message
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cyclePause:
				cycle.ticker.Stop()
				// drain a tick that may have fired already
				select {
				case <-cycle.ticker.C:
				default:
				}

			case cycleResume:
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cycleTrigger:
				if err := fn(ctx); err != nil {
					return err
				}
				if message.done != nil {
					close(message.done)
				}
			}

		case <-cycle.ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}

		case <-cycle.stopping:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendControl sends a control message, giving up when the cycle has been
// stopped.
func (cycle *Cycle) sendControl(message interface{}) {
	select {
	case cycle.control <- message:
	case <-cycle.stopping:
	}
}

// Stop stops the cycle permanently. It is safe to call at any time and
// multiple times.
func (cycle *Cycle) Stop() {
	cycle.stopOnce.Do(func() { close(cycle.stopping) })
}

// ChangeInterval changes the ticker interval after the cycle has started.
func (cycle *Cycle) ChangeInterval(interval time.Duration) {
	cycle.sendControl(interval)
}

// Pause pauses the ticker until Resume is called.
func (cycle *Cycle) Pause() {
	cycle.sendControl(cyclePause{})
}

// Resume restarts the ticker from zero.
func (cycle *Cycle) Resume() {
	cycle.sendControl(cycleResume{})
}

// Trigger runs the function once, outside the regular schedule.
func (cycle *Cycle) Trigger() {
	cycle.sendControl(cycleTrigger{})
}

// TriggerWait runs the function once and waits for it to complete.
func (cycle *Cycle) TriggerWait() {
	done := make(chan struct{})
	cycle.sendControl(cycleTrigger{done})
	select {
	case <-done:
	case <-cycle.stopping:
	}
}
