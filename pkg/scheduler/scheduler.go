// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package scheduler runs named jobs on cron schedules. The scheduler owns
// an explicit job table and is ticked by an external clock, so there is no
// ambient timer state and tests can drive time directly.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/lakesync/internal/sync2"
)

var (
	// Error is the default scheduler error class.
	Error = errs.Class("scheduler error")

	mon = monkit.Package()
)

// Status describes what a job is currently doing.
type Status string

// Job statuses.
const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	timeout  time.Duration
	fn       func(ctx context.Context) error

	status  Status
	lastRun time.Time
	nextRun time.Time
	runs    int
	skips   int
}

// JobStatus is a snapshot of one scheduled job.
type JobStatus struct {
	Name    string
	Spec    string
	Status  Status
	LastRun time.Time
	NextRun time.Time
	Runs    int
	// Skips counts ticks where the job was due but its previous run was
	// still executing.
	Skips int
}

// Scheduler ticks a table of cron jobs.
//
// architecture: Service
type Scheduler struct {
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	jobs    map[string]*job
	working sync.WaitGroup

	Loop *sync2.Cycle
}

// New creates a scheduler that checks for due jobs every tickInterval.
func New(log *zap.Logger, tickInterval time.Duration) *Scheduler {
	return NewWithClock(log, tickInterval, time.Now)
}

// NewWithClock creates a scheduler with an injected clock.
func NewWithClock(log *zap.Logger, tickInterval time.Duration, now func() time.Time) *Scheduler {
	return &Scheduler{
		log:  log,
		now:  now,
		jobs: map[string]*job{},
		Loop: sync2.NewCycle(tickInterval),
	}
}

// Schedule adds a named job with a standard 5-field cron spec. A timeout of
// zero means the job runs without a deadline.
func (scheduler *Scheduler) Schedule(name, spec string, timeout time.Duration, fn func(ctx context.Context) error) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return Error.New("invalid cron spec %q for job %q: %v", spec, name, err)
	}

	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	if _, exists := scheduler.jobs[name]; exists {
		return Error.New("job %q already scheduled", name)
	}
	scheduler.jobs[name] = &job{
		name:     name,
		spec:     spec,
		schedule: schedule,
		timeout:  timeout,
		fn:       fn,
		status:   StatusIdle,
		nextRun:  schedule.Next(scheduler.now()),
	}
	return nil
}

// Unschedule removes a job. A running invocation is not interrupted.
func (scheduler *Scheduler) Unschedule(name string) error {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	if _, exists := scheduler.jobs[name]; !exists {
		return Error.New("job %q not scheduled", name)
	}
	delete(scheduler.jobs, name)
	return nil
}

// Tick starts every job due at now. A job whose previous run is still
// executing is skipped rather than double-started, so slow runs never pile
// up workers.
func (scheduler *Scheduler) Tick(ctx context.Context, now time.Time) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	for _, due := range scheduler.jobs {
		if due.nextRun.After(now) {
			continue
		}
		due.nextRun = due.schedule.Next(now)

		if due.status == StatusRunning {
			due.skips++
			scheduler.log.Warn("previous run still executing, skipping",
				zap.String("job", due.name))
			continue
		}

		due.status = StatusRunning
		due.lastRun = now
		due.runs++

		scheduler.working.Add(1)
		go scheduler.runJob(ctx, due)
	}
}

func (scheduler *Scheduler) runJob(ctx context.Context, due *job) {
	defer scheduler.working.Done()

	if due.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, due.timeout)
		defer cancel()
	}

	if err := due.fn(ctx); err != nil {
		scheduler.log.Error("job failed",
			zap.String("job", due.name), zap.Error(err))
	}

	scheduler.mu.Lock()
	due.status = StatusIdle
	scheduler.mu.Unlock()
}

// Run ticks the job table until ctx is canceled.
func (scheduler *Scheduler) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return scheduler.Loop.Run(ctx, func(ctx context.Context) error {
		scheduler.Tick(ctx, scheduler.now())
		return nil
	})
}

// Close stops ticking and waits for running jobs to finish.
func (scheduler *Scheduler) Close() error {
	scheduler.Loop.Stop()
	scheduler.working.Wait()
	return nil
}

// Jobs returns a snapshot of the job table sorted by name.
func (scheduler *Scheduler) Jobs() []JobStatus {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	statuses := make([]JobStatus, 0, len(scheduler.jobs))
	for _, entry := range scheduler.jobs {
		statuses = append(statuses, JobStatus{
			Name:    entry.name,
			Spec:    entry.spec,
			Status:  entry.status,
			LastRun: entry.lastRun,
			NextRun: entry.nextRun,
			Runs:    entry.runs,
			Skips:   entry.skips,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
