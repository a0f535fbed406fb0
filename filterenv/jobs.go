package filterenv

import (
	"context"
	"time"

	"github.com/migadu/mailfilter/logger"
	"golang.org/x/sync/errgroup"
)

// JobGroup tracks fire-and-forget work started by actions, such as contact
// creation, so the process can wait for it before exiting. Actions never
// wait on their own jobs.
type JobGroup struct {
	g       errgroup.Group
	timeout time.Duration
}

// NewJobGroup returns a group whose jobs each get at most timeout to run.
// Zero means no per-job deadline.
func NewJobGroup(timeout time.Duration) *JobGroup {
	return &JobGroup{timeout: timeout}
}

// Go starts fn in the background. A nil group still runs the job, it just
// cannot be waited for.
func (j *JobGroup) Go(name string, fn func(ctx context.Context) error) {
	run := func() error {
		ctx := context.Background()
		if j != nil && j.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.timeout)
			defer cancel()
		}
		if err := fn(ctx); err != nil {
			logger.Warn("JOBS: background job failed", "job", name, "error", err)
			return err
		}
		return nil
	}
	if j == nil {
		go func() { _ = run() }()
		return
	}
	j.g.Go(run)
}

// Wait blocks until every job finished or ctx is done and returns the first
// job error.
func (j *JobGroup) Wait(ctx context.Context) error {
	if j == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- j.g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
