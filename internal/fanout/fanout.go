// Package fanout runs a set of tasks concurrently without letting one
// failure cancel or block the others — the "all-settled" strategy the
// aggregator needs when polling N independently-flaky venues.
package fanout

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of concurrent work, identified by name for error reporting.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result captures what happened to a single Task.
type Result struct {
	Name string
	Err  error
}

// All runs every task concurrently against ctx and waits for all of them to
// finish, regardless of how many fail. A zero-value errgroup.Group is used
// deliberately instead of errgroup.WithContext: that constructor derives and
// cancels a child context on first error, which is exactly the fail-fast
// behavior an all-settled poll must not have. Each task's error is captured
// into its own Result rather than returned from Go, so Wait never aborts
// early either.
func All(ctx context.Context, tasks []Task) []Result {
	var group errgroup.Group
	results := make([]Result, len(tasks))
	for i, task := range tasks {
		i, task := i, task
		group.Go(func() error {
			results[i] = Result{Name: task.Name, Err: task.Run(ctx)}
			return nil
		})
	}
	_ = group.Wait()
	return results
}
