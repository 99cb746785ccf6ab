package payments

import (
	"context"
	"fmt"
	"log/slog"
)

// AfterCommit is the list of side effects run once a money transition has committed.
// Each task runs inside its own error boundary: a failing or panicking task is
// logged and the remaining tasks still run.
type AfterCommit struct {
	tasks  []task
	logger *slog.Logger
}

type task struct {
	name string
	run  func(ctx context.Context) error
}

// NewAfterCommit creates an empty task list
func NewAfterCommit(logger *slog.Logger) *AfterCommit {
	return &AfterCommit{logger: logger}
}

// Add appends a named task
func (a *AfterCommit) Add(name string, fn func(ctx context.Context) error) {
	a.tasks = append(a.tasks, task{name: name, run: fn})
}

// Run executes every task in order and returns the number that failed.
// Tasks are detached from the caller's cancellation so a disconnecting client
// cannot cut settlement short half way.
func (a *AfterCommit) Run(ctx context.Context) int {
	ctx = context.WithoutCancel(ctx)
	failed := 0
	for _, t := range a.tasks {
		if err := a.runOne(ctx, t); err != nil {
			failed++
			a.logger.Error("post-commit task failed", "task", t.name, "error", err)
		}
	}
	return failed
}

func (a *AfterCommit) runOne(ctx context.Context, t task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.run(ctx)
}
