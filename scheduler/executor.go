package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/ezex-io/sshmux/logger"
)

// Executor is the single-threaded cooperative run-to-completion primitive
// a multiplexer instance runs on. Every job submitted through Go executes
// on the same goroutine, in submission order, with no internal locking
// required anywhere downstream — the contract the multiplexer and its
// child channels are built against.
//
// Cross-goroutine callers (a transport delivering bytes on its own read
// loop, a user calling Write from arbitrary goroutines) must hop onto the
// Executor via Go before touching multiplexer state.
type Executor struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan func()
	group  *errgroup.Group
}

// NewExecutor starts the executor's draining goroutine and returns it.
// The executor runs until ctx is canceled or Stop is called.
func NewExecutor(ctx context.Context) *Executor {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	e := &Executor{
		ctx:    gctx,
		cancel: cancel,
		jobs:   make(chan func(), 64),
		group:  group,
	}

	group.Go(func() error {
		e.drain()

		return nil
	})

	return e
}

// Go submits a job to run on the executor's goroutine. Go never blocks the
// caller on the job's execution; it only blocks if the internal queue is
// momentarily full.
func (e *Executor) Go(job func()) {
	select {
	case <-e.ctx.Done():
		logger.Debug("executor: dropped job after stop")
	case e.jobs <- job:
	}
}

// Stop cancels the executor and waits for its goroutine to exit.
func (e *Executor) Stop() {
	e.cancel()
	_ = e.group.Wait()
}

func (e *Executor) drain() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case job := <-e.jobs:
			e.runJob(job)
		}
	}
}

func (e *Executor) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("executor: recovered panic in job",
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	job()
}
