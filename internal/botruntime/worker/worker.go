// Package worker runs a per-runtime job loop. Jobs from one channel are
// handled in order; the shared semaphore bounds how many runtimes execute at
// once across the process.
package worker

import (
	"context"
	"fmt"
	"log/slog"
)

type StartOptions[J any] struct {
	Ctx    context.Context
	Sem    chan struct{}
	Jobs   <-chan J
	Handle func(context.Context, J)
	// Logger receives job panics; the loop itself must outlive any single job.
	Logger *slog.Logger
}

func Start[J any](opts StartOptions[J]) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		for {
			select {
			case <-opts.Ctx.Done():
				return
			case job, ok := <-opts.Jobs:
				if !ok {
					return
				}
				select {
				case opts.Sem <- struct{}{}:
				case <-opts.Ctx.Done():
					return
				}
				func() {
					defer func() { <-opts.Sem }()
					defer func() {
						if rec := recover(); rec != nil {
							logger.Error("job_panic", "panic", fmt.Sprint(rec))
						}
					}()
					opts.Handle(opts.Ctx, job)
				}()
			}
		}
	}()
}

// TryEnqueue offers job without blocking; false means the queue is full or
// the runtime is shutting down.
func TryEnqueue[J any](ctx context.Context, jobs chan<- J, job J) bool {
	select {
	case <-ctx.Done():
		return false
	case jobs <- job:
		return true
	default:
		return false
	}
}
