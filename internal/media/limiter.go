// Package media turns sources into local files, audio, transcripts and clips
// while keeping the heavy external tools under concurrency limits.
package media

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/forPelevin/vidsum/internal/faults"
)

type waitHookKey struct{}

// WaitHook is told that a caller has to wait for resource. The returned func,
// if any, runs once the wait is over.
type WaitHook func(resource string) (resumed func())

// WithWaitHook returns a context whose limiter acquisitions report waits to fn.
func WithWaitHook(ctx context.Context, fn WaitHook) context.Context {
	return context.WithValue(ctx, waitHookKey{}, fn)
}

func waitHook(ctx context.Context) WaitHook {
	fn, _ := ctx.Value(waitHookKey{}).(WaitHook)
	return fn
}

// Limiter bounds how many callers use one external tool at a time.
type Limiter struct {
	name string
	sem  *semaphore.Weighted
}

func NewLimiter(name string, size int) *Limiter {
	if size <= 0 {
		size = 1
	}
	return &Limiter{name: name, sem: semaphore.NewWeighted(int64(size))}
}

func (l *Limiter) Name() string { return l.name }

// Acquire blocks until a slot is free or ctx is done. The returned release
// must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if !l.sem.TryAcquire(1) {
		var resumed func()
		if fn := waitHook(ctx); fn != nil {
			resumed = fn(l.name)
		}
		err := l.sem.Acquire(ctx, 1)
		if resumed != nil {
			resumed()
		}
		if err != nil {
			return nil, faults.Wrap(faults.Cancelled, "wait for "+l.name, err)
		}
	}
	return func() { l.sem.Release(1) }, nil
}
