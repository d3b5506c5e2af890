package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forPelevin/vidsum/internal/faults"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrNotCancellable = errors.New("job is not cancellable")
	ErrShutdown       = errors.New("orchestrator is shut down")
)

type Options struct {
	Workers   int
	QueueSize int
	// SettledTTL is how long a completed job keeps absorbing duplicate
	// submissions after it left the in-flight registry.
	SettledTTL time.Duration
}

type entry struct {
	job    Job
	key    string
	plan   Plan
	ctx    context.Context
	cancel context.CancelFunc
}

type settled struct {
	id string
	at time.Time
}

type Orchestrator struct {
	log      *slog.Logger
	handlers map[Kind]Handler
	opts     Options
	now      func() time.Time

	mu       sync.RWMutex
	jobs     map[string]*entry
	inflight map[string]string
	settled  map[string]settled
	closed   bool

	queue     chan *entry
	base      context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

func New(log *slog.Logger, opts Options, handlers map[Kind]Handler) *Orchestrator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.SettledTTL <= 0 {
		opts.SettledTTL = time.Minute
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		log:      log,
		handlers: handlers,
		opts:     opts,
		now:      time.Now,
		jobs:     make(map[string]*entry),
		inflight: make(map[string]string),
		settled:  make(map[string]settled),
		queue:    make(chan *entry, opts.QueueSize),
		base:     base,
		stop:     stop,
	}
}

// Start launches the worker pool. It is safe to call more than once.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		for i := 0; i < o.opts.Workers; i++ {
			o.wg.Add(1)
			go o.worker()
		}
	})
}

// Submit registers work of the given kind. A library hit yields an already
// completed job; equivalent in-flight work is joined instead of repeated.
func (o *Orchestrator) Submit(ctx context.Context, kind Kind, input any) (Handle, error) {
	h, ok := o.handlers[kind]
	if !ok {
		return Handle{}, faults.Newf(faults.InvalidInput, "submit", "unknown job kind %q", kind)
	}

	plan, perr := h.Prepare(ctx, input)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return Handle{}, ErrShutdown
	}

	now := o.now().UTC()
	e := &entry{
		job: Job{
			ID:          uuid.NewString(),
			Kind:        kind,
			State:       StatePending,
			Fingerprint: plan.Fingerprint,
			Input:       input,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		key:  plan.Key,
		plan: plan,
	}

	switch {
	case perr != nil:
		o.jobs[e.job.ID] = e
		o.settleLocked(e, nil, perr)
		return Handle{ID: e.job.ID}, nil

	case plan.Cached != nil:
		e.job.Cached = true
		o.jobs[e.job.ID] = e
		o.settleLocked(e, plan.Cached, nil)
		return Handle{ID: e.job.ID, Cached: true}, nil
	}

	if id, ok := o.inflight[plan.Key]; ok {
		o.log.Info("job attached", "job_id", id, "kind", kind, "fingerprint", plan.Fingerprint)
		return Handle{ID: id, Attached: true}, nil
	}
	if s, ok := o.settled[plan.Key]; ok && now.Sub(s.at) < o.opts.SettledTTL {
		if _, exists := o.jobs[s.id]; exists {
			return Handle{ID: s.id, Attached: true}, nil
		}
	}

	e.ctx, e.cancel = context.WithCancel(o.base)
	o.jobs[e.job.ID] = e
	select {
	case o.queue <- e:
	default:
		o.settleLocked(e, nil, faults.New(faults.Internal, "submit", "job queue is full"))
		return Handle{ID: e.job.ID}, nil
	}
	o.inflight[plan.Key] = e.job.ID
	o.log.Info("job submitted", "job_id", e.job.ID, "kind", kind, "fingerprint", plan.Fingerprint)
	return Handle{ID: e.job.ID}, nil
}

// Poll returns a snapshot of the job.
func (o *Orchestrator) Poll(id string) (Job, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return snapshot(e.job), nil
}

// Cancel stops a pending or running job. A running job whose handler has
// already finished its irrevocable work may still complete.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[id]
	if !ok {
		return ErrNotFound
	}
	switch e.job.State {
	case StatePending:
		o.settleLocked(e, nil, faults.New(faults.Cancelled, "cancel", "cancelled before start"))
	case StateRunning:
		e.cancel()
	default:
		return ErrNotCancellable
	}
	o.log.Info("job cancel requested", "job_id", id, "state", e.job.State)
	return nil
}

// Wait polls until the job is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string, every time.Duration) (Job, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		j, err := o.Poll(id)
		if err != nil || j.State.Terminal() {
			return j, err
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-t.C:
		}
	}
}

// Shutdown cancels all work and waits for the workers to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

// StartCleanupLoop drops terminal jobs older than retention every interval
// until ctx is done.
func (o *Orchestrator) StartCleanupLoop(ctx context.Context, interval, retention time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := o.prune(retention); n > 0 {
					o.log.Info("pruned finished jobs", "count", n)
				}
			}
		}
	}()
}

func (o *Orchestrator) prune(retention time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	n := 0
	for id, e := range o.jobs {
		if e.job.State.Terminal() && now.Sub(e.job.UpdatedAt) > retention {
			delete(o.jobs, id)
			n++
		}
	}
	for key, s := range o.settled {
		if now.Sub(s.at) >= o.opts.SettledTTL {
			delete(o.settled, key)
		}
	}
	return n
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for e := range o.queue {
		o.mu.Lock()
		if e.job.State != StatePending {
			o.mu.Unlock()
			continue
		}
		if err := e.ctx.Err(); err != nil {
			o.settleLocked(e, nil, faults.Wrap(faults.Cancelled, "start job", err))
			o.mu.Unlock()
			continue
		}
		e.job.State = StateRunning
		e.job.UpdatedAt = o.now().UTC()
		o.mu.Unlock()

		o.log.Info("job started", "job_id", e.job.ID, "kind", e.job.Kind, "fingerprint", e.plan.Fingerprint)
		out, err := o.run(e)

		o.mu.Lock()
		o.settleLocked(e, out, err)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) run(e *entry) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("job panicked", "job_id", e.job.ID, "panic", r, "stack", string(debug.Stack()))
			out, err = nil, faults.Newf(faults.Internal, "run job", "panic: %v", r)
		}
	}()
	return o.handlers[e.job.Kind].Run(e.ctx, e.plan, &progress{o: o, e: e})
}

// settleLocked moves e to its terminal state. Output, error and state are
// published together under o.mu.
func (o *Orchestrator) settleLocked(e *entry, out any, err error) {
	if err == nil && out == nil {
		err = faults.New(faults.Internal, "settle job", "handler returned neither output nor error")
	}
	now := o.now().UTC()
	e.job.Queued = false
	e.job.UpdatedAt = now
	if err != nil {
		e.job.State = StateFailed
		e.job.Output = nil
		e.job.Error = &Error{Kind: faults.KindOf(err), Message: err.Error()}
		o.log.Warn("job failed", "job_id", e.job.ID, "kind", e.job.Kind, "error_kind", e.job.Error.Kind, "err", err)
	} else {
		e.job.State = StateCompleted
		e.job.Output = out
		e.job.Error = nil
		o.log.Info("job completed", "job_id", e.job.ID, "kind", e.job.Kind, "cached", e.job.Cached)
	}

	if id, ok := o.inflight[e.key]; ok && id == e.job.ID {
		delete(o.inflight, e.key)
	}
	if err == nil && e.key != "" && !e.job.Cached {
		o.settled[e.key] = settled{id: e.job.ID, at: now}
	}
	if e.cancel != nil {
		e.cancel()
	}
}

func snapshot(j Job) Job {
	if j.Error != nil {
		cp := *j.Error
		j.Error = &cp
	}
	return j
}

type progress struct {
	o *Orchestrator
	e *entry
}

func (p *progress) Stage(name string) {
	p.o.mu.Lock()
	defer p.o.mu.Unlock()
	if p.e.job.State != StateRunning {
		return
	}
	p.e.job.Stage = name
	p.e.job.Queued = false
	p.e.job.UpdatedAt = p.o.now().UTC()
	p.o.log.Debug("job stage", "job_id", p.e.job.ID, "stage", name)
}

func (p *progress) Queued(resource string) func() {
	p.o.mu.Lock()
	defer p.o.mu.Unlock()
	if p.e.job.State != StateRunning {
		return nil
	}
	p.e.job.Queued = true
	p.e.job.UpdatedAt = p.o.now().UTC()
	p.o.log.Debug("job queued", "job_id", p.e.job.ID, "stage", p.e.job.Stage, "resource", resource)
	return func() {
		p.o.mu.Lock()
		defer p.o.mu.Unlock()
		if p.e.job.State == StateRunning {
			p.e.job.Queued = false
		}
	}
}
