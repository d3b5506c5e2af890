package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forPelevin/vidsum/internal/faults"
)

type fakeHandler struct {
	prepare func(ctx context.Context, input any) (Plan, error)
	run     func(ctx context.Context, plan Plan, p Progress) (any, error)
	runs    atomic.Int32
}

func (h *fakeHandler) Prepare(ctx context.Context, input any) (Plan, error) {
	if h.prepare != nil {
		return h.prepare(ctx, input)
	}
	key, _ := input.(string)
	return Plan{Key: key, Fingerprint: "fp:" + key}, nil
}

func (h *fakeHandler) Run(ctx context.Context, plan Plan, p Progress) (any, error) {
	h.runs.Add(1)
	if h.run != nil {
		return h.run(ctx, plan, p)
	}
	return "out:" + plan.Key, nil
}

func newTestOrchestrator(t *testing.T, h Handler, opts Options) *Orchestrator {
	t.Helper()
	o := New(nil, opts, map[Kind]Handler{KindTranscribe: h})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func wait(t *testing.T, o *Orchestrator, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := o.Wait(ctx, id, time.Millisecond)
	if err != nil {
		t.Fatalf("wait %s: %v", id, err)
	}
	return j
}

func checkInvariants(t *testing.T, j Job) {
	t.Helper()
	if (j.Output != nil) != (j.State == StateCompleted) {
		t.Fatalf("output/state mismatch: %+v", j)
	}
	if (j.Error != nil) != (j.State == StateFailed) {
		t.Fatalf("error/state mismatch: %+v", j)
	}
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(t, h, Options{Workers: 1})
	o.Start()

	hd, err := o.Submit(context.Background(), KindTranscribe, "a")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	j := wait(t, o, hd.ID)
	checkInvariants(t, j)
	if j.State != StateCompleted || j.Output != "out:a" || j.Fingerprint != "fp:a" {
		t.Fatalf("unexpected job %+v", j)
	}
}

func TestSubmit_UnknownKind(t *testing.T) {
	o := newTestOrchestrator(t, &fakeHandler{}, Options{})
	if _, err := o.Submit(context.Background(), Kind("nope"), "a"); faults.KindOf(err) != faults.InvalidInput {
		t.Fatalf("expected invalid_input, got %v", err)
	}
}

func TestSubmit_ConcurrentDuplicatesShareOneRun(t *testing.T) {
	release := make(chan struct{})
	h := &fakeHandler{run: func(ctx context.Context, plan Plan, p Progress) (any, error) {
		<-release
		return "shared", nil
	}}
	o := newTestOrchestrator(t, h, Options{Workers: 4})
	o.Start()

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hd, err := o.Submit(context.Background(), KindTranscribe, "same")
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			ids[i] = hd.ID
		}(i)
	}
	wg.Wait()
	close(release)

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("duplicate submissions diverged: %v", ids)
		}
	}
	j := wait(t, o, ids[0])
	if j.State != StateCompleted || j.Output != "shared" {
		t.Fatalf("unexpected job %+v", j)
	}
	if h.runs.Load() != 1 {
		t.Fatalf("expected one run, got %d", h.runs.Load())
	}
}

func TestSubmit_LateDuplicateAttachesToSettledJob(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(t, h, Options{Workers: 1})
	o.Start()

	first, _ := o.Submit(context.Background(), KindTranscribe, "k")
	wait(t, o, first.ID)

	second, err := o.Submit(context.Background(), KindTranscribe, "k")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if second.ID != first.ID || !second.Attached {
		t.Fatalf("late duplicate should attach: %+v vs %+v", second, first)
	}
	if h.runs.Load() != 1 {
		t.Fatalf("expected one run, got %d", h.runs.Load())
	}
}

func TestSubmit_FailedJobIsNotReused(t *testing.T) {
	var calls atomic.Int32
	h := &fakeHandler{run: func(ctx context.Context, plan Plan, p Progress) (any, error) {
		if calls.Add(1) == 1 {
			return nil, faults.New(faults.MediaToolFailed, "extract", "boom")
		}
		return "ok", nil
	}}
	o := newTestOrchestrator(t, h, Options{Workers: 1})
	o.Start()

	first, _ := o.Submit(context.Background(), KindTranscribe, "k")
	j := wait(t, o, first.ID)
	checkInvariants(t, j)
	if j.State != StateFailed || j.Error.Kind != faults.MediaToolFailed {
		t.Fatalf("unexpected job %+v", j)
	}

	second, _ := o.Submit(context.Background(), KindTranscribe, "k")
	if second.ID == first.ID {
		t.Fatalf("failed job must not absorb retries")
	}
	if j := wait(t, o, second.ID); j.State != StateCompleted {
		t.Fatalf("retry did not complete: %+v", j)
	}
}

func TestSubmit_CachedPlanSkipsRun(t *testing.T) {
	h := &fakeHandler{prepare: func(ctx context.Context, input any) (Plan, error) {
		return Plan{Key: "k", Fingerprint: "fp", Cached: "from library"}, nil
	}}
	o := newTestOrchestrator(t, h, Options{Workers: 1})
	o.Start()

	hd, err := o.Submit(context.Background(), KindTranscribe, "k")
	if err != nil || !hd.Cached {
		t.Fatalf("expected cached handle, got %+v, %v", hd, err)
	}
	j, _ := o.Poll(hd.ID)
	checkInvariants(t, j)
	if j.State != StateCompleted || !j.Cached || j.Output != "from library" {
		t.Fatalf("unexpected job %+v", j)
	}
	if h.runs.Load() != 0 {
		t.Fatalf("handler must not run for cached results")
	}
}

func TestSubmit_PrepareErrorFailsWithoutRunning(t *testing.T) {
	h := &fakeHandler{prepare: func(ctx context.Context, input any) (Plan, error) {
		return Plan{}, faults.New(faults.InvalidInput, "prepare", "url or file required")
	}}
	o := newTestOrchestrator(t, h, Options{Workers: 1})
	o.Start()

	hd, err := o.Submit(context.Background(), KindTranscribe, "x")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	j, _ := o.Poll(hd.ID)
	checkInvariants(t, j)
	if j.State != StateFailed || j.Error.Kind != faults.InvalidInput {
		t.Fatalf("unexpected job %+v", j)
	}
	if h.runs.Load() != 0 {
		t.Fatalf("handler must not run")
	}
}

func TestCancel_Pending(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(t, h, Options{Workers: 1})

	hd, _ := o.Submit(context.Background(), KindTranscribe, "k")
	if err := o.Cancel(hd.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	j, _ := o.Poll(hd.ID)
	checkInvariants(t, j)
	if j.State != StateFailed || j.Error.Kind != faults.Cancelled {
		t.Fatalf("unexpected job %+v", j)
	}
	if err := o.Cancel(hd.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}

	o.Start()
	time.Sleep(20 * time.Millisecond)
	if h.runs.Load() != 0 {
		t.Fatalf("cancelled job must never run")
	}
	if err := o.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancel_RunningBeforeToolCall(t *testing.T) {
	started := make(chan struct{})
	h := &fakeHandler{run: func(ctx context.Context, plan Plan, p Progress) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := newTestOrchestrator(t, h, Options{Workers: 1})
	o.Start()

	hd, _ := o.Submit(context.Background(), KindTranscribe, "k")
	<-started
	if err := o.Cancel(hd.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	j := wait(t, o, hd.ID)
	checkInvariants(t, j)
	if j.State != StateFailed || j.Error.Kind != faults.Cancelled {
		t.Fatalf("unexpected job %+v", j)
	}
}

func TestCancel_AfterIrrevocableCallCompletes(t *testing.T) {
	started := make(chan struct{})
	h := &fakeHandler{run: func(ctx context.Context, plan Plan, p Progress) (any, error) {
		close(started)
		// The external call has already returned; cancellation arrives
		// too late to matter.
		<-ctx.Done()
		return "kept", nil
	}}
	o := newTestOrchestrator(t, h, Options{Workers: 1})
	o.Start()

	hd, _ := o.Submit(context.Background(), KindTranscribe, "k")
	<-started
	if err := o.Cancel(hd.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	j := wait(t, o, hd.ID)
	checkInvariants(t, j)
	if j.State != StateCompleted || j.Output != "kept" {
		t.Fatalf("unexpected job %+v", j)
	}
}

func TestRun_PanicBecomesInternalFailure(t *testing.T) {
	h := &fakeHandler{run: func(ctx context.Context, plan Plan, p Progress) (any, error) {
		panic("boom")
	}}
	o := newTestOrchestrator(t, h, Options{Workers: 1})
	o.Start()

	hd, _ := o.Submit(context.Background(), KindTranscribe, "k")
	j := wait(t, o, hd.ID)
	checkInvariants(t, j)
	if j.State != StateFailed || j.Error.Kind != faults.Internal {
		t.Fatalf("unexpected job %+v", j)
	}
}

func TestRun_NilOutputBecomesInternalFailure(t *testing.T) {
	h := &fakeHandler{run: func(ctx context.Context, plan Plan, p Progress) (any, error) {
		return nil, nil
	}}
	o := newTestOrchestrator(t, h, Options{Workers: 1})
	o.Start()

	hd, _ := o.Submit(context.Background(), KindTranscribe, "k")
	j := wait(t, o, hd.ID)
	checkInvariants(t, j)
	if j.State != StateFailed || j.Error.Kind != faults.Internal {
		t.Fatalf("unexpected job %+v", j)
	}

	// Nothing was settled under the key, so a retry runs again.
	hd2, _ := o.Submit(context.Background(), KindTranscribe, "k")
	wait(t, o, hd2.ID)
	if hd2.ID == hd.ID || h.runs.Load() != 2 {
		t.Fatalf("failed job was reused: %s runs=%d", hd2.ID, h.runs.Load())
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	o := newTestOrchestrator(t, &fakeHandler{}, Options{Workers: 1, QueueSize: 1})

	first, _ := o.Submit(context.Background(), KindTranscribe, "a")
	second, err := o.Submit(context.Background(), KindTranscribe, "b")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	j, _ := o.Poll(second.ID)
	if j.State != StateFailed || j.Error.Kind != faults.Internal {
		t.Fatalf("expected queue-full failure, got %+v", j)
	}
	if j, _ := o.Poll(first.ID); j.State != StatePending {
		t.Fatalf("first job should still be pending, got %+v", j)
	}
}

func TestProgress_StageAndQueued(t *testing.T) {
	queued := make(chan struct{})
	proceed := make(chan struct{})
	h := &fakeHandler{run: func(ctx context.Context, plan Plan, p Progress) (any, error) {
		p.Stage("extract_audio")
		resumed := p.Queued("media")
		close(queued)
		<-proceed
		resumed()
		p.Stage("transcribe")
		return "done", nil
	}}
	o := newTestOrchestrator(t, h, Options{Workers: 1})
	o.Start()

	hd, _ := o.Submit(context.Background(), KindTranscribe, "k")
	<-queued
	j, _ := o.Poll(hd.ID)
	if j.State != StateRunning || j.Stage != "extract_audio" || !j.Queued {
		t.Fatalf("unexpected running snapshot %+v", j)
	}
	close(proceed)
	j = wait(t, o, hd.ID)
	if j.Queued || j.Stage != "transcribe" {
		t.Fatalf("unexpected final snapshot %+v", j)
	}
}

func TestPrune(t *testing.T) {
	o := newTestOrchestrator(t, &fakeHandler{}, Options{Workers: 1})
	o.Start()
	hd, _ := o.Submit(context.Background(), KindTranscribe, "k")
	wait(t, o, hd.ID)

	if n := o.prune(time.Hour); n != 0 {
		t.Fatalf("fresh job pruned")
	}
	o.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := o.prune(time.Hour); n != 1 {
		t.Fatalf("expected 1 pruned job, got %d", n)
	}
	if _, err := o.Poll(hd.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after prune, got %v", err)
	}
}

func TestShutdown_CancelsRunningJobs(t *testing.T) {
	started := make(chan struct{})
	h := &fakeHandler{run: func(ctx context.Context, plan Plan, p Progress) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := New(nil, Options{Workers: 1}, map[Kind]Handler{KindTranscribe: h})
	o.Start()
	hd, _ := o.Submit(context.Background(), KindTranscribe, "k")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	j, _ := o.Poll(hd.ID)
	if j.State != StateFailed || j.Error.Kind != faults.Cancelled {
		t.Fatalf("unexpected job %+v", j)
	}
	if _, err := o.Submit(context.Background(), KindTranscribe, "x"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}
