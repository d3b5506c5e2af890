// Package jobs runs slow work in the background behind a submit / poll /
// cancel contract and folds duplicate requests onto one execution.
package jobs

import (
	"context"
	"time"

	"github.com/forPelevin/vidsum/internal/faults"
)

type Kind string

const (
	KindTranscribe   Kind = "transcribe"
	KindSummarize    Kind = "summarize"
	KindExtractClips Kind = "extract_clips"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

type Error struct {
	Kind    faults.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Job is a point-in-time view of one unit of work. Output is set only when
// State is completed and Error only when it is failed.
type Job struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	State       State     `json:"state"`
	Stage       string    `json:"stage,omitempty"`
	Queued      bool      `json:"queued,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Input       any       `json:"input,omitempty"`
	Output      any       `json:"output,omitempty"`
	Error       *Error    `json:"error,omitempty"`
	Cached      bool      `json:"cached,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Plan is what a handler decided before any work is queued.
type Plan struct {
	// Key identifies equivalent work. Two submissions with the same key
	// share one execution.
	Key         string
	Fingerprint string
	// Cached, when non-nil, is a stored result that completes the job
	// immediately.
	Cached any
	// Data is handed back to Run unchanged.
	Data any
}

// Progress lets a running handler describe what it is doing.
type Progress interface {
	Stage(name string)
	// Queued marks the job as waiting for resource. The returned func
	// clears the mark.
	Queued(resource string) (resumed func())
}

// Handler executes one kind of job. Prepare runs synchronously inside
// Submit; Run runs on a worker. Outputs must not be mutated after Run
// returns them.
type Handler interface {
	Prepare(ctx context.Context, input any) (Plan, error)
	Run(ctx context.Context, plan Plan, p Progress) (any, error)
}

// Handle is returned by Submit.
type Handle struct {
	ID string `json:"job_id"`
	// Cached is set when the result came straight from the library.
	Cached bool `json:"cached,omitempty"`
	// Attached is set when the request joined an existing job.
	Attached bool `json:"attached,omitempty"`
}
