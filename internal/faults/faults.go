// Package faults defines the coarse error kinds surfaced through job polling.
package faults

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	AcquisitionFailed  Kind = "acquisition_failed"
	MediaToolFailed    Kind = "media_tool_failed"
	EmptyTranscript    Kind = "empty_transcript"
	LLMTransient       Kind = "llm_transient"
	LLMResponseInvalid Kind = "llm_response_invalid"
	LLMFatal           Kind = "llm_fatal"
	Cancelled          Kind = "cancelled"
	PartialFailure     Kind = "partial_failure"
	InvalidInput       Kind = "invalid_input"
	Internal           Kind = "internal"
)

// Error carries a Kind through wrapping. Op names the failing step.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the first Kind found in err's chain. Bare context
// cancellation maps to Cancelled; anything unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Internal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
