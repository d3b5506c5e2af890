package media

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/ports"
	"github.com/forPelevin/vidsum/internal/types"
)

// toolError maps a failed tool run to the error taxonomy. A cancelled
// parent wins over whatever the tool reported.
func toolError(parent, run context.Context, op string, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return faults.Wrap(faults.Cancelled, op, parent.Err())
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) {
		return faults.Newf(faults.MediaToolFailed, op, "timed out after %s", timeout)
	}
	return faults.Wrap(faults.MediaToolFailed, op, err)
}

type Extractor struct {
	video   ports.VideoTool
	lim     *Limiter
	timeout time.Duration
}

func NewExtractor(video ports.VideoTool, lim *Limiter, timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = 20 * time.Minute
	}
	return &Extractor{video: video, lim: lim, timeout: timeout}
}

// Extract writes a 16 kHz mono WAV of videoPath into outDir and returns its
// path. Nothing is left behind on failure.
func (e *Extractor) Extract(ctx context.Context, videoPath, outDir string) (string, error) {
	const op = "extract audio"
	release, err := e.lim.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", faults.Wrap(faults.Internal, op, err)
	}
	f, err := os.CreateTemp(outDir, "audio-*.wav")
	if err != nil {
		return "", faults.Wrap(faults.Internal, op, err)
	}
	wav := f.Name()
	f.Close()

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.video.ExtractAudio(rctx, videoPath, wav); err != nil {
		os.Remove(wav)
		return "", toolError(ctx, rctx, op, e.timeout, err)
	}
	return wav, nil
}

type Transcriber struct {
	asr     ports.ASR
	lim     *Limiter
	timeout time.Duration
}

func NewTranscriber(asr ports.ASR, lim *Limiter, timeout time.Duration) *Transcriber {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Transcriber{asr: asr, lim: lim, timeout: timeout}
}

// Transcribe runs the speech engine on audio and removes audio afterwards.
// An engine that produced no document is reported as empty_transcript; a
// document without segments is a valid silent transcript.
func (t *Transcriber) Transcribe(ctx context.Context, audio, workDir string, opts types.TranscribeOptions) (types.Transcript, error) {
	const op = "transcribe"
	defer os.Remove(audio)

	release, err := t.lim.Acquire(ctx)
	if err != nil {
		return types.Transcript{}, err
	}
	defer release()

	rctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	tr, err := t.asr.Transcribe(rctx, audio, workDir, opts)
	if err != nil {
		if errors.Is(err, ports.ErrNoTranscript) && ctx.Err() == nil {
			return types.Transcript{}, faults.Wrap(faults.EmptyTranscript, op, err)
		}
		return types.Transcript{}, toolError(ctx, rctx, op, t.timeout, err)
	}
	if tr.Segments == nil {
		tr.Segments = []types.Segment{}
	}
	return tr, nil
}
