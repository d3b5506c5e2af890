package ports

import (
	"context"
	"errors"
	"time"

	"github.com/forPelevin/vidsum/internal/types"
)

type VideoTool interface {
	ExtractAudio(ctx context.Context, inVideo, outWav string) error
	CutClip(ctx context.Context, inVideo string, start, end time.Duration, outPath string, reencode bool) error
	Concat(ctx context.Context, clips []string, outPath string) error
	ProbeDuration(ctx context.Context, inVideo string) (time.Duration, error)
}

// ErrNoTranscript is returned by an ASR that finished without producing a
// transcript document.
var ErrNoTranscript = errors.New("transcription produced no output")

type ASR interface {
	Transcribe(ctx context.Context, wavPath, workDir string, opts types.TranscribeOptions) (types.Transcript, error)
}

// Downloader fetches a remote video into outDir and returns the local path.
type Downloader interface {
	Download(ctx context.Context, url, outDir string) (string, error)
}

// LLMCall is a fully built prompt for a single provider request.
type LLMCall struct {
	Model       string
	Messages    []types.ChatMessage
	MaxTokens   int
	Temperature float32
}

// Fragment is one piece of a streamed reply. Index is its position in
// generation order, starting at 0.
type Fragment struct {
	Index int
	Text  string
}

// LLMProvider is one wire protocol behind the gateway. Summarize and
// IdentifyClips return the raw model text, parsing is left to the caller.
type LLMProvider interface {
	Name() string
	Summarize(ctx context.Context, call LLMCall) (string, error)
	IdentifyClips(ctx context.Context, call LLMCall) (string, error)
	ChatTurn(ctx context.Context, call LLMCall, emit func(Fragment) error) error
}
